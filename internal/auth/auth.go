// Package auth provides the token that identifies this node to the
// controller.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/caevv/flightd/internal/config"
)

// AuthenticationError is returned when no token can be obtained.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TokenProvider returns a bearer token for the controller handshake.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// New returns the provider selected by cfg.AuthType.
func New(cfg *config.Config, logger *slog.Logger) (TokenProvider, error) {
	switch cfg.AuthType {
	case "", "basic":
		return Basic{NodeName: cfg.NodeName}, nil
	case "munge":
		return &Munge{
			NodeName: cfg.NodeName,
			Binary:   cfg.Munge.Binary,
			Timeout:  cfg.Munge.Timeout,
			logger:   logger,
		}, nil
	default:
		return nil, &AuthenticationError{Provider: cfg.AuthType, Err: errors.New("unknown auth type")}
	}
}

// Basic is the no-auth provider: the token is the node name.
type Basic struct {
	NodeName string
}

func (b Basic) Token(context.Context) (string, error) {
	if b.NodeName == "" {
		return "", &AuthenticationError{Provider: "basic", Err: errors.New("node name not set")}
	}
	return b.NodeName, nil
}

// Munge encodes a credential for the node name with the munge binary.
type Munge struct {
	NodeName string
	Binary   string
	Timeout  time.Duration

	logger *slog.Logger
}

func (m *Munge) Token(ctx context.Context) (string, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, m.Binary)
	cmd.Stdin = strings.NewReader("NODE_NAME: " + m.NodeName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return "", &AuthenticationError{Provider: "munge", Err: fmt.Errorf("unable to obtain munge token: %w", ctx.Err())}
	}
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("munge failed", slog.String("binary", m.Binary), slog.String("stderr", strings.TrimSpace(stderr.String())))
		}
		return "", &AuthenticationError{Provider: "munge", Err: fmt.Errorf("unable to obtain munge token: %w", err)}
	}

	token := strings.TrimSpace(stdout.String())
	if token == "" {
		return "", &AuthenticationError{Provider: "munge", Err: errors.New("munge returned an empty token")}
	}
	if m.logger != nil {
		m.logger.Debug("obtained munge token", slog.Duration("duration", time.Since(start)))
	}
	return token, nil
}
