// Package transport keeps a websocket connection to the controller open,
// reconnecting with exponential backoff, and delivers outbound messages in
// order over whichever connection is current.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/caevv/flightd/internal/protocol"
)

const (
	initialBackoff = time.Second
	writeTimeout   = 10 * time.Second
)

// Handshake builds the first message of a connection. reconnect is true when
// an earlier connection of this client had been established.
type Handshake func(reconnect bool) (protocol.Outbound, error)

// Handler receives each decoded inbound message, on the reading goroutine.
type Handler func(msg protocol.Inbound)

// Client owns the controller connection of one process.
type Client struct {
	url      string
	maxSleep time.Duration
	dialer   *websocket.Dialer
	logger   *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	changed   chan struct{}
	connected bool // a handshake has succeeded at least once
}

// NewClient creates a client for the websocket URL rawURL. maxSleep caps the
// reconnect backoff.
func NewClient(rawURL string, maxSleep time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid controller url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid controller url %q: scheme must be ws or wss", rawURL)
	}
	if maxSleep < initialBackoff {
		maxSleep = initialBackoff
	}
	return &Client{
		url:      rawURL,
		maxSleep: maxSleep,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
		changed:  make(chan struct{}),
	}, nil
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.maxSleep
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects, sends the handshake and feeds inbound messages to handle
// until ctx is done. Connection failures are retried indefinitely.
func (c *Client) Run(ctx context.Context, handshake Handshake, handle Handler) error {
	b := c.newBackoff()
	for {
		err := c.session(ctx, b, handshake, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		c.logger.Info("controller connection lost", "error", err, "retry_in", wait.String())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to read failure.
func (c *Client) session(ctx context.Context, b backoff.BackOff, handshake Handshake, handle Handler) error {
	c.logger.Debug("connecting to controller", "url", c.url)
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	reconnect := c.connected
	c.mu.Unlock()

	hello, err := handshake(reconnect)
	if err != nil {
		return fmt.Errorf("failed to build handshake: %w", err)
	}
	if err := c.write(conn, hello); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	b.Reset()
	c.setConn(conn)
	defer c.drop(conn)
	c.logger.Info("connected to controller", "url", c.url, "reconnect", reconnect)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding inbound message", "error", err)
			continue
		}
		c.logger.Debug("received message", "command", string(msg.Command()))
		handle(msg)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = true
	close(c.changed)
	c.changed = make(chan struct{})
}

// drop closes conn and forgets it if it is still the current connection.
func (c *Client) drop(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		close(c.changed)
		c.changed = make(chan struct{})
	}
}

// Connected reports whether a handshaken connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// current waits for a handshaken connection other than stale.
func (c *Client) current(ctx context.Context, stale *websocket.Conn) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn, changed := c.conn, c.changed
		c.mu.Unlock()
		if conn != nil && conn != stale {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Command(), err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
