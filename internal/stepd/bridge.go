package stepd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// bridge connects the first client accepted on a listener to the child's
// terminal or pipes.
type bridge struct {
	ln     net.Listener
	output *os.File // child stdout and stderr
	input  *os.File // child stdin
	logger *slog.Logger

	connected atomic.Bool
	stopping  atomic.Bool
	conn      atomic.Pointer[net.Conn]
	done      chan struct{}
}

func newBridge(ln net.Listener, output, input *os.File, logger *slog.Logger) *bridge {
	return &bridge{ln: ln, output: output, input: input, logger: logger, done: make(chan struct{})}
}

// serve accepts one client and copies in both directions until both
// directions have finished. It then closes the client and calls onClose.
func (b *bridge) serve(onClose func()) {
	defer close(b.done)
	defer onClose()

	conn, err := b.ln.Accept()
	b.ln.Close()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			b.logger.Warn("failed to accept client", "error", err)
		}
		return
	}
	b.conn.Store(&conn)
	// A stop racing with Accept may have missed the connection.
	if b.stopping.Load() {
		conn.SetReadDeadline(time.Now())
	}
	b.connected.Store(true)
	b.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	var g errgroup.Group
	g.Go(func() error {
		copyStream(conn, b.output)
		b.output.Close()
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		b.logger.Debug("output stream finished")
		return nil
	})
	g.Go(func() error {
		copyStream(b.input, conn)
		b.input.Close()
		b.logger.Debug("input stream finished")
		return nil
	})
	g.Wait()

	conn.Close()
	b.logger.Info("client connection closed")
}

// stop cancels the copy loops, or the pending accept when no client ever
// connected, and waits for serve to finish.
func (b *bridge) stop() {
	b.stopping.Store(true)
	now := time.Now()
	if c := b.conn.Load(); c != nil {
		(*c).SetReadDeadline(now)
	}
	b.output.SetReadDeadline(now)
	b.ln.Close()
	<-b.done
	b.output.Close()
	b.input.Close()
}

// copyStream copies until EOF or an I/O error on either side. Errors end
// the copy; they are expected when the peer goes away.
func copyStream(dst io.Writer, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil && !expectedCopyError(err) {
		slog.Debug("stream copy ended", "error", err)
	}
}

func expectedCopyError(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func (b *bridge) waitConnected(ctx context.Context, limit, interval time.Duration) bool {
	if b.connected.Load() {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if b.connected.Load() {
			// One more interval for the output already produced to cross the network.
			time.Sleep(interval)
			return true
		}
	}
	return false
}
