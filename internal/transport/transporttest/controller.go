// Package transporttest provides an in-process controller for tests of
// components that talk to the controller over a websocket.
package transporttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one message received from a client.
type Frame struct {
	Conn int // 1-based connection number
	Data map[string]any
}

// Command returns the frame's command tag.
func (f Frame) Command() string {
	s, _ := f.Data["command"].(string)
	return s
}

// String returns a string field of the frame.
func (f Frame) String(key string) string {
	s, _ := f.Data[key].(string)
	return s
}

// Controller accepts websocket connections and records every frame.
type Controller struct {
	t        testing.TB
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	reject bool

	frames chan Frame
}

// NewController starts a controller that is closed when the test ends.
func NewController(t testing.TB) *Controller {
	c := &Controller{t: t, frames: make(chan Frame, 256)}
	c.server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Close)
	return c
}

// URL returns the ws:// address of the controller.
func (c *Controller) URL() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func (c *Controller) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	reject := c.reject
	c.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	id := len(c.conns)
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			c.t.Errorf("controller received non-JSON frame: %q", data)
			continue
		}
		c.frames <- Frame{Conn: id, Data: m}
	}
}

// Reject makes the controller refuse new connections while on is true.
func (c *Controller) Reject(on bool) {
	c.mu.Lock()
	c.reject = on
	c.mu.Unlock()
}

// Connections returns how many connections have been accepted.
func (c *Controller) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Send writes v as JSON on the most recent connection.
func (c *Controller) Send(v any) {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		c.t.Fatal("controller has no connection to send on")
	}
	if err := c.conns[len(c.conns)-1].WriteJSON(v); err != nil {
		c.t.Fatalf("controller send: %v", err)
	}
}

// SendRaw writes data as a text frame on the most recent connection.
func (c *Controller) SendRaw(data string) {
	c.t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		c.t.Fatal("controller has no connection to send on")
	}
	if err := c.conns[len(c.conns)-1].WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("controller send: %v", err)
	}
}

// Drop closes every open connection.
func (c *Controller) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
}

// Next returns the next received frame, failing the test after timeout.
func (c *Controller) Next(timeout time.Duration) Frame {
	c.t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(timeout):
		c.t.Fatalf("no frame received within %s", timeout)
		return Frame{}
	}
}

// Expect skips frames until one with the given command arrives.
func (c *Controller) Expect(command string, timeout time.Duration) Frame {
	c.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.frames:
			if f.Command() == command {
				return f
			}
		case <-deadline:
			c.t.Fatalf("no %s frame received within %s", command, timeout)
			return Frame{}
		}
	}
}

// Close shuts the controller down.
func (c *Controller) Close() {
	c.Drop()
	c.server.CloseClientConnections()
	c.server.Close()
}
