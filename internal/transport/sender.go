package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/caevv/flightd/internal/protocol"
)

type outgoing struct {
	msg  protocol.Outbound
	done chan struct{}
}

// Sender delivers outbound messages in order, at least once. A message whose
// write fails stays at the head of the queue and is written again on the
// next connection.
type Sender struct {
	client *Client

	mu    sync.Mutex
	queue []*outgoing
	wake  chan struct{}
}

// NewSender creates a sender writing through client. Nothing is written
// until Run is called.
func NewSender(client *Client) *Sender {
	return &Sender{client: client, wake: make(chan struct{}, 1)}
}

// Enqueue queues msg without waiting for it to be written.
func (s *Sender) Enqueue(msg protocol.Outbound) {
	s.push(msg)
}

// Send queues msg and waits until it has been written. If ctx ends first the
// message stays queued.
func (s *Sender) Send(ctx context.Context, msg protocol.Outbound) error {
	out := s.push(msg)
	select {
	case <-out.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of unwritten messages.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sender) push(msg protocol.Outbound) *outgoing {
	out := &outgoing{msg: msg, done: make(chan struct{})}
	s.mu.Lock()
	s.queue = append(s.queue, out)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return out
}

func (s *Sender) head() *outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Sender) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.queue[0].done)
	s.queue[0] = nil
	s.queue = s.queue[1:]
}

// Run writes queued messages until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	var stale *websocket.Conn
	for {
		out := s.head()
		if out == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		conn, err := s.client.current(ctx, stale)
		if err != nil {
			return err
		}
		if err := s.client.write(conn, out.msg); err != nil {
			s.client.logger.Warn("failed to send message, will retry on reconnect",
				"command", string(out.msg.Command()), "error", err)
			s.client.drop(conn)
			stale = conn
			continue
		}
		s.client.logger.Debug("sent message", "command", string(out.msg.Command()))
		stale = nil
		s.pop()
	}
}
