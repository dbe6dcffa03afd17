package transport

import (
	"context"
	"fmt"
)

// NewPair returns two Senders wired directly to each other in-process,
// with no WebSocket involved. Used by the loopback demo and by tests that
// exercise Pusher/Puller/Replicator without a real network connection.
func NewPair() (Sender, Sender) {
	a := &memorySender{}
	b := &memorySender{}
	a.peer = b
	b.peer = a
	return a, b
}

type memorySender struct {
	peer     *memorySender
	handlers map[string]Handler
	closed   bool
}

func (m *memorySender) SendRequest(ctx context.Context, req *Message) (*Message, error) {
	if m.closed || m.peer == nil || m.peer.closed {
		return nil, fmt.Errorf("transport: connection closed")
	}
	handler := m.peer.handlers[req.Profile]
	if handler == nil {
		return nil, fmt.Errorf("transport: no handler registered for profile %q", req.Profile)
	}

	resultCh := make(chan *Message, 1)
	go func() {
		resultCh <- handler(ctx, req)
	}()

	if req.NoReply {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-resultCh:
		if resp == nil {
			return &Message{}, nil
		}
		return resp, nil
	}
}

func (m *memorySender) HandleProfile(profile string, handler Handler) {
	if m.handlers == nil {
		m.handlers = make(map[string]Handler)
	}
	m.handlers[profile] = handler
}

func (m *memorySender) Close() error {
	m.closed = true
	return nil
}
