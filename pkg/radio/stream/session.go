package stream

import (
	"context"
	"sync"

	"github.com/cuemby/meshbridge/pkg/decode"
	"github.com/cuemby/meshbridge/pkg/radio"
)

// Session holds the connection state shared by the stream-backed radio
// adapters. It is connected once; readers build a new adapter (and so a new
// Session) for every reconnect.
type Session struct {
	name    string
	cfg     Config
	handler Handler

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewSession creates an unconnected session
func NewSession(name string, cfg Config, handler Handler) *Session {
	return &Session{name: name, cfg: cfg, handler: handler}
}

// Name returns the interface name
func (s *Session) Name() string {
	return s.name
}

// Connect dials the decoder sidecar
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return radio.ErrClosed
	}
	if s.client != nil {
		return nil
	}
	client, err := Dial(ctx, s.name, s.cfg, s.handler)
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *Session) current() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, radio.ErrClosed
	}
	return s.client, nil
}

// Next returns the next decoded packet
func (s *Session) Next(ctx context.Context) (decode.Fields, error) {
	client, err := s.current()
	if err != nil {
		return nil, err
	}
	return client.Next(ctx)
}

// Send writes a frame to the sidecar
func (s *Session) Send(frame any) error {
	client, err := s.current()
	if err != nil {
		return err
	}
	return client.Send(frame)
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
