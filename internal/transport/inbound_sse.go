package transport

import (
	"context"
	"sync"
)

// InboundSSE is the server side of the SSE transport: one long-lived GET
// event stream per frontend plus short POSTs demuxed by session id,
// generalized to any frontend session the HTTP surface attaches.
type InboundSSE struct {
	id string

	outbox chan []byte // frames to push to the client over the event stream
	inbox  chan []byte // frames POSTed by the client, consumed by a session
	errCh  chan error

	mu     sync.Mutex
	closed bool
}

// NewInboundSSE creates a session keyed by id (the query-string session id
// handed out in the initial "endpoint" SSE event).
func NewInboundSSE(id string) *InboundSSE {
	return &InboundSSE{
		id:     id,
		outbox: make(chan []byte, 32),
		inbox:  make(chan []byte, 32),
		errCh:  make(chan error, 1),
	}
}

// ID returns the session id embedded in the "endpoint" event URL.
func (s *InboundSSE) ID() string { return s.id }

// Inbound is read by the attached ClientSession to receive frontend
// requests/notifications.
func (s *InboundSSE) Inbound() <-chan []byte { return s.inbox }

// Err carries the terminal error, if any, once Inbound closes.
func (s *InboundSSE) Err() <-chan error { return s.errCh }

// Outbox is read by the GET /sse handler loop to stream "event: message"
// frames to the connected client.
func (s *InboundSSE) Outbox() <-chan []byte { return s.outbox }

// Send queues a frame to be delivered to the frontend over the event
// stream. It is how the proxy/aggregator's session writes responses,
// server-initiated requests, and notifications back to this frontend.
func (s *InboundSSE) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.outbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverInbound is called by the POST /messages handler with the decoded
// request body. It never blocks the HTTP handler beyond the inbox's buffer.
func (s *InboundSSE) DeliverInbound(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	s.inbox <- frame
	return nil
}

// Close tears down the session: no message is delivered to a peer whose
// session has transitioned to closed.
func (s *InboundSSE) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.inbox)
	close(s.outbox)
	s.errCh <- ErrClosed
	return nil
}
