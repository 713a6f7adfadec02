package transport

import (
	"context"
	"sync"

	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
)

// InboundStreamable is the server side of the streamable-HTTP transport.
// Each POST carries one request or
// notification; in stateful mode the response (or a later server-initiated
// message matching a pending request) is delivered back on the very same
// POST's HTTP response. Any frame this adapter wants to push that is not the
// synchronous reply to an in-flight POST (a server-initiated request, a
// notification, a delayed duplicate) is queued on Outbox for an optional
// GET-based SSE stream.
type InboundStreamable struct {
	sessionID string
	stateless bool

	inbox  chan []byte
	outbox chan []byte
	errCh  chan error

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool
}

// NewInboundStreamable creates a session. sessionID is empty in stateless
// mode, where no session header is threaded on any call.
func NewInboundStreamable(sessionID string, stateless bool) *InboundStreamable {
	return &InboundStreamable{
		sessionID: sessionID,
		stateless: stateless,
		inbox:     make(chan []byte, 32),
		outbox:    make(chan []byte, 32),
		errCh:     make(chan error, 1),
		pending:   make(map[string]chan []byte),
	}
}

func (s *InboundStreamable) SessionID() string { return s.sessionID }

func (s *InboundStreamable) Inbound() <-chan []byte { return s.inbox }
func (s *InboundStreamable) Err() <-chan error      { return s.errCh }
func (s *InboundStreamable) Outbox() <-chan []byte  { return s.outbox }

// Send is called by the attached session to deliver a response,
// server-initiated request, or notification to this frontend. If a POST is
// currently blocked waiting for exactly this id's response, it is delivered
// there; otherwise it queues on Outbox for the GET stream.
func (s *InboundStreamable) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var waiter chan []byte
	if id := extractID(frame); id != "" {
		waiter = s.pending[id]
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if waiter != nil {
		waiter <- frame
		return nil
	}

	select {
	case s.outbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverRequest is called by the POST handler. It feeds frame to the
// attached session via Inbound and, if frame carries a request id, blocks
// until the matching response arrives (or ctx is done), returning it so the
// handler can write it as the synchronous HTTP response body. Notifications
// return immediately with a nil response.
func (s *InboundStreamable) DeliverRequest(ctx context.Context, frame []byte) ([]byte, error) {
	id := extractID(frame)

	var waiter chan []byte
	if id != "" {
		waiter = make(chan []byte, 1)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.pending[id] = waiter
		s.mu.Unlock()
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	s.inbox <- frame

	if waiter == nil {
		return nil, nil
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *InboundStreamable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, w := range s.pending {
		close(w)
	}
	s.pending = nil
	close(s.inbox)
	close(s.outbox)
	s.errCh <- ErrClosed
	return nil
}

// extractID returns the string form of frame's JSON-RPC id, or "" if frame
// has none (a notification) or fails to parse.
func extractID(frame []byte) string {
	msg, err := jsonrpc.Parse(frame)
	if err != nil || msg.ID == nil {
		return ""
	}
	return msg.ID.String()
}
