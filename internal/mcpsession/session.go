// Package mcpsession implements the stateful JSON-RPC peer on top of a
// transport.Transport: it drives the MCP
// handshake, tracks outstanding requests, and dispatches incoming
// responses/notifications/server-initiated requests.
package mcpsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// ErrSessionClosed is returned by Request when the session is closed while a
// call is outstanding.
var ErrSessionClosed = errors.New("mcpsession: session closed")

// TimeoutError indicates a request exceeded its deadline without a matching
// response arriving.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcpsession: %s: timed out waiting for response", e.Method)
}

// decodeInto unmarshals a raw JSON-RPC result into v, treating an absent
// result as a no-op (some notifications-shaped results carry no body).
func decodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// ClientInfo identifies the peer during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is an opaque bag of MCP capability flags, carried verbatim
// between initialize requests/results without mcpbridge needing to interpret
// every field.
type Capabilities map[string]any

// InitializeResult is what a successful initialize() call against a peer
// returns.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ClientInfo   `json:"serverInfo"`
}

// RequestHandler processes a request the remote peer initiated (e.g. a
// sampling call from a backend). id is the peer's own request id, exposed so
// a caller that needs to correlate against it later (e.g. to translate a
// subsequent notifications/cancelled) can record it before awaiting.
// Returning an error yields a JSON-RPC error response to the peer.
type RequestHandler func(ctx context.Context, id jsonrpc.ID, method string, params []byte) (result any, err error)

// NotificationHandler processes a fire-and-forget notification the remote
// peer sent.
type NotificationHandler func(ctx context.Context, method string, params []byte)

const defaultRequestTimeout = 60 * time.Second
const defaultHandshakeTimeout = 30 * time.Second

// waiter is what Request registers while it blocks for a matching response.
type waiter struct {
	resultCh chan *jsonrpc.Message
}

// Session is one stateful MCP peer. It owns a
// transport exclusively and is not safe to share across independently
// driven peers; the proxy engine and the aggregator each keep one Session
// per attached frontend or backend.
type Session struct {
	name string // for logging: "frontend" or the backend's descriptor name
	t    transport.Transport
	log  *slog.Logger

	nextID int64

	mu          sync.Mutex
	outstanding map[string]*waiter
	closed      bool

	initialized    bool
	clientInfo     ClientInfo
	serverInfo     ClientInfo
	negotiatedCaps Capabilities

	onRequest      RequestHandler
	onNotification NotificationHandler

	doneCh chan struct{}
}

// New wraps t in a Session. The request/notification handlers may be set
// after construction via SetHandlers — the proxy engine registers itself
// this way to break the session/engine ownership cycle.
func New(name string, t transport.Transport, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		name:        name,
		t:           t,
		log:         log,
		outstanding: make(map[string]*waiter),
		doneCh:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SetHandlers installs the callbacks invoked for peer-initiated requests and
// notifications. Must be called before traffic that needs them arrives;
// typically immediately after New, before Initialize.
func (s *Session) SetHandlers(onRequest RequestHandler, onNotification NotificationHandler) {
	s.mu.Lock()
	s.onRequest = onRequest
	s.onNotification = onNotification
	s.mu.Unlock()
}

// Name returns the label this session was constructed with, for logging.
func (s *Session) Name() string { return s.name }

// ServerInfo returns the peer's serverInfo from a completed Initialize.
func (s *Session) ServerInfo() ClientInfo { return s.serverInfo }

// NegotiatedCapabilities returns the peer's advertised capabilities from a
// completed Initialize.
func (s *Session) NegotiatedCapabilities() Capabilities { return s.negotiatedCaps }

// Initialized reports whether Initialize has completed successfully.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Initialize performs the initialize -> initialized handshake.
func (s *Session) Initialize(ctx context.Context, info ClientInfo, caps Capabilities) (*InitializeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	s.clientInfo = info

	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    caps,
		"clientInfo":      info,
	}

	result, err := s.Request(ctx, jsonrpc.MethodInitialize, params, defaultHandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("mcpsession: initialize: %w", err)
	}

	var ir InitializeResult
	if err := decodeInto(result, &ir); err != nil {
		return nil, fmt.Errorf("mcpsession: decode initialize result: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.serverInfo = ir.ServerInfo
	s.negotiatedCaps = ir.Capabilities
	s.mu.Unlock()

	if err := s.Notify(ctx, jsonrpc.NotificationInitialized, nil); err != nil {
		return nil, fmt.Errorf("mcpsession: notifications/initialized: %w", err)
	}

	return &ir, nil
}

// NextID allocates the next outbound request id without sending anything.
// A caller that needs to record the id before the call completes — the
// proxy engine does, to support translating notifications/cancelled —
// allocates it here and passes it to RequestWithID.
func (s *Session) NextID() jsonrpc.ID {
	return jsonrpc.NewIntID(atomic.AddInt64(&s.nextID, 1))
}

// Request allocates the next id, registers a waiter, writes the request, and
// waits for the matching response, a timeout, or session close. Timeouts
// raise a typed error without sending a cancellation notification — the
// remote may still answer and the late answer is discarded.
func (s *Session) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.RequestWithID(ctx, s.NextID(), method, params, timeout)
}

// RequestWithID behaves like Request but sends under a caller-supplied id
// (from NextID) instead of allocating its own.
func (s *Session) RequestWithID(ctx context.Context, id jsonrpc.ID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	w := &waiter{resultCh: make(chan *jsonrpc.Message, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("mcpsession: %s: session closed", method)
	}
	s.outstanding[id.String()] = w
	s.mu.Unlock()

	raw, err := msg.Encode()
	if err != nil {
		s.dropWaiter(id.String())
		return nil, err
	}
	if err := s.t.Send(ctx, raw); err != nil {
		s.dropWaiter(id.String())
		return nil, fmt.Errorf("mcpsession: send %s: %w", method, err)
	}

	select {
	case resp := <-w.resultCh:
		if resp.ID == nil {
			return nil, ErrSessionClosed // Close's synthetic drain message
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(timeout):
		s.dropWaiter(id.String())
		return nil, &TimeoutError{Method: method}
	case <-ctx.Done():
		s.dropWaiter(id.String())
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, ErrSessionClosed
	}
}

// Cancel sends notifications/cancelled for id and drops its local waiter,
// per the MCP cancellation contract. It does not wait for or suppress
// a late response that may still arrive on the wire; readLoop discards any
// response whose id has no waiter.
func (s *Session) Cancel(ctx context.Context, id jsonrpc.ID) {
	s.dropWaiter(id.String())
	_ = s.Notify(ctx, jsonrpc.NotificationCancelled, map[string]any{"requestId": id})
}

func (s *Session) dropWaiter(idKey string) {
	s.mu.Lock()
	delete(s.outstanding, idKey)
	s.mu.Unlock()
}

// Notify sends a fire-and-forget notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.t.Send(ctx, raw)
}

// Respond sends a result or error response with the given id — used by the
// proxy engine to answer a request this session itself received.
func (s *Session) Respond(ctx context.Context, id jsonrpc.ID, result any, respErr *jsonrpc.Error) error {
	var msg *jsonrpc.Message
	var err error
	if respErr != nil {
		msg = jsonrpc.NewError(id, respErr.Code, respErr.Message, respErr.Data)
	} else {
		msg, err = jsonrpc.NewResult(id, result)
		if err != nil {
			return err
		}
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.t.Send(ctx, raw)
}

// Close marks the session closed, draining outstanding waiters with a
// synthetic error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	waiters := s.outstanding
	s.outstanding = make(map[string]*waiter)
	s.mu.Unlock()

	close(s.doneCh)
	for _, w := range waiters {
		select {
		case w.resultCh <- &jsonrpc.Message{Error: &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "session closed"}}:
		default:
		}
	}
	return s.t.Close()
}

// readLoop reads inbound frames one at a time, in the order the transport
// delivered them. Responses and notifications are handled on this goroutine,
// in that order; a peer-initiated request is handed to the request handler
// on its own goroutine, so several requests may be in progress at once.
func (s *Session) readLoop() {
	for frame := range s.t.Inbound() {
		msg, err := jsonrpc.Parse(frame)
		if err != nil {
			s.log.Warn("dropping malformed frame", "session", s.name, "error", err)
			continue
		}
		kind, err := msg.Classify()
		if err != nil {
			s.log.Warn("dropping unclassifiable frame", "session", s.name, "error", err)
			continue
		}
		s.dispatch(kind, msg)
	}
}

func (s *Session) dispatch(kind jsonrpc.Kind, msg *jsonrpc.Message) {
	switch kind {
	case jsonrpc.KindResponseOK, jsonrpc.KindResponseErr:
		idKey := msg.ID.String()
		s.mu.Lock()
		w, ok := s.outstanding[idKey]
		if ok {
			delete(s.outstanding, idKey)
		}
		s.mu.Unlock()
		if !ok {
			s.log.Debug("dropping response with unknown id", "session", s.name, "id", idKey)
			return
		}
		select {
		case w.resultCh <- msg:
		default:
		}

	case jsonrpc.KindNotification:
		s.mu.Lock()
		handler := s.onNotification
		s.mu.Unlock()
		if handler != nil {
			handler(context.Background(), msg.Method, msg.Params)
		}

	case jsonrpc.KindRequest:
		s.mu.Lock()
		handler := s.onRequest
		s.mu.Unlock()
		if handler == nil {
			_ = s.Respond(context.Background(), *msg.ID, nil, &jsonrpc.Error{
				Code: jsonrpc.CodeMethodNotFound, Message: "no handler registered",
			})
			return
		}
		go func() {
			result, err := handler(context.Background(), *msg.ID, msg.Method, msg.Params)
			if err != nil {
				_ = s.Respond(context.Background(), *msg.ID, nil, toJSONRPCError(err))
				return
			}
			_ = s.Respond(context.Background(), *msg.ID, result, nil)
		}()
	}
}

func toJSONRPCError(err error) *jsonrpc.Error {
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
}
