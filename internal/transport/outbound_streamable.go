package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SessionHeaderName is the header mcpbridge threads on every request once a
// backend has issued a session id. The header name varies across MCP SDK
// versions (any single Mcp-*-Session-Id header); mcpbridge standardizes on
// this one for both directions of its own wire contract.
const SessionHeaderName = "Mcp-Session-Id"

// OutboundStreamableSpec configures a connection to a remote MCP server
// speaking the streamable-HTTP transport.
type OutboundStreamableSpec struct {
	URL       string
	Headers   map[string]string
	Stateless bool
}

// OutboundStreamable carries both directions of MCP traffic over a single
// URL via chunked HTTP POSTs. In stateful mode it threads a server-issued
// session id on every request; in stateless mode each request is
// independent.
type OutboundStreamable struct {
	spec       OutboundStreamableSpec
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
	closed    bool

	inbox chan []byte
	errCh chan error
}

// NewOutboundStreamable constructs the adapter. No network I/O happens until
// the first Send; the handshake (an "initialize" request) is just an
// ordinary Send/Inbound exchange like any other request from the caller's
// point of view.
func NewOutboundStreamable(spec OutboundStreamableSpec) *OutboundStreamable {
	return &OutboundStreamable{
		spec:       spec,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		inbox:      make(chan []byte, 32),
		errCh:      make(chan error, 1),
	}
}

func (o *OutboundStreamable) Inbound() <-chan []byte { return o.inbox }
func (o *OutboundStreamable) Err() <-chan error      { return o.errCh }

// Send POSTs frame and, unless the response is empty (fire-and-forget
// notification ack), delivers the response body on Inbound. A 404 or a
// terminated-session signal is surfaced as the corresponding sentinel error
// so the caller's resilience policy can decide to retry.
func (o *OutboundStreamable) Send(ctx context.Context, frame []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	sessionID := o.sessionID
	o.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.spec.URL, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("transport: build streamable request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if !o.spec.Stateless && sessionID != "" {
		req.Header.Set(SessionHeaderName, sessionID)
	}
	applyHeaders(req, o.spec.Headers)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportReset{URL: o.spec.URL, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &TransportReset{URL: o.spec.URL, HTTPStatus: http.StatusNotFound}
	case http.StatusGone:
		return ErrSessionTerminated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &TransportReset{URL: o.spec.URL, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("%s", string(body))}
	}

	if !o.spec.Stateless {
		if sid := resp.Header.Get(SessionHeaderName); sid != "" {
			o.mu.Lock()
			o.sessionID = sid
			o.mu.Unlock()
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read streamable response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	o.inbox <- body
	return nil
}

// ClearSession drops the cached session id, used by the single-retry
// resilience policy before re-running initialize.
func (o *OutboundStreamable) ClearSession() {
	o.mu.Lock()
	o.sessionID = ""
	o.mu.Unlock()
}

func (o *OutboundStreamable) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	close(o.inbox)
	return nil
}
