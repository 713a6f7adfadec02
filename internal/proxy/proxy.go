// Package proxy implements the direct proxy session engine: a 1:1 forwarder
// between one frontend ClientSession and one
// backend ManagedBackend, making the backend appear to the frontend as if it
// were talking to it directly.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
)

const defaultRequestTimeout = 60 * time.Second

// cancelEntry is what Engine remembers per in-flight frontend request so a
// later notifications/cancelled naming the frontend id can be translated
// into a cancellation of the right backend id.
type cancelEntry struct {
	backendID jsonrpc.ID
}

// Engine attaches one frontend session to one backend, forwarding requests,
// responses, and notifications in both directions while preserving JSON-RPC
// correlation.
type Engine struct {
	frontend *mcpsession.Session
	mb       *backend.ManagedBackend

	mu       sync.Mutex
	inFlight map[string]cancelEntry // frontend request-id (string) -> backend correlation
}

// New builds an engine for one frontend/backend pair and wires both
// sessions' handlers. Callers must not set handlers on frontend themselves
// afterward — New takes ownership of the frontend's dispatch.
func New(frontend *mcpsession.Session, mb *backend.ManagedBackend) *Engine {
	e := &Engine{
		frontend: frontend,
		mb:       mb,
		inFlight: make(map[string]cancelEntry),
	}
	frontend.SetHandlers(e.handleFrontendRequest, e.handleFrontendNotification)
	mb.SetRequestHandler(e.handleBackendRequest)
	mb.SetNotificationHook(e.handleBackendNotification)
	return e
}

// handleFrontendRequest is installed as the frontend session's RequestHandler.
// It intercepts `initialize` and otherwise forwards to the backend 1:1.
func (e *Engine) handleFrontendRequest(ctx context.Context, id jsonrpc.ID, method string, params []byte) (any, error) {
	if method == jsonrpc.MethodInitialize {
		return e.syntheticInitializeResult(), nil
	}

	sess := e.mb.Session()
	if sess == nil {
		return nil, e.backendUnavailableError()
	}

	backendID := sess.NextID()
	e.mu.Lock()
	e.inFlight[id.String()] = cancelEntry{backendID: backendID}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, id.String())
		e.mu.Unlock()
	}()

	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}

	result, err := e.mb.RequestWithRetry(ctx, backendID, method, paramsAny, defaultRequestTimeout)
	if err != nil {
		return nil, translateBackendError(err, e.mb)
	}
	return json.RawMessage(result), nil
}

// handleFrontendNotification is installed as the frontend session's
// NotificationHandler. notifications/cancelled is translated to a
// cancellation of the corresponding backend request; anything else (a
// client capability notification, etc.) is dropped.
func (e *Engine) handleFrontendNotification(ctx context.Context, method string, params []byte) {
	if method == jsonrpc.NotificationInitialized {
		return // initialize is absorbed, not forwarded
	}
	if method != jsonrpc.NotificationCancelled {
		return
	}

	var body struct {
		RequestID jsonrpc.ID `json:"requestId"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return
	}

	e.mu.Lock()
	entry, tracked := e.inFlight[body.RequestID.String()]
	delete(e.inFlight, body.RequestID.String())
	e.mu.Unlock()
	if !tracked {
		return
	}

	if sess := e.mb.Session(); sess != nil {
		sess.Cancel(ctx, entry.backendID)
	}
}

// handleBackendRequest is installed as the backend's reverse-direction
// RequestHandler (e.g. a sampling call). It relays the request to the
// frontend and returns the frontend's answer.
func (e *Engine) handleBackendRequest(ctx context.Context, id jsonrpc.ID, method string, params []byte) (any, error) {
	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}
	result, err := e.frontend.Request(ctx, method, paramsAny, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

// handleBackendNotification relays a backend notification on to the
// frontend unchanged.
func (e *Engine) handleBackendNotification(method string, params []byte) {
	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}
	_ = e.frontend.Notify(context.Background(), method, paramsAny)
}

// syntheticInitializeResult builds the InitializeResult the engine answers
// `initialize` with directly, instead of forwarding it to the backend: the
// backend was already initialized by the supervisor at connect time, so its
// capabilities are already known.
func (e *Engine) syntheticInitializeResult() mcpsession.InitializeResult {
	snap := e.mb.Snapshot()
	caps := mcpsession.Capabilities{}
	if len(snap.Capabilities.Tools) > 0 {
		caps["tools"] = map[string]any{}
	}
	if len(snap.Capabilities.Resources) > 0 || len(snap.Capabilities.ResourceTemplates) > 0 {
		caps["resources"] = map[string]any{}
	}
	if len(snap.Capabilities.Prompts) > 0 {
		caps["prompts"] = map[string]any{}
	}
	return mcpsession.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      mcpsession.ClientInfo{Name: "mcpbridge", Version: "0.1.0"},
	}
}

func (e *Engine) backendUnavailableError() *jsonrpc.Error {
	snap := e.mb.Snapshot()
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeServerErrorHigh,
		Message: "backend unavailable",
		Data: map[string]any{
			"unavailable": true,
			"server":      snap.Name,
			"lastError":   snap.LastError,
		},
	}
}

// translateBackendError relays a backend JSON-RPC error verbatim; a
// *mcpsession.TimeoutError gets its own distinct shape so a frontend can tell
// "backend was just slow" apart from "backend vanished"; anything else (a
// dropped connection) is turned into the synthetic backend-unavailable shape.
func translateBackendError(err error, mb *backend.ManagedBackend) error {
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	snap := mb.Snapshot()
	var timeoutErr *mcpsession.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeServerErrorHigh,
			Message: "backend timed out",
			Data: map[string]any{
				"timeout": true,
				"server":  snap.Name,
			},
		}
	}
	return &jsonrpc.Error{
		Code:    jsonrpc.CodeServerErrorHigh,
		Message: "backend unavailable",
		Data: map[string]any{
			"unavailable": true,
			"server":      snap.Name,
			"lastError":   fmt.Sprintf("%v", err),
		},
	}
}
