// Package backend implements the managed-backend supervisor: it brings one
// configured MCP server to a healthy CONNECTED
// state, keeps it there with health checks and retry/backoff, and caches its
// advertised capabilities for the proxy/aggregator layers above it.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kentarosa/mcpbridge/internal/bridgelog"
	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// Status is one state of the ManagedBackend state machine.
type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// CapabilitiesCache holds the last-known tool/resource/prompt lists fetched
// during connection or a list_changed refresh.
type CapabilitiesCache struct {
	Tools             []json.RawMessage
	Resources         []json.RawMessage
	ResourceTemplates []json.RawMessage
	Prompts           []json.RawMessage
}

// ErrBackendUnavailable is the sentinel a ManagedBackend returns for any
// call attempted while not CONNECTED.
var ErrBackendUnavailable = errors.New("backend: unavailable")

// Dialer opens a transport for a descriptor. Production code passes
// DialDescriptor; tests substitute a fake to avoid spawning real processes.
type Dialer func(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error)

// ManagedBackend is one supervised backend connection.
type ManagedBackend struct {
	Descriptor config.ServerDescriptor

	dial Dialer
	log  *slog.Logger

	mu           sync.RWMutex
	status       Status
	session      *mcpsession.Session
	transportRef transport.Transport // the same transport session wraps, kept for ClearSession access
	capabilities CapabilitiesCache
	lastSeen     time.Time
	failureCount int
	lastError    error

	// reverseIndex maps a namespaced/local name back to the name this
	// backend itself advertised, populated by the aggregator once union
	// namespacing is applied; stored here as the natural single-writer
	// owner.
	reverseIndex map[string]string

	onListChanged            func(kind string)                  // aggregator hook; set via SetListChangedHook
	onNotification           func(method string, params []byte) // engine hook: forward every backend notification to the frontend; set via SetNotificationHook
	onBackendRequest         mcpsession.RequestHandler          // engine hook: reverse-direction requests (e.g. sampling); set via SetRequestHandler
	maxFailures              int                                // failover.maxFailures, set via SetMaxFailures
	recoveryIntervalOverride time.Duration                      // failover.recoveryInterval, set via SetRecoveryInterval
	remoteRetryBudget        int                                // remaining clear-session/reinit/reissue retries, set via SetRemoteRetryBudget

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a ManagedBackend in the DISABLED state. Start brings it up.
func New(desc config.ServerDescriptor, dial Dialer, log *slog.Logger) *ManagedBackend {
	if log == nil {
		log = slog.Default()
	}
	return &ManagedBackend{
		Descriptor:   desc,
		dial:         dial,
		log:          log,
		status:       StatusDisabled,
		reverseIndex: make(map[string]string),
		stopCh:       make(chan struct{}),
	}
}

// SetListChangedHook registers the aggregator's callback for cache
// invalidation + re-union.
func (b *ManagedBackend) SetListChangedHook(fn func(kind string)) {
	b.mu.Lock()
	b.onListChanged = fn
	b.mu.Unlock()
}

// SetMaxFailures configures the consecutive-health-check-failure threshold
// from the bridge descriptor's failover.maxFailures; direct-proxy
// mode, which has no bridge descriptor, leaves the built-in default of 3.
func (b *ManagedBackend) SetMaxFailures(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.maxFailures = n
	b.mu.Unlock()
}

// SetNotificationHook registers a callback invoked for every notification
// this backend sends, in addition to the supervisor's own internal
// list_changed cache-refresh handling. The proxy engine uses this to
// forward notifications/message, notifications/progress, and list_changed
// through to the attached frontend.
func (b *ManagedBackend) SetNotificationHook(fn func(method string, params []byte)) {
	b.mu.Lock()
	b.onNotification = fn
	b.mu.Unlock()
}

// SetRequestHandler registers the callback for backend-initiated requests
// (e.g. a sampling call) so the proxy engine can forward them to the
// attached frontend and relay its response back.
func (b *ManagedBackend) SetRequestHandler(fn mcpsession.RequestHandler) {
	b.mu.Lock()
	b.onBackendRequest = fn
	b.mu.Unlock()
}

// SetRecoveryInterval configures the supervisor's sleep between disconnect
// and reconnect attempts from the bridge descriptor's
// failover.recoveryInterval; direct-proxy mode, which has no
// bridge descriptor, leaves the built-in 30s default.
func (b *ManagedBackend) SetRecoveryInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.recoveryIntervalOverride = d
	b.mu.Unlock()
}

// SetRemoteRetryBudget configures the mid-session resilience policy's retry
// budget from --remote-retries/remoteRetryBudget; 0 (the default) leaves the
// policy disabled, so a TransportReset/session-terminated signal just fails
// the request as before.
func (b *ManagedBackend) SetRemoteRetryBudget(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.remoteRetryBudget = n
	b.mu.Unlock()
}

func (b *ManagedBackend) getMaxFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.maxFailures <= 0 {
		return 3
	}
	return b.maxFailures
}

// Status returns the current lifecycle state.
func (b *ManagedBackend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Snapshot is an immutable read of everything /status needs, a
// copy-on-write publish so readers never race the supervisor's writes.
type Snapshot struct {
	Name         string
	Enabled      bool
	Command      string
	Status       Status
	LastSeen     time.Time
	FailureCount int
	LastError    string
	Capabilities CapabilitiesCache
}

func (b *ManagedBackend) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Snapshot{
		Name:         b.Descriptor.Name,
		Enabled:      b.Descriptor.Enabled,
		Command:      b.Descriptor.Command,
		Status:       b.status,
		LastSeen:     b.lastSeen,
		FailureCount: b.failureCount,
		Capabilities: b.capabilities,
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	return s
}

// Session returns the current backend session, or nil if not CONNECTED.
func (b *ManagedBackend) Session() *mcpsession.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != StatusConnected {
		return nil
	}
	return b.session
}

// sessionClearer is implemented by outbound transports that cache a
// server-issued session id (OutboundStreamable); stdio and SSE transports
// have no session id to drop so they simply don't satisfy it.
type sessionClearer interface {
	ClearSession()
}

// RequestWithRetry issues one request against the current session and
// applies the single-retry resilience policy: on a *transport.TransportReset
// or transport.ErrSessionTerminated signal, it clears the cached session id,
// re-runs initialize, and reissues the original request once, budget
// permitting. With no budget configured (the default) a reset/terminated
// signal surfaces exactly as before — the caller's ordinary error path.
func (b *ManagedBackend) RequestWithRetry(ctx context.Context, id jsonrpc.ID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	sess := b.Session()
	if sess == nil {
		return nil, ErrBackendUnavailable
	}

	result, err := sess.RequestWithID(ctx, id, method, params, timeout)
	if err == nil || !isResettableTransportError(err) || !b.consumeRemoteRetry() {
		return result, err
	}

	b.log.Warn("retrying backend request after transport reset", "server", b.Descriptor.Name, "method", method, "error", err)
	b.clearCachedSession()
	if _, initErr := sess.Initialize(ctx, mcpsession.ClientInfo{Name: "mcpbridge", Version: "0.1.0"}, mcpsession.Capabilities{}); initErr != nil {
		return nil, err
	}
	return sess.RequestWithID(ctx, id, method, params, timeout)
}

func isResettableTransportError(err error) bool {
	var reset *transport.TransportReset
	return errors.As(err, &reset) || errors.Is(err, transport.ErrSessionTerminated)
}

func (b *ManagedBackend) consumeRemoteRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteRetryBudget <= 0 {
		return false
	}
	b.remoteRetryBudget--
	return true
}

func (b *ManagedBackend) clearCachedSession() {
	b.mu.RLock()
	t := b.transportRef
	b.mu.RUnlock()
	if sc, ok := t.(sessionClearer); ok {
		sc.ClearSession()
	}
}

// ReverseIndexLookup resolves a local/namespaced name to the name this
// backend natively advertises; ok is false if unmapped (identity applies).
func (b *ManagedBackend) ReverseIndexLookup(localName string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	original, ok := b.reverseIndex[localName]
	return original, ok
}

// SetReverseIndex replaces the local->original name map; the aggregator
// calls this after computing namespacing for this backend's capability set.
func (b *ManagedBackend) SetReverseIndex(m map[string]string) {
	b.mu.Lock()
	b.reverseIndex = m
	b.mu.Unlock()
}

// Start brings the backend up if enabled, launching the connect/retry loop,
// health-check loop, and recovery scheduler as background goroutines. It
// returns immediately; Status() reports progress.
func (b *ManagedBackend) Start(ctx context.Context) {
	if !b.Descriptor.Enabled {
		return
	}
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop performs graceful shutdown: stop
// issuing requests, close the session, wait for background loops to exit.
func (b *ManagedBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	sess := b.session
	b.status = StatusDisconnected
	b.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	b.wg.Wait()
}

func (b *ManagedBackend) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if b.connectWithRetry(ctx) {
			b.serveUntilFailureOrStop(ctx)
		}

		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(b.recoveryInterval()):
		}
	}
}

func (b *ManagedBackend) recoveryInterval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.recoveryIntervalOverride <= 0 {
		return 30 * time.Second
	}
	return b.recoveryIntervalOverride
}

// connectWithRetry runs the connection/retry algorithm up to
// RetryAttempts times with exponential backoff, returning true on success.
func (b *ManagedBackend) connectWithRetry(ctx context.Context) bool {
	b.setStatus(StatusConnecting)

	attempts := b.Descriptor.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	baseDelay := b.Descriptor.RetryDelay
	if baseDelay <= 0 {
		baseDelay = 0.5
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-b.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
		}

		if err := b.connectOnce(ctx); err != nil {
			b.recordFailure(err)
			b.log.Warn("backend connect failed", "server", b.Descriptor.Name, "attempt", attempt+1, "error", err, "headers", bridgelog.MaskHeaders(b.Descriptor.Headers))

			delay := time.Duration(baseDelay*math.Pow(2, float64(attempt))) * time.Second
			const maxDelay = 30 * time.Second
			if delay > maxDelay {
				delay = maxDelay
			}
			select {
			case <-b.stopCh:
				return false
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
			continue
		}
		return true
	}

	b.setStatus(StatusFailed)
	bridgelog.Log(context.Background(), bridgelog.Event{
		Type:    bridgelog.EventBackendFailed,
		Server:  b.Descriptor.Name,
		Err:     b.lastErrorSafe(),
		Details: map[string]any{"headers": bridgelog.MaskHeaders(b.Descriptor.Headers)},
	})
	return false
}

func (b *ManagedBackend) lastErrorSafe() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

// connectOnce spawns/dials the transport, runs the initialize handshake,
// and primes the capability cache.
func (b *ManagedBackend) connectOnce(ctx context.Context) error {
	timeout := time.Duration(b.Descriptor.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := b.dial(dialCtx, b.Descriptor)
	if err != nil {
		return fmt.Errorf("backend: dial %s: %w", b.Descriptor.Name, err)
	}

	sess := mcpsession.New(b.Descriptor.Name, t, b.log)
	sess.SetHandlers(
		func(ctx context.Context, id jsonrpc.ID, method string, params []byte) (any, error) {
			b.mu.RLock()
			handler := b.onBackendRequest
			b.mu.RUnlock()
			if handler == nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "no frontend attached"}
			}
			return handler(ctx, id, method, params)
		},
		func(ctx context.Context, method string, params []byte) {
			b.handleBackendNotification(method, params)
		},
	)

	if _, err := sess.Initialize(dialCtx, mcpsession.ClientInfo{Name: "mcpbridge", Version: "0.1.0"}, mcpsession.Capabilities{}); err != nil {
		_ = sess.Close()
		return fmt.Errorf("backend: initialize %s: %w", b.Descriptor.Name, err)
	}

	caps := b.primeCapabilities(dialCtx, sess)

	b.mu.Lock()
	b.session = sess
	b.transportRef = t
	b.capabilities = caps
	b.status = StatusConnected
	b.lastSeen = time.Now()
	b.failureCount = 0
	b.lastError = nil
	b.mu.Unlock()

	bridgelog.Log(context.Background(), bridgelog.Event{
		Type:   bridgelog.EventBackendConnected,
		Server: b.Descriptor.Name,
	})
	return nil
}

// primeCapabilities issues the four list calls MCP initialization expects, tolerating
// -32601 (the backend simply lacks that capability).
func (b *ManagedBackend) primeCapabilities(ctx context.Context, sess *mcpsession.Session) CapabilitiesCache {
	var caps CapabilitiesCache
	caps.Tools = listOrEmpty(ctx, sess, jsonrpc.MethodToolsList, "tools")
	caps.Resources = listOrEmpty(ctx, sess, jsonrpc.MethodResourcesList, "resources")
	caps.ResourceTemplates = listOrEmpty(ctx, sess, jsonrpc.MethodResourceTemplatesList, "resourceTemplates")
	caps.Prompts = listOrEmpty(ctx, sess, jsonrpc.MethodPromptsList, "prompts")
	return caps
}

func listOrEmpty(ctx context.Context, sess *mcpsession.Session, method, resultKey string) []json.RawMessage {
	result, err := sess.Request(ctx, method, nil, 10*time.Second)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeMethodNotFound {
			return nil
		}
		return nil
	}
	var decoded map[string][]json.RawMessage
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil
	}
	return decoded[resultKey]
}

// serveUntilFailureOrStop runs the health-check loop while the backend is
// CONNECTED, returning when the session fails, is stopped, or the context
// ends.
func (b *ManagedBackend) serveUntilFailureOrStop(ctx context.Context) {
	hc := b.Descriptor.HealthCheck
	if !hc.Enabled {
		<-b.sessionDoneOrStop(ctx)
		return
	}

	interval := time.Duration(hc.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(hc.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess := b.Session()
			if sess == nil {
				return
			}
			hcCtx, cancel := context.WithTimeout(ctx, timeout)
			method := jsonrpc.MethodPing
			_, err := sess.Request(hcCtx, method, nil, timeout)
			cancel()
			if err != nil {
				var rpcErr *jsonrpc.Error
				if errors.As(err, &rpcErr) && rpcErr.Code == jsonrpc.CodeMethodNotFound {
					// ping unsupported: fall back to tools/list as the
					// a cheap request a degraded backend can still answer.
					hcCtx2, cancel2 := context.WithTimeout(ctx, timeout)
					_, err = sess.Request(hcCtx2, jsonrpc.MethodToolsList, nil, timeout)
					cancel2()
				}
			}
			if err != nil {
				b.recordFailure(err)
				if b.getFailureCount() >= b.getMaxFailures() {
					b.setStatus(StatusFailed)
					_ = sess.Close()
					bridgelog.Log(ctx, bridgelog.Event{Type: bridgelog.EventBackendFailed, Server: b.Descriptor.Name, Err: err})
					return
				}
				continue
			}
			b.mu.Lock()
			b.lastSeen = time.Now()
			b.failureCount = 0
			b.mu.Unlock()
		}
	}
}

func (b *ManagedBackend) getFailureCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failureCount
}

// sessionDoneOrStop returns a channel that closes when the supervisor is
// stopped or the context ends. It is what the supervisor waits on when
// health checks are disabled; a dead child then surfaces via a future
// request failing, handled by the proxy/aggregator layer.
func (b *ManagedBackend) sessionDoneOrStop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-b.stopCh:
		case <-ctx.Done():
		}
	}()
	return done
}

func (b *ManagedBackend) recordFailure(err error) {
	b.mu.Lock()
	b.failureCount++
	b.lastError = err
	b.mu.Unlock()
}

func (b *ManagedBackend) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// handleBackendNotification reacts to notifications/*/list_changed by
// invalidating the relevant cache slice and invoking the aggregator hook
// (list-changed propagation), and forwards every notification —
// list_changed included — to the engine's notification hook so it can relay
// to the attached frontend(s).
func (b *ManagedBackend) handleBackendNotification(method string, params []byte) {
	b.mu.RLock()
	forward := b.onNotification
	b.mu.RUnlock()
	if forward != nil {
		forward(method, params)
	}

	var kind string
	switch method {
	case jsonrpc.NotificationToolsListChanged:
		kind = "tools"
	case jsonrpc.NotificationResourcesListChanged:
		kind = "resources"
	case jsonrpc.NotificationPromptsListChanged:
		kind = "prompts"
	default:
		return
	}

	sess := b.Session()
	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.mu.Lock()
		switch kind {
		case "tools":
			b.capabilities.Tools = listOrEmpty(ctx, sess, jsonrpc.MethodToolsList, "tools")
		case "resources":
			b.capabilities.Resources = listOrEmpty(ctx, sess, jsonrpc.MethodResourcesList, "resources")
			b.capabilities.ResourceTemplates = listOrEmpty(ctx, sess, jsonrpc.MethodResourceTemplatesList, "resourceTemplates")
		case "prompts":
			b.capabilities.Prompts = listOrEmpty(ctx, sess, jsonrpc.MethodPromptsList, "prompts")
		}
		b.mu.Unlock()
	}

	b.mu.RLock()
	hook := b.onListChanged
	b.mu.RUnlock()
	if hook != nil {
		hook(kind)
	}
}

// DialDescriptor opens a transport for desc per its TransportType — stdio
// spawns a child, sse/http dial outbound adapters.
func DialDescriptor(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error) {
	switch desc.TransportType {
	case "", "stdio":
		return transport.StartStdio(ctx, transport.StdioSpec{
			Command:         desc.Command,
			Args:            desc.Args,
			Env:             envSlice(desc.Env),
			PassEnvironment: desc.PassEnvironment,
		}, slog.Default())
	case "sse":
		return transport.DialOutboundSSE(ctx, transport.OutboundSSESpec{
			URL:     desc.URL,
			Headers: desc.Headers,
		})
	case "http":
		return transport.NewOutboundStreamable(transport.OutboundStreamableSpec{
			URL:     desc.URL,
			Headers: desc.Headers,
		}), nil
	default:
		return nil, fmt.Errorf("backend: unknown transportType %q for server %q", desc.TransportType, desc.Name)
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
