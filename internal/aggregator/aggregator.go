// Package aggregator implements the aggregating bridge: an N:1 union view
// over multiple ManagedBackends, with namespacing,
// conflict resolution, and method-name routing, attached to as many frontend
// sessions as the HTTP surface opens.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/bridgelog"
	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
)

const namespaceSeparator = "."

const defaultRequestTimeout = 60 * time.Second

// ownedEntry is one namespaced capability entry in a union list, remembering
// which backend owns it and what the original (un-namespaced) name/uri was,
// so routing can reverse the rename without re-deriving it from the raw JSON.
type ownedEntry struct {
	backendName string
	original    string
	raw         json.RawMessage
}

// Aggregator maintains the union of tools/resources/resourceTemplates/
// prompts across a fixed set of backends and routes requests to the backend
// that owns the namespaced name a frontend used.
type Aggregator struct {
	desc     config.BridgeDescriptor
	backends map[string]*backend.ManagedBackend
	order    []string // config registration order, for the "first" conflict policy
	byPrio   []string // backend names sorted by (priority asc, name asc), for routing fallback

	mu                sync.RWMutex
	tools             map[string]ownedEntry
	resources         map[string]ownedEntry
	resourceTemplates map[string]ownedEntry
	prompts           map[string]ownedEntry

	frontendsMu sync.Mutex
	frontends   map[*mcpsession.Session]*frontendLink
}

// frontendLink is the per-attached-frontend correlation state the aggregator
// needs to translate notifications/cancelled the same way proxy.Engine does,
// generalized to many possible backend owners per frontend request.
type frontendLink struct {
	mu       sync.Mutex
	inFlight map[string]backendCall // frontend request-id -> which backend+id it became
}

type backendCall struct {
	backendName string
	backendID   jsonrpc.ID
}

// New builds an aggregator over backends (already constructed, not
// necessarily yet connected) and wires each backend's list-changed and
// max-failures hooks. Start/Stop of the individual backends remains the
// caller's responsibility — the aggregator only reacts to state changes.
func New(desc config.BridgeDescriptor, backends []*backend.ManagedBackend) *Aggregator {
	desc.Defaults()
	a := &Aggregator{
		desc:      desc,
		backends:  make(map[string]*backend.ManagedBackend, len(backends)),
		frontends: make(map[*mcpsession.Session]*frontendLink),
	}

	for _, b := range backends {
		name := b.Descriptor.Name
		a.backends[name] = b
		a.order = append(a.order, name)
		b.SetMaxFailures(desc.Failover.MaxFailures)
		b.SetRecoveryInterval(time.Duration(desc.Failover.RecoveryInterval) * time.Second)
		b.SetListChangedHook(a.onBackendListChanged(name))
		b.SetNotificationHook(a.onBackendNotification(name))
	}

	a.byPrio = append([]string(nil), a.order...)
	sort.SliceStable(a.byPrio, func(i, j int) bool {
		bi, bj := a.backends[a.byPrio[i]], a.backends[a.byPrio[j]]
		if bi.Descriptor.Priority != bj.Descriptor.Priority {
			return bi.Descriptor.Priority < bj.Descriptor.Priority
		}
		return a.byPrio[i] < a.byPrio[j]
	})

	a.refreshAll()
	return a
}

// Attach wires frontend's handlers to this aggregator. Call once per
// frontend session the HTTP surface opens against the aggregated endpoints.
func (a *Aggregator) Attach(frontend *mcpsession.Session) {
	link := &frontendLink{inFlight: make(map[string]backendCall)}
	a.frontendsMu.Lock()
	a.frontends[frontend] = link
	a.frontendsMu.Unlock()

	frontend.SetHandlers(
		func(ctx context.Context, id jsonrpc.ID, method string, params []byte) (any, error) {
			return a.handleFrontendRequest(ctx, frontend, link, id, method, params)
		},
		func(ctx context.Context, method string, params []byte) {
			a.handleFrontendNotification(ctx, link, method, params)
		},
	)
}

// Detach removes frontend from the fan-out set (the HTTP surface calls this
// once the frontend's connection closes).
func (a *Aggregator) Detach(frontend *mcpsession.Session) {
	a.frontendsMu.Lock()
	delete(a.frontends, frontend)
	a.frontendsMu.Unlock()
}

func (a *Aggregator) handleFrontendRequest(ctx context.Context, frontend *mcpsession.Session, link *frontendLink, id jsonrpc.ID, method string, params []byte) (any, error) {
	switch method {
	case jsonrpc.MethodInitialize:
		return a.syntheticInitializeResult(), nil
	case jsonrpc.MethodToolsList:
		return listResult("tools", a.snapshotList(&a.tools, &a.mu)), nil
	case jsonrpc.MethodResourcesList:
		return listResult("resources", a.snapshotList(&a.resources, &a.mu)), nil
	case jsonrpc.MethodResourceTemplatesList:
		return listResult("resourceTemplates", a.snapshotList(&a.resourceTemplates, &a.mu)), nil
	case jsonrpc.MethodPromptsList:
		return listResult("prompts", a.snapshotList(&a.prompts, &a.mu)), nil
	case jsonrpc.MethodToolsCall:
		return a.routeByNamespace(ctx, link, id, method, params, "name", &a.tools)
	case jsonrpc.MethodResourcesRead, jsonrpc.MethodResourcesSubscribe, jsonrpc.MethodResourcesUnsubscribe:
		return a.routeByNamespace(ctx, link, id, method, params, "uri", &a.resources)
	case jsonrpc.MethodPromptsGet:
		return a.routeByNamespace(ctx, link, id, method, params, "name", &a.prompts)
	case jsonrpc.MethodCompletionComplete:
		return a.routeByPriorityFallback(ctx, link, id, method, params)
	case jsonrpc.MethodLoggingSetLevel:
		return a.broadcast(ctx, method, params), nil
	default:
		return a.passthroughSingleBackend(ctx, link, id, method, params)
	}
}

func (a *Aggregator) handleFrontendNotification(ctx context.Context, link *frontendLink, method string, params []byte) {
	if method == jsonrpc.NotificationInitialized {
		return
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
	link.mu.Lock()
	call, tracked := link.inFlight[body.RequestID.String()]
	delete(link.inFlight, body.RequestID.String())
	link.mu.Unlock()
	if !tracked {
		return
	}
	a.mu.RLock()
	b := a.backends[call.backendName]
	a.mu.RUnlock()
	if b == nil {
		return
	}
	if sess := b.Session(); sess != nil {
		sess.Cancel(ctx, call.backendID)
	}
}

// routeByNamespace parses the namespaced name/uri out of params via gjson,
// looks it up in the union map to find the owning backend and original
// name, rewrites params with sjson, and forwards.
func (a *Aggregator) routeByNamespace(ctx context.Context, link *frontendLink, id jsonrpc.ID, method string, params []byte, field string, union *map[string]ownedEntry) (any, error) {
	nsName := gjson.GetBytes(params, field).String()

	a.mu.RLock()
	entry, ok := (*union)[nsName]
	a.mu.RUnlock()
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("no backend owns %q", nsName)}
	}

	rewritten, err := sjson.SetBytes(params, field, entry.original)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	return a.forward(ctx, link, id, entry.backendName, method, rewritten)
}

// routeByPriorityFallback handles ambiguous methods (completion/complete):
// try each backend in priority order, taking the
// first one that doesn't answer MethodNotFound.
func (a *Aggregator) routeByPriorityFallback(ctx context.Context, link *frontendLink, id jsonrpc.ID, method string, params []byte) (any, error) {
	for _, name := range a.byPrio {
		b := a.backends[name]
		sess := b.Session()
		if sess == nil {
			continue
		}
		var paramsAny any
		if len(params) > 0 {
			paramsAny = json.RawMessage(params)
		}
		backendID := sess.NextID()
		link.record(id, name, backendID)
		result, err := b.RequestWithRetry(ctx, backendID, method, paramsAny, defaultRequestTimeout)
		link.clear(id)
		if err == nil {
			return json.RawMessage(result), nil
		}
		if rpcErr, ok := err.(*jsonrpc.Error); ok && rpcErr.Code == jsonrpc.CodeMethodNotFound {
			continue
		}
		return nil, translateErr(err, name)
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("no backend routes %s", method)}
}

// passthroughSingleBackend forwards an unrecognized method verbatim when
// exactly one backend is attached.
func (a *Aggregator) passthroughSingleBackend(ctx context.Context, link *frontendLink, id jsonrpc.ID, method string, params []byte) (any, error) {
	if len(a.backends) != 1 {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("cannot route %s across %d backends", method, len(a.backends))}
	}
	for name := range a.backends {
		return a.forward(ctx, link, id, name, method, params)
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: method}
}

func (a *Aggregator) forward(ctx context.Context, link *frontendLink, id jsonrpc.ID, backendName, method string, params []byte) (any, error) {
	b, ok := a.backends[backendName]
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerErrorHigh, Message: "backend unavailable", Data: map[string]any{"unavailable": true, "server": backendName}}
	}
	sess := b.Session()
	if sess == nil {
		snap := b.Snapshot()
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerErrorHigh, Message: "backend unavailable", Data: map[string]any{"unavailable": true, "server": backendName, "lastError": snap.LastError}}
	}

	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}
	backendID := sess.NextID()
	link.record(id, backendName, backendID)
	defer link.clear(id)

	result, err := b.RequestWithRetry(ctx, backendID, method, paramsAny, defaultRequestTimeout)
	if err != nil {
		return nil, translateErr(err, backendName)
	}
	return json.RawMessage(result), nil
}

// broadcast sends method to every connected backend (e.g.
// logging/setLevel), tolerating individual
// failures.
func (a *Aggregator) broadcast(ctx context.Context, method string, params []byte) map[string]any {
	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}
	for _, name := range a.order {
		b := a.backends[name]
		sess := b.Session()
		if sess == nil {
			continue
		}
		_, _ = sess.Request(ctx, method, paramsAny, defaultRequestTimeout)
	}
	return map[string]any{}
}

func (link *frontendLink) record(id jsonrpc.ID, backendName string, backendID jsonrpc.ID) {
	link.mu.Lock()
	link.inFlight[id.String()] = backendCall{backendName: backendName, backendID: backendID}
	link.mu.Unlock()
}

func (link *frontendLink) clear(id jsonrpc.ID) {
	link.mu.Lock()
	delete(link.inFlight, id.String())
	link.mu.Unlock()
}

func translateErr(err error, backendName string) error {
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	var timeoutErr *mcpsession.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &jsonrpc.Error{Code: jsonrpc.CodeServerErrorHigh, Message: "backend timed out", Data: map[string]any{"timeout": true, "server": backendName}}
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeServerErrorHigh, Message: "backend unavailable", Data: map[string]any{"unavailable": true, "server": backendName, "lastError": err.Error()}}
}

func listResult(key string, entries []json.RawMessage) map[string]any {
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return map[string]any{key: entries}
}

// syntheticInitializeResult advertises tools, resources and prompts when the
// current union holds at least one entry of that kind (resource templates
// count for resources), and logging whenever at least one backend is
// configured. The capabilities each backend declared in its own initialize
// result are not consulted.
func (a *Aggregator) syntheticInitializeResult() mcpsession.InitializeResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	caps := mcpsession.Capabilities{}
	if len(a.tools) > 0 {
		caps["tools"] = map[string]any{}
	}
	if len(a.resources) > 0 || len(a.resourceTemplates) > 0 {
		caps["resources"] = map[string]any{}
	}
	if len(a.prompts) > 0 {
		caps["prompts"] = map[string]any{}
	}
	if len(a.backends) > 0 {
		caps["logging"] = map[string]any{}
	}
	return mcpsession.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      mcpsession.ClientInfo{Name: "mcpbridge", Version: "0.1.0"},
	}
}

func (a *Aggregator) snapshotList(union *map[string]ownedEntry, mu *sync.RWMutex) []json.RawMessage {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]json.RawMessage, 0, len(*union))
	for _, e := range *union {
		out = append(out, e.raw)
	}
	return out
}

// onBackendListChanged is the ManagedBackend hook that fires after it has
// already refreshed its own capability cache slice for kind; the aggregator
// re-unions from all backends' caches and fans the notification out.
func (a *Aggregator) onBackendListChanged(backendName string) func(kind string) {
	return func(kind string) {
		a.refresh(kind)
		a.fanOutListChanged(kind)
	}
}

// onBackendNotification relays reverse-direction notifications other than
// list_changed (already handled via onBackendListChanged) to every attached
// frontend, generalized to reverse-direction notifications generally.
func (a *Aggregator) onBackendNotification(backendName string) func(method string, params []byte) {
	return func(method string, params []byte) {
		switch method {
		case jsonrpc.NotificationToolsListChanged, jsonrpc.NotificationResourcesListChanged, jsonrpc.NotificationPromptsListChanged:
			return // handled via the list-changed hook instead
		}
		a.fanOut(method, params)
	}
}

func (a *Aggregator) fanOutListChanged(kind string) {
	var method string
	switch kind {
	case "tools":
		method = jsonrpc.NotificationToolsListChanged
	case "resources":
		method = jsonrpc.NotificationResourcesListChanged
	case "prompts":
		method = jsonrpc.NotificationPromptsListChanged
	default:
		return
	}
	a.fanOut(method, nil)
}

func (a *Aggregator) fanOut(method string, params []byte) {
	var paramsAny any
	if len(params) > 0 {
		paramsAny = json.RawMessage(params)
	}
	a.frontendsMu.Lock()
	targets := make([]*mcpsession.Session, 0, len(a.frontends))
	for fs := range a.frontends {
		targets = append(targets, fs)
	}
	a.frontendsMu.Unlock()
	for _, fs := range targets {
		_ = fs.Notify(context.Background(), method, paramsAny)
	}
}

// refreshAll recomputes every capability union; called once at construction.
func (a *Aggregator) refreshAll() {
	a.refresh("tools")
	a.refresh("resources")
	a.refresh("resourceTemplates")
	a.refresh("prompts")
}

// refresh recomputes the union map for one capability kind from every
// backend's current capability cache, applying the configured conflict
// policy, and publishes the per-backend reverse index: single-writer,
// copy-on-write publish.
func (a *Aggregator) refresh(kind string) {
	field, rawListOf := kindSpec(kind)
	if field == "" {
		return
	}

	type candidate struct {
		backendName string
		original    string
		raw         json.RawMessage
		nsName      string
	}
	var candidates []candidate

	for _, name := range a.order {
		b := a.backends[name]
		snap := b.Snapshot()
		for _, raw := range rawListOf(snap.Capabilities) {
			original := gjson.GetBytes(raw, field).String()
			if original == "" {
				continue
			}
			ns := a.namespaceFor(b.Descriptor, kind)
			nsName := original
			if ns != "" {
				nsName = ns + namespaceSeparator + original
			}
			renamed, err := sjson.SetBytes(raw, field, nsName)
			if err != nil {
				renamed = raw
			}
			candidates = append(candidates, candidate{backendName: name, original: original, raw: json.RawMessage(renamed), nsName: nsName})
		}
	}

	groups := make(map[string][]candidate)
	var groupOrder []string
	for _, c := range candidates {
		if _, seen := groups[c.nsName]; !seen {
			groupOrder = append(groupOrder, c.nsName)
		}
		groups[c.nsName] = append(groups[c.nsName], c)
	}

	union := make(map[string]ownedEntry, len(groups))
	reverseByBackend := make(map[string]map[string]string, len(a.order))
	for _, name := range a.order {
		reverseByBackend[name] = make(map[string]string)
	}

	for _, nsName := range groupOrder {
		group := groups[nsName]
		var winner *candidate
		switch {
		case len(group) == 1:
			winner = &group[0]
		case a.desc.ConflictResolution == "first":
			winner = &group[0]
		case a.desc.ConflictResolution == "error":
			bridgelog.Log(context.Background(), bridgelog.Event{
				Type:    bridgelog.EventRequestFailed,
				Method:  kind,
				Details: map[string]any{"collision": nsName, "policy": "error"},
			})
			winner = nil
		default: // "namespace" falls through to "priority"; "priority" is direct
			sort.SliceStable(group, func(i, j int) bool {
				bi, bj := a.backends[group[i].backendName], a.backends[group[j].backendName]
				if bi.Descriptor.Priority != bj.Descriptor.Priority {
					return bi.Descriptor.Priority < bj.Descriptor.Priority
				}
				return group[i].backendName < group[j].backendName
			})
			winner = &group[0]
		}
		if winner == nil {
			continue
		}
		union[nsName] = ownedEntry{backendName: winner.backendName, original: winner.original, raw: winner.raw}
		reverseByBackend[winner.backendName][nsName] = winner.original
	}

	a.mu.Lock()
	switch kind {
	case "tools":
		a.tools = union
	case "resources":
		a.resources = union
	case "resourceTemplates":
		a.resourceTemplates = union
	case "prompts":
		a.prompts = union
	}
	a.mu.Unlock()

	for name, b := range a.backends {
		b.SetReverseIndex(reverseByBackend[name])
	}
}

func kindSpec(kind string) (field string, rawListOf func(backend.CapabilitiesCache) []json.RawMessage) {
	switch kind {
	case "tools":
		return "name", func(c backend.CapabilitiesCache) []json.RawMessage { return c.Tools }
	case "resources":
		return "uri", func(c backend.CapabilitiesCache) []json.RawMessage { return c.Resources }
	case "resourceTemplates":
		return "uriTemplate", func(c backend.CapabilitiesCache) []json.RawMessage { return c.ResourceTemplates }
	case "prompts":
		return "name", func(c backend.CapabilitiesCache) []json.RawMessage { return c.Prompts }
	default:
		return "", nil
	}
}

// namespaceFor resolves the namespace prefix a backend's capability entries
// of kind get: an explicit per-kind namespace field, else the
// backend's own name if bridge.defaultNamespace is set, else no prefix.
func (a *Aggregator) namespaceFor(desc config.ServerDescriptor, kind string) string {
	switch kind {
	case "tools":
		if desc.ToolNamespace != "" {
			return desc.ToolNamespace
		}
	case "resources", "resourceTemplates":
		if desc.ResourceNamespace != "" {
			return desc.ResourceNamespace
		}
	case "prompts":
		if desc.PromptNamespace != "" {
			return desc.PromptNamespace
		}
	}
	if a.desc.DefaultNamespace {
		return desc.Name
	}
	return ""
}

// SplitNamespace parses "<ns>.<original>" back into its parts; ok is false
// if name carries no recognized separator.
func SplitNamespace(name string) (ns, original string, ok bool) {
	idx := strings.Index(name, namespaceSeparator)
	if idx < 0 {
		return "", name, false
	}
	return name[:idx], name[idx+1:], true
}
