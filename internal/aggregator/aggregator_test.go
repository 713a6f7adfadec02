package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// scriptedSide is a transport.Transport double that answers initialize and
// the capability-priming list calls with a canned tool list, and otherwise
// delegates to a reactor — shared shape with the proxy package's test
// double, duplicated here to keep each package's tests self-contained.
type scriptedSide struct {
	inbox   chan []byte
	errCh   chan error
	sent    chan []byte
	tool    string
	reactor func(msg *jsonrpc.Message) *jsonrpc.Message
}

func newScriptedSide(toolName string) *scriptedSide {
	return &scriptedSide{inbox: make(chan []byte, 16), errCh: make(chan error, 1), sent: make(chan []byte, 16), tool: toolName}
}

func (s *scriptedSide) Inbound() <-chan []byte { return s.inbox }
func (s *scriptedSide) Err() <-chan error      { return s.errCh }
func (s *scriptedSide) Close() error           { return nil }

func (s *scriptedSide) Send(ctx context.Context, frame []byte) error {
	s.sent <- frame
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		return err
	}
	var reply *jsonrpc.Message
	switch msg.Method {
	case jsonrpc.MethodInitialize:
		result, _ := json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "scripted", "version": "1.0"},
		})
		reply = &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
	case jsonrpc.MethodToolsList:
		result, _ := json.Marshal(map[string]any{"tools": []any{map[string]any{"name": s.tool}}})
		reply = &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
	case jsonrpc.MethodResourcesList, jsonrpc.MethodResourceTemplatesList, jsonrpc.MethodPromptsList:
		result, _ := json.Marshal(map[string]any{"resources": []any{}, "resourceTemplates": []any{}, "prompts": []any{}})
		reply = &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
	case "":
		return nil
	default:
		if s.reactor != nil {
			reply = s.reactor(msg)
		} else {
			reply = &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unscripted"}}
		}
	}
	if reply == nil {
		return nil
	}
	encoded, err := reply.Encode()
	if err != nil {
		return err
	}
	s.inbox <- encoded
	return nil
}

func newConnectedTestBackend(t *testing.T, name, tool string, priority int, side *scriptedSide) *backend.ManagedBackend {
	t.Helper()
	desc := config.ServerDescriptor{Name: name, Enabled: true, Command: "unused", Priority: priority}
	desc.Defaults()

	dial := func(ctx context.Context, d config.ServerDescriptor) (transport.Transport, error) { return side, nil }
	mb := backend.New(desc, backend.Dialer(dial), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mb.Start(ctx)
	t.Cleanup(mb.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mb.Status() == backend.StatusConnected {
			return mb
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backend %s never connected (status=%v)", name, mb.Status())
	return nil
}

func TestAggregator_UnionNamespacesByBackendName(t *testing.T) {
	a1 := newConnectedTestBackend(t, "alpha", "search", 0, newScriptedSide("search"))
	a2 := newConnectedTestBackend(t, "beta", "fetch", 0, newScriptedSide("fetch"))

	bridgeDesc := config.BridgeDescriptor{DefaultNamespace: true}
	agg := New(bridgeDesc, []*backend.ManagedBackend{a1, a2})

	names := map[string]bool{}
	for name := range agg.tools {
		names[name] = true
	}
	if !names["alpha.search"] || !names["beta.fetch"] {
		t.Errorf("tools union = %v, want alpha.search and beta.fetch", names)
	}
}

func TestAggregator_PriorityResolvesCollision(t *testing.T) {
	a1 := newConnectedTestBackend(t, "a", "search", 5, newScriptedSide("search"))
	a2 := newConnectedTestBackend(t, "b", "search", 1, newScriptedSide("search"))

	bridgeDesc := config.BridgeDescriptor{ConflictResolution: "priority"}
	agg := New(bridgeDesc, []*backend.ManagedBackend{a1, a2})

	entry, ok := agg.tools["search"]
	if !ok {
		t.Fatalf("tools union missing unnamespaced %q: %+v", "search", agg.tools)
	}
	if entry.backendName != "b" {
		t.Errorf("winner = %q, want %q (lower priority value)", entry.backendName, "b")
	}
}

func TestAggregator_ToolsCallRoutesToOwningBackendAndRewritesName(t *testing.T) {
	side := newScriptedSide("search")
	side.reactor = func(msg *jsonrpc.Message) *jsonrpc.Message {
		if msg.Method != jsonrpc.MethodToolsCall {
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound}}
		}
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if params.Name != "search" {
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "expected unnamespaced name, got " + params.Name}}
		}
		result, _ := json.Marshal(map[string]any{"content": []any{map[string]any{"type": "text", "text": "ok"}}})
		return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
	}
	a1 := newConnectedTestBackend(t, "alpha", "search", 0, side)

	agg := New(config.BridgeDescriptor{DefaultNamespace: true}, []*backend.ManagedBackend{a1})

	frontendSide := newScriptedSide("")
	frontend := mcpsession.New("frontend", frontendSide, nil)
	defer frontend.Close()
	agg.Attach(frontend)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewIntID(1), jsonrpc.MethodToolsCall, map[string]any{"name": "alpha.search"})
	encoded, _ := req.Encode()
	frontendSide.inbox <- encoded

	select {
	case frame := <-frontendSide.sent:
		reply, err := jsonrpc.Parse(frame)
		if err != nil {
			t.Fatalf("parse reply: %v", err)
		}
		if reply.Error != nil {
			t.Fatalf("tools/call through aggregator returned error: %v", reply.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for aggregator's reply")
	}
}

func TestAggregator_ToolsCallUnknownNamespaceIsMethodNotFound(t *testing.T) {
	a1 := newConnectedTestBackend(t, "alpha", "search", 0, newScriptedSide("search"))
	agg := New(config.BridgeDescriptor{DefaultNamespace: true}, []*backend.ManagedBackend{a1})

	frontendSide := newScriptedSide("")
	frontend := mcpsession.New("frontend", frontendSide, nil)
	defer frontend.Close()
	agg.Attach(frontend)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewIntID(1), jsonrpc.MethodToolsCall, map[string]any{"name": "search"})
	encoded, _ := req.Encode()
	frontendSide.inbox <- encoded

	select {
	case frame := <-frontendSide.sent:
		reply, _ := jsonrpc.Parse(frame)
		if reply.Error == nil || reply.Error.Code != jsonrpc.CodeMethodNotFound {
			t.Fatalf("reply = %+v, want -32601 for an un-namespaced name with defaultNamespace on", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for aggregator's reply")
	}
}

func TestTranslateErr_TimeoutGetsDistinctShape(t *testing.T) {
	err := translateErr(&mcpsession.TimeoutError{Method: "tools/call"}, "alpha")
	rpcErr, ok := err.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("translateErr() = %T, want *jsonrpc.Error", err)
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %+v, want map[string]any", rpcErr.Data)
	}
	if data["timeout"] != true || data["server"] != "alpha" {
		t.Errorf("Data = %+v, want timeout:true server:alpha", data)
	}
	if _, hasUnavailable := data["unavailable"]; hasUnavailable {
		t.Errorf("Data = %+v, a timeout must not also carry \"unavailable\"", data)
	}
}

func TestTranslateErr_OtherErrorsStayUnavailable(t *testing.T) {
	err := translateErr(errTestErr("dropped"), "alpha")
	rpcErr, ok := err.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("translateErr() = %T, want *jsonrpc.Error", err)
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %+v, want map[string]any", rpcErr.Data)
	}
	if data["unavailable"] != true {
		t.Errorf("Data[\"unavailable\"] = %v, want true", data["unavailable"])
	}
}

type errTestErr string

func (e errTestErr) Error() string { return string(e) }

func TestAggregator_SplitNamespace(t *testing.T) {
	ns, original, ok := SplitNamespace("alpha.search")
	if !ok || ns != "alpha" || original != "search" {
		t.Errorf("SplitNamespace(alpha.search) = (%q, %q, %v), want (alpha, search, true)", ns, original, ok)
	}
	if _, _, ok := SplitNamespace("search"); ok {
		t.Error("SplitNamespace(search) ok = true, want false (no separator)")
	}
}
