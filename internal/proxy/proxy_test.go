package proxy

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

// scriptedSide is a minimal transport.Transport double shared by the
// frontend-facing and backend-facing halves of these tests: Send parses the
// outgoing frame and, when a reactor is set, synthesizes a reply back onto
// Inbound.
type scriptedSide struct {
	inbox   chan []byte
	errCh   chan error
	sent    chan []byte
	reactor func(msg *jsonrpc.Message) *jsonrpc.Message
}

func newScriptedSide() *scriptedSide {
	return &scriptedSide{
		inbox: make(chan []byte, 16),
		errCh: make(chan error, 1),
		sent:  make(chan []byte, 16),
	}
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
	if s.reactor == nil {
		return nil
	}
	if reply := s.reactor(msg); reply != nil {
		encoded, err := reply.Encode()
		if err != nil {
			return err
		}
		s.inbox <- encoded
	}
	return nil
}

// newConnectedBackend builds a ManagedBackend already wired to a scripted
// backend-side transport, bypassing Start/connectWithRetry so tests can
// drive the backend session directly.
func newConnectedBackend(t *testing.T, backendSide *scriptedSide) *backend.ManagedBackend {
	t.Helper()
	desc := config.ServerDescriptor{Name: "scripted-backend", Enabled: true, Command: "unused"}
	desc.Defaults()

	dial := func(ctx context.Context, d config.ServerDescriptor) (transport.Transport, error) {
		return backendSide, nil
	}
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
	t.Fatalf("backend never reached StatusConnected (status=%v)", mb.Status())
	return nil
}

// backendInitializeReactor answers initialize and the capability-priming
// list calls the supervisor issues on connect, then hands control to next
// for anything else.
func backendInitializeReactor(next func(msg *jsonrpc.Message) *jsonrpc.Message) func(msg *jsonrpc.Message) *jsonrpc.Message {
	return func(msg *jsonrpc.Message) *jsonrpc.Message {
		switch msg.Method {
		case jsonrpc.MethodInitialize:
			result, _ := json.Marshal(map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "scripted-backend", "version": "1.0"},
			})
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
		case jsonrpc.MethodToolsList:
			result, _ := json.Marshal(map[string]any{"tools": []any{map[string]any{"name": "echo"}}})
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
		case jsonrpc.MethodResourcesList, jsonrpc.MethodResourceTemplatesList, jsonrpc.MethodPromptsList:
			result, _ := json.Marshal(map[string]any{"resources": []any{}, "resourceTemplates": []any{}, "prompts": []any{}})
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
		case "":
			return nil // notification
		default:
			if next != nil {
				return next(msg)
			}
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unscripted"}}
		}
	}
}

// sendFrontendRequestAndAwaitReply pushes an inbound request frame onto the
// frontend-facing transport — simulating the real MCP client calling in —
// and waits for the engine's reply to appear on its outbound side.
func sendFrontendRequestAndAwaitReply(t *testing.T, frontendSide *scriptedSide, method string, params any) *jsonrpc.Message {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewIntID(1), method, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frontendSide.inbox <- encoded

	select {
	case frame := <-frontendSide.sent:
		reply, err := jsonrpc.Parse(frame)
		if err != nil {
			t.Fatalf("parse reply: %v", err)
		}
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine's reply")
		return nil
	}
}

func TestEngine_InitializeIsSynthesizedNotForwarded(t *testing.T) {
	backendSide := newScriptedSide()
	backendSide.reactor = backendInitializeReactor(nil)
	mb := newConnectedBackend(t, backendSide)

	frontendSide := newScriptedSide()
	frontend := mcpsession.New("frontend", frontendSide, nil)
	defer frontend.Close()

	New(frontend, mb)

	reply := sendFrontendRequestAndAwaitReply(t, frontendSide, jsonrpc.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	})
	if reply.Error != nil {
		t.Fatalf("initialize through engine returned error: %v", reply.Error)
	}

	var ir mcpsession.InitializeResult
	if err := json.Unmarshal(reply.Result, &ir); err != nil {
		t.Fatalf("decode InitializeResult: %v", err)
	}
	if ir.ServerInfo.Name != "mcpbridge" {
		t.Errorf("ServerInfo.Name = %q, want mcpbridge (synthesized, not the backend's)", ir.ServerInfo.Name)
	}
	if _, ok := ir.Capabilities["tools"]; !ok {
		t.Errorf("Capabilities = %+v, want tools reflecting the primed backend cache", ir.Capabilities)
	}
}

func TestEngine_ForwardsOrdinaryRequestToBackend(t *testing.T) {
	backendSide := newScriptedSide()
	backendSide.reactor = backendInitializeReactor(func(msg *jsonrpc.Message) *jsonrpc.Message {
		if msg.Method == "tools/call" {
			result, _ := json.Marshal(map[string]any{"content": []any{map[string]any{"type": "text", "text": "ok"}}})
			return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
		}
		return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unscripted"}}
	})
	mb := newConnectedBackend(t, backendSide)

	frontendSide := newScriptedSide()
	frontend := mcpsession.New("frontend", frontendSide, nil)
	defer frontend.Close()
	New(frontend, mb)

	reply := sendFrontendRequestAndAwaitReply(t, frontendSide, "tools/call", map[string]any{"name": "echo"})
	if reply.Error != nil {
		t.Fatalf("tools/call through engine returned error: %v", reply.Error)
	}
	var decoded map[string]any
	if err := json.Unmarshal(reply.Result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if _, ok := decoded["content"]; !ok {
		t.Errorf("result = %+v, want forwarded backend content", decoded)
	}
}

func TestEngine_ForwardsBackendNotificationToFrontend(t *testing.T) {
	backendSide := newScriptedSide()
	backendSide.reactor = backendInitializeReactor(nil)
	mb := newConnectedBackend(t, backendSide)

	frontendSide := newScriptedSide()
	frontend := mcpsession.New("frontend", frontendSide, nil)
	defer frontend.Close()
	New(frontend, mb)

	notif := jsonrpc.Message{JSONRPC: jsonrpc.Version, Method: jsonrpc.NotificationMessage}
	encoded, _ := notif.Encode()
	backendSide.inbox <- encoded

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case frame := <-frontendSide.sent:
			msg, _ := jsonrpc.Parse(frame)
			if msg.Method == jsonrpc.NotificationMessage {
				return
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for backend notification to reach frontend")
}

func TestTranslateBackendError_TimeoutGetsDistinctShape(t *testing.T) {
	backendSide := newScriptedSide()
	backendSide.reactor = backendInitializeReactor(nil)
	mb := newConnectedBackend(t, backendSide)

	err := translateBackendError(&mcpsession.TimeoutError{Method: "tools/call"}, mb)
	rpcErr, ok := err.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("translateBackendError() = %T, want *jsonrpc.Error", err)
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %+v, want map[string]any", rpcErr.Data)
	}
	if data["timeout"] != true {
		t.Errorf("Data[\"timeout\"] = %v, want true", data["timeout"])
	}
	if _, hasUnavailable := data["unavailable"]; hasUnavailable {
		t.Errorf("Data = %+v, a timeout must not also carry \"unavailable\"", data)
	}
}

func TestTranslateBackendError_OtherErrorsStayUnavailable(t *testing.T) {
	backendSide := newScriptedSide()
	backendSide.reactor = backendInitializeReactor(nil)
	mb := newConnectedBackend(t, backendSide)

	err := translateBackendError(errTestError("connection dropped"), mb)
	rpcErr, ok := err.(*jsonrpc.Error)
	if !ok {
		t.Fatalf("translateBackendError() = %T, want *jsonrpc.Error", err)
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %+v, want map[string]any", rpcErr.Data)
	}
	if data["unavailable"] != true {
		t.Errorf("Data[\"unavailable\"] = %v, want true", data["unavailable"])
	}
}

type errTestError string

func (e errTestError) Error() string { return string(e) }
