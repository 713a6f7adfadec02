package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kentarosa/mcpbridge/internal/config"
	"github.com/kentarosa/mcpbridge/internal/jsonrpc"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// scriptedTransport is an in-memory transport.Transport double that answers
// initialize and the capability-priming list calls with canned results, so
// ManagedBackend's connect algorithm can be exercised without a real child
// process.
type scriptedTransport struct {
	inbox  chan []byte
	errCh  chan error
	closed bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{inbox: make(chan []byte, 16), errCh: make(chan error, 1)}
}

func (s *scriptedTransport) Inbound() <-chan []byte { return s.inbox }
func (s *scriptedTransport) Err() <-chan error      { return s.errCh }
func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedTransport) Send(ctx context.Context, frame []byte) error {
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		return err
	}
	if msg.Method == "" || msg.ID == nil {
		return nil // notification, no reply
	}

	var result json.RawMessage
	switch msg.Method {
	case jsonrpc.MethodInitialize:
		result, _ = json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "scripted", "version": "1.0"},
		})
	case jsonrpc.MethodToolsList:
		result, _ = json.Marshal(map[string]any{"tools": []any{map[string]any{"name": "echo"}}})
	case jsonrpc.MethodResourcesList, jsonrpc.MethodResourceTemplatesList, jsonrpc.MethodPromptsList:
		result, _ = json.Marshal(map[string]any{"resources": []any{}, "resourceTemplates": []any{}, "prompts": []any{}})
	default:
		reply := jsonrpc.NewError(*msg.ID, jsonrpc.CodeMethodNotFound, "unsupported", nil)
		encoded, _ := reply.Encode()
		s.inbox <- encoded
		return nil
	}

	reply := jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Result: result}
	encoded, _ := reply.Encode()
	s.inbox <- encoded
	return nil
}

func TestManagedBackend_ConnectsAndPrimesCapabilities(t *testing.T) {
	dial := func(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error) {
		return newScriptedTransport(), nil
	}

	desc := config.ServerDescriptor{Name: "scripted", Enabled: true, Command: "unused"}
	desc.Defaults()

	b := New(desc, Dialer(dial), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.Start(ctx)
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Status() == StatusConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want connected", b.Status())
	}

	snap := b.Snapshot()
	if len(snap.Capabilities.Tools) != 1 {
		t.Errorf("Capabilities.Tools = %+v, want one primed tool", snap.Capabilities.Tools)
	}
	if snap.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap.FailureCount)
	}
}

func TestManagedBackend_DisabledNeverStarts(t *testing.T) {
	desc := config.ServerDescriptor{Name: "off", Enabled: false}
	b := New(desc, DialDescriptor, nil)
	b.Start(context.Background())
	if b.Status() != StatusDisabled {
		t.Errorf("Status() = %v, want disabled", b.Status())
	}
}

func TestManagedBackend_FailingDialEntersFailedAfterRetries(t *testing.T) {
	calls := 0
	dial := func(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error) {
		calls++
		return nil, errStub{"dial always fails"}
	}

	desc := config.ServerDescriptor{Name: "broken", Enabled: true, Command: "unused", RetryAttempts: 2, RetryDelay: 0.01}
	desc.Defaults()
	desc.RetryAttempts = 2
	desc.RetryDelay = 0.01

	b := New(desc, Dialer(dial), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.Status() == StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.Status() != StatusFailed {
		t.Fatalf("Status() = %v, want failed after exhausting retries", b.Status())
	}
	if calls < 2 {
		t.Errorf("dial called %d times, want at least RetryAttempts=2", calls)
	}
}

type errStub struct{ msg string }

func (e errStub) Error() string { return e.msg }
