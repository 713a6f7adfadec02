// Package bridgelog provides the process-wide structured logger used by
// every mcpbridge component, plus header/secret masking for anything that
// touches request headers before it reaches a log line.
package bridgelog

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EventType names a bridge-lifecycle event worth a structured log line.
type EventType string

const (
	EventBackendConnected     EventType = "backend_connected"
	EventBackendFailed        EventType = "backend_failed"
	EventBackendRecovering    EventType = "backend_recovering"
	EventBackendDisconnected  EventType = "backend_disconnected"
	EventFrontendConnected    EventType = "frontend_connected"
	EventFrontendDisconnected EventType = "frontend_disconnected"
	EventRequestRouted        EventType = "request_routed"
	EventRequestFailed        EventType = "request_failed"
)

// Event is one structured bridge log record ("structured fields
// include server, session_id, method, id").
type Event struct {
	Type       EventType
	Server     string
	SessionID  string
	Method     string
	RequestID  string
	DurationMs int64
	Err        error
	Details    map[string]any
}

// logger is the process-wide handle, set once by Init at startup; the only
// shared global besides it is this structured logger.
var (
	logger *slog.Logger
	mu     sync.Mutex
)

// Init configures the process-wide logger. debug raises the level to Debug
// when --debug is set; otherwise Info.
func Init(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Default returns the process-wide logger, initializing a sane fallback (info
// level, stderr) if Init was never called — useful in tests and small
// standalone tools that embed a package without going through cmd/mcpbridge.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return logger
}

// Log emits one structured event at an appropriate level: Err != nil logs at
// Warn, everything else at Info.
func Log(ctx context.Context, e Event) {
	l := Default()
	attrs := []any{slog.String("event", string(e.Type))}
	if e.Server != "" {
		attrs = append(attrs, slog.String("server", e.Server))
	}
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", e.SessionID))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("id", e.RequestID))
	}
	if e.DurationMs > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", e.DurationMs))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
		l.WarnContext(ctx, "bridge_event", attrs...)
		return
	}
	l.InfoContext(ctx, "bridge_event", attrs...)
}

// sensitiveHeaderNames are masked outright regardless of substring match.
var sensitiveHeaderNames = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

// MaskHeaders returns a copy of headers safe to include in a log line:
// values for names in sensitiveHeaderNames, or any name containing "token"
// or "secret" (case-insensitive), are replaced with "[MASKED]".
func MaskHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for name, value := range headers {
		if shouldMask(name) {
			masked[name] = "[MASKED]"
			continue
		}
		masked[name] = value
	}
	return masked
}

func shouldMask(name string) bool {
	lower := strings.ToLower(name)
	if sensitiveHeaderNames[lower] {
		return true
	}
	return strings.Contains(lower, "token") || strings.Contains(lower, "secret")
}
