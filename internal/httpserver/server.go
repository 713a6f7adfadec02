// Package httpserver implements the HTTP surface: SSE and streamable-HTTP
// endpoints for the aggregated bridge, equivalent direct endpoints per named
// backend, a /status document, and CORS/preflight handling, listening with
// auto-increment-on-bind-failure.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kentarosa/mcpbridge/internal/aggregator"
	"github.com/kentarosa/mcpbridge/internal/backend"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// ErrPortExhausted is returned by Start once every candidate port in the
// auto-increment range has failed to bind: it tries at most 20 ports then
// gives up.
var ErrPortExhausted = errors.New("httpserver: no free port found")

const autoIncrementAttempts = 20

// Options configures a Server beyond the fixed set of backends/aggregator it
// serves.
type Options struct {
	AllowOrigin string // empty disables CORS headers entirely
	Stateless   bool   // streamable HTTP: no session persisted across POSTs
	Log         *slog.Logger
}

// Server is the HTTP surface in front of one Aggregator (for the aggregated
// endpoints) and the same backends individually (for the /servers/<name>/...
// direct endpoints). Either may be used standalone: a direct-proxy-only
// deployment passes a nil Aggregator and relies solely on the /servers/ tree.
type Server struct {
	agg      *aggregator.Aggregator
	backends map[string]*backend.ManagedBackend

	allowOrigin string
	stateless   bool
	log         *slog.Logger

	mux     *http.ServeMux
	httpSrv *http.Server

	startTime time.Time

	activityMu   sync.Mutex
	lastActivity time.Time

	sseMu       sync.Mutex
	sseSessions map[string]*transport.InboundSSE

	streamableMu       sync.Mutex
	streamableSessions map[string]*streamableSession
}

// New builds a Server. agg may be nil when only direct per-backend endpoints
// are wanted; backends is keyed by descriptor name and backs both /status
// and the /servers/<name>/... endpoints.
func New(agg *aggregator.Aggregator, backends map[string]*backend.ManagedBackend, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	s := &Server{
		agg:                agg,
		backends:           backends,
		allowOrigin:        opts.AllowOrigin,
		stateless:          opts.Stateless,
		log:                opts.Log,
		sseSessions:        make(map[string]*transport.InboundSSE),
		streamableSessions: make(map[string]*streamableSession),
		startTime:          time.Now(),
		lastActivity:       time.Now(),
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.agg != nil {
		mux.HandleFunc("GET /sse", s.handleAggregatedSSE)
		mux.HandleFunc("POST /messages/", s.handleMessages)
		mux.HandleFunc("POST /mcp", s.handleAggregatedStreamable)
		mux.HandleFunc("GET /mcp", s.handleAggregatedStreamable)
		mux.HandleFunc("DELETE /mcp", s.handleAggregatedStreamable)
	}

	mux.HandleFunc("GET /servers/{name}/sse", s.handleDirectSSE)
	mux.HandleFunc("POST /servers/{name}/messages/", s.handleMessages)
	mux.HandleFunc("POST /servers/{name}/mcp", s.handleDirectStreamable)
	mux.HandleFunc("GET /servers/{name}/mcp", s.handleDirectStreamable)
	mux.HandleFunc("DELETE /servers/{name}/mcp", s.handleDirectStreamable)
	return mux
}

// Start binds to host:port, trying up to autoIncrementAttempts consecutive
// ports starting at port, and serves in a background goroutine. It returns the
// address actually bound.
func (s *Server) Start(host string, port int) (string, error) {
	var lastErr error
	for i := 0; i < autoIncrementAttempts; i++ {
		addr := fmt.Sprintf("%s:%d", host, port+i)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		s.httpSrv = &http.Server{Handler: s.withCORS(s.mux)}
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server exited", "error", err)
			}
		}()
		return addr, nil
	}
	return "", fmt.Errorf("%w: tried %d ports starting at %s:%d: %v", ErrPortExhausted, autoIncrementAttempts, host, port, lastErr)
}

// Shutdown gracefully stops accepting connections and waits for ctx's
// deadline for in-flight requests to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.touchActivity()
		if s.allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) touchActivity() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// handleStatus answers GET /status: one document summarizing
// every configured backend's lifecycle state and primed capability counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.activityMu.Lock()
	lastActivity := s.lastActivity
	s.activityMu.Unlock()

	instances := make(map[string]any, len(s.backends))
	for name, b := range s.backends {
		snap := b.Snapshot()
		instances[name] = map[string]any{
			"enabled":       snap.Enabled,
			"command":       snap.Command,
			"status":        string(snap.Status),
			"last_seen":     snap.LastSeen,
			"failure_count": snap.FailureCount,
			"last_error":    snap.LastError,
			"capabilities": map[string]any{
				"tools":     len(snap.Capabilities.Tools),
				"resources": len(snap.Capabilities.Resources),
				"prompts":   len(snap.Capabilities.Prompts),
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"api_last_activity": lastActivity,
		"server_instances":  instances,
		"start_time":        s.startTime,
		"uptime_seconds":    time.Since(s.startTime).Seconds(),
	})
}
