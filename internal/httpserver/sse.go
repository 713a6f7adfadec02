package httpserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/kentarosa/mcpbridge/internal/bridgelog"
	"github.com/kentarosa/mcpbridge/internal/mcpsession"
	"github.com/kentarosa/mcpbridge/internal/proxy"
	"github.com/kentarosa/mcpbridge/internal/transport"
)

// handleAggregatedSSE serves GET /sse: a long-lived event stream attached to
// the aggregator, paired with POST /messages/?session_id=... for the
// client->server direction.
func (s *Server) handleAggregatedSSE(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, "/messages/", func(sess *mcpsession.Session) func() {
		s.agg.Attach(sess)
		return func() { s.agg.Detach(sess) }
	})
}

// handleDirectSSE serves GET /servers/<name>/sse: the same event-stream shape
// as the aggregated endpoint, but wired 1:1 to a single named backend via
// proxy.Engine instead of the aggregator — no aggregation, no namespacing.
func (s *Server) handleDirectSSE(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.backends[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.serveSSE(w, r, "/servers/"+name+"/messages/", func(sess *mcpsession.Session) func() {
		proxy.New(sess, b)
		return func() {}
	})
}

// serveSSE implements the GET half of the SSE transport shared by the
// aggregated and direct endpoints: send the initial "endpoint" event naming
// where POSTs for this session go, then stream frames off the session's
// outbox as "message" events until the client disconnects.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, messagesPath string, attach func(*mcpsession.Session) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	inbound := transport.NewInboundSSE(id)
	sess := mcpsession.New("frontend-"+id, inbound, s.log)
	detach := attach(sess)

	s.sseMu.Lock()
	s.sseSessions[id] = inbound
	s.sseMu.Unlock()

	bridgelog.Log(r.Context(), bridgelog.Event{Type: bridgelog.EventFrontendConnected, SessionID: id})
	defer func() {
		s.sseMu.Lock()
		delete(s.sseSessions, id)
		s.sseMu.Unlock()
		detach()
		_ = sess.Close()
		bridgelog.Log(r.Context(), bridgelog.Event{Type: bridgelog.EventFrontendDisconnected, SessionID: id})
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=%s\n\n", messagesPath, id)
	flusher.Flush()

	for {
		select {
		case frame, open := <-inbound.Outbox():
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleMessages serves both POST /messages/?session_id=... (aggregated) and
// POST /servers/<name>/messages/?session_id=... (direct) — the session id
// alone identifies the waiting InboundSSE regardless of which tree it was
// opened under, since ids are drawn from a single UUID space.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	s.sseMu.Lock()
	inbound, ok := s.sseSessions[id]
	s.sseMu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := inbound.DeliverInbound(body); err != nil {
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
