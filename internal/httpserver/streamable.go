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

// sessionHeader is the streamable-HTTP session correlation header; absent
// entirely in stateless mode.
const sessionHeader = "Mcp-Session-Id"

// streamableSession pairs the transport adapter driving one stateful
// streamable-HTTP client with the mcpsession it is attached to, plus the
// teardown hook appropriate to how it was attached (aggregator vs. direct
// proxy).
type streamableSession struct {
	t      *transport.InboundStreamable
	sess   *mcpsession.Session
	detach func()
}

// handleAggregatedStreamable serves POST/GET/DELETE /mcp against the
// aggregator.
func (s *Server) handleAggregatedStreamable(w http.ResponseWriter, r *http.Request) {
	s.handleStreamable(w, r, func(sess *mcpsession.Session) func() {
		s.agg.Attach(sess)
		return func() { s.agg.Detach(sess) }
	})
}

// handleDirectStreamable serves POST/GET/DELETE /servers/<name>/mcp against
// exactly one named backend, bypassing the aggregator entirely.
func (s *Server) handleDirectStreamable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.backends[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.handleStreamable(w, r, func(sess *mcpsession.Session) func() {
		proxy.New(sess, b)
		return func() {}
	})
}

func (s *Server) handleStreamable(w http.ResponseWriter, r *http.Request, attach func(*mcpsession.Session) func()) {
	switch r.Method {
	case http.MethodPost:
		s.handleStreamablePost(w, r, attach)
	case http.MethodGet:
		s.handleStreamableGet(w, r)
	case http.MethodDelete:
		s.handleStreamableDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStreamablePost implements the stateless and stateful POST
// semantics: stateless mode spins up a throwaway session per request and
// tears it down once the synchronous reply is written; stateful mode creates
// a session on the first POST (minting an Mcp-Session-Id) and thereafter
// looks the session up by that header.
func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request, attach func(*mcpsession.Session) func()) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if s.stateless {
		id := uuid.New().String()
		inbound := transport.NewInboundStreamable("", true)
		sess := mcpsession.New("frontend-"+id, inbound, s.log)
		detach := attach(sess)
		defer func() {
			detach()
			_ = sess.Close()
		}()

		resp, err := inbound.DeliverRequest(r.Context(), body)
		if err != nil {
			http.Error(w, "request failed", http.StatusBadGateway)
			return
		}
		writeStreamableResponse(w, resp)
		return
	}

	existingID := r.Header.Get(sessionHeader)
	if existingID == "" {
		id := uuid.New().String()
		inbound := transport.NewInboundStreamable(id, false)
		sess := mcpsession.New("frontend-"+id, inbound, s.log)
		detach := attach(sess)

		ss := &streamableSession{t: inbound, sess: sess, detach: detach}
		s.streamableMu.Lock()
		s.streamableSessions[id] = ss
		s.streamableMu.Unlock()

		bridgelog.Log(r.Context(), bridgelog.Event{Type: bridgelog.EventFrontendConnected, SessionID: id})

		resp, err := inbound.DeliverRequest(r.Context(), body)
		if err != nil {
			s.closeStreamableSession(id)
			http.Error(w, "request failed", http.StatusBadGateway)
			return
		}
		w.Header().Set(sessionHeader, id)
		writeStreamableResponse(w, resp)
		return
	}

	s.streamableMu.Lock()
	ss, ok := s.streamableSessions[existingID]
	s.streamableMu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	resp, err := ss.t.DeliverRequest(r.Context(), body)
	if err != nil {
		http.Error(w, "request failed", http.StatusBadGateway)
		return
	}
	w.Header().Set(sessionHeader, existingID)
	writeStreamableResponse(w, resp)
}

// handleStreamableGet opens the optional server-push stream for a stateful
// session: frames the attached session could not deliver synchronously (a
// server-initiated request, a notification) are relayed here as they queue.
func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	if s.stateless {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.Header.Get(sessionHeader)
	s.streamableMu.Lock()
	ss, ok := s.streamableSessions[id]
	s.streamableMu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok2 := w.(http.Flusher)
	if !ok2 {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case frame, open := <-ss.t.Outbox():
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

// handleStreamableDelete ends a stateful session explicitly.
func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.closeStreamableSession(id) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeStreamableSession(id string) bool {
	s.streamableMu.Lock()
	ss, ok := s.streamableSessions[id]
	delete(s.streamableSessions, id)
	s.streamableMu.Unlock()
	if !ok {
		return false
	}
	ss.detach()
	_ = ss.sess.Close()
	bridgelog.Log(nil, bridgelog.Event{Type: bridgelog.EventFrontendDisconnected, SessionID: id})
	return true
}

func writeStreamableResponse(w http.ResponseWriter, resp []byte) {
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
