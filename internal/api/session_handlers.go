package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	defaultItemLimit    = 100
	maxItemLimit        = 1000
)

func limitParam(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > max {
		limit = max
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			offset = v
		}
	}
	return limit, offset
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := orchestrator.SessionFilter{TargetID: r.URL.Query().Get("target_id")}
	filter.Limit, filter.Offset = limitParam(r, defaultSessionLimit, maxSessionLimit)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := orchestrator.SessionStatus(raw)
		filter.Status = &status
	}
	sessions, err := s.deps.Sessions.ListSessions(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) listSessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.deps.Sessions.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	logs, err := s.deps.Sessions.ListLogs(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) listSessionItems(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if _, err := s.deps.Sessions.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	limit, offset := limitParam(r, defaultItemLimit, maxItemLimit)
	items, err := s.deps.Items.ListBySession(r.Context(), sessionID, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getScreenshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	itemID := chi.URLParam(r, "item_id")
	path := fmt.Sprintf("sessions/%s/screenshots/%s", sessionID, itemID)
	data, contentType, err := s.deps.Blobs.GetObject(r.Context(), path)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("screenshot write failed")
	}
}

// streamEvents serves the orchestration event feed over SSE. The connection
// stays open until the client goes away or the stream sink closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stream == nil {
		writeError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.deps.Stream.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
			flusher.Flush()
		}
	}
}
