package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	commands := s.deps.Queue.Commands()
	if workerID := r.URL.Query().Get("worker_id"); workerID != "" {
		commands = s.deps.Queue.CommandsForWorker(workerID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    s.deps.Queue.Stats(),
		"commands": commands,
	})
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.deps.Queue.Get(chi.URLParam(r, "command_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) cancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	if err := s.deps.Engine.Cancel(r.Context(), commandID); err != nil {
		writeStoreError(w, err)
		return
	}
	cmd, err := s.deps.Queue.Get(commandID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) retryCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.deps.Engine.RetryCommand(r.Context(), chi.URLParam(r, "command_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) clearFailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.deps.Queue.ClearFailed()})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.deps.Workers.ListWorkers()})
}
