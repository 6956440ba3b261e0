package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
	"github.com/pulsewatch/scrape-orchestrator/internal/session"
)

const (
	defaultPollWait = 25 * time.Second
	maxPollWait     = 55 * time.Second
)

type registerRequest struct {
	WorkerID     string                  `json:"workerId"`
	Name         string                  `json:"name"`
	Capabilities []orchestrator.Platform `json:"capabilities"`
}

type registerResponse struct {
	Worker           orchestrator.Worker `json:"worker"`
	HeartbeatSeconds int                 `json:"heartbeatSeconds"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	workerID := req.WorkerID
	if workerID == "" {
		id, err := s.deps.IDGen.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		workerID = id
	}
	worker := s.deps.Workers.Register(orchestrator.Worker{
		ID:           workerID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
	})
	writeJSON(w, http.StatusOK, registerResponse{
		Worker:           worker,
		HeartbeatSeconds: s.cfg.Workers.HeartbeatSeconds,
	})
}

func (s *Server) heartbeatWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workers.Heartbeat(chi.URLParam(r, "worker_id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) disconnectWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Workers.Disconnect(chi.URLParam(r, "worker_id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// pollCommands long-polls for the next command assigned to the worker. An
// empty poll window returns 204 so agents can loop without backoff logic.
func (s *Server) pollCommands(w http.ResponseWriter, r *http.Request) {
	wait := defaultPollWait
	if raw := r.URL.Query().Get("wait_seconds"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			wait = time.Duration(v) * time.Second
		}
	}
	if wait > maxPollWait {
		wait = maxPollWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	cmd, err := s.deps.Workers.NextCommand(ctx, chi.URLParam(r, "worker_id"))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, context.Canceled):
			// Client went away mid-poll.
		default:
			writeStoreError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) startCommand(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Engine.StartCommand(r.Context(), chi.URLParam(r, "command_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type logBatchRequest struct {
	Logs []logEntryRequest `json:"logs"`
}

type logEntryRequest struct {
	Level    orchestrator.LogLevel `json:"level"`
	Event    string                `json:"event"`
	Message  string                `json:"message"`
	Metadata map[string]any        `json:"metadata"`
}

func (s *Server) appendCommandLogs(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	sessionID, ok := s.deps.Engine.SessionForCommand(commandID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	var req logBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for _, entry := range req.Logs {
		level := entry.Level
		if level == "" {
			level = orchestrator.LogInfo
		}
		if err := s.deps.Manager.AppendLog(r.Context(), sessionID, level, entry.Event, entry.Message, entry.Metadata); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Logs)})
}

type itemBatchRequest struct {
	Items []session.IncomingItem `json:"items"`
}

func (s *Server) ingestCommandItems(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	sessionID, ok := s.deps.Engine.SessionForCommand(commandID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	var req itemBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	delta, err := s.deps.Manager.IngestItems(r.Context(), sessionID, req.Items)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

type completeRequest struct {
	ItemsFound int                     `json:"itemsFound"`
	Error      *orchestrator.ExecError `json:"error"`
}

func (s *Server) completeCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "command_id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report := session.CompletionReport{ItemsFound: req.ItemsFound}
	if req.Error != nil {
		// Recoverability is derived from the code, never trusted from
		// the wire.
		report.Err = orchestrator.NewExecError(req.Error.Code, req.Error.Message)
	}
	if err := s.deps.Engine.CompleteCommand(r.Context(), commandID, report); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
