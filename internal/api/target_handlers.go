package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/scrape-orchestrator/internal/engine"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

func validateTarget(target orchestrator.Target) error {
	switch target.Platform {
	case orchestrator.PlatformLinkedIn, orchestrator.PlatformReddit, orchestrator.PlatformWebsite:
	default:
		return errInvalidPlatform
	}
	parsed, err := url.Parse(target.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errInvalidURL
	}
	if target.Settings != nil && target.Settings.Platform() != target.Platform {
		return errSettingsMismatch
	}
	return nil
}

var (
	errInvalidPlatform  = errors.New("platform must be linkedin, reddit, or website")
	errInvalidURL       = errors.New("url must be absolute")
	errSettingsMismatch = errors.New("settings do not match target platform")
)

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var target orchestrator.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateTarget(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.IDGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := s.deps.Clock.Now()
	target.ID = id
	target.CreatedAt = now
	target.UpdatedAt = now
	if target.Priority == "" {
		target.Priority = orchestrator.PriorityNormal
	}
	if err := s.deps.Targets.CreateTarget(r.Context(), target); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.deps.Targets.ListTargets(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.deps.Targets.GetTarget(r.Context(), chi.URLParam(r, "target_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Targets.GetTarget(r.Context(), chi.URLParam(r, "target_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// PUT replaces the record; identity and creation time are preserved.
	var updated orchestrator.Target
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	if err := validateTarget(updated); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Targets.UpdateTarget(r.Context(), updated); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Targets.DeleteTarget(r.Context(), chi.URLParam(r, "target_id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerTargetRequest struct {
	ScraperID   string                         `json:"scraperId"`
	Override    *orchestrator.SettingsOverride `json:"override"`
	Trigger     orchestrator.TriggerType       `json:"triggerType"`
	QueueBehind bool                           `json:"queueBehind"`
}

func (s *Server) triggerTarget(w http.ResponseWriter, r *http.Request) {
	var req triggerTargetRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	switch req.Trigger {
	case "", orchestrator.TriggerManual, orchestrator.TriggerSearch:
	default:
		writeError(w, http.StatusBadRequest, "triggerType must be manual or search")
		return
	}
	cmd, err := s.deps.Engine.TriggerTarget(r.Context(), chi.URLParam(r, "target_id"), engine.TriggerOptions{
		ScraperID:   req.ScraperID,
		Override:    req.Override,
		Trigger:     req.Trigger,
		QueueBehind: req.QueueBehind,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}
