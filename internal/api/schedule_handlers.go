package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pulsewatch/scrape-orchestrator/internal/cron"
	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

type scheduleRequest struct {
	Name            string                                   `json:"name"`
	Description     string                                   `json:"description"`
	CronExpression  string                                   `json:"cronExpression"`
	Timezone        string                                   `json:"timezone"`
	Enabled         *bool                                    `json:"enabled"`
	RetrySettings   *orchestrator.RetrySettings              `json:"retrySettings"`
	TargetIDs       []string                                 `json:"targetIds"`
	TargetOverrides map[string]orchestrator.SettingsOverride `json:"targetOverrides"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if err := cron.Validate(req.CronExpression, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkTargetsExist(r, req.TargetIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.IDGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	now := s.deps.Clock.Now()
	schedule := orchestrator.Schedule{
		ID:              id,
		Name:            req.Name,
		Description:     req.Description,
		CronExpression:  req.CronExpression,
		Timezone:        req.Timezone,
		Enabled:         req.Enabled == nil || *req.Enabled,
		RetrySettings:   orchestrator.DefaultRetrySettings(),
		TargetIDs:       req.TargetIDs,
		TargetOverrides: req.TargetOverrides,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.RetrySettings != nil {
		schedule.RetrySettings = *req.RetrySettings
	}
	if next, err := cron.NextRun(schedule, now); err == nil {
		schedule.NextRunAt = &next
	}
	if err := s.deps.Schedules.CreateSchedule(r.Context(), schedule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Schedules.ListSchedules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.deps.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "schedule_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "schedule_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	existing.Description = req.Description
	if req.CronExpression != "" {
		existing.CronExpression = req.CronExpression
	}
	if req.Timezone != "" {
		existing.Timezone = req.Timezone
	}
	if err := cron.Validate(existing.CronExpression, existing.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	if req.RetrySettings != nil {
		existing.RetrySettings = *req.RetrySettings
	}
	if req.TargetIDs != nil {
		if err := s.checkTargetsExist(r, req.TargetIDs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		existing.TargetIDs = req.TargetIDs
	}
	if req.TargetOverrides != nil {
		existing.TargetOverrides = req.TargetOverrides
	}
	existing.UpdatedAt = s.deps.Clock.Now()
	// Edits to the expression or timezone move the next fire time.
	if next, err := cron.NextRun(existing, existing.UpdatedAt); err == nil {
		existing.NextRunAt = &next
	}
	if err := s.deps.Schedules.UpdateSchedule(r.Context(), existing); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "schedule_id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerScheduleRequest struct {
	Override *orchestrator.SettingsOverride `json:"override"`
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "schedule_id")
	var req triggerScheduleRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if err := s.deps.Engine.TriggerSchedule(r.Context(), scheduleID, req.Override); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scheduleId": scheduleID, "status": "triggered"})
}

func (s *Server) checkTargetsExist(r *http.Request, targetIDs []string) error {
	for _, id := range targetIDs {
		if _, err := s.deps.Targets.GetTarget(r.Context(), id); err != nil {
			return err
		}
	}
	return nil
}
