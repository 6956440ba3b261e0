// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// ScheduleStore is an in-memory orchestrator.ScheduleStore.
type ScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]orchestrator.Schedule
}

// NewScheduleStore constructs a ScheduleStore.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{schedules: make(map[string]orchestrator.Schedule)}
}

// CreateSchedule stores a new schedule.
func (s *ScheduleStore) CreateSchedule(_ context.Context, schedule orchestrator.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

// UpdateSchedule replaces an existing schedule.
func (s *ScheduleStore) UpdateSchedule(_ context.Context, schedule orchestrator.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[schedule.ID]; !exists {
		return fmt.Errorf("schedule %s: %w", schedule.ID, orchestrator.ErrNotFound)
	}
	s.schedules[schedule.ID] = schedule
	return nil
}

// DeleteSchedule removes a schedule. Sessions recorded under it survive.
func (s *ScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[id]; !exists {
		return fmt.Errorf("schedule %s: %w", id, orchestrator.ErrNotFound)
	}
	delete(s.schedules, id)
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *ScheduleStore) GetSchedule(_ context.Context, id string) (orchestrator.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return orchestrator.Schedule{}, fmt.Errorf("schedule %s: %w", id, orchestrator.ErrNotFound)
	}
	return schedule, nil
}

// ListSchedules returns all schedules ordered by creation time.
func (s *ScheduleStore) ListSchedules(_ context.Context) ([]orchestrator.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(orchestrator.Schedule) bool { return true }), nil
}

// ListEnabledSchedules returns only enabled schedules.
func (s *ScheduleStore) ListEnabledSchedules(_ context.Context) ([]orchestrator.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(sc orchestrator.Schedule) bool { return sc.Enabled }), nil
}

// SetRunTimes persists fire bookkeeping for a schedule.
func (s *ScheduleStore) SetRunTimes(_ context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, orchestrator.ErrNotFound)
	}
	schedule.LastRunAt = lastRunAt
	schedule.NextRunAt = nextRunAt
	s.schedules[id] = schedule
	return nil
}

func (s *ScheduleStore) list(keep func(orchestrator.Schedule) bool) []orchestrator.Schedule {
	out := make([]orchestrator.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		if keep(schedule) {
			out = append(out, schedule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
