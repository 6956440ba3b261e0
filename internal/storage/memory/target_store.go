package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// TargetStore is an in-memory orchestrator.TargetStore.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]orchestrator.Target
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]orchestrator.Target)}
}

// CreateTarget stores a new target.
func (s *TargetStore) CreateTarget(_ context.Context, target orchestrator.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[target.ID]; exists {
		return fmt.Errorf("target %s already exists", target.ID)
	}
	s.targets[target.ID] = target
	return nil
}

// UpdateTarget replaces an existing target.
func (s *TargetStore) UpdateTarget(_ context.Context, target orchestrator.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[target.ID]; !exists {
		return fmt.Errorf("target %s: %w", target.ID, orchestrator.ErrNotFound)
	}
	s.targets[target.ID] = target
	return nil
}

// DeleteTarget removes a target.
func (s *TargetStore) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[id]; !exists {
		return fmt.Errorf("target %s: %w", id, orchestrator.ErrNotFound)
	}
	delete(s.targets, id)
	return nil
}

// GetTarget fetches a target by ID.
func (s *TargetStore) GetTarget(_ context.Context, id string) (orchestrator.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return orchestrator.Target{}, fmt.Errorf("target %s: %w", id, orchestrator.ErrNotFound)
	}
	return target, nil
}

// ListTargets returns all targets ordered by creation time.
func (s *TargetStore) ListTargets(_ context.Context) ([]orchestrator.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orchestrator.Target, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
