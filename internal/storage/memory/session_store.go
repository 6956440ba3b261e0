package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// SessionStore is an in-memory orchestrator.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]orchestrator.Session
	logs     map[string][]orchestrator.SessionLogEntry
	order    []string
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]orchestrator.Session),
		logs:     make(map[string][]orchestrator.SessionLogEntry),
	}
}

// CreateSession stores a new session.
func (s *SessionStore) CreateSession(_ context.Context, session orchestrator.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	return nil
}

// UpdateSession replaces an existing session.
func (s *SessionStore) UpdateSession(_ context.Context, session orchestrator.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s: %w", session.ID, orchestrator.ErrNotFound)
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, id string) (orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return orchestrator.Session{}, fmt.Errorf("session %s: %w", id, orchestrator.ErrNotFound)
	}
	return session, nil
}

// ListSessions returns sessions newest-first after applying the filter.
func (s *SessionStore) ListSessions(_ context.Context, filter orchestrator.SessionFilter) ([]orchestrator.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]orchestrator.Session, 0, len(s.order))
	for _, id := range s.order {
		session := s.sessions[id]
		if filter.TargetID != "" && session.TargetID != filter.TargetID {
			continue
		}
		if filter.Status != nil && session.Status != *filter.Status {
			continue
		}
		matched = append(matched, session)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []orchestrator.Session{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// AppendLog appends one log entry for a session.
func (s *SessionStore) AppendLog(_ context.Context, entry orchestrator.SessionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[entry.SessionID]; !exists {
		return fmt.Errorf("session %s: %w", entry.SessionID, orchestrator.ErrNotFound)
	}
	s.logs[entry.SessionID] = append(s.logs[entry.SessionID], entry)
	return nil
}

// ListLogs returns a session's log entries in append order.
func (s *SessionStore) ListLogs(_ context.Context, sessionID string) ([]orchestrator.SessionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.logs[sessionID]
	out := make([]orchestrator.SessionLogEntry, len(logs))
	copy(out, logs)
	return out, nil
}
