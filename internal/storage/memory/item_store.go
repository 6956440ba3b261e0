package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

// ItemStore is an in-memory orchestrator.ItemStore with a per-target
// fingerprint index for dedup lookups.
type ItemStore struct {
	mu            sync.RWMutex
	items         map[string]orchestrator.ScrapedItem
	byFingerprint map[string]string
	bySession     map[string][]string
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:         make(map[string]orchestrator.ScrapedItem),
		byFingerprint: make(map[string]string),
		bySession:     make(map[string][]string),
	}
}

func fingerprintKey(targetID, fingerprint string) string {
	return targetID + "\x00" + fingerprint
}

// InsertItem stores a new item and indexes its fingerprint.
func (s *ItemStore) InsertItem(_ context.Context, item orchestrator.ScrapedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	key := fingerprintKey(item.TargetID, item.Fingerprint)
	if _, exists := s.byFingerprint[key]; exists {
		return fmt.Errorf("fingerprint already indexed for target %s", item.TargetID)
	}
	s.items[item.ID] = item
	s.byFingerprint[key] = item.ID
	s.bySession[item.SessionID] = append(s.bySession[item.SessionID], item.ID)
	return nil
}

// UpdateItem replaces an existing item. The fingerprint index entry follows
// the item's current session so ListBySession reflects the latest collector.
func (s *ItemStore) UpdateItem(_ context.Context, item orchestrator.ScrapedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, exists := s.items[item.ID]
	if !exists {
		return fmt.Errorf("item %s: %w", item.ID, orchestrator.ErrNotFound)
	}
	if previous.SessionID != item.SessionID {
		s.bySession[item.SessionID] = append(s.bySession[item.SessionID], item.ID)
	}
	s.items[item.ID] = item
	return nil
}

// GetByFingerprint looks up an item by its per-target fingerprint.
func (s *ItemStore) GetByFingerprint(_ context.Context, targetID, fingerprint string) (orchestrator.ScrapedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFingerprint[fingerprintKey(targetID, fingerprint)]
	if !ok {
		return orchestrator.ScrapedItem{}, fmt.Errorf("fingerprint for target %s: %w", targetID, orchestrator.ErrNotFound)
	}
	return s.items[id], nil
}

// ListBySession returns items collected in one session, insertion-ordered.
func (s *ItemStore) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]orchestrator.ScrapedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	if offset > 0 {
		if offset >= len(ids) {
			return []orchestrator.ScrapedItem{}, nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]orchestrator.ScrapedItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id])
	}
	return out, nil
}
