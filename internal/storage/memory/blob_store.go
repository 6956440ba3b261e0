package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pulsewatch/scrape-orchestrator/internal/orchestrator"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = blob{
		data:        append([]byte(nil), byteData...),
		contentType: contentType,
	}
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject returns the stored content and its content type.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", path, orchestrator.ErrNotFound)
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}
