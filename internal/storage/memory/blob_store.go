// Package memory holds in-process storage used by tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore keeps page content in a map keyed by object path.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject stores a copy of the reader's content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, body io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	s.blobs[path] = blob{data: data, contentType: contentType}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", path, crawler.ErrNotFound)
	}
	return append([]byte(nil), b.data...), nil
}

// ContentType returns the content type recorded for path.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].contentType
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
