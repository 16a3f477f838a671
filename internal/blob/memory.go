package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemStore is a thread-safe in-memory Store for development and tests.
type MemStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	maxSize int64
}

// NewMemStore returns an empty in-memory store. maxSize <= 0 disables the size check.
func NewMemStore(maxSize int64) *MemStore {
	return &MemStore{blobs: map[string][]byte{}, maxSize: maxSize}
}

// Put reads r fully and stores it under key.
func (s *MemStore) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return 0, ErrTooLarge
	}
	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

// Get returns a reader over the stored bytes.
func (s *MemStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes key.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}
