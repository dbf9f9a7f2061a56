// Package memory keeps artifacts and run state in process memory for tests
// and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// BlobStore is an in-memory storage.Backend.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	// puts counts writes per key.
	puts map[string]int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
		puts: make(map[string]int),
	}
}

// Put stores a copy of data.
func (s *BlobStore) Put(_ context.Context, key, _ string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.puts[key]++
	return nil
}

// Get returns a copy of the stored bytes.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes key.
func (s *BlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%s: %w", key, crawler.ErrNotFound)
	}
	delete(s.data, key)
	return nil
}

// List returns the sorted keys starting with prefix.
func (s *BlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Puts reports how many times key was written.
func (s *BlobStore) Puts(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts[key]
}

// Keys returns every stored key in sorted order.
func (s *BlobStore) Keys() []string {
	keys, _ := s.List(context.Background(), "")
	return keys
}
