// Package archive is the content-addressed store for execution outputs.
// Receipts carry only the hash returned by Put; raw output never leaves
// the archive unless a caller with access fetches it explicitly.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// HashPrefix marks archive references in receipts.
const HashPrefix = "sha256:"

// Store persists opaque blobs keyed by their SHA-256 content hash.
type Store interface {
	// Put stores data and returns its content hash ("sha256:<hex>").
	// Storing the same bytes twice is idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, hash string) (bool, error)
}

// HashOf computes the archive reference for data without storing it.
func HashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// ParseHash strips and validates the sha256 prefix.
func ParseHash(hash string) (string, error) {
	if len(hash) <= len(HashPrefix) || hash[:len(HashPrefix)] != HashPrefix {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	return hash[len(HashPrefix):], nil
}

// MemoryStore keeps blobs in memory; the default for tests and
// single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	hash := HashOf(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[hash] = cp
	}
	return hash, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("archive: blob %s not found", hash)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}
