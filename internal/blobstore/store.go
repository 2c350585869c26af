// Package blobstore provides the durable key -> text store used to archive
// session logs. Stores support whole-value read and overwrite only; callers
// implement append as read-modify-write.
package blobstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("blob not found")

// Store is a durable key -> text store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, content string) error
}

// LogKey returns the durable key of a session's log blob.
func LogKey(sessionID string) string {
	return "logs/" + sessionID + ".log"
}

// StateKey returns the durable key of a session's tombstone blob.
func StateKey(sessionID string) string {
	return "sessions/" + sessionID + ".state"
}

// MemoryStore is an in-process Store. It is used when no database path is
// configured and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.blobs[key]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (m *MemoryStore) Put(_ context.Context, key, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = content
	return nil
}
