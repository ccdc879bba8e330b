// Package checkpoint defines the resumable checkpoint model and the durable
// store that survives process restarts. A checkpoint marks the last
// successfully committed unit of work for a (plugin, target) pair; the
// executor reads it at run start and advances it only after a batch has been
// durably committed.
package checkpoint

import (
	"context"
	"sync"
)

// Checkpoint is a resume point. Line is the 1-based source position of the
// last committed record (source-relative resume, honored by extract);
// RecordID is the stable identifier of that record (domain resume). At least
// one of the two is set on any checkpoint produced by a load call.
type Checkpoint struct {
	RecordID string `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Line     int64  `json:"line,omitempty" yaml:"line,omitempty"`
}

// IsZero reports whether the checkpoint carries no resume information.
func (c Checkpoint) IsZero() bool {
	return c.RecordID == "" && c.Line == 0
}

// Key identifies the checkpoint slot for one plugin against one logical
// target.
type Key struct {
	Plugin string
	Target string
}

// Store is a durable key-value record of resume points. Implementations must
// provide atomic read-then-write per key so that concurrent runs against
// disjoint targets cannot overwrite each other's resume point.
type Store interface {
	// Get returns the stored checkpoint for key, or nil if none exists.
	Get(ctx context.Context, key Key) (*Checkpoint, error)

	// Put stores cp as the checkpoint for key, replacing any previous value.
	Put(ctx context.Context, key Key, cp Checkpoint) error

	// Clear removes the checkpoint for key, if any.
	Clear(ctx context.Context, key Key) error

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is an in-process Store used by tests and dry runs. It is safe
// for concurrent use but does not survive restarts.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[Key]Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[Key]Checkpoint)}
}

// Get returns the stored checkpoint for key, or nil if none exists.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.slots[key]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Put stores cp as the checkpoint for key.
func (s *MemoryStore) Put(_ context.Context, key Key, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[key] = cp
	return nil
}

// Clear removes the checkpoint for key.
func (s *MemoryStore) Clear(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
