package client

import (
	"context"
	"sync"
)

// QueueStore persists the pending mutation queue across process restarts. The
// syncer treats it as the durable source of truth for unsynced edits.
type QueueStore interface {
	Load(ctx context.Context) ([]QueueItem, error)
	Save(ctx context.Context, items []QueueItem) error
	Clear(ctx context.Context) error
}

// MemoryQueueStore keeps the queue in process memory. Suitable for tests and
// for hosts that layer their own persistence underneath.
type MemoryQueueStore struct {
	mu    sync.Mutex
	items []QueueItem
}

// NewMemoryQueueStore constructs an empty MemoryQueueStore.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

// Load returns a copy of the stored queue.
func (s *MemoryQueueStore) Load(ctx context.Context) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueItem, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Save replaces the stored queue.
func (s *MemoryQueueStore) Save(ctx context.Context, items []QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]QueueItem, len(items))
	copy(s.items, items)
	return nil
}

// Clear drops the stored queue.
func (s *MemoryQueueStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	return nil
}
