// Package client implements the device-side mutation queue and background
// syncer that converge local fitness edits with the server.
package client

import (
	"time"

	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
)

const (
	// backoffBase and backoffMax bound the per-item retry schedule.
	backoffBase = 2 * time.Second
	backoffMax  = 5 * time.Minute

	// maxBatchSize caps how many queue items one sync round-trip carries.
	maxBatchSize = 25
)

// QueueItem is one pending mutation plus its retry bookkeeping.
type QueueItem struct {
	Mutation      syncsvc.Mutation `json:"mutation"`
	RetryCount    int              `json:"retryCount"`
	LastAttemptAt time.Time        `json:"lastAttemptAt"`
	EnqueuedAt    time.Time        `json:"enqueuedAt"`
}

// backoff returns the wait required after the item's last attempt.
func (i QueueItem) backoff() time.Duration {
	d := backoffBase << uint(i.RetryCount)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

// eligible reports whether the item may be sent at now. Fresh items with no
// attempts are always eligible.
func (i QueueItem) eligible(now time.Time) bool {
	if i.LastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(i.LastAttemptAt.Add(i.backoff()))
}

// coalesce inserts m into queue, replacing an existing entry with the same
// (entityId, entityType, operation) so the server only ever sees the latest
// intent per entity. Replacement resets retry bookkeeping.
func coalesce(queue []QueueItem, m syncsvc.Mutation, now time.Time) []QueueItem {
	item := QueueItem{Mutation: m, EnqueuedAt: now}
	for idx, existing := range queue {
		if existing.Mutation.Payload.EntityID == m.Payload.EntityID &&
			existing.Mutation.EntityType == m.EntityType &&
			existing.Mutation.Operation == m.Operation {
			queue[idx] = item
			return queue
		}
	}
	return append(queue, item)
}
