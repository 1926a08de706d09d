package domain

import "time"

// EntityType discriminates the two syncable entity kinds.
type EntityType string

const (
	EntitySession EntityType = "session"
	EntityWeight  EntityType = "weight"
)

// ReceiptStatus is the durable outcome recorded for a processed mutation id.
type ReceiptStatus string

const (
	ReceiptApplied  ReceiptStatus = "applied"
	ReceiptSkipped  ReceiptStatus = "skipped"
	ReceiptConflict ReceiptStatus = "conflict"
	ReceiptFailed   ReceiptStatus = "failed"
)

// Receipt records that a mutation id has already been processed for a user.
// Replays of the same id return the stored result instead of re-executing.
type Receipt struct {
	UserID        string
	MutationID    string
	EntityType    EntityType
	EntityID      string
	Status        ReceiptStatus
	ServerVersion int64
	Error         string
	CreatedAt     time.Time
}
