package domain

import "time"

// AuditEntry is an append-only record of a security-relevant action. Rows are
// written in the acting request's transaction and relayed to Kafka afterwards.
type AuditEntry struct {
	ID          int64
	ActorID     string
	GymID       string
	Type        string
	Action      string
	Metadata    map[string]any
	CreatedAt   time.Time
	PublishedAt *time.Time
}
