// Package sync implements the server-side reconciliation protocol for
// offline-recorded fitness mutations.
package sync

import (
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
)

// Operation is the mutation kind declared by the client.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

// Mutation is one client-queued change. ID doubles as the idempotency key and
// stays stable across retries.
type Mutation struct {
	ID         string            `json:"id"`
	EntityType domain.EntityType `json:"entityType"`
	Operation  Operation         `json:"operation"`
	Payload    Payload           `json:"payload"`
}

// Payload carries the entity-shaped partial data for a mutation. Only the
// fields matching EntityType are meaningful.
type Payload struct {
	EntityID          string `json:"entityId"`
	BaseServerVersion *int64 `json:"baseServerVersion,omitempty"`

	// Session fields.
	GymID    string     `json:"gymId,omitempty"`
	EntryAt  *time.Time `json:"entryAt,omitempty"`
	ExitAt   *time.Time `json:"exitAt,omitempty"`
	Calories *int       `json:"calories,omitempty"`
	EndedBy  string     `json:"endedBy,omitempty"`

	// Weight fields.
	ValueKg  *float64   `json:"valueKg,omitempty"`
	LoggedAt *time.Time `json:"loggedAt,omitempty"`
}

// Status is the closed set of per-mutation outcomes.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusSkipped  Status = "skipped"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

// Result is the outcome for a single mutation. Construct via the Applied,
// Skipped, Conflicted and Failed helpers so each status carries only the
// fields valid for it: canonical state accompanies applied/skipped/conflict,
// an error message accompanies failed, and failed never carries a version.
type Result struct {
	ID               string             `json:"id"`
	EntityType       domain.EntityType  `json:"entityType"`
	Status           Status             `json:"status"`
	EntityID         string             `json:"entityId,omitempty"`
	ServerVersion    int64              `json:"serverVersion,omitempty"`
	CanonicalSession *domain.GymSession `json:"canonicalSession,omitempty"`
	CanonicalWeight  *domain.WeightLog  `json:"canonicalWeight,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Applied reports a successful create or update.
func Applied(m Mutation, session *domain.GymSession, weight *domain.WeightLog) Result {
	return withCanonical(Result{ID: m.ID, EntityType: m.EntityType, Status: StatusApplied}, session, weight)
}

// Skipped reports an idempotent no-op (duplicate create of an existing row).
func Skipped(m Mutation, session *domain.GymSession, weight *domain.WeightLog) Result {
	return withCanonical(Result{ID: m.ID, EntityType: m.EntityType, Status: StatusSkipped}, session, weight)
}

// Conflicted reports a lost-update or invariant conflict, carrying the
// canonical row the client must merge before retrying.
func Conflicted(m Mutation, session *domain.GymSession, weight *domain.WeightLog) Result {
	return withCanonical(Result{ID: m.ID, EntityType: m.EntityType, Status: StatusConflict}, session, weight)
}

// Failed reports a mutation that produced no side effect.
func Failed(m Mutation, msg string) Result {
	return Result{ID: m.ID, EntityType: m.EntityType, Status: StatusFailed, Error: msg}
}

func withCanonical(r Result, session *domain.GymSession, weight *domain.WeightLog) Result {
	if session != nil {
		r.EntityID = session.ID
		r.ServerVersion = session.ServerVersion
		r.CanonicalSession = session
	}
	if weight != nil {
		r.EntityID = weight.ID
		r.ServerVersion = weight.ServerVersion
		r.CanonicalWeight = weight
	}
	return r
}
