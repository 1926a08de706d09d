// Package persistence defines the storage contract shared by the sync and QR subsystems.
package persistence

import (
	"context"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
)

// Store is the canonical entity store. Implementations must honour optimistic
// versioning on updates (affected-row-count semantics) and the one-open-session
// invariant on session creation.
type Store interface {
	// WithinTx runs fn against a transaction-scoped store. A non-nil error from
	// fn rolls back every write performed inside it.
	WithinTx(ctx context.Context, fn func(Store) error) error

	GetGym(ctx context.Context, gymID string) (*domain.Gym, error)

	GetSession(ctx context.Context, id string) (*domain.GymSession, error)
	ActiveSession(ctx context.Context, userID string) (*domain.GymSession, error)
	// CreateSession fails with domain.ErrActiveSessionExists when the session is
	// open and the user already has an open session.
	CreateSession(ctx context.Context, session domain.GymSession) error
	// UpdateSession applies the update only if the stored row still carries
	// expectedVersion, bumping ServerVersion by exactly 1. A stale expectation
	// returns domain.ErrVersionMismatch and leaves the row untouched.
	UpdateSession(ctx context.Context, session domain.GymSession, expectedVersion int64) (*domain.GymSession, error)
	SessionsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.GymSession, error)

	GetWeight(ctx context.Context, id string) (*domain.WeightLog, error)
	CreateWeight(ctx context.Context, weight domain.WeightLog) error
	UpdateWeight(ctx context.Context, weight domain.WeightLog, expectedVersion int64) (*domain.WeightLog, error)
	WeightsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.WeightLog, error)

	GetReceipt(ctx context.Context, userID, mutationID string) (*domain.Receipt, error)
	// PutReceipt persists the receipt at most once per (userID, mutationID);
	// a concurrent duplicate insert is not an error.
	PutReceipt(ctx context.Context, receipt domain.Receipt) error

	// EnsureStatic returns the static QR record and current key for (gym, type),
	// creating both lazily at version 1 on first use.
	EnsureStatic(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (*domain.QRStatic, *domain.QRKey, error)
	GetStatic(ctx context.Context, gymID string, qrType domain.QRType) (*domain.QRStatic, error)
	GetKey(ctx context.Context, gymID string, qrType domain.QRType, version int) (*domain.QRKey, error)
	// RotateKey installs secret as the next key version and returns it.
	RotateKey(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (int, error)
	ListStatics(ctx context.Context) ([]domain.QRStatic, error)

	// InsertTokenIfAbsent records the token ledger row, returning the stored row
	// (the pre-existing one when the hash was already present).
	InsertTokenIfAbsent(ctx context.Context, token domain.QRToken) (*domain.QRToken, error)
	// ConsumeToken sets usedAt if and only if it is still null. Exactly one of
	// any set of concurrent callers observes true.
	ConsumeToken(ctx context.Context, tokenHash string) (bool, error)

	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}
