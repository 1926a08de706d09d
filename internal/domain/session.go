// Package domain defines the canonical fitness entities shared by the sync and QR subsystems.
package domain

import (
	"errors"
	"time"
)

// MinValidSessionMinutes is the duration floor below which a session does not count
// toward the member's streak.
const MinValidSessionMinutes = 20

var (
	// ErrSessionNotFound is returned when a session cannot be located.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWeightNotFound is returned when a weight log cannot be located.
	ErrWeightNotFound = errors.New("weight log not found")
	// ErrActiveSessionExists signals the one-active-session invariant would be violated.
	ErrActiveSessionExists = errors.New("user already has an active session")
	// ErrVersionMismatch signals a stale optimistic-concurrency token.
	ErrVersionMismatch = errors.New("server version mismatch")
	// ErrForbidden signals an ownership violation.
	ErrForbidden = errors.New("entity owned by another user")
)

// EndReason records how a session was closed.
type EndReason string

const (
	EndReasonExitQR     EndReason = "EXIT_QR"
	EndReasonInactivity EndReason = "INACTIVITY_TIMEOUT"
	EndReasonManual     EndReason = "MANUAL"
)

// VerificationStatus records whether a session was confirmed by a QR scan.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// GymSession is a member's single gym visit. At most one session per user may be
// open (ExitAt nil) at any time.
type GymSession struct {
	ID              string
	UserID          string
	GymID           string
	EntryAt         time.Time
	ExitAt          *time.Time
	DurationMinutes *int
	Calories        *int
	ValidForStreak  bool
	EndedBy         EndReason
	Verification    VerificationStatus
	ServerVersion   int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the session is still in progress.
func (s GymSession) Open() bool {
	return s.ExitAt == nil
}

// WeightLog is a single body-weight measurement.
type WeightLog struct {
	ID            string
	UserID        string
	ValueKg       float64
	LoggedAt      time.Time
	ServerVersion int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Gym is the read-only collaborator record consulted during QR verification.
type Gym struct {
	ID        string
	Name      string
	Suspended bool
}

// DurationMinutesBetween computes a session duration with a one minute floor.
func DurationMinutesBetween(entry, exit time.Time) int {
	minutes := int(exit.Sub(entry).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		return 1
	}
	return minutes
}
