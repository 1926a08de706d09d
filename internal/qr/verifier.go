package qr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/ratelimit"
)

var (
	ErrTokenMismatch   = errors.New("token does not match request context")
	ErrGymNotFound     = errors.New("gym not found")
	ErrGymSuspended    = errors.New("gym suspended")
	ErrKeyUnavailable  = errors.New("key material unavailable")
	ErrRevoked         = errors.New("qr code revoked")
	ErrStaleKeyVersion = errors.New("stale key version")
	ErrTokenUsed       = errors.New("token already used")
	ErrDeviceMismatch  = errors.New("device mismatch")
	ErrGeoRejected     = errors.New("location check failed")
	ErrNoActiveSession = errors.New("no active session")
)

// RateLimitedError carries the window bookkeeping the caller surfaces in a
// 429 response.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string { return "rate limit exceeded" }

// GeoChecker is the pluggable geofence collaborator. Implementations reject
// scans submitted from implausible coordinates.
type GeoChecker interface {
	Check(ctx context.Context, gymID string, latitude, longitude float64) error
}

// VerifyRequest is one scan submission. VerifiedAt marks a delayed (queued
// offline) submission and switches expiry checking to grace mode.
type VerifyRequest struct {
	Token      string
	GymID      string
	Type       domain.QRType
	Latitude   *float64
	Longitude  *float64
	DeviceID   string
	SessionID  string
	EntryAt    *time.Time
	VerifiedAt *time.Time
}

// VerifyResult is a successful verification. Session is nil for PAYMENT
// tokens, whose only effect is the consumption itself.
type VerifyResult struct {
	Type         domain.QRType
	Session      *domain.GymSession
	OfflineGrace bool
}

// Verifier runs the scan verification pipeline. Exactly-once consumption and
// the session transition ride the same store transaction.
type Verifier struct {
	store   persistence.Store
	geo     GeoChecker
	limiter ratelimit.Limiter
	now     func() time.Time
}

// NewVerifier constructs a Verifier. geo and limiter may be nil, disabling the
// geofence hook and the per-(user, gym, type) limit respectively.
func NewVerifier(store persistence.Store, geo GeoChecker, limiter ratelimit.Limiter) *Verifier {
	return &Verifier{store: store, geo: geo, limiter: limiter, now: time.Now}
}

// Verify validates and consumes one token for userID, transitioning the
// user's session according to the token type. Every rejection emits a
// reason-coded observability event; the raw token never reaches a log line.
func (v *Verifier) Verify(ctx context.Context, userID string, req VerifyRequest) (*VerifyResult, error) {
	payload, err := Decode(req.Token)
	if err != nil {
		return nil, v.reject("malformed_token", userID, "", "", err)
	}
	tokenHash := HashToken(req.Token)

	if v.limiter != nil {
		key := fmt.Sprintf("%s:%s:%s", userID, payload.GymID, payload.Type)
		res, err := v.limiter.Limit(ctx, key)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, v.reject("rate_limited", userID, payload.GymID, tokenHash, &RateLimitedError{Result: res})
		}
	}

	if req.GymID != "" && req.GymID != payload.GymID {
		return nil, v.reject("gym_mismatch", userID, payload.GymID, tokenHash, ErrTokenMismatch)
	}
	if req.Type != "" && req.Type != payload.Type {
		return nil, v.reject("type_mismatch", userID, payload.GymID, tokenHash, ErrTokenMismatch)
	}

	gym, err := v.store.GetGym(ctx, payload.GymID)
	if err != nil {
		return nil, err
	}
	if gym == nil {
		return nil, v.reject("gym_not_found", userID, payload.GymID, tokenHash, ErrGymNotFound)
	}
	if gym.Suspended {
		return nil, v.reject("gym_suspended", userID, payload.GymID, tokenHash, ErrGymSuspended)
	}

	static, err := v.store.GetStatic(ctx, payload.GymID, payload.Type)
	if err != nil {
		return nil, err
	}
	if static == nil {
		return nil, v.reject("key_unavailable", userID, payload.GymID, tokenHash, ErrKeyUnavailable)
	}
	if static.RevokedAt != nil {
		return nil, v.reject("revoked", userID, payload.GymID, tokenHash, ErrRevoked)
	}
	if payload.KeyVersion != static.CurrentKeyVersion {
		return nil, v.reject("stale_key_version", userID, payload.GymID, tokenHash, ErrStaleKeyVersion)
	}

	key, err := v.store.GetKey(ctx, payload.GymID, payload.Type, payload.KeyVersion)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, v.reject("key_unavailable", userID, payload.GymID, tokenHash, ErrKeyUnavailable)
	}

	offlineGrace := req.VerifiedAt != nil
	if offlineGrace {
		err = VerifyWithGrace(payload, key.Secret, req.VerifiedAt.UTC())
	} else {
		err = Verify(payload, key.Secret, v.now().UTC())
	}
	if err != nil {
		reason := "bad_signature"
		if errors.Is(err, ErrTokenExpired) {
			reason = "token_expired"
		}
		return nil, v.reject(reason, userID, payload.GymID, tokenHash, err)
	}

	deviceHash := HashDevice(req.DeviceID)
	if payload.DeviceBinding != "" && payload.DeviceBinding != deviceHash {
		return nil, v.reject("device_mismatch", userID, payload.GymID, tokenHash, ErrDeviceMismatch)
	}

	if v.geo != nil && req.Latitude != nil && req.Longitude != nil {
		if err := v.geo.Check(ctx, payload.GymID, *req.Latitude, *req.Longitude); err != nil {
			return nil, v.reject("geo_rejected", userID, payload.GymID, tokenHash, fmt.Errorf("%w: %v", ErrGeoRejected, err))
		}
	}

	result := &VerifyResult{Type: payload.Type, OfflineGrace: offlineGrace}
	err = v.store.WithinTx(ctx, func(store persistence.Store) error {
		ledger, err := store.InsertTokenIfAbsent(ctx, domain.QRToken{
			TokenHash:         tokenHash,
			GymID:             payload.GymID,
			Type:              payload.Type,
			Nonce:             payload.Nonce,
			DeviceBindingHash: nullableHash(deviceHash),
			ExpiresAt:         payload.ExpiresAt(),
		})
		if err != nil {
			return err
		}
		if ledger.UsedAt != nil {
			return ErrTokenUsed
		}
		if ledger.DeviceBindingHash != nil && *ledger.DeviceBindingHash != deviceHash {
			return ErrDeviceMismatch
		}

		consumed, err := store.ConsumeToken(ctx, tokenHash)
		if err != nil {
			return err
		}
		if !consumed {
			// Another concurrent submission won the conditional update.
			return ErrTokenUsed
		}

		session, err := v.transition(ctx, store, userID, payload, req)
		if err != nil {
			return err
		}
		result.Session = session

		return store.AppendAudit(ctx, domain.AuditEntry{
			ActorID: userID,
			GymID:   payload.GymID,
			Type:    "qr",
			Action:  "verified",
			Metadata: map[string]any{
				"qrType":       string(payload.Type),
				"tokenHash":    tokenHash,
				"keyVersion":   payload.KeyVersion,
				"offlineGrace": offlineGrace,
				"sessionId":    sessionID(result.Session),
			},
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenUsed):
			return nil, v.reject("token_used", userID, payload.GymID, tokenHash, ErrTokenUsed)
		case errors.Is(err, ErrDeviceMismatch):
			return nil, v.reject("device_mismatch", userID, payload.GymID, tokenHash, ErrDeviceMismatch)
		case errors.Is(err, ErrNoActiveSession):
			return nil, v.reject("no_active_session", userID, payload.GymID, tokenHash, ErrNoActiveSession)
		case errors.Is(err, domain.ErrActiveSessionExists):
			return nil, v.reject("active_session_exists", userID, payload.GymID, tokenHash, domain.ErrActiveSessionExists)
		}
		return nil, err
	}

	observability.RecordVerification(string(payload.Type))
	observability.Emit("qr.verified", observability.LevelInfo, map[string]any{
		"userId":       userID,
		"gymId":        payload.GymID,
		"qrType":       string(payload.Type),
		"tokenHash":    tokenHash,
		"offlineGrace": offlineGrace,
	})
	return result, nil
}

// transition applies the type-specific session state change inside the
// consumption transaction.
func (v *Verifier) transition(ctx context.Context, store persistence.Store, userID string, payload SignedPayload, req VerifyRequest) (*domain.GymSession, error) {
	switch payload.Type {
	case domain.QREntry:
		return v.applyEntry(ctx, store, userID, payload, req)
	case domain.QRExit:
		return v.applyExit(ctx, store, userID, req)
	case domain.QRPayment:
		// Consumption is the whole effect.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown qr type %q", payload.Type)
	}
}

func (v *Verifier) applyEntry(ctx context.Context, store persistence.Store, userID string, payload SignedPayload, req VerifyRequest) (*domain.GymSession, error) {
	active, err := store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if req.SessionID != "" && active.ID == req.SessionID {
			// Idempotent re-scan of the session's own entry code.
			active.Verification = domain.VerificationVerified
			return store.UpdateSession(ctx, *active, active.ServerVersion)
		}
		return nil, domain.ErrActiveSessionExists
	}

	entryAt := v.now().UTC()
	if req.EntryAt != nil {
		entryAt = req.EntryAt.UTC()
	}
	session := domain.GymSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		GymID:        payload.GymID,
		EntryAt:      entryAt,
		Verification: domain.VerificationVerified,
	}
	if req.SessionID != "" {
		session.ID = req.SessionID
	}
	if err := store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	created, err := store.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	observability.RecordSessionPersisted(created.UpdatedAt)
	return created, nil
}

func (v *Verifier) applyExit(ctx context.Context, store persistence.Store, userID string, req VerifyRequest) (*domain.GymSession, error) {
	var session *domain.GymSession
	var err error
	if req.SessionID != "" {
		session, err = store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if session != nil && (session.UserID != userID || !session.Open()) {
			session = nil
		}
	}
	if session == nil {
		session, err = store.ActiveSession(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}

	exitAt := v.now().UTC()
	if req.VerifiedAt != nil {
		exitAt = req.VerifiedAt.UTC()
	}
	minutes := domain.DurationMinutesBetween(session.EntryAt, exitAt)
	session.ExitAt = &exitAt
	session.DurationMinutes = &minutes
	session.ValidForStreak = minutes >= domain.MinValidSessionMinutes
	session.EndedBy = domain.EndReasonExitQR
	session.Verification = domain.VerificationVerified

	updated, err := store.UpdateSession(ctx, *session, session.ServerVersion)
	if err != nil {
		return nil, err
	}
	observability.RecordSessionPersisted(updated.UpdatedAt)
	return updated, nil
}

// reject records the failure as a metric and a reason-coded event, then
// returns err unchanged for the caller's taxonomy mapping.
func (v *Verifier) reject(reason, userID, gymID, tokenHash string, err error) error {
	observability.RecordRejection(reason)
	fields := map[string]any{
		"reasonCode": reason,
		"userId":     userID,
	}
	if gymID != "" {
		fields["gymId"] = gymID
	}
	if tokenHash != "" {
		fields["tokenHash"] = tokenHash
	}
	observability.Emit("qr.rejected", observability.LevelWarn, fields)
	return err
}

func nullableHash(hash string) *string {
	if hash == "" {
		return nil
	}
	return &hash
}

func sessionID(session *domain.GymSession) string {
	if session == nil {
		return ""
	}
	return session.ID
}
