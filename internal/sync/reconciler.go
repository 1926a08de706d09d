package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

// changesCap bounds the changes-since feed per entity kind.
const changesCap = 200

// Reconciler applies client mutation batches against the canonical store,
// exactly once per mutation id, and computes the changes-since feed.
type Reconciler struct {
	store persistence.Store
	now   func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store persistence.Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// BatchRequest is one sync round-trip from a client.
type BatchRequest struct {
	Since     time.Time
	Mutations []Mutation
}

// BatchResponse carries per-mutation outcomes plus the canonical state the
// client merges locally. ServerTime is the next cursor; clients must never
// substitute their own clock.
type BatchResponse struct {
	ServerTime    time.Time
	Results       []Result
	ActiveSession *domain.GymSession
	Sessions      []domain.GymSession
	Weights       []domain.WeightLog
}

// ProcessBatch applies each mutation independently; one mutation's failure
// never aborts its siblings. The changes feed is computed after the batch.
func (r *Reconciler) ProcessBatch(ctx context.Context, userID string, req BatchRequest) (*BatchResponse, error) {
	results := make([]Result, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		result := r.processMutation(ctx, userID, m)
		observability.RecordSyncMutation(string(result.Status))
		results = append(results, result)
	}

	sessions, err := r.store.SessionsSince(ctx, userID, req.Since, changesCap)
	if err != nil {
		return nil, err
	}
	weights, err := r.store.WeightsSince(ctx, userID, req.Since, changesCap)
	if err != nil {
		return nil, err
	}
	active, err := r.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &BatchResponse{
		ServerTime:    r.now().UTC(),
		Results:       results,
		ActiveSession: active,
		Sessions:      sessions,
		Weights:       weights,
	}, nil
}

// processMutation runs one mutation inside its own transaction and converts
// every internal error into a failed result for that mutation alone.
func (r *Reconciler) processMutation(ctx context.Context, userID string, m Mutation) Result {
	var result Result
	err := r.store.WithinTx(ctx, func(store persistence.Store) error {
		var err error
		result, err = r.apply(ctx, store, userID, m)
		return err
	})
	if err != nil {
		observability.Emit("sync.mutation_error", observability.LevelError, map[string]any{
			"reasonCode": "mutation_error",
			"userId":     userID,
			"mutationId": m.ID,
			"error":      err.Error(),
		})
		return Failed(m, "mutation failed")
	}
	return result
}

func (r *Reconciler) apply(ctx context.Context, store persistence.Store, userID string, m Mutation) (Result, error) {
	if m.ID == "" {
		return Failed(m, "missing mutation id"), nil
	}

	receipt, err := store.GetReceipt(ctx, userID, m.ID)
	if err != nil {
		return Result{}, err
	}
	if receipt != nil {
		return r.hydrateReceipt(ctx, store, m, *receipt)
	}

	switch m.EntityType {
	case domain.EntitySession:
		return r.applySession(ctx, store, userID, m)
	case domain.EntityWeight:
		return r.applyWeight(ctx, store, userID, m)
	default:
		return Failed(m, fmt.Sprintf("unknown entity type %q", m.EntityType)), nil
	}
}

// hydrateReceipt returns the stored outcome for a replayed mutation id,
// refreshed with the current canonical row so the client converges anyway.
func (r *Reconciler) hydrateReceipt(ctx context.Context, store persistence.Store, m Mutation, receipt domain.Receipt) (Result, error) {
	result := Result{
		ID:            m.ID,
		EntityType:    receipt.EntityType,
		Status:        Status(receipt.Status),
		EntityID:      receipt.EntityID,
		ServerVersion: receipt.ServerVersion,
		Error:         receipt.Error,
	}
	if receipt.EntityID == "" {
		return result, nil
	}
	switch receipt.EntityType {
	case domain.EntitySession:
		session, err := store.GetSession(ctx, receipt.EntityID)
		if err != nil {
			return Result{}, err
		}
		result.CanonicalSession = session
	case domain.EntityWeight:
		weight, err := store.GetWeight(ctx, receipt.EntityID)
		if err != nil {
			return Result{}, err
		}
		result.CanonicalWeight = weight
	}
	return result, nil
}

func (r *Reconciler) applySession(ctx context.Context, store persistence.Store, userID string, m Mutation) (Result, error) {
	existing, err := store.GetSession(ctx, m.Payload.EntityID)
	if err != nil {
		return Result{}, err
	}

	if existing == nil {
		return r.createSession(ctx, store, userID, m)
	}

	if existing.UserID != userID {
		// Never leak or mutate another user's entity; no receipt either.
		return Failed(m, "forbidden"), nil
	}

	if m.Payload.BaseServerVersion != nil && *m.Payload.BaseServerVersion != existing.ServerVersion {
		result := Conflicted(m, existing, nil)
		r.logConflict(ctx, store, userID, m, existing.ID, existing.ServerVersion, *m.Payload.BaseServerVersion)
		return result, r.receipt(ctx, store, userID, m, result)
	}

	if m.Operation == OpCreate {
		result := Skipped(m, existing, nil)
		return result, r.receipt(ctx, store, userID, m, result)
	}

	updated := mergeSessionPayload(*existing, m.Payload)
	canonical, err := store.UpdateSession(ctx, updated, existing.ServerVersion)
	if err != nil {
		if errors.Is(err, domain.ErrVersionMismatch) {
			latest, lookupErr := store.GetSession(ctx, m.Payload.EntityID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			result := Conflicted(m, latest, nil)
			r.logConflict(ctx, store, userID, m, m.Payload.EntityID, versionOf(latest), existing.ServerVersion)
			return result, r.receipt(ctx, store, userID, m, result)
		}
		return Result{}, err
	}
	observability.RecordSessionPersisted(canonical.UpdatedAt)
	result := Applied(m, canonical, nil)
	return result, r.receipt(ctx, store, userID, m, result)
}

func (r *Reconciler) createSession(ctx context.Context, store persistence.Store, userID string, m Mutation) (Result, error) {
	p := m.Payload
	if p.EntityID == "" || p.GymID == "" || p.EntryAt == nil {
		return Failed(m, "session create requires entityId, gymId and entryAt"), nil
	}

	if p.ExitAt == nil {
		active, err := store.ActiveSession(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if active != nil && active.ID != p.EntityID {
			// Protect the one-active-session invariant: hand back the canonical
			// open session instead of creating a duplicate.
			result := Conflicted(m, active, nil)
			r.logConflict(ctx, store, userID, m, active.ID, active.ServerVersion, 0)
			return result, r.receipt(ctx, store, userID, m, result)
		}
	}

	session := domain.GymSession{
		ID:           p.EntityID,
		UserID:       userID,
		GymID:        p.GymID,
		EntryAt:      p.EntryAt.UTC(),
		Calories:     p.Calories,
		Verification: domain.VerificationPending,
	}
	if p.ExitAt != nil {
		session = closeSession(session, p.ExitAt.UTC(), endReasonOrDefault(p.EndedBy))
	}

	if err := store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, domain.ErrActiveSessionExists) {
			active, lookupErr := store.ActiveSession(ctx, userID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			result := Conflicted(m, active, nil)
			r.logConflict(ctx, store, userID, m, entityIDOf(active), versionOf(active), 0)
			return result, r.receipt(ctx, store, userID, m, result)
		}
		return Result{}, err
	}

	canonical, err := store.GetSession(ctx, session.ID)
	if err != nil {
		return Result{}, err
	}
	observability.RecordSessionPersisted(canonical.UpdatedAt)
	result := Applied(m, canonical, nil)
	return result, r.receipt(ctx, store, userID, m, result)
}

func (r *Reconciler) applyWeight(ctx context.Context, store persistence.Store, userID string, m Mutation) (Result, error) {
	existing, err := store.GetWeight(ctx, m.Payload.EntityID)
	if err != nil {
		return Result{}, err
	}

	if existing == nil {
		p := m.Payload
		if p.EntityID == "" || p.ValueKg == nil || p.LoggedAt == nil {
			return Failed(m, "weight create requires entityId, valueKg and loggedAt"), nil
		}
		weight := domain.WeightLog{
			ID:       p.EntityID,
			UserID:   userID,
			ValueKg:  *p.ValueKg,
			LoggedAt: p.LoggedAt.UTC(),
		}
		if err := store.CreateWeight(ctx, weight); err != nil {
			return Result{}, err
		}
		canonical, err := store.GetWeight(ctx, weight.ID)
		if err != nil {
			return Result{}, err
		}
		result := Applied(m, nil, canonical)
		return result, r.receipt(ctx, store, userID, m, result)
	}

	if existing.UserID != userID {
		return Failed(m, "forbidden"), nil
	}

	if m.Payload.BaseServerVersion != nil && *m.Payload.BaseServerVersion != existing.ServerVersion {
		result := Conflicted(m, nil, existing)
		r.logConflict(ctx, store, userID, m, existing.ID, existing.ServerVersion, *m.Payload.BaseServerVersion)
		return result, r.receipt(ctx, store, userID, m, result)
	}

	if m.Operation == OpCreate {
		result := Skipped(m, nil, existing)
		return result, r.receipt(ctx, store, userID, m, result)
	}

	updated := *existing
	if m.Payload.ValueKg != nil {
		updated.ValueKg = *m.Payload.ValueKg
	}
	if m.Payload.LoggedAt != nil {
		updated.LoggedAt = m.Payload.LoggedAt.UTC()
	}
	canonical, err := store.UpdateWeight(ctx, updated, existing.ServerVersion)
	if err != nil {
		if errors.Is(err, domain.ErrVersionMismatch) {
			latest, lookupErr := store.GetWeight(ctx, m.Payload.EntityID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			result := Conflicted(m, nil, latest)
			r.logConflict(ctx, store, userID, m, m.Payload.EntityID, existing.ServerVersion+1, existing.ServerVersion)
			return result, r.receipt(ctx, store, userID, m, result)
		}
		return Result{}, err
	}
	result := Applied(m, nil, canonical)
	return result, r.receipt(ctx, store, userID, m, result)
}

// receipt persists the durable outcome. Failed results are deliberately never
// receipted: no side effect occurred, so a retry must re-execute.
func (r *Reconciler) receipt(ctx context.Context, store persistence.Store, userID string, m Mutation, result Result) error {
	if result.Status == StatusFailed || result.EntityID == "" {
		return nil
	}
	return store.PutReceipt(ctx, domain.Receipt{
		UserID:        userID,
		MutationID:    m.ID,
		EntityType:    m.EntityType,
		EntityID:      result.EntityID,
		Status:        domain.ReceiptStatus(result.Status),
		ServerVersion: result.ServerVersion,
		Error:         result.Error,
	})
}

// logConflict records the conflict both as an observability event and as an
// audit-log entry (actor, entity, versions) for later investigation.
func (r *Reconciler) logConflict(ctx context.Context, store persistence.Store, userID string, m Mutation, entityID string, serverVersion, baseVersion int64) {
	observability.Emit("sync.conflict", observability.LevelWarn, map[string]any{
		"reasonCode":    "version_conflict",
		"userId":        userID,
		"mutationId":    m.ID,
		"entityType":    m.EntityType,
		"entityId":      entityID,
		"serverVersion": serverVersion,
		"baseVersion":   baseVersion,
	})
	if err := store.AppendAudit(ctx, domain.AuditEntry{
		ActorID: userID,
		Type:    "sync",
		Action:  "mutation_conflict",
		Metadata: map[string]any{
			"mutationId":    m.ID,
			"entityType":    m.EntityType,
			"entityId":      entityID,
			"serverVersion": serverVersion,
			"baseVersion":   baseVersion,
		},
	}); err != nil {
		observability.Emit("sync.audit_error", observability.LevelError, map[string]any{
			"reasonCode": "audit_write_failed",
			"userId":     userID,
			"error":      err.Error(),
		})
	}
}

// mergeSessionPayload lays the mutation payload over the stored row. ExitAt is
// set exactly once; a payload cannot reopen or re-close a closed session.
func mergeSessionPayload(existing domain.GymSession, p Payload) domain.GymSession {
	updated := existing
	if p.GymID != "" {
		updated.GymID = p.GymID
	}
	if p.Calories != nil {
		updated.Calories = p.Calories
	}
	if p.ExitAt != nil && existing.ExitAt == nil {
		updated = closeSession(updated, p.ExitAt.UTC(), endReasonOrDefault(p.EndedBy))
	}
	return updated
}

func closeSession(session domain.GymSession, exitAt time.Time, reason domain.EndReason) domain.GymSession {
	minutes := domain.DurationMinutesBetween(session.EntryAt, exitAt)
	session.ExitAt = &exitAt
	session.DurationMinutes = &minutes
	session.ValidForStreak = minutes >= domain.MinValidSessionMinutes
	session.EndedBy = reason
	return session
}

func endReasonOrDefault(raw string) domain.EndReason {
	switch domain.EndReason(raw) {
	case domain.EndReasonExitQR, domain.EndReasonInactivity, domain.EndReasonManual:
		return domain.EndReason(raw)
	}
	return domain.EndReasonManual
}

func entityIDOf(session *domain.GymSession) string {
	if session == nil {
		return ""
	}
	return session.ID
}

func versionOf(session *domain.GymSession) int64 {
	if session == nil {
		return 0
	}
	return session.ServerVersion
}
