package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
)

// ErrUnsyncedMutations reports that shutdown completed with edits still
// pending; the host should warn the user before discarding state.
var ErrUnsyncedMutations = errors.New("unsynced mutations remain in the queue")

// DefaultSyncInterval is the periodic sync cadence when none is configured.
const DefaultSyncInterval = 30 * time.Second

// Backend is the server half of the sync protocol. The HTTP transport and an
// in-process reconciler both satisfy it.
type Backend interface {
	Sync(ctx context.Context, since time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error)
}

// Health is the syncer's self-reported telemetry.
type Health struct {
	PendingMutations    int
	ConsecutiveFailures int
	LastSyncedAt        time.Time
	Online              bool
}

// Syncer owns the local mutation queue and the cached server truth, and
// converges both with the backend on a timer, on connectivity changes and on
// demand. At most one sync round-trip is in flight at any time.
type Syncer struct {
	backend  Backend
	store    QueueStore
	interval time.Duration
	now      func() time.Time

	mu                  sync.Mutex
	queue               []QueueItem
	sessions            map[string]domain.GymSession
	weights             map[string]domain.WeightLog
	active              *domain.GymSession
	lastSyncedAt        time.Time
	consecutiveFailures int
	online              bool
	syncing             bool

	running bool
	cancel  context.CancelFunc
	kick    chan struct{}
	wg      sync.WaitGroup
}

// NewSyncer constructs a Syncer, restoring any queue the store persisted.
func NewSyncer(ctx context.Context, backend Backend, store QueueStore, interval time.Duration) (*Syncer, error) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	queue, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Syncer{
		backend:  backend,
		store:    store,
		interval: interval,
		now:      time.Now,
		queue:    queue,
		sessions: make(map[string]domain.GymSession),
		weights:  make(map[string]domain.WeightLog),
		online:   true,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Enqueue records a local edit for later synchronization. A second edit to
// the same (entity, type, operation) before it syncs replaces the queued
// payload and resets its retry bookkeeping.
func (s *Syncer) Enqueue(ctx context.Context, m syncsvc.Mutation) error {
	s.mu.Lock()
	s.queue = coalesce(s.queue, m, s.now())
	snapshot := s.snapshotQueue()
	s.mu.Unlock()

	return s.store.Save(ctx, snapshot)
}

// SetOnline updates connectivity. Coming back online triggers an immediate
// sync attempt.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline {
		s.requestSync()
	}
}

// Start launches the periodic sync loop. Calling it again while running is a
// no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.kick:
			}
			if err := s.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				observability.Emit("client.sync_failed", observability.LevelWarn, map[string]any{
					"reasonCode": "sync_attempt_failed",
					"error":      err.Error(),
				})
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight sync to complete.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Shutdown stops the loop, makes a final sync attempt and reports whether
// pending edits survived it.
func (s *Syncer) Shutdown(ctx context.Context) error {
	s.Stop()
	_ = s.SyncNow(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		return ErrUnsyncedMutations
	}
	return nil
}

// SyncNow performs one sync round-trip. Overlapping calls collapse to the one
// already in flight; offline calls are a no-op.
func (s *Syncer) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing || !s.online {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	now := s.now()
	since := s.lastSyncedAt

	attempted := make([]syncsvc.Mutation, 0, maxBatchSize)
	attemptedIDs := make(map[string]struct{})
	for _, item := range s.queue {
		if len(attempted) == maxBatchSize {
			break
		}
		if !item.eligible(now) {
			continue
		}
		attempted = append(attempted, item.Mutation)
		attemptedIDs[item.Mutation.ID] = struct{}{}
	}
	s.mu.Unlock()

	resp, err := s.backend.Sync(ctx, since, attempted)

	s.mu.Lock()
	defer func() {
		s.syncing = false
		s.mu.Unlock()
	}()

	if err != nil {
		// Nothing is lost: every attempted item just backs off.
		s.consecutiveFailures++
		for idx := range s.queue {
			if _, ok := attemptedIDs[s.queue[idx].Mutation.ID]; ok {
				s.queue[idx].RetryCount++
				s.queue[idx].LastAttemptAt = now
			}
		}
		_ = s.store.Save(ctx, s.snapshotQueue())
		return err
	}

	s.consecutiveFailures = 0
	s.applyResults(resp.Results, attemptedIDs, now)
	s.mergeChanges(resp)
	s.active = resp.ActiveSession
	s.lastSyncedAt = resp.ServerTime

	return s.store.Save(ctx, s.snapshotQueue())
}

// applyResults prunes applied/skipped items and re-queues conflict/failed
// ones with updated bookkeeping. Conflicted items adopt the canonical server
// version so the next resend does not repeat the same conflict.
func (s *Syncer) applyResults(results []syncsvc.Result, attemptedIDs map[string]struct{}, now time.Time) {
	byID := make(map[string]syncsvc.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	next := s.queue[:0]
	for _, item := range s.queue {
		result, resolved := byID[item.Mutation.ID]
		if !resolved {
			if _, ok := attemptedIDs[item.Mutation.ID]; ok {
				item.RetryCount++
				item.LastAttemptAt = now
			}
			next = append(next, item)
			continue
		}

		switch result.Status {
		case syncsvc.StatusApplied, syncsvc.StatusSkipped:
			s.mergeResult(result)
		case syncsvc.StatusConflict:
			s.mergeResult(result)
			item.RetryCount++
			item.LastAttemptAt = now
			if result.ServerVersion > 0 {
				version := result.ServerVersion
				item.Mutation.Payload.BaseServerVersion = &version
			}
			// The server freezes one outcome per mutation id, so the resend
			// must carry a fresh id or it replays the recorded conflict.
			item.Mutation.ID = uuid.NewString()
			next = append(next, item)
		default:
			item.RetryCount++
			item.LastAttemptAt = now
			next = append(next, item)
		}
	}
	s.queue = next
}

// mergeChanges folds the changes-since feed into the local caches.
func (s *Syncer) mergeChanges(resp *syncsvc.BatchResponse) {
	for _, session := range resp.Sessions {
		s.mergeSession(session)
	}
	for _, weight := range resp.Weights {
		s.mergeWeight(weight)
	}
}

func (s *Syncer) mergeResult(result syncsvc.Result) {
	if result.CanonicalSession != nil {
		s.mergeSession(*result.CanonicalSession)
	}
	if result.CanonicalWeight != nil {
		s.mergeWeight(*result.CanonicalWeight)
	}
}

// mergeSession applies last-writer-wins by updatedAt per entity id.
func (s *Syncer) mergeSession(session domain.GymSession) {
	if existing, ok := s.sessions[session.ID]; ok && existing.UpdatedAt.After(session.UpdatedAt) {
		return
	}
	s.sessions[session.ID] = session
}

func (s *Syncer) mergeWeight(weight domain.WeightLog) {
	if existing, ok := s.weights[weight.ID]; ok && existing.UpdatedAt.After(weight.UpdatedAt) {
		return
	}
	s.weights[weight.ID] = weight
}

// Sessions returns a copy of the locally cached sessions.
func (s *Syncer) Sessions() []domain.GymSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.GymSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Weights returns a copy of the locally cached weight logs.
func (s *Syncer) Weights() []domain.WeightLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WeightLog, 0, len(s.weights))
	for _, weight := range s.weights {
		out = append(out, weight)
	}
	return out
}

// ActiveSession returns the last known open session, or nil.
func (s *Syncer) ActiveSession() *domain.GymSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	session := *s.active
	return &session
}

// Health reports queue depth, failure streak and cursor staleness.
func (s *Syncer) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		PendingMutations:    len(s.queue),
		ConsecutiveFailures: s.consecutiveFailures,
		LastSyncedAt:        s.lastSyncedAt,
		Online:              s.online,
	}
}

func (s *Syncer) snapshotQueue() []QueueItem {
	snapshot := make([]QueueItem, len(s.queue))
	copy(snapshot, s.queue)
	return snapshot
}

func (s *Syncer) requestSync() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
