package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence/memory"
	syncsvc "github.com/FauzanSarwer/Fitdex-sub000/internal/sync"
)

type stubBackend struct {
	calls int
	fn    func(since time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error)
}

func (b *stubBackend) Sync(ctx context.Context, since time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
	b.calls++
	return b.fn(since, mutations)
}

func timePtr(t time.Time) *time.Time { return &t }

func sessionMutation(mutationID, sessionID string, entryAt time.Time) syncsvc.Mutation {
	return syncsvc.Mutation{
		ID:         mutationID,
		EntityType: domain.EntitySession,
		Operation:  syncsvc.OpCreate,
		Payload: syncsvc.Payload{
			EntityID: sessionID,
			GymID:    "gym-1",
			EntryAt:  timePtr(entryAt),
		},
	}
}

func newTestSyncer(t *testing.T, backend Backend) *Syncer {
	t.Helper()
	s, err := NewSyncer(context.Background(), backend, NewMemoryQueueStore(), time.Minute)
	require.NoError(t, err)
	return s
}

func TestEnqueueCoalescesSameIntent(t *testing.T) {
	s := newTestSyncer(t, &stubBackend{})
	ctx := context.Background()

	entry := time.Now().UTC()
	first := sessionMutation("mut-1", "sess-1", entry)
	require.NoError(t, s.Enqueue(ctx, first))

	// A second local edit to the same open session replaces the queued payload.
	calories := 120
	second := sessionMutation("mut-2", "sess-1", entry)
	second.Payload.Calories = &calories
	require.NoError(t, s.Enqueue(ctx, second))

	require.Equal(t, 1, s.Health().PendingMutations)
	require.Equal(t, "mut-2", s.queue[0].Mutation.ID)
	require.NotNil(t, s.queue[0].Mutation.Payload.Calories)
	require.Zero(t, s.queue[0].RetryCount)

	// A different entity queues separately.
	third := sessionMutation("mut-3", "sess-2", entry)
	require.NoError(t, s.Enqueue(ctx, third))
	require.Equal(t, 2, s.Health().PendingMutations)
}

func TestQueueItemBackoffSchedule(t *testing.T) {
	now := time.Now()

	fresh := QueueItem{}
	require.True(t, fresh.eligible(now))

	item := QueueItem{RetryCount: 1, LastAttemptAt: now}
	require.Equal(t, 4*time.Second, item.backoff())
	require.False(t, item.eligible(now.Add(3*time.Second)))
	require.True(t, item.eligible(now.Add(4*time.Second)))

	// Exponential growth is capped.
	capped := QueueItem{RetryCount: 30, LastAttemptAt: now}
	require.Equal(t, backoffMax, capped.backoff())
}

func TestSyncNowPrunesAppliedAndMergesCanonical(t *testing.T) {
	store := memory.NewStore()
	reconciler := syncsvc.NewReconciler(store)
	s := newTestSyncer(t, &ReconcilerBackend{Reconciler: reconciler, UserID: "user-1"})
	ctx := context.Background()

	entry := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Enqueue(ctx, sessionMutation("mut-1", "sess-1", entry)))
	require.NoError(t, s.SyncNow(ctx))

	health := s.Health()
	require.Zero(t, health.PendingMutations)
	require.Zero(t, health.ConsecutiveFailures)
	require.False(t, health.LastSyncedAt.IsZero())

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "sess-1", sessions[0].ID)
	require.Equal(t, int64(1), sessions[0].ServerVersion)

	active := s.ActiveSession()
	require.NotNil(t, active)
	require.Equal(t, "sess-1", active.ID)
}

func TestSyncNowRequeuesConflictWithCanonicalVersion(t *testing.T) {
	store := memory.NewStore()
	reconciler := syncsvc.NewReconciler(store)
	s := newTestSyncer(t, &ReconcilerBackend{Reconciler: reconciler, UserID: "user-1"})
	ctx := context.Background()

	// Canonical row already exists at version 1.
	entry := time.Now().UTC().Add(-time.Hour)
	_, err := reconciler.ProcessBatch(ctx, "user-1", syncsvc.BatchRequest{
		Mutations: []syncsvc.Mutation{sessionMutation("mut-0", "sess-1", entry)},
	})
	require.NoError(t, err)

	stale := int64(9)
	update := syncsvc.Mutation{
		ID:         "mut-1",
		EntityType: domain.EntitySession,
		Operation:  syncsvc.OpUpdate,
		Payload: syncsvc.Payload{
			EntityID:          "sess-1",
			BaseServerVersion: &stale,
			ExitAt:            timePtr(entry.Add(30 * time.Minute)),
		},
	}
	require.NoError(t, s.Enqueue(ctx, update))
	require.NoError(t, s.SyncNow(ctx))

	// The item stays queued, now based on the canonical version. The server
	// receipted the conflict under mut-1, so the retry carries a new id.
	require.Equal(t, 1, s.Health().PendingMutations)
	item := s.queue[0]
	require.Equal(t, 1, item.RetryCount)
	require.NotEqual(t, "mut-1", item.Mutation.ID)
	require.NotEmpty(t, item.Mutation.ID)
	require.NotNil(t, item.Mutation.Payload.BaseServerVersion)
	require.Equal(t, int64(1), *item.Mutation.Payload.BaseServerVersion)

	// Once eligible again, the resend succeeds.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, s.SyncNow(ctx))
	require.Zero(t, s.Health().PendingMutations)

	session, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, session.ExitAt)
}

func TestSyncNowBacksOffOnRequestFailure(t *testing.T) {
	backend := &stubBackend{fn: func(time.Time, []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
		return nil, errors.New("network down")
	}}
	s := newTestSyncer(t, backend)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sessionMutation("mut-1", "sess-1", time.Now().UTC())))
	require.Error(t, s.SyncNow(ctx))

	// Nothing is lost; the item just backs off.
	health := s.Health()
	require.Equal(t, 1, health.PendingMutations)
	require.Equal(t, 1, health.ConsecutiveFailures)
	require.Equal(t, 1, s.queue[0].RetryCount)

	// An immediate retry leaves the backed-off item out of the batch, so its
	// retry count does not climb again.
	require.Error(t, s.SyncNow(ctx))
	require.Equal(t, 2, backend.calls)
	require.Equal(t, 1, s.queue[0].RetryCount)
	require.Equal(t, 2, s.Health().ConsecutiveFailures)
}

func TestSyncNowOfflineIsNoOp(t *testing.T) {
	backend := &stubBackend{fn: func(time.Time, []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
		return &syncsvc.BatchResponse{ServerTime: time.Now().UTC()}, nil
	}}
	s := newTestSyncer(t, backend)
	ctx := context.Background()

	s.SetOnline(false)
	require.NoError(t, s.Enqueue(ctx, sessionMutation("mut-1", "sess-1", time.Now().UTC())))
	require.NoError(t, s.SyncNow(ctx))
	require.Zero(t, backend.calls)
}

func TestSyncNowAdoptsServerCursor(t *testing.T) {
	serverTime := time.Now().UTC().Add(42 * time.Second)
	var seenSince time.Time
	backend := &stubBackend{fn: func(since time.Time, _ []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
		seenSince = since
		return &syncsvc.BatchResponse{ServerTime: serverTime}, nil
	}}
	s := newTestSyncer(t, backend)
	ctx := context.Background()

	require.NoError(t, s.SyncNow(ctx))
	require.True(t, seenSince.IsZero())

	// The next round-trip carries the server-issued cursor, not a local clock.
	require.NoError(t, s.SyncNow(ctx))
	require.Equal(t, serverTime, seenSince)
}

func TestSyncNowBatchCap(t *testing.T) {
	var sent int
	backend := &stubBackend{fn: func(_ time.Time, mutations []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
		sent = len(mutations)
		results := make([]syncsvc.Result, 0, len(mutations))
		for _, m := range mutations {
			results = append(results, syncsvc.Result{ID: m.ID, EntityType: m.EntityType, Status: syncsvc.StatusApplied})
		}
		return &syncsvc.BatchResponse{ServerTime: time.Now().UTC(), Results: results}, nil
	}}
	s := newTestSyncer(t, backend)
	ctx := context.Background()

	entry := time.Now().UTC()
	for i := 0; i < maxBatchSize+10; i++ {
		m := sessionMutation(fmt.Sprintf("mut-%d", i), fmt.Sprintf("sess-%d", i), entry)
		require.NoError(t, s.Enqueue(ctx, m))
	}

	require.NoError(t, s.SyncNow(ctx))
	require.Equal(t, maxBatchSize, sent)
	require.Equal(t, 10, s.Health().PendingMutations)
}

func TestLastWriterWinsMerge(t *testing.T) {
	s := newTestSyncer(t, &stubBackend{})

	older := domain.GymSession{ID: "sess-1", UpdatedAt: time.Now().Add(-time.Hour), ServerVersion: 1}
	newer := domain.GymSession{ID: "sess-1", UpdatedAt: time.Now(), ServerVersion: 2}

	s.mergeSession(newer)
	s.mergeSession(older) // stale server row must not clobber the fresher one
	require.Equal(t, int64(2), s.sessions["sess-1"].ServerVersion)

	s.mergeSession(domain.GymSession{ID: "sess-1", UpdatedAt: newer.UpdatedAt.Add(time.Minute), ServerVersion: 3})
	require.Equal(t, int64(3), s.sessions["sess-1"].ServerVersion)
}

func TestShutdownReportsUnsyncedMutations(t *testing.T) {
	backend := &stubBackend{fn: func(time.Time, []syncsvc.Mutation) (*syncsvc.BatchResponse, error) {
		return nil, errors.New("still offline")
	}}
	s := newTestSyncer(t, backend)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sessionMutation("mut-1", "sess-1", time.Now().UTC())))
	require.ErrorIs(t, s.Shutdown(ctx), ErrUnsyncedMutations)
}

func TestShutdownCleanWhenQueueDrains(t *testing.T) {
	store := memory.NewStore()
	reconciler := syncsvc.NewReconciler(store)
	s := newTestSyncer(t, &ReconcilerBackend{Reconciler: reconciler, UserID: "user-1"})
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, sessionMutation("mut-1", "sess-1", time.Now().UTC().Add(-time.Hour))))
	require.NoError(t, s.Shutdown(ctx))
}

func TestQueueSurvivesRestart(t *testing.T) {
	store := NewMemoryQueueStore()
	ctx := context.Background()

	first, err := NewSyncer(ctx, &stubBackend{}, store, time.Minute)
	require.NoError(t, err)
	require.NoError(t, first.Enqueue(ctx, sessionMutation("mut-1", "sess-1", time.Now().UTC())))

	second, err := NewSyncer(ctx, &stubBackend{}, store, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, second.Health().PendingMutations)
}
