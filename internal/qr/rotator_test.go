package qr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence/memory"
)

func TestRotatorIntervalFloor(t *testing.T) {
	store := memory.NewStore()
	keys := NewKeyService(store)

	r := NewRotator(RotatorConfig{Enabled: true, Interval: 5 * time.Second, ActorID: "system"}, store, keys)
	require.Equal(t, minRotationInterval, r.cfg.Interval)

	r = NewRotator(RotatorConfig{Enabled: true, ActorID: "system"}, store, keys)
	require.Equal(t, DefaultRotationInterval, r.cfg.Interval)
}

func TestRotatorStartIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	keys := NewKeyService(store)
	r := NewRotator(RotatorConfig{Enabled: true, Interval: time.Minute, ActorID: "system"}, store, keys)

	ctx := context.Background()
	r.Start(ctx)
	r.Start(ctx) // second call must not spawn a second loop
	r.Stop()

	// Stop after Stop is also safe.
	r.Stop()
}

func TestRotatorDisabledIsNoOp(t *testing.T) {
	store := memory.NewStore()
	keys := NewKeyService(store)

	disabled := NewRotator(RotatorConfig{Enabled: false, ActorID: "system"}, store, keys)
	disabled.Start(context.Background())
	disabled.Stop()

	unattributed := NewRotator(RotatorConfig{Enabled: true}, store, keys)
	unattributed.Start(context.Background())
	unattributed.Stop()
}

func TestRotatorSweepRotatesOnlyDueStatics(t *testing.T) {
	store := memory.NewStore()
	keys := NewKeyService(store)
	ctx := context.Background()

	_, _, err := keys.Current(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)
	_, _, err = keys.Current(ctx, "gym-1", domain.QRExit)
	require.NoError(t, err)
	store.RevokeStatic("gym-1", domain.QRExit)

	r := NewRotator(RotatorConfig{Enabled: true, ActorID: "system"}, store, keys)

	// Keys minted just now are not due; the sweep must change nothing.
	require.NoError(t, r.sweep(ctx))
	entry, err := store.GetStatic(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)
	require.Equal(t, 1, entry.CurrentKeyVersion)

	// Age both keys past the interval; only the live pair rotates.
	old := time.Now().UTC().Add(-2 * r.cfg.Interval)
	store.SetKeyCreatedAt("gym-1", domain.QREntry, 1, old)
	store.SetKeyCreatedAt("gym-1", domain.QRExit, 1, old)
	require.NoError(t, r.sweep(ctx))

	entry, err = store.GetStatic(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)
	require.Equal(t, 2, entry.CurrentKeyVersion)

	exit, err := store.GetStatic(ctx, "gym-1", domain.QRExit)
	require.NoError(t, err)
	require.Equal(t, 1, exit.CurrentKeyVersion)

	// The fresh replacement key makes an immediate re-run a no-op.
	require.NoError(t, r.sweep(ctx))
	entry, err = store.GetStatic(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)
	require.Equal(t, 2, entry.CurrentKeyVersion)
}

func TestKeyRotationKeepsOldKeyRows(t *testing.T) {
	store := memory.NewStore()
	keys := NewKeyService(store)
	ctx := context.Background()

	_, _, err := keys.Current(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)

	version, err := keys.Rotate(ctx, "gym-1", domain.QREntry, "system")
	require.NoError(t, err)
	require.Equal(t, 2, version)

	// The superseded key row survives for audit.
	old, err := store.GetKey(ctx, "gym-1", domain.QREntry, 1)
	require.NoError(t, err)
	require.NotNil(t, old)

	current, err := store.GetKey(ctx, "gym-1", domain.QREntry, 2)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.NotEqual(t, old.Secret, current.Secret)

	// Rotation is audited under the system actor.
	entries := store.AuditEntries()
	require.NotEmpty(t, entries)
	require.Equal(t, "key_rotated", entries[len(entries)-1].Action)
	require.Equal(t, "system", entries[len(entries)-1].ActorID)
}
