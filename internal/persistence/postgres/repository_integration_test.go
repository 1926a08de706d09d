//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

func setupRepository(t *testing.T, ctx context.Context) *Repository {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("fitdex"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool)
}

func TestRepositorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	userID := uuid.NewString()
	session := domain.GymSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		GymID:        "gym-1",
		EntryAt:      time.Now().UTC().Add(-time.Hour),
		Verification: domain.VerificationPending,
	}
	require.NoError(t, repo.CreateSession(ctx, session))

	// The partial unique index forbids a second open session for the user.
	second := session
	second.ID = uuid.NewString()
	require.ErrorIs(t, repo.CreateSession(ctx, second), domain.ErrActiveSessionExists)

	stored, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, int64(1), stored.ServerVersion)

	active, err := repo.ActiveSession(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, session.ID, active.ID)

	// Version-predicated update: a stale expected version loses.
	exit := time.Now().UTC()
	minutes := 60
	closed := *stored
	closed.ExitAt = &exit
	closed.DurationMinutes = &minutes
	closed.ValidForStreak = true
	closed.EndedBy = domain.EndReasonExitQR

	_, err = repo.UpdateSession(ctx, closed, 99)
	require.ErrorIs(t, err, domain.ErrVersionMismatch)

	updated, err := repo.UpdateSession(ctx, closed, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.ServerVersion)
	require.NotNil(t, updated.ExitAt)

	// With the session closed, the user can open a new one.
	require.NoError(t, repo.CreateSession(ctx, second))

	sessions, err := repo.SessionsSince(ctx, userID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestRepositoryReceiptsAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	receipt := domain.Receipt{
		UserID:        "user-1",
		MutationID:    "mut-1",
		EntityType:    domain.EntitySession,
		EntityID:      "sess-1",
		Status:        domain.ReceiptApplied,
		ServerVersion: 1,
	}
	require.NoError(t, repo.PutReceipt(ctx, receipt))

	// Replays keep the first outcome.
	overwrite := receipt
	overwrite.Status = domain.ReceiptFailed
	require.NoError(t, repo.PutReceipt(ctx, overwrite))

	stored, err := repo.GetReceipt(ctx, "user-1", "mut-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.ReceiptApplied, stored.Status)
}

func TestRepositoryTokenConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	token := domain.QRToken{
		TokenHash: uuid.NewString(),
		GymID:     "gym-1",
		Type:      domain.QREntry,
		Nonce:     uuid.NewString(),
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}

	stored, err := repo.InsertTokenIfAbsent(ctx, token)
	require.NoError(t, err)
	require.Nil(t, stored.UsedAt)

	// Re-insert returns the existing ledger row untouched.
	again, err := repo.InsertTokenIfAbsent(ctx, token)
	require.NoError(t, err)
	require.Equal(t, stored.TokenHash, again.TokenHash)

	consumed, err := repo.ConsumeToken(ctx, token.TokenHash)
	require.NoError(t, err)
	require.True(t, consumed)

	// The second consumption attempt loses.
	consumed, err = repo.ConsumeToken(ctx, token.TokenHash)
	require.NoError(t, err)
	require.False(t, consumed)

	stored, err = repo.InsertTokenIfAbsent(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
}

func TestRepositoryKeyRotation(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	secret := []byte("initial-secret-material-32-bytes")
	static, key, err := repo.EnsureStatic(ctx, "gym-1", domain.QREntry, secret)
	require.NoError(t, err)
	require.Equal(t, 1, static.CurrentKeyVersion)
	require.Equal(t, secret, key.Secret)

	// Ensure is idempotent; the secret from the first call sticks.
	_, key2, err := repo.EnsureStatic(ctx, "gym-1", domain.QREntry, []byte("different"))
	require.NoError(t, err)
	require.Equal(t, secret, key2.Secret)

	next, err := repo.RotateKey(ctx, "gym-1", domain.QREntry, []byte("rotated-secret-material-32-bytes"))
	require.NoError(t, err)
	require.Equal(t, 2, next)

	static, err = repo.GetStatic(ctx, "gym-1", domain.QREntry)
	require.NoError(t, err)
	require.Equal(t, 2, static.CurrentKeyVersion)

	// The superseded key row survives rotation.
	old, err := repo.GetKey(ctx, "gym-1", domain.QREntry, 1)
	require.NoError(t, err)
	require.NotNil(t, old)
}

func TestRepositoryWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	errAbort := errors.New("abort")
	sessionID := uuid.NewString()
	err := repo.WithinTx(ctx, func(store persistence.Store) error {
		if err := store.CreateSession(ctx, domain.GymSession{
			ID:           sessionID,
			UserID:       "user-1",
			GymID:        "gym-1",
			EntryAt:      time.Now().UTC(),
			Verification: domain.VerificationPending,
		}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	stored, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
