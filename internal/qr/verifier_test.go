package qr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence/memory"
)

func seedGym(store *memory.Store) {
	store.AddGym(domain.Gym{ID: "gym-1", Name: "Iron Temple"})
}

func issueToken(t *testing.T, store *memory.Store, gymID string, qrType domain.QRType, deviceID string) string {
	t.Helper()
	issuer := NewIssuer(NewKeyService(store), 0)
	token, _, err := issuer.Issue(context.Background(), gymID, qrType, deviceID)
	require.NoError(t, err)
	return token
}

func TestVerifyEntryCreatesVerifiedSession(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QREntry, "")
	result, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.NoError(t, err)

	require.Equal(t, domain.QREntry, result.Type)
	require.NotNil(t, result.Session)
	require.Equal(t, "gym-1", result.Session.GymID)
	require.Equal(t, domain.VerificationVerified, result.Session.Verification)
	require.True(t, result.Session.Open())

	entries := store.AuditEntries()
	require.NotEmpty(t, entries)
	require.Equal(t, "verified", entries[len(entries)-1].Action)
}

func TestVerifyEntryConflictsWithExistingSession(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	first := issueToken(t, store, "gym-1", domain.QREntry, "")
	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: first})
	require.NoError(t, err)

	second := issueToken(t, store, "gym-1", domain.QREntry, "")
	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: second})
	require.ErrorIs(t, err, domain.ErrActiveSessionExists)
}

func TestVerifyEntryRescanIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	first := issueToken(t, store, "gym-1", domain.QREntry, "")
	result, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: first})
	require.NoError(t, err)
	sessionID := result.Session.ID

	rescan := issueToken(t, store, "gym-1", domain.QREntry, "")
	again, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: rescan, SessionID: sessionID})
	require.NoError(t, err)
	require.Equal(t, sessionID, again.Session.ID)
	require.True(t, again.Session.Open())
}

func TestVerifyExitClosesSession(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)
	ctx := context.Background()

	entry := time.Now().UTC().Add(-45 * time.Minute)
	require.NoError(t, store.CreateSession(ctx, domain.GymSession{
		ID: "sess-1", UserID: "user-1", GymID: "gym-1", EntryAt: entry,
		Verification: domain.VerificationVerified,
	}))

	token := issueToken(t, store, "gym-1", domain.QRExit, "")
	result, err := v.Verify(ctx, "user-1", VerifyRequest{Token: token})
	require.NoError(t, err)

	session := result.Session
	require.NotNil(t, session.ExitAt)
	require.Equal(t, domain.EndReasonExitQR, session.EndedBy)
	require.Equal(t, domain.VerificationVerified, session.Verification)
	require.Equal(t, 45, *session.DurationMinutes)
	require.True(t, session.ValidForStreak)
	require.Equal(t, int64(2), session.ServerVersion)
}

func TestVerifyExitStreakThreshold(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		minutes int
		valid   bool
	}{
		{"below threshold", 19, false},
		{"at threshold", 20, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := "user-" + tc.name
			sessionID := "sess-" + tc.name
			entry := time.Now().UTC().Add(-time.Duration(tc.minutes) * time.Minute)
			require.NoError(t, store.CreateSession(ctx, domain.GymSession{
				ID: sessionID, UserID: userID, GymID: "gym-1", EntryAt: entry,
			}))

			token := issueToken(t, store, "gym-1", domain.QRExit, "")
			result, err := v.Verify(ctx, userID, VerifyRequest{Token: token})
			require.NoError(t, err)
			require.Equal(t, tc.minutes, *result.Session.DurationMinutes)
			require.Equal(t, tc.valid, result.Session.ValidForStreak)
		})
	}
}

func TestVerifyExitWithoutActiveSession(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QRExit, "")
	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestVerifyPaymentConsumesWithoutSession(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QRPayment, "")
	result, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.NoError(t, err)
	require.Nil(t, result.Session)

	// The consumption is durable: a replay is rejected.
	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrTokenUsed)
}

func TestVerifyExactlyOnceUnderConcurrency(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QRPayment, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	replayed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			require.ErrorIs(t, err, ErrTokenUsed)
			replayed++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, replayed)
}

func TestVerifyRejectsStaleKeyVersion(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)
	keys := NewKeyService(store)

	token := issueToken(t, store, "gym-1", domain.QREntry, "")

	_, err := keys.Rotate(context.Background(), "gym-1", domain.QREntry, "system")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrStaleKeyVersion)
}

func TestVerifyRejectsDeviceMismatch(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QREntry, "device-a")
	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token, DeviceID: "device-b"})
	require.ErrorIs(t, err, ErrDeviceMismatch)

	// The right device still gets in.
	result, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token, DeviceID: "device-a"})
	require.NoError(t, err)
	require.NotNil(t, result.Session)
}

func TestVerifyRejectsRevokedStatic(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QREntry, "")
	store.RevokeStatic("gym-1", domain.QREntry)

	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrRevoked)
}

func TestVerifyRejectsSuspendedGym(t *testing.T) {
	store := memory.NewStore()
	store.AddGym(domain.Gym{ID: "gym-1", Name: "Iron Temple", Suspended: true})
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QREntry, "")
	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrGymSuspended)
}

func TestVerifyRejectsContextMismatch(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	token := issueToken(t, store, "gym-1", domain.QREntry, "")

	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token, GymID: "gym-9"})
	require.ErrorIs(t, err, ErrTokenMismatch)

	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token, Type: domain.QRExit})
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestVerifyRejectsUnknownGym(t *testing.T) {
	store := memory.NewStore()
	v := NewVerifier(store, nil, nil)

	// Token minted for a gym that was never seeded in the store.
	token := issueToken(t, store, "gym-ghost", domain.QREntry, "")
	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrGymNotFound)
}

func TestVerifyMalformedToken(t *testing.T) {
	store := memory.NewStore()
	v := NewVerifier(store, nil, nil)

	_, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: "garbage"})
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyOfflineGraceBoundary(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	issuer := NewIssuer(NewKeyService(store), 0)
	issuer.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	token, payload, err := issuer.Issue(context.Background(), "gym-1", domain.QRPayment, "")
	require.NoError(t, err)

	// Past nominal expiry but inside the grace window.
	within := payload.ExpiresAt().Add(OfflineGrace - time.Millisecond)
	result, err := v.Verify(context.Background(), "user-1", VerifyRequest{Token: token, VerifiedAt: &within})
	require.NoError(t, err)
	require.True(t, result.OfflineGrace)

	// A second token from the same batch, submitted past the window.
	token2, payload2, err := issuer.Issue(context.Background(), "gym-1", domain.QRPayment, "")
	require.NoError(t, err)
	beyond := payload2.ExpiresAt().Add(OfflineGrace + time.Millisecond)
	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token2, VerifiedAt: &beyond})
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyOnlineModeRejectsExpired(t *testing.T) {
	store := memory.NewStore()
	seedGym(store)
	v := NewVerifier(store, nil, nil)

	issuer := NewIssuer(NewKeyService(store), 0)
	issuer.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	token, _, err := issuer.Issue(context.Background(), "gym-1", domain.QREntry, "")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "user-1", VerifyRequest{Token: token})
	require.ErrorIs(t, err, ErrTokenExpired)
}
