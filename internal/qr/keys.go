package qr

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

const secretBytes = 32

func newSecret() ([]byte, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating key secret: %w", err)
	}
	return secret, nil
}

// KeyService resolves and rotates per-(gym, type) HMAC key material. Statics
// and their first key version are created lazily on first use.
type KeyService struct {
	store persistence.Store
}

// NewKeyService constructs a KeyService.
func NewKeyService(store persistence.Store) *KeyService {
	return &KeyService{store: store}
}

// Current returns the static record and current signing key for (gymID, qrType),
// creating both at version 1 when the pair has never issued before.
func (s *KeyService) Current(ctx context.Context, gymID string, qrType domain.QRType) (*domain.QRStatic, *domain.QRKey, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, nil, err
	}
	return s.store.EnsureStatic(ctx, gymID, qrType, secret)
}

// Rotate installs a fresh key version for (gymID, qrType) and bumps the
// static's current version. Superseded key rows stay behind for audit. The
// rotation is recorded in the audit log under actorID.
func (s *KeyService) Rotate(ctx context.Context, gymID string, qrType domain.QRType, actorID string) (int, error) {
	secret, err := newSecret()
	if err != nil {
		return 0, err
	}

	var version int
	err = s.store.WithinTx(ctx, func(store persistence.Store) error {
		var err error
		version, err = store.RotateKey(ctx, gymID, qrType, secret)
		if err != nil {
			return err
		}
		return store.AppendAudit(ctx, domain.AuditEntry{
			ActorID: actorID,
			GymID:   gymID,
			Type:    "qr",
			Action:  "key_rotated",
			Metadata: map[string]any{
				"qrType":     string(qrType),
				"keyVersion": version,
			},
		})
	})
	if err != nil {
		return 0, err
	}

	observability.RecordKeyRotation()
	observability.Emit("qr.key_rotated", observability.LevelInfo, map[string]any{
		"gymId":      gymID,
		"qrType":     string(qrType),
		"keyVersion": version,
		"actorId":    actorID,
	})
	return version, nil
}

// Issuer mints short-lived signed tokens for display at a gym.
type Issuer struct {
	keys *KeyService
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer constructs an Issuer. ttl is clamped to the issuance window.
func NewIssuer(keys *KeyService, ttl time.Duration) *Issuer {
	return &Issuer{keys: keys, ttl: ClampTTL(ttl), now: time.Now}
}

// Issue mints a token for (gymID, qrType) under the current key version. A
// non-empty deviceID binds the token to that device at issuance time.
func (i *Issuer) Issue(ctx context.Context, gymID string, qrType domain.QRType, deviceID string) (string, SignedPayload, error) {
	if !qrType.Valid() {
		return "", SignedPayload{}, fmt.Errorf("unknown qr type %q", qrType)
	}
	static, key, err := i.keys.Current(ctx, gymID, qrType)
	if err != nil {
		return "", SignedPayload{}, err
	}
	if static.RevokedAt != nil {
		return "", SignedPayload{}, ErrRevoked
	}

	payload := Sign(SignedPayload{
		GymID:         gymID,
		Type:          qrType,
		Exp:           i.now().Add(i.ttl).UnixMilli(),
		Nonce:         uuid.NewString(),
		KeyVersion:    key.Version,
		DeviceBinding: HashDevice(deviceID),
	}, key.Secret)
	return Encode(payload), payload, nil
}
