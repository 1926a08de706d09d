// Package qr implements the signed entry/exit token codec, the key material
// service, the verification pipeline and the background key rotation sweep.
package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
)

const (
	// MinTokenTTL and MaxTokenTTL clamp the issuance TTL; DefaultTokenTTL is
	// used when the caller does not specify one.
	MinTokenTTL     = 30 * time.Second
	MaxTokenTTL     = 60 * time.Second
	DefaultTokenTTL = 45 * time.Second

	// OfflineGrace bounds how far past nominal expiry a delayed submission of a
	// legitimately scanned token is still accepted.
	OfflineGrace = 5 * time.Minute
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
)

// SignedPayload is the decoded form of an issued token. Exp is absolute expiry
// in epoch milliseconds; Sig covers every other field.
type SignedPayload struct {
	GymID         string        `json:"gymId"`
	Type          domain.QRType `json:"type"`
	Exp           int64         `json:"exp"`
	Nonce         string        `json:"nonce"`
	KeyVersion    int           `json:"v"`
	DeviceBinding string        `json:"deviceBinding,omitempty"`
	Sig           string        `json:"sig"`
}

// ExpiresAt returns Exp as a wall-clock time.
func (p SignedPayload) ExpiresAt() time.Time {
	return time.UnixMilli(p.Exp).UTC()
}

// ClampTTL bounds ttl to the issuance window, substituting the default for a
// zero value.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return DefaultTokenTTL
	}
	if ttl < MinTokenTTL {
		return MinTokenTTL
	}
	if ttl > MaxTokenTTL {
		return MaxTokenTTL
	}
	return ttl
}

// canonical is the byte string the HMAC covers. Field order is part of the
// wire contract and must never change.
func canonical(p SignedPayload) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%d|%s", p.GymID, p.Type, p.Exp, p.Nonce, p.KeyVersion, p.DeviceBinding))
}

// Sign computes the payload signature under secret and returns the payload
// with Sig populated.
func Sign(p SignedPayload, secret []byte) SignedPayload {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical(p))
	p.Sig = hex.EncodeToString(mac.Sum(nil))
	return p
}

// Encode serialises a signed payload into the opaque token string.
func Encode(p SignedPayload) string {
	raw, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque token back into its payload. It performs shape
// validation only; signature and expiry are checked separately.
func Decode(token string) (SignedPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return SignedPayload{}, ErrMalformedToken
	}
	var p SignedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SignedPayload{}, ErrMalformedToken
	}
	if p.GymID == "" || p.Nonce == "" || p.Sig == "" || p.Exp <= 0 || p.KeyVersion <= 0 || !p.Type.Valid() {
		return SignedPayload{}, ErrMalformedToken
	}
	return p, nil
}

// VerifySignature checks the embedded signature against secret. The signature
// always covers the payload's own exp, so a delayed submission cannot forge a
// later expiry.
func VerifySignature(p SignedPayload, secret []byte) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical(p))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(p.Sig)) {
		return ErrBadSignature
	}
	return nil
}

// Verify checks signature and expiry against the server clock (online mode).
func Verify(p SignedPayload, secret []byte, now time.Time) error {
	if err := VerifySignature(p, secret); err != nil {
		return err
	}
	if now.After(p.ExpiresAt()) {
		return ErrTokenExpired
	}
	return nil
}

// VerifyWithGrace checks signature and expiry for a delayed submission: the
// client-reported verification instant may run up to OfflineGrace past the
// token's nominal expiry.
func VerifyWithGrace(p SignedPayload, secret []byte, verifiedAt time.Time) error {
	if err := VerifySignature(p, secret); err != nil {
		return err
	}
	if verifiedAt.After(p.ExpiresAt().Add(OfflineGrace)) {
		return ErrTokenExpired
	}
	return nil
}

// HashToken derives the irreversible consumption-ledger key for a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashDevice derives the stored binding hash for a device identifier. Empty
// identifiers produce an empty hash (no binding).
func HashDevice(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])
}
