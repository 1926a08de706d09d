package domain

import "time"

// QRType scopes a signed code to its purpose.
type QRType string

const (
	QREntry   QRType = "ENTRY"
	QRExit    QRType = "EXIT"
	QRPayment QRType = "PAYMENT"
)

// Valid reports whether the type is one of the recognised purposes.
func (t QRType) Valid() bool {
	switch t {
	case QREntry, QRExit, QRPayment:
		return true
	}
	return false
}

// QRStatic tracks the signing state for a (gym, type) pair. CurrentKeyVersion
// only increases; tokens signed under older versions are rejected.
type QRStatic struct {
	GymID             string
	Type              QRType
	CurrentKeyVersion int
	RevokedAt         *time.Time
	CreatedAt         time.Time
}

// QRKey is one version of the HMAC key material for a (gym, type) pair.
// Superseded versions are retained for audit, not verification.
type QRKey struct {
	GymID     string
	Type      QRType
	Version   int
	Secret    []byte
	CreatedAt time.Time
}

// QRToken is the single-use consumption ledger row for an issued token.
// UsedAt is set at most once; concurrent consumers race on the conditional update.
type QRToken struct {
	TokenHash         string
	GymID             string
	Type              QRType
	Nonce             string
	DeviceBindingHash *string
	UsedAt            *time.Time
	ExpiresAt         time.Time
}
