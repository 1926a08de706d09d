// Package postgres provides the Postgres-backed Store implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same Repository
// methods serve pooled and transaction-scoped access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides Postgres-backed persistence for sessions, weight logs,
// sync receipts, QR key state and the token consumption ledger.
type Repository struct {
	pool *pgxpool.Pool
	q    querier
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// WithinTx runs fn against a transaction-scoped Repository. Nested calls reuse
// the enclosing transaction.
func (r *Repository) WithinTx(ctx context.Context, fn func(persistence.Store) error) error {
	if _, inTx := r.q.(pgx.Tx); inTx {
		return fn(r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&Repository{pool: r.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetGym retrieves a gym by id, nil when absent.
func (r *Repository) GetGym(ctx context.Context, gymID string) (*domain.Gym, error) {
	const query = `SELECT id, name, suspended FROM gyms WHERE id=$1`

	var gym domain.Gym
	if err := r.q.QueryRow(ctx, query, gymID).Scan(&gym.ID, &gym.Name, &gym.Suspended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &gym, nil
}

const sessionColumns = `id, user_id, gym_id, entry_at, exit_at, duration_minutes, calories, valid_for_streak, ended_by, verification_status, server_version, created_at, updated_at`

func scanSession(row pgx.Row) (*domain.GymSession, error) {
	var s domain.GymSession
	var endedBy *string
	err := row.Scan(&s.ID, &s.UserID, &s.GymID, &s.EntryAt, &s.ExitAt, &s.DurationMinutes, &s.Calories, &s.ValidForStreak, &endedBy, &s.Verification, &s.ServerVersion, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if endedBy != nil {
		s.EndedBy = domain.EndReason(*endedBy)
	}
	return &s, nil
}

// GetSession retrieves a session by id, nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*domain.GymSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM gym_sessions WHERE id=$1`

	session, err := scanSession(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// ActiveSession returns the user's open session, nil when none is open.
func (r *Repository) ActiveSession(ctx context.Context, userID string) (*domain.GymSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM gym_sessions WHERE user_id=$1 AND exit_at IS NULL ORDER BY entry_at DESC LIMIT 1`

	session, err := scanSession(r.q.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// CreateSession inserts a new session at server_version 1. The partial unique
// index on open sessions enforces the one-active-session invariant.
func (r *Repository) CreateSession(ctx context.Context, session domain.GymSession) error {
	const stmt = `INSERT INTO gym_sessions (id, user_id, gym_id, entry_at, exit_at, duration_minutes, calories, valid_for_streak, ended_by, verification_status, server_version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,now(),now())`

	_, err := r.q.Exec(ctx, stmt,
		session.ID,
		session.UserID,
		session.GymID,
		session.EntryAt,
		session.ExitAt,
		session.DurationMinutes,
		session.Calories,
		session.ValidForStreak,
		nullIfEmpty(string(session.EndedBy)),
		session.Verification,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "gym_sessions_one_active" {
			return domain.ErrActiveSessionExists
		}
		return err
	}
	return nil
}

// UpdateSession applies the update iff the row still carries expectedVersion.
// The predicate update affecting exactly one row is the lost-update guard.
func (r *Repository) UpdateSession(ctx context.Context, session domain.GymSession, expectedVersion int64) (*domain.GymSession, error) {
	stmt := `UPDATE gym_sessions
        SET gym_id=$2, entry_at=$3, exit_at=$4, duration_minutes=$5, calories=$6, valid_for_streak=$7, ended_by=$8, verification_status=$9, server_version=server_version+1, updated_at=now()
        WHERE id=$1 AND server_version=$10
        RETURNING ` + sessionColumns

	updated, err := scanSession(r.q.QueryRow(ctx, stmt,
		session.ID,
		session.GymID,
		session.EntryAt,
		session.ExitAt,
		session.DurationMinutes,
		session.Calories,
		session.ValidForStreak,
		nullIfEmpty(string(session.EndedBy)),
		session.Verification,
		expectedVersion,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := r.GetSession(ctx, session.ID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, domain.ErrSessionNotFound
		}
		return nil, domain.ErrVersionMismatch
	}
	return updated, err
}

// SessionsSince lists the user's sessions updated at or after since, newest first.
func (r *Repository) SessionsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.GymSession, error) {
	args := []any{userID, limit}
	query := `SELECT ` + sessionColumns + ` FROM gym_sessions WHERE user_id=$1`
	if !since.IsZero() {
		query += ` AND updated_at >= $3`
		args = append(args, since)
	}
	query += ` ORDER BY updated_at DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.GymSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *session)
	}
	return out, rows.Err()
}

const weightColumns = `id, user_id, value_kg, logged_at, server_version, created_at, updated_at`

func scanWeight(row pgx.Row) (*domain.WeightLog, error) {
	var w domain.WeightLog
	err := row.Scan(&w.ID, &w.UserID, &w.ValueKg, &w.LoggedAt, &w.ServerVersion, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWeight retrieves a weight log by id, nil when absent.
func (r *Repository) GetWeight(ctx context.Context, id string) (*domain.WeightLog, error) {
	query := `SELECT ` + weightColumns + ` FROM weight_logs WHERE id=$1`

	weight, err := scanWeight(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return weight, err
}

// CreateWeight inserts a new weight log at server_version 1.
func (r *Repository) CreateWeight(ctx context.Context, weight domain.WeightLog) error {
	const stmt = `INSERT INTO weight_logs (id, user_id, value_kg, logged_at, server_version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,1,now(),now())`

	_, err := r.q.Exec(ctx, stmt, weight.ID, weight.UserID, weight.ValueKg, weight.LoggedAt)
	return err
}

// UpdateWeight applies the update iff the row still carries expectedVersion.
func (r *Repository) UpdateWeight(ctx context.Context, weight domain.WeightLog, expectedVersion int64) (*domain.WeightLog, error) {
	stmt := `UPDATE weight_logs
        SET value_kg=$2, logged_at=$3, server_version=server_version+1, updated_at=now()
        WHERE id=$1 AND server_version=$4
        RETURNING ` + weightColumns

	updated, err := scanWeight(r.q.QueryRow(ctx, stmt, weight.ID, weight.ValueKg, weight.LoggedAt, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := r.GetWeight(ctx, weight.ID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, domain.ErrWeightNotFound
		}
		return nil, domain.ErrVersionMismatch
	}
	return updated, err
}

// WeightsSince lists the user's weight logs updated at or after since, newest first.
func (r *Repository) WeightsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.WeightLog, error) {
	args := []any{userID, limit}
	query := `SELECT ` + weightColumns + ` FROM weight_logs WHERE user_id=$1`
	if !since.IsZero() {
		query += ` AND updated_at >= $3`
		args = append(args, since)
	}
	query += ` ORDER BY updated_at DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.WeightLog, 0, limit)
	for rows.Next() {
		weight, err := scanWeight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *weight)
	}
	return out, rows.Err()
}

// GetReceipt looks up a processed-mutation receipt, nil when absent.
func (r *Repository) GetReceipt(ctx context.Context, userID, mutationID string) (*domain.Receipt, error) {
	const query = `SELECT user_id, mutation_id, entity_type, entity_id, status, server_version, error, created_at
        FROM sync_receipts WHERE user_id=$1 AND mutation_id=$2`

	var receipt domain.Receipt
	err := r.q.QueryRow(ctx, query, userID, mutationID).Scan(
		&receipt.UserID, &receipt.MutationID, &receipt.EntityType, &receipt.EntityID,
		&receipt.Status, &receipt.ServerVersion, &receipt.Error, &receipt.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// PutReceipt persists the receipt at most once per (user, mutation) pair.
func (r *Repository) PutReceipt(ctx context.Context, receipt domain.Receipt) error {
	const stmt = `INSERT INTO sync_receipts (user_id, mutation_id, entity_type, entity_id, status, server_version, error, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,now())
        ON CONFLICT (user_id, mutation_id) DO NOTHING`

	_, err := r.q.Exec(ctx, stmt,
		receipt.UserID, receipt.MutationID, receipt.EntityType, receipt.EntityID,
		receipt.Status, receipt.ServerVersion, receipt.Error,
	)
	return err
}

// EnsureStatic returns the static QR record and current key for (gym, type),
// creating both lazily at version 1 on first use.
func (r *Repository) EnsureStatic(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (*domain.QRStatic, *domain.QRKey, error) {
	const insertStatic = `INSERT INTO qr_static (gym_id, qr_type, current_key_version, created_at)
        VALUES ($1,$2,1,now()) ON CONFLICT (gym_id, qr_type) DO NOTHING`
	const insertKey = `INSERT INTO qr_keys (gym_id, qr_type, version, secret, created_at)
        VALUES ($1,$2,1,$3,now()) ON CONFLICT (gym_id, qr_type, version) DO NOTHING`

	if _, err := r.q.Exec(ctx, insertStatic, gymID, qrType); err != nil {
		return nil, nil, err
	}
	if _, err := r.q.Exec(ctx, insertKey, gymID, qrType, secret); err != nil {
		return nil, nil, err
	}

	static, err := r.GetStatic(ctx, gymID, qrType)
	if err != nil {
		return nil, nil, err
	}
	if static == nil {
		return nil, nil, fmt.Errorf("static QR record missing after ensure for %s/%s", gymID, qrType)
	}
	key, err := r.GetKey(ctx, gymID, qrType, static.CurrentKeyVersion)
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return nil, nil, fmt.Errorf("missing key material for %s/%s v%d", gymID, qrType, static.CurrentKeyVersion)
	}
	return static, key, nil
}

// GetStatic retrieves the static QR record for (gym, type), nil when absent.
func (r *Repository) GetStatic(ctx context.Context, gymID string, qrType domain.QRType) (*domain.QRStatic, error) {
	const query = `SELECT gym_id, qr_type, current_key_version, revoked_at, created_at
        FROM qr_static WHERE gym_id=$1 AND qr_type=$2`

	var static domain.QRStatic
	err := r.q.QueryRow(ctx, query, gymID, qrType).Scan(&static.GymID, &static.Type, &static.CurrentKeyVersion, &static.RevokedAt, &static.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &static, nil
}

// GetKey retrieves key material for (gym, type, version), nil when absent.
func (r *Repository) GetKey(ctx context.Context, gymID string, qrType domain.QRType, version int) (*domain.QRKey, error) {
	const query = `SELECT gym_id, qr_type, version, secret, created_at
        FROM qr_keys WHERE gym_id=$1 AND qr_type=$2 AND version=$3`

	var key domain.QRKey
	err := r.q.QueryRow(ctx, query, gymID, qrType, version).Scan(&key.GymID, &key.Type, &key.Version, &key.Secret, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// RotateKey installs secret as the next key version for (gym, type) and bumps
// current_key_version. Runs in its own transaction unless already inside one.
func (r *Repository) RotateKey(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (int, error) {
	var next int
	err := r.WithinTx(ctx, func(store persistence.Store) error {
		repo := store.(*Repository)

		var current int
		err := repo.q.QueryRow(ctx,
			`SELECT current_key_version FROM qr_static WHERE gym_id=$1 AND qr_type=$2 FOR UPDATE`,
			gymID, qrType,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no static QR record for %s/%s", gymID, qrType)
		}
		if err != nil {
			return err
		}

		next = current + 1
		if _, err := repo.q.Exec(ctx,
			`INSERT INTO qr_keys (gym_id, qr_type, version, secret, created_at) VALUES ($1,$2,$3,$4,now())`,
			gymID, qrType, next, secret,
		); err != nil {
			return err
		}

		_, err = repo.q.Exec(ctx,
			`UPDATE qr_static SET current_key_version=$3 WHERE gym_id=$1 AND qr_type=$2`,
			gymID, qrType, next,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// ListStatics returns all static QR records, for the rotation sweep.
func (r *Repository) ListStatics(ctx context.Context) ([]domain.QRStatic, error) {
	const query = `SELECT gym_id, qr_type, current_key_version, revoked_at, created_at
        FROM qr_static ORDER BY gym_id, qr_type`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QRStatic, 0)
	for rows.Next() {
		var static domain.QRStatic
		if err := rows.Scan(&static.GymID, &static.Type, &static.CurrentKeyVersion, &static.RevokedAt, &static.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, static)
	}
	return out, rows.Err()
}

// InsertTokenIfAbsent records the consumption ledger row and returns the stored
// row, which is the pre-existing one when the hash was already present.
func (r *Repository) InsertTokenIfAbsent(ctx context.Context, token domain.QRToken) (*domain.QRToken, error) {
	const stmt = `INSERT INTO qr_tokens (token_hash, gym_id, qr_type, nonce, device_binding_hash, used_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,NULL,$6)
        ON CONFLICT (token_hash) DO NOTHING`

	if _, err := r.q.Exec(ctx, stmt, token.TokenHash, token.GymID, token.Type, token.Nonce, token.DeviceBindingHash, token.ExpiresAt); err != nil {
		return nil, err
	}

	const query = `SELECT token_hash, gym_id, qr_type, nonce, device_binding_hash, used_at, expires_at
        FROM qr_tokens WHERE token_hash=$1`

	var stored domain.QRToken
	err := r.q.QueryRow(ctx, query, token.TokenHash).Scan(
		&stored.TokenHash, &stored.GymID, &stored.Type, &stored.Nonce,
		&stored.DeviceBindingHash, &stored.UsedAt, &stored.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ConsumeToken marks the token used iff it is still unused. The affected-row
// count decides the winner under concurrent consumption attempts.
func (r *Repository) ConsumeToken(ctx context.Context, tokenHash string) (bool, error) {
	tag, err := r.q.Exec(ctx, `UPDATE qr_tokens SET used_at=now() WHERE token_hash=$1 AND used_at IS NULL`, tokenHash)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM qr_tokens WHERE token_hash=$1)`, tokenHash).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("token %s not recorded", tokenHash)
	}
	return false, nil
}

// AppendAudit inserts an audit row with a NULL published_at for the Kafka relay.
func (r *Repository) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO audit_log (actor_id, gym_id, type, action, metadata, created_at)
        VALUES ($1,$2,$3,$4,$5,now())`

	_, err = r.q.Exec(ctx, stmt, entry.ActorID, nullIfEmpty(entry.GymID), entry.Type, entry.Action, metadata)
	return err
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
