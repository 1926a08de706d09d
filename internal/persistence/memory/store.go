// Package memory provides an in-memory Store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/domain"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

// Store keeps all entities in maps guarded by a single mutex. WithinTx snapshots
// the maps and restores them when fn fails, mirroring the rollback semantics of
// the Postgres implementation.
type Store struct {
	mu sync.Mutex
	d  *data
}

type data struct {
	gyms     map[string]domain.Gym
	sessions map[string]domain.GymSession
	weights  map[string]domain.WeightLog
	receipts map[string]domain.Receipt
	statics  map[string]domain.QRStatic
	keys     map[string]domain.QRKey
	tokens   map[string]domain.QRToken
	audits   []domain.AuditEntry
	auditSeq int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{d: newData()}
}

func newData() *data {
	return &data{
		gyms:     make(map[string]domain.Gym),
		sessions: make(map[string]domain.GymSession),
		weights:  make(map[string]domain.WeightLog),
		receipts: make(map[string]domain.Receipt),
		statics:  make(map[string]domain.QRStatic),
		keys:     make(map[string]domain.QRKey),
		tokens:   make(map[string]domain.QRToken),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.gyms {
		c.gyms[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.weights {
		c.weights[k] = v
	}
	for k, v := range d.receipts {
		c.receipts[k] = v
	}
	for k, v := range d.statics {
		c.statics[k] = v
	}
	for k, v := range d.keys {
		c.keys[k] = v
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	c.audits = append([]domain.AuditEntry(nil), d.audits...)
	c.auditSeq = d.auditSeq
	return c
}

// AddGym seeds a gym record. Test helper; gyms are collaborator state owned by
// the marketplace, not this subsystem.
func (s *Store) AddGym(gym domain.Gym) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.gyms[gym.ID] = gym
}

// RevokeStatic marks a static QR record revoked. Test helper; revocation is
// owned by the marketplace back office.
func (s *Store) RevokeStatic(gymID string, qrType domain.QRType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := staticKey(gymID, qrType)
	if static, ok := s.d.statics[key]; ok {
		now := time.Now().UTC()
		static.RevokedAt = &now
		s.d.statics[key] = static
	}
}

// SetKeyCreatedAt rewrites a key's creation time. Test helper for exercising
// age-based rotation.
func (s *Store) SetKeyCreatedAt(gymID string, qrType domain.QRType, version int, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyVersionKey(gymID, qrType, version)
	if key, ok := s.d.keys[k]; ok {
		key.CreatedAt = createdAt
		s.d.keys[k] = key
	}
}

// AuditEntries returns a copy of the audit trail. Test helper.
func (s *Store) AuditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.d.audits...)
}

// WithinTx implements persistence.Store with snapshot/restore semantics.
func (s *Store) WithinTx(ctx context.Context, fn func(persistence.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(&txStore{d: s.d}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) GetGym(ctx context.Context, gymID string) (*domain.Gym, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getGym(gymID)
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.GymSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getSession(id)
}

func (s *Store) ActiveSession(ctx context.Context, userID string) (*domain.GymSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.activeSession(userID)
}

func (s *Store) CreateSession(ctx context.Context, session domain.GymSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createSession(session)
}

func (s *Store) UpdateSession(ctx context.Context, session domain.GymSession, expectedVersion int64) (*domain.GymSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.updateSession(session, expectedVersion)
}

func (s *Store) SessionsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.GymSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.sessionsSince(userID, since, limit)
}

func (s *Store) GetWeight(ctx context.Context, id string) (*domain.WeightLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getWeight(id)
}

func (s *Store) CreateWeight(ctx context.Context, weight domain.WeightLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createWeight(weight)
}

func (s *Store) UpdateWeight(ctx context.Context, weight domain.WeightLog, expectedVersion int64) (*domain.WeightLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.updateWeight(weight, expectedVersion)
}

func (s *Store) WeightsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.WeightLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.weightsSince(userID, since, limit)
}

func (s *Store) GetReceipt(ctx context.Context, userID, mutationID string) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getReceipt(userID, mutationID)
}

func (s *Store) PutReceipt(ctx context.Context, receipt domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.putReceipt(receipt)
}

func (s *Store) EnsureStatic(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (*domain.QRStatic, *domain.QRKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ensureStatic(gymID, qrType, secret)
}

func (s *Store) GetStatic(ctx context.Context, gymID string, qrType domain.QRType) (*domain.QRStatic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getStatic(gymID, qrType)
}

func (s *Store) GetKey(ctx context.Context, gymID string, qrType domain.QRType, version int) (*domain.QRKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getKey(gymID, qrType, version)
}

func (s *Store) RotateKey(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.rotateKey(gymID, qrType, secret)
}

func (s *Store) ListStatics(ctx context.Context) ([]domain.QRStatic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listStatics()
}

func (s *Store) InsertTokenIfAbsent(ctx context.Context, token domain.QRToken) (*domain.QRToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.insertTokenIfAbsent(token)
}

func (s *Store) ConsumeToken(ctx context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.consumeToken(tokenHash)
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.appendAudit(entry)
}

// txStore operates on the already-locked data set inside WithinTx.
type txStore struct {
	d *data
}

func (t *txStore) WithinTx(ctx context.Context, fn func(persistence.Store) error) error {
	return fn(t)
}

func (t *txStore) GetGym(ctx context.Context, gymID string) (*domain.Gym, error) {
	return t.d.getGym(gymID)
}

func (t *txStore) GetSession(ctx context.Context, id string) (*domain.GymSession, error) {
	return t.d.getSession(id)
}

func (t *txStore) ActiveSession(ctx context.Context, userID string) (*domain.GymSession, error) {
	return t.d.activeSession(userID)
}

func (t *txStore) CreateSession(ctx context.Context, session domain.GymSession) error {
	return t.d.createSession(session)
}

func (t *txStore) UpdateSession(ctx context.Context, session domain.GymSession, expectedVersion int64) (*domain.GymSession, error) {
	return t.d.updateSession(session, expectedVersion)
}

func (t *txStore) SessionsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.GymSession, error) {
	return t.d.sessionsSince(userID, since, limit)
}

func (t *txStore) GetWeight(ctx context.Context, id string) (*domain.WeightLog, error) {
	return t.d.getWeight(id)
}

func (t *txStore) CreateWeight(ctx context.Context, weight domain.WeightLog) error {
	return t.d.createWeight(weight)
}

func (t *txStore) UpdateWeight(ctx context.Context, weight domain.WeightLog, expectedVersion int64) (*domain.WeightLog, error) {
	return t.d.updateWeight(weight, expectedVersion)
}

func (t *txStore) WeightsSince(ctx context.Context, userID string, since time.Time, limit int) ([]domain.WeightLog, error) {
	return t.d.weightsSince(userID, since, limit)
}

func (t *txStore) GetReceipt(ctx context.Context, userID, mutationID string) (*domain.Receipt, error) {
	return t.d.getReceipt(userID, mutationID)
}

func (t *txStore) PutReceipt(ctx context.Context, receipt domain.Receipt) error {
	return t.d.putReceipt(receipt)
}

func (t *txStore) EnsureStatic(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (*domain.QRStatic, *domain.QRKey, error) {
	return t.d.ensureStatic(gymID, qrType, secret)
}

func (t *txStore) GetStatic(ctx context.Context, gymID string, qrType domain.QRType) (*domain.QRStatic, error) {
	return t.d.getStatic(gymID, qrType)
}

func (t *txStore) GetKey(ctx context.Context, gymID string, qrType domain.QRType, version int) (*domain.QRKey, error) {
	return t.d.getKey(gymID, qrType, version)
}

func (t *txStore) RotateKey(ctx context.Context, gymID string, qrType domain.QRType, secret []byte) (int, error) {
	return t.d.rotateKey(gymID, qrType, secret)
}

func (t *txStore) ListStatics(ctx context.Context) ([]domain.QRStatic, error) {
	return t.d.listStatics()
}

func (t *txStore) InsertTokenIfAbsent(ctx context.Context, token domain.QRToken) (*domain.QRToken, error) {
	return t.d.insertTokenIfAbsent(token)
}

func (t *txStore) ConsumeToken(ctx context.Context, tokenHash string) (bool, error) {
	return t.d.consumeToken(tokenHash)
}

func (t *txStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	return t.d.appendAudit(entry)
}

func receiptKey(userID, mutationID string) string {
	return userID + "|" + mutationID
}

func staticKey(gymID string, qrType domain.QRType) string {
	return gymID + "|" + string(qrType)
}

func keyVersionKey(gymID string, qrType domain.QRType, version int) string {
	return fmt.Sprintf("%s|%s|%d", gymID, qrType, version)
}

func (d *data) getGym(gymID string) (*domain.Gym, error) {
	gym, ok := d.gyms[gymID]
	if !ok {
		return nil, nil
	}
	out := gym
	return &out, nil
}

func (d *data) getSession(id string) (*domain.GymSession, error) {
	session, ok := d.sessions[id]
	if !ok {
		return nil, nil
	}
	out := session
	return &out, nil
}

func (d *data) activeSession(userID string) (*domain.GymSession, error) {
	for _, session := range d.sessions {
		if session.UserID == userID && session.Open() {
			out := session
			return &out, nil
		}
	}
	return nil, nil
}

func (d *data) createSession(session domain.GymSession) error {
	if _, exists := d.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if session.Open() {
		if active, _ := d.activeSession(session.UserID); active != nil {
			return domain.ErrActiveSessionExists
		}
	}
	now := time.Now().UTC()
	session.ServerVersion = 1
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	d.sessions[session.ID] = session
	return nil
}

func (d *data) updateSession(session domain.GymSession, expectedVersion int64) (*domain.GymSession, error) {
	stored, ok := d.sessions[session.ID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if stored.ServerVersion != expectedVersion {
		return nil, domain.ErrVersionMismatch
	}
	session.UserID = stored.UserID
	session.CreatedAt = stored.CreatedAt
	session.ServerVersion = expectedVersion + 1
	session.UpdatedAt = time.Now().UTC()
	d.sessions[session.ID] = session
	out := session
	return &out, nil
}

func (d *data) sessionsSince(userID string, since time.Time, limit int) ([]domain.GymSession, error) {
	out := make([]domain.GymSession, 0)
	for _, session := range d.sessions {
		if session.UserID != userID {
			continue
		}
		if !since.IsZero() && session.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *data) getWeight(id string) (*domain.WeightLog, error) {
	weight, ok := d.weights[id]
	if !ok {
		return nil, nil
	}
	out := weight
	return &out, nil
}

func (d *data) createWeight(weight domain.WeightLog) error {
	if _, exists := d.weights[weight.ID]; exists {
		return fmt.Errorf("weight log %s already exists", weight.ID)
	}
	now := time.Now().UTC()
	weight.ServerVersion = 1
	if weight.CreatedAt.IsZero() {
		weight.CreatedAt = now
	}
	weight.UpdatedAt = now
	d.weights[weight.ID] = weight
	return nil
}

func (d *data) updateWeight(weight domain.WeightLog, expectedVersion int64) (*domain.WeightLog, error) {
	stored, ok := d.weights[weight.ID]
	if !ok {
		return nil, domain.ErrWeightNotFound
	}
	if stored.ServerVersion != expectedVersion {
		return nil, domain.ErrVersionMismatch
	}
	weight.UserID = stored.UserID
	weight.CreatedAt = stored.CreatedAt
	weight.ServerVersion = expectedVersion + 1
	weight.UpdatedAt = time.Now().UTC()
	d.weights[weight.ID] = weight
	out := weight
	return &out, nil
}

func (d *data) weightsSince(userID string, since time.Time, limit int) ([]domain.WeightLog, error) {
	out := make([]domain.WeightLog, 0)
	for _, weight := range d.weights {
		if weight.UserID != userID {
			continue
		}
		if !since.IsZero() && weight.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, weight)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *data) getReceipt(userID, mutationID string) (*domain.Receipt, error) {
	receipt, ok := d.receipts[receiptKey(userID, mutationID)]
	if !ok {
		return nil, nil
	}
	out := receipt
	return &out, nil
}

func (d *data) putReceipt(receipt domain.Receipt) error {
	key := receiptKey(receipt.UserID, receipt.MutationID)
	if _, exists := d.receipts[key]; exists {
		return nil
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}
	d.receipts[key] = receipt
	return nil
}

func (d *data) ensureStatic(gymID string, qrType domain.QRType, secret []byte) (*domain.QRStatic, *domain.QRKey, error) {
	sk := staticKey(gymID, qrType)
	static, ok := d.statics[sk]
	if !ok {
		now := time.Now().UTC()
		static = domain.QRStatic{GymID: gymID, Type: qrType, CurrentKeyVersion: 1, CreatedAt: now}
		d.statics[sk] = static
		d.keys[keyVersionKey(gymID, qrType, 1)] = domain.QRKey{
			GymID: gymID, Type: qrType, Version: 1,
			Secret:    append([]byte(nil), secret...),
			CreatedAt: now,
		}
	}
	key, ok := d.keys[keyVersionKey(gymID, qrType, static.CurrentKeyVersion)]
	if !ok {
		return nil, nil, fmt.Errorf("missing key material for %s/%s v%d", gymID, qrType, static.CurrentKeyVersion)
	}
	outStatic, outKey := static, key
	return &outStatic, &outKey, nil
}

func (d *data) getStatic(gymID string, qrType domain.QRType) (*domain.QRStatic, error) {
	static, ok := d.statics[staticKey(gymID, qrType)]
	if !ok {
		return nil, nil
	}
	out := static
	return &out, nil
}

func (d *data) getKey(gymID string, qrType domain.QRType, version int) (*domain.QRKey, error) {
	key, ok := d.keys[keyVersionKey(gymID, qrType, version)]
	if !ok {
		return nil, nil
	}
	out := key
	return &out, nil
}

func (d *data) rotateKey(gymID string, qrType domain.QRType, secret []byte) (int, error) {
	sk := staticKey(gymID, qrType)
	static, ok := d.statics[sk]
	if !ok {
		return 0, fmt.Errorf("no static QR record for %s/%s", gymID, qrType)
	}
	next := static.CurrentKeyVersion + 1
	d.keys[keyVersionKey(gymID, qrType, next)] = domain.QRKey{
		GymID: gymID, Type: qrType, Version: next,
		Secret:    append([]byte(nil), secret...),
		CreatedAt: time.Now().UTC(),
	}
	static.CurrentKeyVersion = next
	d.statics[sk] = static
	return next, nil
}

func (d *data) listStatics() ([]domain.QRStatic, error) {
	out := make([]domain.QRStatic, 0, len(d.statics))
	for _, static := range d.statics {
		out = append(out, static)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GymID != out[j].GymID {
			return out[i].GymID < out[j].GymID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (d *data) insertTokenIfAbsent(token domain.QRToken) (*domain.QRToken, error) {
	if existing, ok := d.tokens[token.TokenHash]; ok {
		out := existing
		return &out, nil
	}
	d.tokens[token.TokenHash] = token
	out := token
	return &out, nil
}

func (d *data) consumeToken(tokenHash string) (bool, error) {
	token, ok := d.tokens[tokenHash]
	if !ok {
		return false, fmt.Errorf("token %s not recorded", tokenHash)
	}
	if token.UsedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	token.UsedAt = &now
	d.tokens[tokenHash] = token
	return true, nil
}

func (d *data) appendAudit(entry domain.AuditEntry) error {
	d.auditSeq++
	entry.ID = d.auditSeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	d.audits = append(d.audits, entry)
	return nil
}
