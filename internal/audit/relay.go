package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
}

// claimReclaimAfter bounds how long a claim shields rows from other relays.
// A relay that dies mid-delivery loses its claim after this long and the
// rows become fetchable again.
const claimReclaimAfter = time.Minute

// Relay drains pending audit_log rows and publishes them to Kafka, keyed by
// actor id. Rows stay pending on delivery failure and are retried on the next
// poll.
type Relay struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	pollInterval     time.Duration
	batchSize        int
	shutdownComplete chan struct{}
}

// NewRelay constructs a Relay.
func NewRelay(pool *pgxpool.Pool, producer messageWriter, pollInterval time.Duration, batchSize int) *Relay {
	return &Relay{
		pool:             pool,
		producer:         producer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		if err := r.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("audit relay error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the relay loop has exited.
func (r *Relay) Wait() {
	<-r.shutdownComplete
}

func (r *Relay) processBatch(ctx context.Context) error {
	entries, err := r.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	if err := r.deliver(ctx, entries); err != nil {
		// Rows stay pending; the next poll retries them.
		observability.RecordAuditFailed(len(entries))
		return err
	}

	observability.RecordAuditPublished(len(entries))
	return r.markPublished(ctx, entries)
}

// relayEntry is one claimed audit_log row.
type relayEntry struct {
	ID        int64
	ActorID   string
	GymID     string
	Type      string
	Action    string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// fetchAndClaim marks the selected rows claimed inside the locking
// transaction, so concurrent relays neither block on nor re-deliver them.
// Claims older than claimReclaimAfter are treated as abandoned and retaken.
func (r *Relay) fetchAndClaim(ctx context.Context) ([]relayEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	query := `SELECT id, actor_id, COALESCE(gym_id, ''), type, action, metadata, created_at
        FROM audit_log
        WHERE published_at IS NULL
          AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
        ORDER BY id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, r.batchSize, claimReclaimAfter.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]relayEntry, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var e relayEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.GymID, &e.Type, &e.Action, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE audit_log SET claimed_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Relay) deliver(ctx context.Context, entries []relayEntry) error {
	messages := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(map[string]any{
			"id":        e.ID,
			"actorId":   e.ActorID,
			"gymId":     e.GymID,
			"type":      e.Type,
			"action":    e.Action,
			"metadata":  e.Metadata,
			"createdAt": e.CreatedAt.UTC(),
		})
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(e.ActorID),
			Value: value,
			Time:  time.Now().UTC(),
		})
	}
	return r.producer.WriteMessages(ctx, messages...)
}

func (r *Relay) markPublished(ctx context.Context, entries []relayEntry) error {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	_, err := r.pool.Exec(ctx, `UPDATE audit_log SET published_at = NOW() WHERE id = ANY($1)`, ids)
	return err
}
