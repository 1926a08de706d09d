package qr

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/FauzanSarwer/Fitdex-sub000/internal/observability"
	"github.com/FauzanSarwer/Fitdex-sub000/internal/persistence"
)

const (
	// DefaultRotationInterval is the sweep cadence when none is configured.
	DefaultRotationInterval = 15 * time.Minute
	// minRotationInterval is the enforced floor for configured intervals.
	minRotationInterval = 60 * time.Second
)

// RotatorConfig controls the background key rotation sweep. Enabled false or
// an empty ActorID disables the rotator entirely.
type RotatorConfig struct {
	Enabled  bool
	Interval time.Duration
	ActorID  string
}

// Rotator periodically rotates every (gym, type) signing key. Start is
// idempotent; at most one sweep loop runs per Rotator.
type Rotator struct {
	cfg    RotatorConfig
	store  persistence.Store
	keys   *KeyService
	logger *log.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRotator constructs a Rotator.
func NewRotator(cfg RotatorConfig, store persistence.Store, keys *KeyService) *Rotator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRotationInterval
	}
	if cfg.Interval < minRotationInterval {
		cfg.Interval = minRotationInterval
	}
	return &Rotator{
		cfg:    cfg,
		store:  store,
		keys:   keys,
		logger: log.New(log.Writer(), "[qr-rotator] ", log.LstdFlags),
	}
}

// Start launches the sweep loop. Calling it again while running is a no-op,
// as is starting a disabled or unattributed rotator.
func (r *Rotator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	if !r.cfg.Enabled {
		r.logger.Printf("rotation disabled, skipping")
		return
	}
	if r.cfg.ActorID == "" {
		r.logger.Printf("no system actor configured, skipping rotation")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	r.logger.Printf("rotation sweep started, interval=%s actor=%s", r.cfg.Interval, r.cfg.ActorID)
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (r *Rotator) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.started = false
	r.mu.Unlock()

	cancel()
	<-done
}

func (r *Rotator) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// sweep rotates every non-revoked static record whose current key is older
// than the rotation interval, so re-running it early changes nothing. One
// pair's failure does not abort the rest of the sweep.
func (r *Rotator) sweep(ctx context.Context) error {
	statics, err := r.store.ListStatics(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-r.cfg.Interval)
	rotated := 0
	for _, static := range statics {
		if static.RevokedAt != nil {
			continue
		}
		key, err := r.store.GetKey(ctx, static.GymID, static.Type, static.CurrentKeyVersion)
		if err != nil {
			r.logger.Printf("lookup key gym=%s type=%s: %v", static.GymID, static.Type, err)
			continue
		}
		if key != nil && key.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := r.keys.Rotate(ctx, static.GymID, static.Type, r.cfg.ActorID); err != nil {
			r.logger.Printf("rotate gym=%s type=%s: %v", static.GymID, static.Type, err)
			continue
		}
		rotated++
	}

	if rotated > 0 {
		observability.Emit("qr.rotation_sweep", observability.LevelInfo, map[string]any{
			"rotated": rotated,
			"actorId": r.cfg.ActorID,
		})
	}
	return nil
}
