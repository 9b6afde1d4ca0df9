package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"promoter/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverHeartbeatStore writes to primary until it fails, then to fallback.
// The primary is retried once per recoveryInterval.
type FailoverHeartbeatStore struct {
	primary  HeartbeatStore
	fallback HeartbeatStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverHeartbeatStore(primary, fallback HeartbeatStore, logger *zerolog.Logger) *FailoverHeartbeatStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverHeartbeatStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to the primary store.
func (r *FailoverHeartbeatStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastCheck) > recoveryInterval
}

func (r *FailoverHeartbeatStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary heartbeat store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

func (r *FailoverHeartbeatStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary heartbeat store recovered")
	}
}

func (r *FailoverHeartbeatStore) Record(ctx context.Context, beat models.Heartbeat) error {
	if r.usePrimary() {
		err := r.primary.Record(ctx, beat)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Record(ctx, beat)
}

func (r *FailoverHeartbeatStore) Latest(ctx context.Context, workerID string) (*models.Heartbeat, error) {
	if r.usePrimary() {
		beat, err := r.primary.Latest(ctx, workerID)
		if err == nil {
			r.markUp()
			if beat != nil {
				return beat, nil
			}
			// Beats written during an outage only exist in the fallback.
			return r.fallback.Latest(ctx, workerID)
		}
		r.markDown(err)
	}
	return r.fallback.Latest(ctx, workerID)
}
