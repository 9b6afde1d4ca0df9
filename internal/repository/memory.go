package repository

import (
	"context"
	"sync"
	"time"

	"promoter/internal/models"
)

type memoryBeat struct {
	beat      models.Heartbeat
	expiresAt time.Time
}

// MemoryHeartbeatStore mirrors the Redis TTL semantics in process memory.
type MemoryHeartbeatStore struct {
	beats sync.Map
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryHeartbeatStore(ttl time.Duration) *MemoryHeartbeatStore {
	return &MemoryHeartbeatStore{ttl: ttl, now: time.Now}
}

func (r *MemoryHeartbeatStore) Record(_ context.Context, beat models.Heartbeat) error {
	r.beats.Store(beat.WorkerID, memoryBeat{beat: beat, expiresAt: r.now().Add(r.ttl)})
	return nil
}

func (r *MemoryHeartbeatStore) Latest(_ context.Context, workerID string) (*models.Heartbeat, error) {
	val, ok := r.beats.Load(workerID)
	if !ok {
		return nil, nil
	}
	entry := val.(memoryBeat)
	if r.ttl > 0 && r.now().After(entry.expiresAt) {
		r.beats.Delete(workerID)
		return nil, nil
	}
	beat := entry.beat
	return &beat, nil
}
