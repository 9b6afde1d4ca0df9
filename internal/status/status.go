// Package status tracks worker liveness from the heartbeats written by the
// worker loop and exposes it to probes.
package status

import (
	"context"
	"fmt"
	"time"

	"promoter/internal/models"
	"promoter/internal/repository"
)

// Health is the liveness view of one worker.
type Health struct {
	WorkerID string            `json:"worker_id"`
	Healthy  bool              `json:"healthy"`
	Age      time.Duration     `json:"age"`
	Last     *models.Heartbeat `json:"last,omitempty"`
}

// Monitor reads the heartbeat store and decides whether a worker is alive.
type Monitor struct {
	store      repository.HeartbeatStore
	workerID   string
	staleAfter time.Duration
	now        func() time.Time
}

func NewMonitor(store repository.HeartbeatStore, workerID string, staleAfter time.Duration) *Monitor {
	return &Monitor{store: store, workerID: workerID, staleAfter: staleAfter, now: time.Now}
}

func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Record satisfies the worker loop's heartbeat recorder.
func (m *Monitor) Record(ctx context.Context, beat models.Heartbeat) error {
	if beat.WorkerID == "" {
		beat.WorkerID = m.workerID
	}
	return m.store.Record(ctx, beat)
}

// Check reports the worker as healthy while its last heartbeat is younger
// than staleAfter.
func (m *Monitor) Check(ctx context.Context) (Health, error) {
	h := Health{WorkerID: m.workerID}
	beat, err := m.store.Latest(ctx, m.workerID)
	if err != nil {
		return h, fmt.Errorf("load heartbeat: %w", err)
	}
	if beat == nil {
		return h, nil
	}
	h.Last = beat
	h.Age = m.now().Sub(beat.At)
	h.Healthy = h.Age <= m.staleAfter
	return h, nil
}
