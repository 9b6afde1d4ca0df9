package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/models"
	"promoter/internal/signer"
)

type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterTask, error)
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterTask, error)
	RestoreDeadLetter(ctx context.Context, deadLetterID string, task *models.Task) error
	ResetAttempts(ctx context.Context, id string, now time.Time) (*models.Task, error)
}

type SignVerifier interface {
	Sign(t *models.Task) error
	Verify(t *models.Task) bool
}

// ReplayOptions tune a selective replay pass.
type ReplayOptions struct {
	// RevalidateSignatures also re-queues entries quarantined for a
	// signature mismatch, re-signing them with the active key.
	RevalidateSignatures bool `json:"revalidate_signatures"`
	Limit                int  `json:"limit"`
}

type ReplayReport struct {
	Scanned         int      `json:"scanned"`
	Replayed        int      `json:"replayed"`
	Skipped         int      `json:"skipped"`
	IntegrityFailed int      `json:"integrity_failed"`
	ReplayedTaskIDs []string `json:"replayed_task_ids"`
}

// DeadLetterManager inspects and re-queues quarantined tasks.
type DeadLetterManager struct {
	store  DeadLetterStore
	signer SignVerifier
	bus    *events.EventBus
	now    func() time.Time
	logger *zerolog.Logger
}

func NewDeadLetterManager(store DeadLetterStore, s SignVerifier, bus *events.EventBus, logger *zerolog.Logger) *DeadLetterManager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DeadLetterManager{store: store, signer: s, bus: bus, now: time.Now, logger: logger}
}

func (m *DeadLetterManager) SetClock(now func() time.Time) {
	m.now = now
}

// List returns entries newest failure first.
func (m *DeadLetterManager) List(ctx context.Context, limit int) ([]models.DeadLetterTask, error) {
	return m.store.ListDeadLetters(ctx, limit)
}

// Replay re-queues entries that failed for transient reasons. Policy and
// auth failures stay quarantined. Snapshots that no longer verify are left
// in place and counted as integrity failures.
func (m *DeadLetterManager) Replay(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	var report ReplayReport

	entries, err := m.store.ListDeadLetters(ctx, opts.Limit)
	if err != nil {
		return report, err
	}

	for i := range entries {
		dl := &entries[i]
		report.Scanned++

		reason := dl.Failed.Reason
		revalidate := reason == models.FailureSignature && opts.RevalidateSignatures
		if !models.IsReplayableFailure(reason) && !revalidate {
			report.Skipped++
			continue
		}
		if !revalidate && !m.signer.Verify(&dl.Task) {
			m.logger.Warn().Str("dead_letter_id", dl.ID).Str("task_id", dl.Task.ID).Msg("snapshot failed verification, left in dead letter")
			report.IntegrityFailed++
			continue
		}

		task, err := m.restore(ctx, dl)
		if errors.Is(err, database.ErrNotFound) {
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}
		report.Replayed++
		report.ReplayedTaskIDs = append(report.ReplayedTaskIDs, task.ID)
	}

	m.logger.Info().
		Int("scanned", report.Scanned).
		Int("replayed", report.Replayed).
		Int("skipped", report.Skipped).
		Int("integrity_failed", report.IntegrityFailed).
		Msg("dead-letter replay finished")
	return report, nil
}

// Requeue puts one entry back regardless of its reason. A snapshot that
// does not verify is refused unless it was quarantined for exactly that.
func (m *DeadLetterManager) Requeue(ctx context.Context, id string) (*models.Task, error) {
	dl, err := m.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Failed.Reason != models.FailureSignature && !m.signer.Verify(&dl.Task) {
		return nil, fmt.Errorf("requeue %s: %w", id, signer.ErrInvalidSignature)
	}
	return m.restore(ctx, dl)
}

// ResetAttempts makes a stuck queued task due now with a fresh budget.
func (m *DeadLetterManager) ResetAttempts(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := m.store.ResetAttempts(ctx, taskID, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("task_id", taskID).Msg("task attempts reset")
	return task, nil
}

func (m *DeadLetterManager) restore(ctx context.Context, dl *models.DeadLetterTask) (*models.Task, error) {
	now := m.now()
	task := dl.Task
	task.Status = models.StatusQueued
	task.Attempts = 0
	task.NextAttemptAt = now
	task.UpdatedAt = now
	task.CompletedAt = nil
	task.Outcome = nil
	task.LastError = ""
	task.ClaimToken = ""
	task.LeaseExpiresAt = nil
	task.DeadLetterOrigin = dl.ID

	if err := m.signer.Sign(&task); err != nil {
		return nil, fmt.Errorf("re-sign task %s: %w", task.ID, err)
	}
	if err := m.store.RestoreDeadLetter(ctx, dl.ID, &task); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("dead_letter_id", dl.ID).
		Str("task_id", task.ID).
		Str("reason", dl.Failed.Reason).
		Msg("dead letter re-queued")
	if err := m.bus.PublishJSON(events.EventTaskReplayed, events.TaskEventPayload{
		TaskID:        task.ID,
		Kind:          task.Kind,
		Platform:      task.Platform,
		ContentID:     task.ContentID,
		OwnerID:       task.OwnerID,
		Reason:        task.Reason,
		FailureReason: dl.Failed.Reason,
	}); err != nil {
		m.logger.Warn().Err(err).Msg("publish replay event")
	}
	return &task, nil
}
