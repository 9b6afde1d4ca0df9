package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/models"
	"promoter/internal/signer"
)

// quarantine enqueues a task through the producer and dead-letters it
// with reason.
func quarantine(t *testing.T, db *database.DB, p *Producer, dlID, reason string, failedAt time.Time) *models.Task {
	t.Helper()
	ctx := context.Background()
	task, _, err := p.EnqueueGenericPost(ctx, GenericPostRequest{ContentID: "C1", Platform: models.PlatformTwitter})
	require.NoError(t, err)

	_, err = db.ClaimTask(ctx, task.ID, "tok-"+dlID, failedAt, failedAt.Add(time.Minute))
	require.NoError(t, err)
	_, err = db.DeadLetterTask(ctx, task.ID, "tok-"+dlID, dlID, models.FailureInfo{
		Error:    reason + " error",
		Attempts: 3,
		FailedAt: failedAt,
		Reason:   reason,
	})
	require.NoError(t, err)
	return task
}

func TestReplayOnlyTransientEntries(t *testing.T) {
	db := newTestDB(t)
	s := newSigner(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, s, nil, nil, testQueue(), nil)
	ctx := context.Background()

	timedOut := quarantine(t, db, p, "dl-timeout", models.FailureTimeout, baseTime)
	quarantine(t, db, p, "dl-policy", "content_policy_violation", baseTime.Add(time.Minute))

	bus := events.NewEventBus(nil)
	var replayed []string
	bus.Subscribe(events.EventTaskReplayed, func(e *events.Event) error {
		var pl events.TaskEventPayload
		require.NoError(t, e.Decode(&pl))
		replayed = append(replayed, pl.TaskID)
		return nil
	})

	m := NewDeadLetterManager(db, s, bus, nil)
	m.SetClock(fixedClock(baseTime.Add(time.Hour)))

	report, err := m.Replay(ctx, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{timedOut.ID}, report.ReplayedTaskIDs)
	assert.Equal(t, []string{timedOut.ID}, replayed)

	task, err := db.GetTask(ctx, timedOut.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, "dl-timeout", task.DeadLetterOrigin)
	assert.Equal(t, baseTime.Add(time.Hour), task.NextAttemptAt)
	assert.True(t, s.Verify(task))

	remaining, err := db.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "dl-policy", remaining[0].ID)
}

func TestReplaySignatureEntriesNeedRevalidation(t *testing.T) {
	db := newTestDB(t)
	s := newSigner(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, s, nil, nil, testQueue(), nil)
	ctx := context.Background()

	quarantine(t, db, p, "dl-sig", models.FailureSignature, baseTime)
	m := NewDeadLetterManager(db, s, nil, nil)

	report, err := m.Replay(ctx, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Replayed)
	assert.Equal(t, 1, report.Skipped)

	report, err = m.Replay(ctx, ReplayOptions{RevalidateSignatures: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
}

func TestReplayLeavesTamperedSnapshots(t *testing.T) {
	db := newTestDB(t)
	s := newSigner(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, s, nil, nil, testQueue(), nil)
	ctx := context.Background()

	quarantine(t, db, p, "dl-1", models.FailureTransient, baseTime)
	_, err := db.ExecContext(ctx, `UPDATE dead_letter_tasks
		SET snapshot = json_set(snapshot, '$.owner_id', 'intruder') WHERE id = 'dl-1'`)
	require.NoError(t, err)

	m := NewDeadLetterManager(db, s, nil, nil)
	report, err := m.Replay(ctx, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.IntegrityFailed)
	assert.Equal(t, 0, report.Replayed)

	_, err = m.Requeue(ctx, "dl-1")
	assert.ErrorIs(t, err, signer.ErrInvalidSignature)
}

func TestRequeueAndResetAttempts(t *testing.T) {
	db := newTestDB(t)
	s := newSigner(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, s, nil, nil, testQueue(), nil)
	ctx := context.Background()

	policy := quarantine(t, db, p, "dl-policy", "auth_revoked", baseTime)
	m := NewDeadLetterManager(db, s, nil, nil)

	task, err := m.Requeue(ctx, "dl-policy")
	require.NoError(t, err)
	assert.Equal(t, policy.ID, task.ID)
	assert.Equal(t, "dl-policy", task.DeadLetterOrigin)
	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Empty(t, task.LastError)

	stored, err := db.GetTask(ctx, policy.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.LastError, "failure text stays on the dead-letter record only")
	assert.True(t, s.Verify(stored))

	_, err = m.Requeue(ctx, "dl-policy")
	assert.ErrorIs(t, err, database.ErrNotFound)

	stuck, _, err := p.EnqueueGenericPost(ctx, GenericPostRequest{ContentID: "C1", Platform: models.PlatformTwitter})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE tasks SET attempts = 2, next_attempt_at = ? WHERE id = ?`,
		baseTime.Add(240*time.Hour).UnixMilli(), stuck.ID)
	require.NoError(t, err)

	m.SetClock(fixedClock(baseTime))
	reset, err := m.ResetAttempts(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reset.Attempts)
	assert.Equal(t, baseTime, reset.NextAttemptAt)

	_, err = m.ResetAttempts(ctx, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
