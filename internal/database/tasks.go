package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promoter/internal/models"
)

const taskColumns = `id, kind, platform, content_id, owner_id, payload, reason, variant, status,
	attempts, max_attempts, next_attempt_at, created_at, updated_at, completed_at, outcome,
	last_error, claim_token, lease_expires_at, dead_letter_origin, signature`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		payload     string
		outcome     sql.NullString
		nextAttempt int64
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
		leaseUntil  sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.Kind, &t.Platform, &t.ContentID, &t.OwnerID, &payload, &t.Reason, &t.Variant, &t.Status,
		&t.Attempts, &t.MaxAttempts, &nextAttempt, &createdAt, &updatedAt, &completedAt, &outcome,
		&t.LastError, &t.ClaimToken, &leaseUntil, &t.DeadLetterOrigin, &t.Signature,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
	}
	if outcome.Valid && outcome.String != "" {
		t.Outcome = &models.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), t.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome of task %s: %w", t.ID, err)
		}
	}
	t.NextAttemptAt = fromMillis(nextAttempt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.CompletedAt = timePtr(completedAt)
	t.LeaseExpiresAt = timePtr(leaseUntil)
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, ex execer, t *models.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var outcome sql.NullString
	if t.Outcome != nil {
		b, err := json.Marshal(t.Outcome)
		if err != nil {
			return fmt.Errorf("encode outcome: %w", err)
		}
		outcome = sql.NullString{String: string(b), Valid: true}
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Platform, t.ContentID, t.OwnerID, string(payload), t.Reason, t.Variant, t.Status,
		t.Attempts, t.MaxAttempts, toMillis(t.NextAttemptAt), toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
		nullMillis(t.CompletedAt), outcome, t.LastError, t.ClaimToken, nullMillis(t.LeaseExpiresAt),
		t.DeadLetterOrigin, t.Signature,
	)
	return err
}

// InsertTask persists a new task.
func (db *DB) InsertTask(ctx context.Context, t *models.Task) error {
	if err := insertTask(ctx, db, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns tasks in a status, oldest first. An empty status lists all.
func (db *DB) ListTasks(ctx context.Context, status string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE (? = '' OR status = ?) ORDER BY created_at ASC LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// NextReadyTaskID returns the oldest queued task of kind that is due, or ""
// when there is none. It is only a candidate; ClaimTask decides ownership.
func (db *DB) NextReadyTaskID(ctx context.Context, kind string, now time.Time) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM tasks
		WHERE kind = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC LIMIT 1`,
		kind, models.StatusQueued, toMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select ready task: %w", err)
	}
	return id, nil
}

// ClaimTask atomically moves a queued task to processing under token.
// It returns nil without error when another worker got there first.
func (db *DB) ClaimTask(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Task, error) {
	var claimed *models.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && status != models.StatusQueued) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = ?, claim_token = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			models.StatusProcessing, token, toMillis(leaseUntil), toMillis(now), id, models.StatusQueued)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		claimed, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return claimed, nil
}

// CompleteTask marks the task completed and records its post result in the
// same transaction.
func (db *DB) CompleteTask(ctx context.Context, id, token string, outcome models.Outcome, result *models.PlatformPostResult, now time.Time) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = ?, outcome = ?, completed_at = ?, updated_at = ?, last_error = '',
			    claim_token = '', lease_expires_at = NULL
			WHERE id = ? AND status = ? AND claim_token = ?`,
			models.StatusCompleted, string(encoded), toMillis(now), toMillis(now),
			id, models.StatusProcessing, token)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrLeaseLost
		}
		if result == nil {
			return nil
		}
		return insertPostResult(ctx, tx, result)
	})
}

// RetryTask returns a claimed task to the queue with a new attempt count
// and due time.
func (db *DB) RetryTask(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE tasks
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?,
		    claim_token = '', lease_expires_at = NULL
		WHERE id = ? AND status = ? AND claim_token = ?`,
		models.StatusQueued, attempts, toMillis(next), lastErr, toMillis(now),
		id, models.StatusProcessing, token)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetterTask moves a claimed task into the dead-letter store and
// removes it from the active queue in one transaction.
func (db *DB) DeadLetterTask(ctx context.Context, id, token, deadLetterID string, failed models.FailureInfo) (*models.DeadLetterTask, error) {
	var dl *models.DeadLetterTask
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
			WHERE id = ? AND status = ? AND claim_token = ?`, id, models.StatusProcessing, token))
		if errors.Is(err, ErrNotFound) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}

		task.Status = models.StatusFailed
		task.Attempts = failed.Attempts
		task.LastError = failed.Error
		task.UpdatedAt = failed.FailedAt
		task.ClaimToken = ""
		task.LeaseExpiresAt = nil

		dl = &models.DeadLetterTask{ID: deadLetterID, Task: *task, Failed: failed}
		if err := insertDeadLetter(ctx, tx, dl); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return nil, err
		}
		return nil, fmt.Errorf("dead-letter task %s: %w", id, err)
	}
	return dl, nil
}

// ExpiredLeases lists processing tasks whose lease ran out before now.
func (db *DB) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC LIMIT ?`,
		models.StatusProcessing, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// FindOpenTask returns a queued or processing task for the triple, or nil.
func (db *DB) FindOpenTask(ctx context.Context, contentID, platform, reason string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE content_id = ? AND platform = ? AND reason = ? AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		contentID, platform, reason, models.StatusQueued, models.StatusProcessing)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open task: %w", err)
	}
	return t, nil
}

// ResetAttempts clears attempts and makes a queued task due now.
func (db *DB) ResetAttempts(ctx context.Context, id string, now time.Time) (*models.Task, error) {
	var task *models.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != models.StatusQueued {
			return ErrNotQueued
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks
			SET attempts = 0, next_attempt_at = ?, last_error = '', updated_at = ?
			WHERE id = ? AND status = ?`,
			toMillis(now), toMillis(now), id, models.StatusQueued); err != nil {
			return err
		}
		task, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CountTasksByStatus is used for the operator overview.
func (db *DB) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
