package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promoter/internal/models"
)

const deadLetterColumns = `id, snapshot, error, attempts, failed_at, reason`

func insertDeadLetter(ctx context.Context, ex execer, dl *models.DeadLetterTask) error {
	snapshot, err := json.Marshal(dl.Task)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO dead_letter_tasks
		(id, task_id, kind, platform, content_id, snapshot, error, attempts, failed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Task.ID, dl.Task.Kind, dl.Task.Platform, dl.Task.ContentID, string(snapshot),
		dl.Failed.Error, dl.Failed.Attempts, toMillis(dl.Failed.FailedAt), dl.Failed.Reason)
	return err
}

func scanDeadLetter(row rowScanner) (*models.DeadLetterTask, error) {
	var (
		dl       models.DeadLetterTask
		snapshot string
		failedAt int64
	)
	if err := row.Scan(&dl.ID, &snapshot, &dl.Failed.Error, &dl.Failed.Attempts, &failedAt, &dl.Failed.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &dl.Task); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", dl.ID, err)
	}
	dl.Failed.FailedAt = fromMillis(failedAt)
	return &dl, nil
}

// ListDeadLetters returns entries newest failure first.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterTask, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_tasks
		ORDER BY failed_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []models.DeadLetterTask
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *dl)
	}
	return entries, rows.Err()
}

func (db *DB) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterTask, error) {
	return scanDeadLetter(db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_tasks WHERE id = ?`, id))
}

// CountDeadLettersByReason groups quarantined entries for the overview.
func (db *DB) CountDeadLettersByReason(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM dead_letter_tasks GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

// RestoreDeadLetter inserts task into the active queue and deletes the
// dead-letter entry in one transaction.
func (db *DB) RestoreDeadLetter(ctx context.Context, deadLetterID string, task *models.Task) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dead_letter_tasks WHERE id = ?`, deadLetterID)
		if err != nil {
			return fmt.Errorf("delete dead letter: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		if err := insertTask(ctx, tx, task); err != nil {
			return fmt.Errorf("reinsert task: %w", err)
		}
		return nil
	})
}

func (db *DB) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM dead_letter_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}
