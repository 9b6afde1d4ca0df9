package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimCooldown records now as the last schedule time for the pair, but
// only if the previous one is older than cooldown. It reports whether the
// claim succeeded and the previous time, if any, so callers can undo it.
func (db *DB) ClaimCooldown(ctx context.Context, contentID, platform string, now time.Time, cooldown time.Duration) (bool, *time.Time, error) {
	var (
		claimed  bool
		previous *time.Time
	)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx, `SELECT last_scheduled_at FROM repost_cooldowns
			WHERE content_id = ? AND platform = ?`, contentID, platform).Scan(&last)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			t := fromMillis(last)
			previous = &t
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO repost_cooldowns (content_id, platform, last_scheduled_at)
			VALUES (?, ?, ?)
			ON CONFLICT(content_id, platform) DO UPDATE SET last_scheduled_at = excluded.last_scheduled_at
			WHERE repost_cooldowns.last_scheduled_at <= ?`,
			contentID, platform, toMillis(now), toMillis(now.Add(-cooldown)))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("claim cooldown: %w", err)
	}
	return claimed, previous, nil
}

// ReleaseCooldown restores the pair to previous (or removes it when nil).
func (db *DB) ReleaseCooldown(ctx context.Context, contentID, platform string, previous *time.Time) error {
	var err error
	if previous == nil {
		_, err = db.ExecContext(ctx, `DELETE FROM repost_cooldowns WHERE content_id = ? AND platform = ?`,
			contentID, platform)
	} else {
		_, err = db.ExecContext(ctx, `UPDATE repost_cooldowns SET last_scheduled_at = ?
			WHERE content_id = ? AND platform = ?`, toMillis(*previous), contentID, platform)
	}
	if err != nil {
		return fmt.Errorf("release cooldown: %w", err)
	}
	return nil
}

// LastScheduledAt returns the pair's last schedule time, or nil.
func (db *DB) LastScheduledAt(ctx context.Context, contentID, platform string) (*time.Time, error) {
	var last int64
	err := db.QueryRowContext(ctx, `SELECT last_scheduled_at FROM repost_cooldowns
		WHERE content_id = ? AND platform = ?`, contentID, platform).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last scheduled at: %w", err)
	}
	t := fromMillis(last)
	return &t, nil
}
