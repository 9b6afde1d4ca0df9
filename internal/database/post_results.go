package database

import (
	"context"
	"fmt"
	"time"

	"promoter/internal/models"
)

const postResultColumns = `id, task_id, content_id, platform, used_variant, external_id, shortlink_code,
	impressions, clicks, likes, comments, shares, created_at, updated_at`

func insertPostResult(ctx context.Context, ex execer, r *models.PlatformPostResult) error {
	m := r.Metrics
	_, err := ex.ExecContext(ctx, `INSERT INTO post_results (`+postResultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ContentID, r.Platform, r.UsedVariant, r.ExternalID, r.ShortlinkCode,
		m.Impressions, m.Clicks, m.Likes, m.Comments, m.Shares,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert post result: %w", err)
	}
	return nil
}

func scanPostResult(row rowScanner) (*models.PlatformPostResult, error) {
	var (
		r         models.PlatformPostResult
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&r.ID, &r.TaskID, &r.ContentID, &r.Platform, &r.UsedVariant, &r.ExternalID, &r.ShortlinkCode,
		&r.Metrics.Impressions, &r.Metrics.Clicks, &r.Metrics.Likes, &r.Metrics.Comments, &r.Metrics.Shares,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return &r, nil
}

// InsertPostResult records a result outside of task completion, e.g. when
// importing history.
func (db *DB) InsertPostResult(ctx context.Context, r *models.PlatformPostResult) error {
	return insertPostResult(ctx, db, r)
}

// PostResultsSince returns results created at or after since, oldest first.
func (db *DB) PostResultsSince(ctx context.Context, since time.Time) ([]models.PlatformPostResult, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+postResultColumns+` FROM post_results
		WHERE created_at >= ? ORDER BY created_at ASC`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("list post results: %w", err)
	}
	defer rows.Close()

	var results []models.PlatformPostResult
	for rows.Next() {
		r, err := scanPostResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

func (db *DB) PostResultsForPair(ctx context.Context, contentID, platform string) ([]models.PlatformPostResult, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+postResultColumns+` FROM post_results
		WHERE content_id = ? AND platform = ? ORDER BY created_at ASC`, contentID, platform)
	if err != nil {
		return nil, fmt.Errorf("list post results: %w", err)
	}
	defer rows.Close()

	var results []models.PlatformPostResult
	for rows.Next() {
		r, err := scanPostResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// UpdatePostMetrics replaces the metrics of a result. It is the only
// mutation allowed after creation.
func (db *DB) UpdatePostMetrics(ctx context.Context, id string, m models.PostMetrics, now time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE post_results
		SET impressions = ?, clicks = ?, likes = ?, comments = ?, shares = ?, updated_at = ?
		WHERE id = ?`,
		m.Impressions, m.Clicks, m.Likes, m.Comments, m.Shares, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update post metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// ClickTotals sums posts, clicks and impressions created in [from, to).
type ClickTotals struct {
	Posts       int64
	Clicks      int64
	Impressions int64
}

func (c ClickTotals) CTR() float64 {
	if c.Impressions == 0 {
		return 0
	}
	return float64(c.Clicks) / float64(c.Impressions)
}

func (db *DB) ClickTotalsBetween(ctx context.Context, from, to time.Time) (ClickTotals, error) {
	var c ClickTotals
	err := db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(clicks), 0), COALESCE(SUM(impressions), 0)
		FROM post_results WHERE created_at >= ? AND created_at < ?`,
		toMillis(from), toMillis(to)).Scan(&c.Posts, &c.Clicks, &c.Impressions)
	if err != nil {
		return ClickTotals{}, fmt.Errorf("sum click totals: %w", err)
	}
	return c, nil
}
