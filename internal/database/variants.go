package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"promoter/internal/models"
)

// AggregateVariantResults sums post results per used variant. Results
// posted without a variant are ignored.
func (db *DB) AggregateVariantResults(ctx context.Context) ([]models.VariantStat, error) {
	rows, err := db.QueryContext(ctx, `SELECT content_id, platform, used_variant,
			COUNT(*), COALESCE(SUM(clicks), 0), COALESCE(SUM(impressions), 0)
		FROM post_results WHERE used_variant != ''
		GROUP BY content_id, platform, used_variant`)
	if err != nil {
		return nil, fmt.Errorf("aggregate variant results: %w", err)
	}
	defer rows.Close()

	var stats []models.VariantStat
	for rows.Next() {
		var s models.VariantStat
		if err := rows.Scan(&s.ContentID, &s.Platform, &s.Value, &s.Posts, &s.Clicks, &s.Impressions); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// UpsertVariantCounters writes counters and keeps any existing quality score.
func (db *DB) UpsertVariantCounters(ctx context.Context, stats []models.VariantStat, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range stats {
			_, err := tx.ExecContext(ctx, `INSERT INTO variant_stats
				(content_id, platform, value, posts, clicks, impressions, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(content_id, platform, value) DO UPDATE SET
					posts = excluded.posts,
					clicks = excluded.clicks,
					impressions = excluded.impressions,
					updated_at = excluded.updated_at`,
				s.ContentID, s.Platform, s.Value, s.Posts, s.Clicks, s.Impressions, toMillis(now))
			if err != nil {
				return fmt.Errorf("upsert variant stat: %w", err)
			}
		}
		return nil
	})
}

func scanVariant(row rowScanner) (*models.VariantStat, error) {
	var (
		s         models.VariantStat
		quality   sql.NullFloat64
		updatedAt int64
	)
	if err := row.Scan(&s.ContentID, &s.Platform, &s.Value, &s.Posts, &s.Clicks, &s.Impressions, &quality, &updatedAt); err != nil {
		return nil, err
	}
	if quality.Valid {
		q := quality.Float64
		s.QualityScore = &q
	}
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

const variantColumns = `content_id, platform, value, posts, clicks, impressions, quality_score, updated_at`

func (db *DB) queryVariants(ctx context.Context, query string, args ...any) ([]models.VariantStat, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query variant stats: %w", err)
	}
	defer rows.Close()

	var stats []models.VariantStat
	for rows.Next() {
		s, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *s)
	}
	return stats, rows.Err()
}

func (db *DB) VariantStatsFor(ctx context.Context, contentID, platform string) ([]models.VariantStat, error) {
	return db.queryVariants(ctx, `SELECT `+variantColumns+` FROM variant_stats
		WHERE content_id = ? AND platform = ? ORDER BY value ASC`, contentID, platform)
}

func (db *DB) ListVariantStats(ctx context.Context) ([]models.VariantStat, error) {
	return db.queryVariants(ctx, `SELECT `+variantColumns+` FROM variant_stats
		ORDER BY content_id, platform, value`)
}

func (db *DB) VariantsMissingQuality(ctx context.Context, limit int) ([]models.VariantStat, error) {
	if limit <= 0 {
		limit = 500
	}
	return db.queryVariants(ctx, `SELECT `+variantColumns+` FROM variant_stats
		WHERE quality_score IS NULL LIMIT ?`, limit)
}

func (db *DB) SetVariantQuality(ctx context.Context, contentID, platform, value string, score float64, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO variant_stats
		(content_id, platform, value, quality_score, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_id, platform, value) DO UPDATE SET
			quality_score = excluded.quality_score,
			updated_at = excluded.updated_at`,
		contentID, platform, value, score, toMillis(now))
	if err != nil {
		return fmt.Errorf("set variant quality: %w", err)
	}
	return nil
}

func (db *DB) DeleteVariant(ctx context.Context, contentID, platform, value string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM variant_stats WHERE content_id = ? AND platform = ? AND value = ?`,
		contentID, platform, value)
	if err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	return nil
}
