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

// EnsureBanditConfig stores def if no config exists yet and returns the
// stored config.
func (db *DB) EnsureBanditConfig(ctx context.Context, def models.BanditConfig) (*models.BanditConfig, error) {
	encoded, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode bandit config: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO bandit_config (id, config, version, updated_at, updated_by)
		VALUES (1, ?, ?, ?, ?)`, string(encoded), def.Version, toMillis(def.UpdatedAt), def.UpdatedBy); err != nil {
		return nil, fmt.Errorf("seed bandit config: %w", err)
	}
	return db.GetBanditConfig(ctx)
}

func (db *DB) GetBanditConfig(ctx context.Context) (*models.BanditConfig, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT config FROM bandit_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bandit config: %w", err)
	}
	var cfg models.BanditConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode bandit config: %w", err)
	}
	return &cfg, nil
}

// BanditConfigVersion returns the stored config version, or 0 when no
// config has been seeded yet.
func (db *DB) BanditConfigVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM bandit_config WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get bandit config version: %w", err)
	}
	return version, nil
}

// SaveBanditConfig replaces the config, appends the weight-history entry
// and the admin action in one transaction. The write only succeeds if the
// stored version still equals before.Version.
func (db *DB) SaveBanditConfig(ctx context.Context, before, after models.BanditConfig, action models.AdminAction) error {
	beforeRaw, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("encode bandit config: %w", err)
	}
	afterRaw, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode bandit config: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE bandit_config
			SET config = ?, version = ?, updated_at = ?, updated_by = ?
			WHERE id = 1 AND version = ?`,
			string(afterRaw), after.Version, toMillis(after.UpdatedAt), after.UpdatedBy, before.Version)
		if err != nil {
			return fmt.Errorf("update bandit config: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("bandit config changed concurrently (expected version %d)", before.Version)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO bandit_weight_history
			(version, before_cfg, after_cfg, actor, created_at) VALUES (?, ?, ?, ?, ?)`,
			after.Version, string(beforeRaw), string(afterRaw), after.UpdatedBy, toMillis(after.UpdatedAt)); err != nil {
			return fmt.Errorf("append weight history: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO admin_actions (actor, action, details, created_at)
			VALUES (?, ?, ?, ?)`,
			action.Actor, action.Action, action.Details, toMillis(action.CreatedAt)); err != nil {
			return fmt.Errorf("append admin action: %w", err)
		}
		return nil
	})
}

// BanditHistory returns weight history newest first.
func (db *DB) BanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT id, version, before_cfg, after_cfg, actor, created_at
		FROM bandit_weight_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list weight history: %w", err)
	}
	defer rows.Close()

	var history []models.BanditWeightHistory
	for rows.Next() {
		var (
			h          models.BanditWeightHistory
			before     string
			after      string
			createdAtM int64
		)
		if err := rows.Scan(&h.ID, &h.Version, &before, &after, &h.Actor, &createdAtM); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(before), &h.Before); err != nil {
			return nil, fmt.Errorf("decode history %d: %w", h.ID, err)
		}
		if err := json.Unmarshal([]byte(after), &h.After); err != nil {
			return nil, fmt.Errorf("decode history %d: %w", h.ID, err)
		}
		h.CreatedAt = fromMillis(createdAtM)
		history = append(history, h)
	}
	return history, rows.Err()
}

func (db *DB) AdminActions(ctx context.Context, limit int) ([]models.AdminAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT id, actor, action, details, created_at
		FROM admin_actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list admin actions: %w", err)
	}
	defer rows.Close()

	var actions []models.AdminAction
	for rows.Next() {
		var (
			a         models.AdminAction
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Details, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(createdAt)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// LastBanditChangeAt returns when the config last changed, or the zero time.
func (db *DB) LastBanditChangeAt(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM bandit_weight_history`).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("last bandit change: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}
