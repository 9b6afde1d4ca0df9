package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"promoter/internal/models"
)

func (db *DB) UpsertContent(ctx context.Context, c *models.Content) error {
	_, err := db.ExecContext(ctx, `INSERT INTO contents
		(id, owner_id, title, description, media_url, duration_seconds, pinterest_board_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			description = excluded.description,
			media_url = excluded.media_url,
			duration_seconds = excluded.duration_seconds,
			pinterest_board_id = excluded.pinterest_board_id`,
		c.ID, c.OwnerID, c.Title, c.Description, c.MediaURL, c.DurationSeconds, c.PinterestBoardID, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert content: %w", err)
	}
	return nil
}

func (db *DB) GetContent(ctx context.Context, id string) (*models.Content, error) {
	var (
		c         models.Content
		createdAt int64
	)
	err := db.QueryRowContext(ctx, `SELECT id, owner_id, title, description, media_url, duration_seconds, pinterest_board_id, created_at
		FROM contents WHERE id = ?`, id).
		Scan(&c.ID, &c.OwnerID, &c.Title, &c.Description, &c.MediaURL, &c.DurationSeconds, &c.PinterestBoardID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

func (db *DB) UpsertOwner(ctx context.Context, o *models.Owner) error {
	_, err := db.ExecContext(ctx, `INSERT INTO owners (id, name, telegram_chat_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, telegram_chat_id = excluded.telegram_chat_id`,
		o.ID, o.Name, o.TelegramChatID)
	if err != nil {
		return fmt.Errorf("upsert owner: %w", err)
	}
	return nil
}

func (db *DB) GetOwner(ctx context.Context, id string) (*models.Owner, error) {
	var o models.Owner
	err := db.QueryRowContext(ctx, `SELECT id, name, telegram_chat_id FROM owners WHERE id = ?`, id).
		Scan(&o.ID, &o.Name, &o.TelegramChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return &o, nil
}
