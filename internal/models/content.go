package models

import "time"

// Content is the source item being promoted. It is owned by the content
// service; the queue only reads it to resolve owners and defaults.
type Content struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	MediaURL        string `json:"media_url"`
	DurationSeconds int    `json:"duration_seconds"`
	// PinterestBoardID is the board defaulted Pinterest posts go to.
	PinterestBoardID string    `json:"pinterest_board_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsShortForm reports whether the media qualifies as a short (vertical) clip.
func (c Content) IsShortForm() bool {
	return c.DurationSeconds > 0 && c.DurationSeconds <= ShortFormMaxSeconds
}

// Owner maps a content owner to where they are notified.
type Owner struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	TelegramChatID int64  `json:"telegram_chat_id"`
}
