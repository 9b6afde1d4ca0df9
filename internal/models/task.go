package models

import "time"

// Task is one publish attempt tracked through the active queue.
type Task struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Platform         string     `json:"platform"`
	ContentID        string     `json:"content_id"`
	OwnerID          string     `json:"owner_id"`
	Payload          Payload    `json:"payload"`
	Reason           string     `json:"reason"`
	Variant          string     `json:"variant,omitempty"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	NextAttemptAt    time.Time  `json:"next_attempt_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Outcome          *Outcome   `json:"outcome,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	ClaimToken       string     `json:"-"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	DeadLetterOrigin string     `json:"dead_letter_origin,omitempty"`
	Signature        string     `json:"signature"`
}

// Outcome is what a publisher reports back on success.
type Outcome struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url,omitempty"`
}

// DeadLetterTask is a quarantined snapshot of a task that will not be
// retried automatically.
type DeadLetterTask struct {
	ID     string      `json:"id"`
	Task   Task        `json:"task"`
	Failed FailureInfo `json:"failed"`
}

type FailureInfo struct {
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}
