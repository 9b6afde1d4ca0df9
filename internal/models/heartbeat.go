package models

import "time"

// Heartbeat is the liveness record a worker writes every tick.
type Heartbeat struct {
	WorkerID  string            `json:"worker_id"`
	At        time.Time         `json:"at"`
	Tick      int64             `json:"tick"`
	Outcomes  map[string]string `json:"outcomes,omitempty"`
	JobErrors map[string]string `json:"job_errors,omitempty"`
}
