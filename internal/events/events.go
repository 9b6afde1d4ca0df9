package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventTaskEnqueued       = "task_enqueued"
	EventTaskCompleted      = "task_completed"
	EventTaskRetryScheduled = "task_retry_scheduled"
	EventTaskDeadLettered   = "task_dead_lettered"
	EventTaskReplayed       = "task_replayed"
)

// TaskEventPayload is the task snapshot handed to subscribers.
type TaskEventPayload struct {
	TaskID        string    `json:"task_id"`
	Kind          string    `json:"kind"`
	Platform      string    `json:"platform"`
	ContentID     string    `json:"content_id"`
	OwnerID       string    `json:"owner_id"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Permanent     bool      `json:"permanent,omitempty"`
	ExternalID    string    `json:"external_id,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Event is a lightweight in-process domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub. Handlers run synchronously on the
// publishing goroutine; a failing handler is logged and does not stop the
// others.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := safeCall(handler, event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

func safeCall(h EventHandler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return h(e)
}

type panicError struct{ value interface{} }

func (p panicError) Error() string {
	return "handler panic: " + toString(p.value)
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

// PublishJSON serializes the payload and publishes an event. A nil bus is
// a no-op so components can run without one.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
