package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/metrics"
	"promoter/internal/models"
	"promoter/internal/publisher"
)

// Outcome of a single processing attempt.
type Outcome string

const (
	OutcomeIdle         Outcome = "idle"
	OutcomeCompleted    Outcome = "completed"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeLost         Outcome = "lost"
)

// TaskStore is the persistence the processor needs.
type TaskStore interface {
	NextReadyTaskID(ctx context.Context, kind string, now time.Time) (string, error)
	ClaimTask(ctx context.Context, id, token string, now, leaseUntil time.Time) (*models.Task, error)
	CompleteTask(ctx context.Context, id, token string, outcome models.Outcome, result *models.PlatformPostResult, now time.Time) error
	RetryTask(ctx context.Context, id, token string, attempts int, next time.Time, lastErr string, now time.Time) error
	DeadLetterTask(ctx context.Context, id, token, deadLetterID string, failed models.FailureInfo) (*models.DeadLetterTask, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Task, error)
}

// Verifier checks task signatures before dispatch.
type Verifier interface {
	Verify(t *models.Task) bool
}

// PublisherSource resolves the adapter for a platform.
type PublisherSource interface {
	Get(platform string) (publisher.Publisher, error)
}

// ProcessResult describes what happened to the task picked in one pass.
type ProcessResult struct {
	TaskID   string
	Kind     string
	Outcome  Outcome
	Attempts int
	Reason   string
	Err      error
}

type ProcessorConfig struct {
	LeaseDuration  time.Duration
	PublishTimeout time.Duration
	SweepBatch     int
	Policies       Policies
	Now            func() time.Time
}

// Processor claims one ready task at a time and resolves it to completed,
// rescheduled or dead-lettered.
type Processor struct {
	store          TaskStore
	verifier       Verifier
	publishers     PublisherSource
	bus            *events.EventBus
	policies       Policies
	leaseDuration  time.Duration
	publishTimeout time.Duration
	sweepBatch     int
	now            func() time.Time
	newID          func() string
	logger         *zerolog.Logger
}

func NewProcessor(store TaskStore, verifier Verifier, publishers PublisherSource, bus *events.EventBus, cfg ProcessorConfig, logger *zerolog.Logger) *Processor {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Processor{
		store:          store,
		verifier:       verifier,
		publishers:     publishers,
		bus:            bus,
		policies:       cfg.Policies,
		leaseDuration:  cfg.LeaseDuration,
		publishTimeout: cfg.PublishTimeout,
		sweepBatch:     cfg.SweepBatch,
		now:            cfg.Now,
		newID:          uuid.NewString,
		logger:         logger,
	}
}

// ProcessNext handles at most one ready task of kind. A nil result means
// nothing was ready or another worker won the claim. Publish failures are
// resolved here; only store failures are returned as errors.
func (p *Processor) ProcessNext(ctx context.Context, kind string) (*ProcessResult, error) {
	now := p.now()
	id, err := p.store.NextReadyTaskID(ctx, kind, now)
	if err != nil {
		return nil, fmt.Errorf("find ready %s task: %w", kind, err)
	}
	if id == "" {
		return nil, nil
	}

	token := p.newID()
	task, err := p.store.ClaimTask(ctx, id, token, now, now.Add(p.leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if task == nil {
		p.logger.Debug().Str("task_id", id).Msg("claim lost to another worker")
		return nil, nil
	}

	log := p.logger.With().Str("task_id", task.ID).Str("kind", task.Kind).Str("platform", task.Platform).Logger()

	if p.verifier != nil && !p.verifier.Verify(task) {
		log.Error().Msg("signature mismatch, refusing to dispatch")
		return p.deadLetter(ctx, task, token, task.Attempts, models.FailureSignature, "task signature mismatch", false)
	}

	res, pubErr := p.publish(ctx, task)
	if pubErr == nil {
		return p.complete(ctx, task, token, res, &log)
	}

	class := Classify(pubErr)
	attempts := task.Attempts + 1
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.policies.For(task.Kind).MaxAttempts
	}

	if class.Retryable && attempts < maxAttempts {
		next := p.now().Add(p.policies.For(task.Kind).NextDelay(attempts))
		if err := p.store.RetryTask(ctx, task.ID, token, attempts, next, pubErr.Error(), p.now()); err != nil {
			return p.resolveErr(task, err)
		}
		log.Warn().Err(pubErr).Int("attempts", attempts).Time("next_attempt_at", next).Str("reason", class.Reason).Msg("publish failed, retry scheduled")
		metrics.IncOutcome(task.Kind, task.Platform, string(OutcomeRetry))
		p.emit(events.EventTaskRetryScheduled, task, attempts, func(pl *events.TaskEventPayload) {
			pl.Error = pubErr.Error()
			pl.FailureReason = class.Reason
			pl.NextAttemptAt = next
		})
		return &ProcessResult{TaskID: task.ID, Kind: task.Kind, Outcome: OutcomeRetry, Attempts: attempts, Reason: class.Reason, Err: pubErr}, nil
	}

	return p.deadLetter(ctx, task, token, attempts, class.Reason, pubErr.Error(), !class.Retryable)
}

func (p *Processor) publish(ctx context.Context, task *models.Task) (publisher.Result, error) {
	pub, err := p.publishers.Get(task.Platform)
	if err != nil {
		return publisher.Result{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	start := time.Now()
	res, err := pub.Publish(pctx, publisher.Request{
		TaskID:    task.ID,
		ContentID: task.ContentID,
		Platform:  task.Platform,
		Payload:   task.Payload,
		Variant:   task.Variant,
	})
	metrics.ObservePublish(task.Platform, time.Since(start).Seconds())
	return res, err
}

func (p *Processor) complete(ctx context.Context, task *models.Task, token string, res publisher.Result, log *zerolog.Logger) (*ProcessResult, error) {
	now := p.now()
	result := &models.PlatformPostResult{
		ID:          p.newID(),
		TaskID:      task.ID,
		ContentID:   task.ContentID,
		Platform:    task.Platform,
		UsedVariant: task.Variant,
		ExternalID:  res.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	outcome := models.Outcome{ExternalID: res.ExternalID, URL: res.URL}
	if err := p.store.CompleteTask(ctx, task.ID, token, outcome, result, now); err != nil {
		return p.resolveErr(task, err)
	}

	log.Info().Str("external_id", res.ExternalID).Int("attempts", task.Attempts).Msg("task published")
	metrics.IncOutcome(task.Kind, task.Platform, string(OutcomeCompleted))
	p.emit(events.EventTaskCompleted, task, task.Attempts, func(pl *events.TaskEventPayload) {
		pl.ExternalID = res.ExternalID
	})
	return &ProcessResult{TaskID: task.ID, Kind: task.Kind, Outcome: OutcomeCompleted, Attempts: task.Attempts}, nil
}

func (p *Processor) deadLetter(ctx context.Context, task *models.Task, token string, attempts int, reason, msg string, permanent bool) (*ProcessResult, error) {
	failed := models.FailureInfo{
		Error:    msg,
		Attempts: attempts,
		FailedAt: p.now(),
		Reason:   reason,
	}
	if _, err := p.store.DeadLetterTask(ctx, task.ID, token, p.newID(), failed); err != nil {
		return p.resolveErr(task, err)
	}

	p.logger.Error().
		Str("task_id", task.ID).
		Str("platform", task.Platform).
		Str("reason", reason).
		Int("attempts", attempts).
		Bool("permanent", permanent).
		Msg("task moved to dead letter")
	metrics.IncOutcome(task.Kind, task.Platform, string(OutcomeDeadLettered))
	p.emit(events.EventTaskDeadLettered, task, attempts, func(pl *events.TaskEventPayload) {
		pl.Error = msg
		pl.FailureReason = reason
		pl.Permanent = permanent
	})
	return &ProcessResult{TaskID: task.ID, Kind: task.Kind, Outcome: OutcomeDeadLettered, Attempts: attempts, Reason: reason}, nil
}

// resolveErr turns a lost lease into a quiet outcome; the sweeper or the
// current lease holder owns the task now.
func (p *Processor) resolveErr(task *models.Task, err error) (*ProcessResult, error) {
	if errors.Is(err, database.ErrLeaseLost) {
		p.logger.Warn().Str("task_id", task.ID).Msg("lease lost before resolution")
		metrics.IncOutcome(task.Kind, task.Platform, string(OutcomeLost))
		return &ProcessResult{TaskID: task.ID, Kind: task.Kind, Outcome: OutcomeLost}, nil
	}
	return nil, fmt.Errorf("resolve task %s: %w", task.ID, err)
}

func (p *Processor) emit(eventType string, task *models.Task, attempts int, fill func(*events.TaskEventPayload)) {
	payload := events.TaskEventPayload{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Platform:  task.Platform,
		ContentID: task.ContentID,
		OwnerID:   task.OwnerID,
		Reason:    task.Reason,
		Attempts:  attempts,
	}
	if fill != nil {
		fill(&payload)
	}
	if err := p.bus.PublishJSON(eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}
