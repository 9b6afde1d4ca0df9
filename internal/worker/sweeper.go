package worker

import (
	"context"
	"errors"
	"fmt"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/metrics"
	"promoter/internal/models"
)

// SweepReport counts what one lease sweep did.
type SweepReport struct {
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

// SweepExpiredLeases returns tasks whose worker died mid-flight to the
// queue. The expired attempt counts against the budget, so a task that
// keeps crashing its worker ends in the dead letter like any other
// exhausted task.
func (p *Processor) SweepExpiredLeases(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	expired, err := p.store.ExpiredLeases(ctx, p.now(), p.sweepBatch)
	if err != nil {
		return report, fmt.Errorf("list expired leases: %w", err)
	}

	for i := range expired {
		task := &expired[i]
		attempts := task.Attempts + 1
		maxAttempts := task.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = p.policies.For(task.Kind).MaxAttempts
		}

		if attempts >= maxAttempts {
			res, err := p.deadLetter(ctx, task, task.ClaimToken, attempts, models.FailureLeaseExpired, "lease expired while processing", false)
			if err != nil {
				return report, err
			}
			if res.Outcome == OutcomeLost {
				report.Skipped++
				continue
			}
			report.DeadLettered++
			continue
		}

		now := p.now()
		err := p.store.RetryTask(ctx, task.ID, task.ClaimToken, attempts, now, "lease expired while processing", now)
		if errors.Is(err, database.ErrLeaseLost) {
			report.Skipped++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		report.Requeued++
		p.emit(events.EventTaskRetryScheduled, task, attempts, func(pl *events.TaskEventPayload) {
			pl.FailureReason = models.FailureLeaseExpired
			pl.NextAttemptAt = now
		})
	}

	if n := report.Requeued + report.DeadLettered; n > 0 {
		metrics.AddReclaimed(n)
		p.logger.Warn().
			Int("requeued", report.Requeued).
			Int("dead_lettered", report.DeadLettered).
			Msg("reclaimed expired leases")
	}
	return report, nil
}
