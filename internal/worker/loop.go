package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"promoter/internal/metrics"
	"promoter/internal/models"
)

// Job is a periodic background task run between queue passes.
type Job struct {
	Name     string
	Interval time.Duration
	// Always jobs run even when background jobs are disabled.
	Always bool
	Run    func(ctx context.Context) error
}

type scheduledJob struct {
	Job
	nextRun time.Time
}

// HeartbeatRecorder persists the per-tick liveness record.
type HeartbeatRecorder interface {
	Record(ctx context.Context, hb models.Heartbeat) error
}

type LoopConfig struct {
	WorkerID              string
	TickInterval          time.Duration
	TickFloor             time.Duration
	BackgroundJobsEnabled bool
	Now                   func() time.Time
}

// Loop drives the processor and the background jobs on a single
// goroutine.
type Loop struct {
	processor  *Processor
	heartbeat  HeartbeatRecorder
	kinds      []string
	jobs       []*scheduledJob
	cfg        LoopConfig
	tick       int64
	logger     *zerolog.Logger
	sleepUntil func(ctx context.Context, d time.Duration) bool
}

func NewLoop(processor *Processor, heartbeat HeartbeatRecorder, cfg LoopConfig, logger *zerolog.Logger) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.TickFloor <= 0 {
		cfg.TickFloor = 250 * time.Millisecond
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Loop{
		processor:  processor,
		heartbeat:  heartbeat,
		kinds:      []string{models.KindUpload, models.KindGenericPost},
		cfg:        cfg,
		logger:     logger,
		sleepUntil: sleepCtx,
	}
}

// AddJob registers a periodic job. Jobs are due on the first tick.
func (l *Loop) AddJob(job Job) {
	if job.Interval <= 0 {
		job.Interval = time.Minute
	}
	l.jobs = append(l.jobs, &scheduledJob{Job: job})
}

// TickReport summarizes one pass of the loop.
type TickReport struct {
	Tick      int64
	StartedAt time.Time
	Duration  time.Duration
	Results   map[string]Outcome
	JobsRun   []string
	JobErrors map[string]string
}

// Tick processes at most one task per kind, runs due jobs and records a
// heartbeat. Failures are logged and never escape the tick.
func (l *Loop) Tick(ctx context.Context) TickReport {
	l.tick++
	started := l.cfg.Now()
	report := TickReport{
		Tick:      l.tick,
		StartedAt: started,
		Results:   make(map[string]Outcome, len(l.kinds)),
		JobErrors: map[string]string{},
	}

	for _, kind := range l.kinds {
		outcome, err := l.processKind(ctx, kind)
		if err != nil {
			l.logger.Error().Err(err).Str("kind", kind).Msg("process pass failed")
			report.JobErrors["process:"+kind] = err.Error()
		}
		report.Results[kind] = outcome
	}

	for _, job := range l.jobs {
		if !job.Always && !l.cfg.BackgroundJobsEnabled {
			continue
		}
		now := l.cfg.Now()
		if now.Before(job.nextRun) {
			continue
		}
		job.nextRun = now.Add(job.Interval)
		report.JobsRun = append(report.JobsRun, job.Name)

		err := runSafely(ctx, job.Run)
		metrics.IncJob(job.Name, err == nil)
		if err != nil {
			l.logger.Error().Err(err).Str("job", job.Name).Msg("background job failed")
			report.JobErrors[job.Name] = err.Error()
		}
	}

	report.Duration = l.cfg.Now().Sub(started)
	l.recordHeartbeat(ctx, report)
	return report
}

func (l *Loop) processKind(ctx context.Context, kind string) (outcome Outcome, err error) {
	outcome = OutcomeIdle
	err = runSafely(ctx, func(ctx context.Context) error {
		res, err := l.processor.ProcessNext(ctx, kind)
		if res != nil {
			outcome = res.Outcome
		}
		return err
	})
	return outcome, err
}

func (l *Loop) recordHeartbeat(ctx context.Context, report TickReport) {
	at := l.cfg.Now()
	metrics.SetLastTick(float64(at.Unix()))
	if l.heartbeat == nil {
		return
	}

	hb := models.Heartbeat{
		WorkerID: l.cfg.WorkerID,
		At:       at,
		Tick:     report.Tick,
		Outcomes: make(map[string]string, len(report.Results)),
	}
	for kind, outcome := range report.Results {
		hb.Outcomes[kind] = string(outcome)
	}
	if len(report.JobErrors) > 0 {
		hb.JobErrors = report.JobErrors
	}
	if err := l.heartbeat.Record(ctx, hb); err != nil {
		l.logger.Warn().Err(err).Msg("record heartbeat")
	}
}

// Run ticks until ctx is cancelled. The wait between ticks is the
// interval minus the time the tick took, but never below the floor.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Str("worker_id", l.cfg.WorkerID).
		Dur("interval", l.cfg.TickInterval).
		Bool("background_jobs", l.cfg.BackgroundJobsEnabled).
		Msg("worker loop started")
	defer l.logger.Info().Msg("worker loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		report := l.Tick(ctx)
		wait := NextWait(l.cfg.TickInterval, l.cfg.TickFloor, report.Duration)
		if !l.sleepUntil(ctx, wait) {
			return nil
		}
	}
}

// NextWait is the pause before the next tick.
func NextWait(interval, floor, elapsed time.Duration) time.Duration {
	wait := interval - elapsed
	if wait < floor {
		return floor
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func runSafely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
