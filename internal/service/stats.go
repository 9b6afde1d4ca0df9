package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"promoter/internal/models"
	"promoter/internal/publisher"
)

type StatsStore interface {
	PostResultsSince(ctx context.Context, since time.Time) ([]models.PlatformPostResult, error)
	UpdatePostMetrics(ctx context.Context, id string, m models.PostMetrics, now time.Time) error
}

// FetcherSource resolves the metrics reader of a platform adapter.
type FetcherSource interface {
	Fetcher(platform string) (publisher.MetricsFetcher, bool)
}

// StatsPoller refreshes engagement of recent posts from the platforms.
type StatsPoller struct {
	store    StatsStore
	fetchers FetcherSource
	lookback time.Duration
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewStatsPoller(store StatsStore, fetchers FetcherSource, lookback time.Duration, logger *zerolog.Logger) *StatsPoller {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &StatsPoller{store: store, fetchers: fetchers, lookback: lookback, now: time.Now, logger: logger}
}

func (p *StatsPoller) SetClock(now func() time.Time) {
	p.now = now
}

// Poll updates metrics for every result in the lookback window that has an
// external id and a platform able to report. Individual fetch failures do
// not stop the pass; they are joined into the returned error.
func (p *StatsPoller) Poll(ctx context.Context) (int, error) {
	results, err := p.store.PostResultsSince(ctx, p.now().Add(-p.lookback))
	if err != nil {
		return 0, err
	}

	var (
		updated int
		errs    []error
	)
	for _, r := range results {
		if r.ExternalID == "" {
			continue
		}
		fetcher, ok := p.fetchers.Fetcher(r.Platform)
		if !ok {
			continue
		}
		m, err := fetcher.FetchMetrics(ctx, r.ExternalID)
		if err != nil {
			p.logger.Warn().Err(err).Str("platform", r.Platform).Str("external_id", r.ExternalID).Msg("fetch metrics")
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.Platform, r.ExternalID, err))
			continue
		}
		if err := p.store.UpdatePostMetrics(ctx, r.ID, m, p.now()); err != nil {
			return updated, err
		}
		updated++
	}

	if updated > 0 {
		p.logger.Debug().Int("updated", updated).Msg("post metrics refreshed")
	}
	return updated, errors.Join(errs...)
}
