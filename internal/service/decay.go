package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"promoter/internal/config"
	"promoter/internal/database"
	"promoter/internal/models"
)

// minDecaySpan keeps a burst of results posted minutes apart from
// producing an inflated growth rate.
const minDecaySpan = 5 * time.Minute

type DecayStore interface {
	PostResultsSince(ctx context.Context, since time.Time) ([]models.PlatformPostResult, error)
	GetContent(ctx context.Context, id string) (*models.Content, error)
	ClaimCooldown(ctx context.Context, contentID, platform string, now time.Time, cooldown time.Duration) (bool, *time.Time, error)
	ReleaseCooldown(ctx context.Context, contentID, platform string, previous *time.Time) error
}

// GenericPoster is the slice of the producer the scheduler uses.
type GenericPoster interface {
	EnqueueGenericPost(ctx context.Context, req GenericPostRequest) (*models.Task, bool, error)
}

// DecayCandidate is one (content, platform) pair's growth over the window.
type DecayCandidate struct {
	ContentID        string  `json:"content_id"`
	Platform         string  `json:"platform"`
	Posts            int     `json:"posts"`
	TotalImpressions int64   `json:"total_impressions"`
	HoursSpan        float64 `json:"hours_span"`
	GrowthPerHour    float64 `json:"growth_per_hour"`
}

type DecayReport struct {
	Analyzed   int      `json:"analyzed"`
	Decaying   int      `json:"decaying"`
	Enqueued   int      `json:"enqueued"`
	Duplicates int      `json:"duplicates"`
	CooledDown int      `json:"cooled_down"`
	NoOwner    int      `json:"no_owner"`
	Failed     int      `json:"failed"`
	TaskIDs    []string `json:"task_ids,omitempty"`
}

type DecayScheduler struct {
	store    DecayStore
	producer GenericPoster
	cfg      config.DecayConfig
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewDecayScheduler(store DecayStore, producer GenericPoster, cfg config.DecayConfig, logger *zerolog.Logger) *DecayScheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DecayScheduler{store: store, producer: producer, cfg: cfg, now: time.Now, logger: logger}
}

func (s *DecayScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// AnalyzeDecay groups results by pair and computes impressions growth per
// hour between the first and the latest result.
func AnalyzeDecay(results []models.PlatformPostResult) []DecayCandidate {
	type key struct{ content, platform string }
	type agg struct {
		first, last time.Time
		posts       int
		impressions int64
	}

	groups := make(map[key]*agg)
	for _, r := range results {
		k := key{r.ContentID, r.Platform}
		g, ok := groups[k]
		if !ok {
			g = &agg{first: r.CreatedAt, last: r.CreatedAt}
			groups[k] = g
		}
		if r.CreatedAt.Before(g.first) {
			g.first = r.CreatedAt
		}
		if r.CreatedAt.After(g.last) {
			g.last = r.CreatedAt
		}
		g.posts++
		g.impressions += r.Metrics.Impressions
	}

	out := make([]DecayCandidate, 0, len(groups))
	for k, g := range groups {
		span := g.last.Sub(g.first)
		if span < minDecaySpan {
			span = minDecaySpan
		}
		out = append(out, DecayCandidate{
			ContentID:        k.content,
			Platform:         k.platform,
			Posts:            g.posts,
			TotalImpressions: g.impressions,
			HoursSpan:        g.last.Sub(g.first).Hours(),
			GrowthPerHour:    float64(g.impressions) / span.Hours(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrowthPerHour != out[j].GrowthPerHour {
			return out[i].GrowthPerHour < out[j].GrowthPerHour
		}
		if out[i].ContentID != out[j].ContentID {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].Platform < out[j].Platform
	})
	return out
}

// IsDecaying reports a pair that stalled below the growth threshold before
// reaching the impressions cap.
func (c DecayCandidate) IsDecaying(cfg config.DecayConfig) bool {
	return c.GrowthPerHour < cfg.MinGrowthPerHour && c.TotalImpressions < cfg.MaxImpressionsCap
}

// Run enqueues repost tasks for decaying pairs outside their cooldown.
func (s *DecayScheduler) Run(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	now := s.now()
	lookback := hours(s.cfg.LookbackHours)
	cooldown := hours(s.cfg.CooldownHours)

	results, err := s.store.PostResultsSince(ctx, now.Add(-lookback))
	if err != nil {
		return report, fmt.Errorf("load post results: %w", err)
	}

	candidates := AnalyzeDecay(results)
	report.Analyzed = len(candidates)

	for _, c := range candidates {
		if !c.IsDecaying(s.cfg) {
			continue
		}
		report.Decaying++
		if s.cfg.MaxCandidatesPerRun > 0 && report.Enqueued >= s.cfg.MaxCandidatesPerRun {
			break
		}

		log := s.logger.With().Str("content_id", c.ContentID).Str("platform", c.Platform).Logger()

		content, err := s.store.GetContent(ctx, c.ContentID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && content.OwnerID == "") {
			log.Debug().Msg("no resolvable owner, skipping")
			report.NoOwner++
			continue
		}
		if err != nil {
			return report, err
		}

		claimed, previous, err := s.store.ClaimCooldown(ctx, c.ContentID, c.Platform, now, cooldown)
		if err != nil {
			return report, err
		}
		if !claimed {
			report.CooledDown++
			continue
		}

		task, created, err := s.producer.EnqueueGenericPost(ctx, GenericPostRequest{
			ContentID:       c.ContentID,
			Platform:        c.Platform,
			OwnerID:         content.OwnerID,
			Reason:          models.ReasonDecayRepost,
			SkipIfDuplicate: true,
		})
		if err != nil || !created {
			if rerr := s.store.ReleaseCooldown(ctx, c.ContentID, c.Platform, previous); rerr != nil {
				log.Warn().Err(rerr).Msg("release cooldown")
			}
		}
		if err != nil {
			log.Warn().Err(err).Msg("repost enqueue failed")
			report.Failed++
			continue
		}
		if !created {
			report.Duplicates++
			continue
		}

		report.Enqueued++
		report.TaskIDs = append(report.TaskIDs, task.ID)
		log.Info().
			Str("task_id", task.ID).
			Int64("impressions", c.TotalImpressions).
			Float64("growth_per_hour", c.GrowthPerHour).
			Msg("decay repost enqueued")
	}

	return report, nil
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
