package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"promoter/internal/database"
	"promoter/internal/models"
)

var (
	ErrUnknownConfigKey  = errors.New("unknown bandit config key")
	ErrNothingToRollback = errors.New("no bandit config change to roll back")
)

const (
	ActionBanditUpdate   = "bandit_config.update"
	ActionBanditRollback = "bandit_config.rollback"

	// lowQualityThreshold is the score below which a variant is penalized.
	lowQualityThreshold = 40.0
)

type BanditStore interface {
	EnsureBanditConfig(ctx context.Context, def models.BanditConfig) (*models.BanditConfig, error)
	GetBanditConfig(ctx context.Context) (*models.BanditConfig, error)
	BanditConfigVersion(ctx context.Context) (int, error)
	SaveBanditConfig(ctx context.Context, before, after models.BanditConfig, action models.AdminAction) error
	BanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error)
	LastBanditChangeAt(ctx context.Context) (time.Time, error)
	ClickTotalsBetween(ctx context.Context, from, to time.Time) (database.ClickTotals, error)
	VariantStatsFor(ctx context.Context, contentID, platform string) ([]models.VariantStat, error)
}

// BanditService owns the singleton weighting config. Reads are served from
// a cache keyed on the stored version, so changes written by another
// process are picked up on the next read. Every write goes through the
// audited save.
type BanditService struct {
	store  BanditStore
	mu     sync.RWMutex
	cached *models.BanditConfig
	now    func() time.Time
	logger *zerolog.Logger
}

func NewBanditService(store BanditStore, logger *zerolog.Logger) *BanditService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BanditService{store: store, now: time.Now, logger: logger}
}

func (s *BanditService) SetClock(now func() time.Time) {
	s.now = now
}

// Current returns the config, creating the default on first read.
func (s *BanditService) Current(ctx context.Context) (models.BanditConfig, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()

	if cached != nil {
		version, err := s.store.BanditConfigVersion(ctx)
		if err != nil {
			return models.BanditConfig{}, err
		}
		if version == cached.Version {
			return *cached, nil
		}
		cfg, err := s.store.GetBanditConfig(ctx)
		if err != nil {
			return models.BanditConfig{}, err
		}
		s.logger.Debug().Int("from", cached.Version).Int("to", cfg.Version).Msg("bandit config reloaded")
		s.mu.Lock()
		s.cached = cfg
		s.mu.Unlock()
		return *cfg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached, nil
	}
	def := models.DefaultBanditConfig()
	def.UpdatedAt = s.now()
	cfg, err := s.store.EnsureBanditConfig(ctx, def)
	if err != nil {
		return models.BanditConfig{}, err
	}
	s.cached = cfg
	return *cfg, nil
}

// Invalidate drops the cache so the next read hits the store.
func (s *BanditService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

type configField struct {
	set func(c *models.BanditConfig, v any) error
}

func floatField(ptr func(c *models.BanditConfig) *float64, lo, hi float64) configField {
	return configField{
		set: func(c *models.BanditConfig, v any) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			if f < lo || f > hi {
				return fmt.Errorf("must be within [%g, %g]", lo, hi)
			}
			*ptr(c) = f
			return nil
		},
	}
}

// configFields is the whitelist of keys Update accepts.
var configFields = map[string]configField{
	"weights.ctr":           floatField(func(c *models.BanditConfig) *float64 { return &c.Weights.CTR }, 0, 1),
	"weights.quality":       floatField(func(c *models.BanditConfig) *float64 { return &c.Weights.Quality }, 0, 1),
	"exploration_target":    floatField(func(c *models.BanditConfig) *float64 { return &c.ExplorationTarget }, 0, 1),
	"exploration_tolerance": floatField(func(c *models.BanditConfig) *float64 { return &c.ExplorationTolerance }, 0, 1),
	"exploration_factor":    floatField(func(c *models.BanditConfig) *float64 { return &c.ExplorationFactor }, 0, 10),
	"penalty_scale":         floatField(func(c *models.BanditConfig) *float64 { return &c.PenaltyScale }, 0, 10),
	"rollback_drop_pct":     floatField(func(c *models.BanditConfig) *float64 { return &c.RollbackDropPct }, 0.01, 1),
	"reward_normalization": {
		set: func(c *models.BanditConfig, v any) error {
			s, ok := v.(string)
			if !ok {
				return errors.New("must be a string")
			}
			switch s {
			case models.NormalizationNone, models.NormalizationMinMax, models.NormalizationZScore:
				c.RewardNormalization = s
				return nil
			}
			return fmt.Errorf("must be one of %s, %s, %s", models.NormalizationNone, models.NormalizationMinMax, models.NormalizationZScore)
		},
	},
	"rollback_min_posts": {
		set: func(c *models.BanditConfig, v any) error {
			f, err := toFloat(v)
			if err != nil {
				return err
			}
			if f < 1 || f != math.Trunc(f) {
				return errors.New("must be a positive integer")
			}
			c.RollbackMinPosts = int(f)
			return nil
		},
	},
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("must be a number, got %T", v)
}

// Update applies whitelisted changes and records them in the weight
// history and the admin log.
func (s *BanditService) Update(ctx context.Context, actor string, changes map[string]any) (models.BanditConfig, error) {
	if actor == "" {
		return models.BanditConfig{}, fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if len(changes) == 0 {
		return models.BanditConfig{}, fmt.Errorf("%w: no changes", ErrValidation)
	}

	before, err := s.Current(ctx)
	if err != nil {
		return models.BanditConfig{}, err
	}
	after := before

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field, ok := configFields[k]
		if !ok {
			return models.BanditConfig{}, fmt.Errorf("%w: %s", ErrUnknownConfigKey, k)
		}
		if err := field.set(&after, changes[k]); err != nil {
			return models.BanditConfig{}, fmt.Errorf("%w: %s %v", ErrValidation, k, err)
		}
	}
	if after.Weights.CTR+after.Weights.Quality == 0 {
		return models.BanditConfig{}, fmt.Errorf("%w: weights must not both be zero", ErrValidation)
	}

	details, _ := json.Marshal(changes)
	return s.save(ctx, before, after, actor, ActionBanditUpdate, string(details))
}

// Rollback restores the config as it was before the latest change.
func (s *BanditService) Rollback(ctx context.Context, actor string) (models.BanditConfig, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return models.BanditConfig{}, err
	}
	history, err := s.store.BanditHistory(ctx, 1)
	if err != nil {
		return models.BanditConfig{}, err
	}
	if len(history) == 0 {
		return models.BanditConfig{}, ErrNothingToRollback
	}

	target := history[0].Before
	details := fmt.Sprintf(`{"from_version":%d,"restored_version":%d}`, current.Version, target.Version)
	return s.save(ctx, current, target, actor, ActionBanditRollback, details)
}

func (s *BanditService) save(ctx context.Context, before, after models.BanditConfig, actor, action, details string) (models.BanditConfig, error) {
	now := s.now()
	after.Version = before.Version + 1
	after.UpdatedAt = now
	after.UpdatedBy = actor

	err := s.store.SaveBanditConfig(ctx, before, after, models.AdminAction{
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: now,
	})
	if err != nil {
		s.Invalidate()
		return models.BanditConfig{}, err
	}

	s.mu.Lock()
	s.cached = &after
	s.mu.Unlock()

	s.logger.Info().
		Str("actor", actor).
		Str("action", action).
		Int("version", after.Version).
		Msg("bandit config changed")
	return after, nil
}

// CheckRollback compares click-through before and after the latest change
// over windows of equal length and rolls back automatically when it
// dropped by more than the configured share. Changes made by the system
// itself are never rolled back again.
func (s *BanditService) CheckRollback(ctx context.Context) (bool, error) {
	cfg, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	if cfg.UpdatedBy == models.ActorSystem {
		return false, nil
	}
	changedAt, err := s.store.LastBanditChangeAt(ctx)
	if err != nil || changedAt.IsZero() {
		return false, err
	}

	now := s.now()
	window := now.Sub(changedAt)
	if window <= 0 {
		return false, nil
	}
	before, err := s.store.ClickTotalsBetween(ctx, changedAt.Add(-window), changedAt)
	if err != nil {
		return false, err
	}
	after, err := s.store.ClickTotalsBetween(ctx, changedAt, now)
	if err != nil {
		return false, err
	}

	minPosts := int64(cfg.RollbackMinPosts)
	if before.Posts < minPosts || after.Posts < minPosts || before.CTR() == 0 {
		return false, nil
	}
	drop := (before.CTR() - after.CTR()) / before.CTR()
	if drop <= cfg.RollbackDropPct {
		return false, nil
	}

	s.logger.Warn().
		Float64("ctr_before", before.CTR()).
		Float64("ctr_after", after.CTR()).
		Float64("drop", drop).
		Msg("click-through dropped after bandit change, rolling back")
	if _, err := s.Rollback(ctx, models.ActorSystem); err != nil {
		return false, err
	}
	return true, nil
}

// ChooseFor picks a variant for a content/platform pair from its stats.
func (s *BanditService) ChooseFor(ctx context.Context, contentID, platform string) (string, error) {
	cfg, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	stats, err := s.store.VariantStatsFor(ctx, contentID, platform)
	if err != nil {
		return "", err
	}
	return ChooseVariant(cfg, stats), nil
}

// ChooseVariant scores every candidate by weighted normalized CTR and
// quality, minus a penalty for low quality, plus a UCB exploration bonus.
// The bonus is scaled up when observed exploration is under the target
// band and down when above it. Ties go to the lexically first value.
func ChooseVariant(cfg models.BanditConfig, candidates []models.VariantStat) string {
	if len(candidates) == 0 {
		return ""
	}
	cands := append([]models.VariantStat(nil), candidates...)
	sort.Slice(cands, func(i, j int) bool { return cands[i].Value < cands[j].Value })

	ctrs := make([]float64, len(cands))
	var totalPosts, bestPosts int64
	bestCTR := -1.0
	for i, c := range cands {
		ctrs[i] = c.CTR()
		totalPosts += c.Posts
		if ctrs[i] > bestCTR {
			bestCTR, bestPosts = ctrs[i], c.Posts
		}
	}
	rewards := normalize(ctrs, cfg.RewardNormalization)

	factor := cfg.ExplorationFactor
	if totalPosts > 0 {
		explored := 1 - float64(bestPosts)/float64(totalPosts)
		switch {
		case explored < cfg.ExplorationTarget-cfg.ExplorationTolerance:
			factor *= 1.5
		case explored > cfg.ExplorationTarget+cfg.ExplorationTolerance:
			factor *= 0.5
		}
	}

	best, bestScore := "", math.Inf(-1)
	for i, c := range cands {
		q := quality(c)
		score := cfg.Weights.CTR*rewards[i] + cfg.Weights.Quality*(q/100)
		if q < lowQualityThreshold {
			score -= cfg.PenaltyScale * (lowQualityThreshold - q) / 100
		}
		score += factor * math.Sqrt(2*math.Log(float64(totalPosts)+1)/(float64(c.Posts)+1))
		if score > bestScore {
			best, bestScore = c.Value, score
		}
	}
	return best
}

func normalize(vals []float64, method string) []float64 {
	out := make([]float64, len(vals))
	switch method {
	case models.NormalizationMinMax:
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range vals {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		if hi == lo {
			return out
		}
		for i, v := range vals {
			out[i] = (v - lo) / (hi - lo)
		}
	case models.NormalizationZScore:
		var mean float64
		for _, v := range vals {
			mean += v
		}
		mean /= float64(len(vals))
		var variance float64
		for _, v := range vals {
			variance += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(variance / float64(len(vals)))
		if sd == 0 {
			return out
		}
		for i, v := range vals {
			out[i] = (v - mean) / sd
		}
	default:
		copy(out, vals)
	}
	return out
}
