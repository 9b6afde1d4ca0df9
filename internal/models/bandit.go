package models

import "time"

const (
	NormalizationNone   = "none"
	NormalizationMinMax = "minmax"
	NormalizationZScore = "zscore"
)

// BanditConfig is the process-wide weighting used when picking variants.
type BanditConfig struct {
	Weights              BanditWeights `json:"weights"`
	ExplorationTarget    float64       `json:"exploration_target"`
	ExplorationTolerance float64       `json:"exploration_tolerance"`
	ExplorationFactor    float64       `json:"exploration_factor"`
	RewardNormalization  string        `json:"reward_normalization"`
	PenaltyScale         float64       `json:"penalty_scale"`
	RollbackDropPct      float64       `json:"rollback_drop_pct"`
	RollbackMinPosts     int           `json:"rollback_min_posts"`
	Version              int           `json:"version"`
	UpdatedAt            time.Time     `json:"updated_at"`
	UpdatedBy            string        `json:"updated_by"`
}

type BanditWeights struct {
	CTR     float64 `json:"ctr"`
	Quality float64 `json:"quality"`
}

// DefaultBanditConfig is written on first read.
func DefaultBanditConfig() BanditConfig {
	return BanditConfig{
		Weights:              BanditWeights{CTR: 0.7, Quality: 0.3},
		ExplorationTarget:    0.15,
		ExplorationTolerance: 0.05,
		ExplorationFactor:    0.5,
		RewardNormalization:  NormalizationMinMax,
		PenaltyScale:         1,
		RollbackDropPct:      0.3,
		RollbackMinPosts:     20,
		Version:              1,
		UpdatedBy:            ActorSystem,
	}
}

// BanditWeightHistory records one audited change of the bandit config.
type BanditWeightHistory struct {
	ID        int64        `json:"id"`
	Version   int          `json:"version"`
	Before    BanditConfig `json:"before"`
	After     BanditConfig `json:"after"`
	Actor     string       `json:"actor"`
	CreatedAt time.Time    `json:"created_at"`
}

type AdminAction struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
