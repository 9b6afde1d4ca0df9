package models

import "time"

// PlatformPostResult is written once per successful publish. Only Metrics
// change afterwards, through stats polling.
type PlatformPostResult struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	ContentID     string      `json:"content_id"`
	Platform      string      `json:"platform"`
	UsedVariant   string      `json:"used_variant,omitempty"`
	ExternalID    string      `json:"external_id,omitempty"`
	ShortlinkCode string      `json:"shortlink_code,omitempty"`
	Metrics       PostMetrics `json:"metrics"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type PostMetrics struct {
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Likes       int64 `json:"likes"`
	Comments    int64 `json:"comments"`
	Shares      int64 `json:"shares"`
}

// VariantStat aggregates performance of one caption variant for a
// (content, platform) pair.
type VariantStat struct {
	ContentID    string    `json:"content_id"`
	Platform     string    `json:"platform"`
	Value        string    `json:"value"`
	Posts        int64     `json:"posts"`
	Clicks       int64     `json:"clicks"`
	Impressions  int64     `json:"impressions"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CTR is clicks per impression, falling back to clicks per post when no
// impressions were recorded.
func (v VariantStat) CTR() float64 {
	switch {
	case v.Impressions > 0:
		return float64(v.Clicks) / float64(v.Impressions)
	case v.Posts > 0:
		return float64(v.Clicks) / float64(v.Posts)
	}
	return 0
}
