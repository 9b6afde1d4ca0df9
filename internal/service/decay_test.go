package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promoter/internal/config"
	"promoter/internal/database"
	"promoter/internal/models"
)

func addResult(t *testing.T, db *database.DB, contentID, platform string, at time.Time, impressions int64) {
	t.Helper()
	id := fmt.Sprintf("%s-%s-%d", contentID, platform, at.UnixMilli())
	require.NoError(t, db.InsertPostResult(context.Background(), &models.PlatformPostResult{
		ID:          id,
		TaskID:      "task-" + id,
		ContentID:   contentID,
		Platform:    platform,
		UsedVariant: "caption",
		Metrics:     models.PostMetrics{Impressions: impressions},
		CreatedAt:   at,
		UpdatedAt:   at,
	}))
}

func decayConfig() config.DecayConfig {
	return config.DecayConfig{
		LookbackHours:     48,
		MinGrowthPerHour:  5,
		MaxImpressionsCap: 5000,
		CooldownHours:     6,
	}
}

func newDecay(t *testing.T, db *database.DB, cfg config.DecayConfig, now time.Time) *DecayScheduler {
	t.Helper()
	p := NewProducer(db, newSigner(t), nil, nil, testQueue(), nil)
	p.SetClock(fixedClock(now))
	s := NewDecayScheduler(db, p, cfg, nil)
	s.SetClock(fixedClock(now))
	return s
}

func TestAnalyzeDecay(t *testing.T) {
	results := []models.PlatformPostResult{
		{ContentID: "C2", Platform: models.PlatformTikTok, CreatedAt: baseTime.Add(-20 * time.Hour), Metrics: models.PostMetrics{Impressions: 15}},
		{ContentID: "C2", Platform: models.PlatformTikTok, CreatedAt: baseTime, Metrics: models.PostMetrics{Impressions: 25}},
		{ContentID: "C3", Platform: models.PlatformTwitter, CreatedAt: baseTime, Metrics: models.PostMetrics{Impressions: 10}},
	}
	got := AnalyzeDecay(results)
	require.Len(t, got, 2)

	assert.Equal(t, "C2", got[0].ContentID)
	assert.Equal(t, int64(40), got[0].TotalImpressions)
	assert.InDelta(t, 20.0, got[0].HoursSpan, 1e-9)
	assert.InDelta(t, 2.0, got[0].GrowthPerHour, 1e-9)

	// A single result spans zero hours; the floor keeps growth finite.
	assert.InDelta(t, 120.0, got[1].GrowthPerHour, 1e-9)
}

func TestDecaySchedulerEnqueuesStalledPair(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedContent(t, db, "C2", "U1")
	addResult(t, db, "C2", models.PlatformTikTok, baseTime.Add(-20*time.Hour), 15)
	addResult(t, db, "C2", models.PlatformTikTok, baseTime, 25)

	report, err := newDecay(t, db, decayConfig(), baseTime).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	require.Len(t, report.TaskIDs, 1)

	task, err := db.GetTask(ctx, report.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "C2", task.ContentID)
	assert.Equal(t, models.PlatformTikTok, task.Platform)
	assert.Equal(t, models.ReasonDecayRepost, task.Reason)
	assert.Equal(t, "U1", task.OwnerID)

	open, err := db.ListTasks(ctx, models.StatusQueued, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDecaySchedulerSkipsViralAndOwnerless(t *testing.T) {
	db := newTestDB(t)
	seedContent(t, db, "VIRAL", "U1")
	addResult(t, db, "VIRAL", models.PlatformTikTok, baseTime.Add(-20*time.Hour), 4000)
	addResult(t, db, "VIRAL", models.PlatformTikTok, baseTime, 1500)
	addResult(t, db, "ORPHAN", models.PlatformTikTok, baseTime.Add(-20*time.Hour), 1)
	addResult(t, db, "ORPHAN", models.PlatformTikTok, baseTime, 1)

	report, err := newDecay(t, db, decayConfig(), baseTime).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Analyzed)
	assert.Equal(t, 1, report.Decaying)
	assert.Equal(t, 1, report.NoOwner)
	assert.Equal(t, 0, report.Enqueued)
}

func TestDecaySchedulerRespectsCooldown(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedContent(t, db, "C2", "U1")
	addResult(t, db, "C2", models.PlatformTikTok, baseTime.Add(-20*time.Hour), 15)
	addResult(t, db, "C2", models.PlatformTikTok, baseTime, 25)

	var created []time.Time
	for _, offset := range []time.Duration{0, time.Hour, 3 * time.Hour, 5*time.Hour + 59*time.Minute, 6*time.Hour + time.Minute, 8 * time.Hour} {
		now := baseTime.Add(offset)
		report, err := newDecay(t, db, decayConfig(), now).Run(ctx)
		require.NoError(t, err)
		for _, id := range report.TaskIDs {
			created = append(created, now)
			// Resolve the repost so only the cooldown can block the next run.
			_, err := db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, models.StatusCompleted, id)
			require.NoError(t, err)
		}
	}

	require.Equal(t, []time.Time{baseTime, baseTime.Add(6*time.Hour + time.Minute)}, created)
	for i := 1; i < len(created); i++ {
		assert.GreaterOrEqual(t, created[i].Sub(created[i-1]), 6*time.Hour)
	}
}

func TestDecaySchedulerReleasesCooldownOnDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedContent(t, db, "C2", "U1")
	addResult(t, db, "C2", models.PlatformTikTok, baseTime.Add(-20*time.Hour), 15)
	addResult(t, db, "C2", models.PlatformTikTok, baseTime, 25)

	p := NewProducer(db, newSigner(t), nil, nil, testQueue(), nil)
	_, _, err := p.EnqueueGenericPost(ctx, GenericPostRequest{
		ContentID: "C2", Platform: models.PlatformTikTok, Reason: models.ReasonDecayRepost,
	})
	require.NoError(t, err)

	report, err := newDecay(t, db, decayConfig(), baseTime).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 0, report.Enqueued)

	last, err := db.LastScheduledAt(ctx, "C2", models.PlatformTikTok)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestDecaySchedulerRepostsPinterest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedContent(t, db, "C2", "U1")
	require.NoError(t, db.UpsertContent(ctx, &models.Content{
		ID: "C3", OwnerID: "U1", Title: "Moodboard", MediaURL: "https://cdn.example.test/C3.jpg",
		PinterestBoardID: "board-c3", CreatedAt: baseTime,
	}))
	for _, id := range []string{"C2", "C3"} {
		addResult(t, db, id, models.PlatformPinterest, baseTime.Add(-20*time.Hour), 15)
		addResult(t, db, id, models.PlatformPinterest, baseTime, 25)
	}

	p := NewProducer(db, newSigner(t), nil, nil, testQueue(), nil)
	p.SetClock(fixedClock(baseTime))
	p.SetDefaults(config.DefaultsConfig{PinterestBoardID: "board-default"})
	s := NewDecayScheduler(db, p, decayConfig(), nil)
	s.SetClock(fixedClock(baseTime))

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Decaying)
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, 0, report.Failed)

	boards := map[string]string{}
	for _, id := range report.TaskIDs {
		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, task.Payload.Pinterest)
		boards[task.ContentID] = task.Payload.Pinterest.BoardID
	}
	assert.Equal(t, map[string]string{"C2": "board-default", "C3": "board-c3"}, boards)
}

func TestDecaySchedulerPinterestWithoutBoardFails(t *testing.T) {
	db := newTestDB(t)
	seedContent(t, db, "C2", "U1")
	addResult(t, db, "C2", models.PlatformPinterest, baseTime.Add(-20*time.Hour), 15)
	addResult(t, db, "C2", models.PlatformPinterest, baseTime, 25)

	report, err := newDecay(t, db, decayConfig(), baseTime).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Enqueued)
	assert.Equal(t, 1, report.Failed)
}
