package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promoter/internal/database"
	"promoter/internal/models"
)

func ptr(f float64) *float64 { return &f }

func TestBanditCurrentCreatesDefault(t *testing.T) {
	db := newTestDB(t)
	svc := NewBanditService(db, nil)

	cfg, err := svc.Current(context.Background())
	require.NoError(t, err)
	def := models.DefaultBanditConfig()
	assert.Equal(t, def.Weights, cfg.Weights)
	assert.Equal(t, 1, cfg.Version)

	stored, err := db.GetBanditConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Version, stored.Version)
}

func TestBanditUpdateIsAudited(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBanditService(db, nil)
	svc.SetClock(fixedClock(baseTime))

	cfg, err := svc.Update(ctx, "alice", map[string]any{
		"weights.ctr":          0.5,
		"weights.quality":      0.5,
		"reward_normalization": models.NormalizationZScore,
		"rollback_min_posts":   float64(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, 0.5, cfg.Weights.CTR)
	assert.Equal(t, models.NormalizationZScore, cfg.RewardNormalization)
	assert.Equal(t, 10, cfg.RollbackMinPosts)
	assert.Equal(t, "alice", cfg.UpdatedBy)

	history, err := db.BanditHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.7, history[0].Before.Weights.CTR)
	assert.Equal(t, 0.5, history[0].After.Weights.CTR)

	actions, err := db.AdminActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionBanditUpdate, actions[0].Action)
	assert.Equal(t, "alice", actions[0].Actor)
}

func TestBanditUpdateRejectsBadChanges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBanditService(db, nil)

	_, err := svc.Update(ctx, "alice", map[string]any{"learning_rate": 0.1})
	assert.ErrorIs(t, err, ErrUnknownConfigKey)

	_, err = svc.Update(ctx, "alice", map[string]any{"exploration_target": 1.5})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(ctx, "alice", map[string]any{"reward_normalization": "softmax"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(ctx, "alice", map[string]any{"weights.ctr": 0, "weights.quality": 0})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Update(ctx, "", map[string]any{"penalty_scale": 2})
	assert.ErrorIs(t, err, ErrValidation)

	history, err := db.BanditHistory(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected updates leave no trace")
}

func TestBanditRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBanditService(db, nil)

	_, err := svc.Rollback(ctx, "alice")
	assert.ErrorIs(t, err, ErrNothingToRollback)

	_, err = svc.Update(ctx, "alice", map[string]any{"penalty_scale": 3})
	require.NoError(t, err)

	cfg, err := svc.Rollback(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.PenaltyScale)
	assert.Equal(t, 3, cfg.Version)
	assert.Equal(t, "bob", cfg.UpdatedBy)

	// A fresh service reads the same state from the store.
	fresh, err := NewBanditService(db, nil).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Version, fresh.Version)
	assert.Equal(t, 1.0, fresh.PenaltyScale)
}

func addClickResults(t *testing.T, db *database.DB, prefix string, n int, at time.Time, clicks int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		require.NoError(t, db.InsertPostResult(context.Background(), &models.PlatformPostResult{
			ID: id, TaskID: "task-" + id, ContentID: "C1", Platform: models.PlatformTwitter,
			Metrics:   models.PostMetrics{Clicks: clicks, Impressions: 100},
			CreatedAt: at, UpdatedAt: at,
		}))
	}
}

func TestBanditCheckRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBanditService(db, nil)
	svc.SetClock(fixedClock(baseTime))

	_, err := svc.Update(ctx, "alice", map[string]any{"weights.ctr": 0.9, "weights.quality": 0.1})
	require.NoError(t, err)

	addClickResults(t, db, "before", 20, baseTime.Add(-5*time.Hour), 10)
	addClickResults(t, db, "after", 5, baseTime.Add(5*time.Hour), 2)

	svc.SetClock(fixedClock(baseTime.Add(10 * time.Hour)))
	rolled, err := svc.CheckRollback(ctx)
	require.NoError(t, err)
	assert.False(t, rolled, "not enough posts after the change yet")

	addClickResults(t, db, "after-more", 15, baseTime.Add(6*time.Hour), 2)
	rolled, err = svc.CheckRollback(ctx)
	require.NoError(t, err)
	assert.True(t, rolled)

	cfg, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Weights.CTR)
	assert.Equal(t, models.ActorSystem, cfg.UpdatedBy)

	rolled, err = svc.CheckRollback(ctx)
	require.NoError(t, err)
	assert.False(t, rolled, "system changes are not rolled back again")
}

func TestChooseVariant(t *testing.T) {
	cfg := models.DefaultBanditConfig()
	assert.Equal(t, "", ChooseVariant(cfg, nil))

	strong := models.VariantStat{Value: "strong", Posts: 100, Clicks: 20, Impressions: 100, QualityScore: ptr(60)}
	weak := models.VariantStat{Value: "weak", Posts: 100, Clicks: 2, Impressions: 100, QualityScore: ptr(60)}
	untried := models.VariantStat{Value: "untried", QualityScore: ptr(60)}

	assert.Equal(t, "strong", ChooseVariant(cfg, []models.VariantStat{weak, strong}))
	assert.Equal(t, "untried", ChooseVariant(cfg, []models.VariantStat{weak, strong, untried}), "exploration bonus")

	cfg.ExplorationFactor = 0
	assert.Equal(t, "strong", ChooseVariant(cfg, []models.VariantStat{weak, strong, untried}))

	poor := models.VariantStat{Value: "poor", Posts: 50, Clicks: 5, Impressions: 100, QualityScore: ptr(5)}
	fine := models.VariantStat{Value: "fine", Posts: 50, Clicks: 5, Impressions: 100, QualityScore: ptr(80)}
	assert.Equal(t, "fine", ChooseVariant(cfg, []models.VariantStat{poor, fine}))
}

func TestChooseForUsesStoredStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewBanditService(db, nil)

	got, err := svc.ChooseFor(ctx, "C1", models.PlatformTwitter)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, db.UpsertVariantCounters(ctx, []models.VariantStat{
		{ContentID: "C1", Platform: models.PlatformTwitter, Value: "only one", Posts: 3, Clicks: 1, Impressions: 30},
	}, baseTime))
	got, err = svc.ChooseFor(ctx, "C1", models.PlatformTwitter)
	require.NoError(t, err)
	assert.Equal(t, "only one", got)
}

func TestBanditSeesChangesFromAnotherInstance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	workerSvc := NewBanditService(db, nil)
	workerSvc.SetClock(fixedClock(baseTime))
	warm, err := workerSvc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warm.Version)

	apiSvc := NewBanditService(db, nil)
	apiSvc.SetClock(fixedClock(baseTime))
	_, err = apiSvc.Update(ctx, "alice", map[string]any{"weights.ctr": 0.9, "weights.quality": 0.1})
	require.NoError(t, err)

	cfg, err := workerSvc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, 0.9, cfg.Weights.CTR)
	assert.Equal(t, "alice", cfg.UpdatedBy)

	addClickResults(t, db, "before", 20, baseTime.Add(-5*time.Hour), 10)
	addClickResults(t, db, "after", 20, baseTime.Add(5*time.Hour), 2)

	workerSvc.SetClock(fixedClock(baseTime.Add(10 * time.Hour)))
	rolled, err := workerSvc.CheckRollback(ctx)
	require.NoError(t, err)
	assert.True(t, rolled, "rollback fires on a change made by the other instance")

	cfg, err = apiSvc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Version)
	assert.Equal(t, 0.7, cfg.Weights.CTR)
	assert.Equal(t, models.ActorSystem, cfg.UpdatedBy)
}
