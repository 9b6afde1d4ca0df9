package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promoter/internal/models"
)

func deadLetter(t *testing.T, db *DB, id, dlID string, failedAt time.Time, reason string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.InsertTask(ctx, newTask(id, models.KindGenericPost, baseTime)))
	_, err := db.ClaimTask(ctx, id, "tok", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = db.DeadLetterTask(ctx, id, "tok", dlID, models.FailureInfo{
		Error: reason, Attempts: 1, FailedAt: failedAt, Reason: reason,
	})
	require.NoError(t, err)
}

func TestDeadLetterListAndRestore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	deadLetter(t, db, "t1", "dl1", baseTime, models.FailureTimeout)
	deadLetter(t, db, "t2", "dl2", baseTime.Add(time.Hour), "content_policy_violation")

	entries, err := db.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dl2", entries[0].ID, "newest failure first")

	counts, err := db.CountDeadLettersByReason(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.FailureTimeout])

	restored := entries[1].Task
	restored.Status = models.StatusQueued
	restored.Attempts = 0
	require.NoError(t, db.RestoreDeadLetter(ctx, "dl1", &restored))

	_, err = db.GetDeadLetter(ctx, "dl1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := db.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	assert.ErrorIs(t, db.RestoreDeadLetter(ctx, "dl1", &restored), ErrNotFound)
	require.NoError(t, db.DeleteDeadLetter(ctx, "dl2"))
	assert.ErrorIs(t, db.DeleteDeadLetter(ctx, "dl2"), ErrNotFound)
}

func TestPostResultsWindowAndMetrics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := &models.PlatformPostResult{ID: "r0", TaskID: "t0", ContentID: "C1", Platform: "tiktok",
		CreatedAt: baseTime.Add(-48 * time.Hour), UpdatedAt: baseTime}
	recent := &models.PlatformPostResult{ID: "r1", TaskID: "t1", ContentID: "C1", Platform: "tiktok",
		Metrics: models.PostMetrics{Impressions: 10, Clicks: 1}, CreatedAt: baseTime, UpdatedAt: baseTime}
	require.NoError(t, db.InsertPostResult(ctx, old))
	require.NoError(t, db.InsertPostResult(ctx, recent))

	results, err := db.PostResultsSince(ctx, baseTime.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].ID)

	require.NoError(t, db.UpdatePostMetrics(ctx, "r1", models.PostMetrics{Impressions: 100, Clicks: 5}, baseTime))
	assert.ErrorIs(t, db.UpdatePostMetrics(ctx, "missing", models.PostMetrics{}, baseTime), ErrNotFound)

	totals, err := db.ClickTotalsBetween(ctx, baseTime.Add(-time.Hour), baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Posts)
	assert.Equal(t, int64(5), totals.Clicks)
	assert.InDelta(t, 0.05, totals.CTR(), 1e-9)
}

func TestContentAndOwners(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetContent(ctx, "C1")
	assert.ErrorIs(t, err, ErrNotFound)

	c := &models.Content{ID: "C1", OwnerID: "U1", Title: "Title", DurationSeconds: 30, CreatedAt: baseTime}
	require.NoError(t, db.UpsertContent(ctx, c))
	c.Title = "Renamed"
	require.NoError(t, db.UpsertContent(ctx, c))

	got, err := db.GetContent(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, "U1", got.OwnerID)

	require.NoError(t, db.UpsertOwner(ctx, &models.Owner{ID: "U1", TelegramChatID: 42}))
	owner, err := db.GetOwner(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), owner.TelegramChatID)
	_, err = db.GetOwner(ctx, "U2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVariantStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, v := range []string{"a", "a", "b", ""} {
		require.NoError(t, db.InsertPostResult(ctx, &models.PlatformPostResult{
			ID: "r" + string(rune('0'+i)), TaskID: "t", ContentID: "C1", Platform: "twitter", UsedVariant: v,
			Metrics:   models.PostMetrics{Impressions: 100, Clicks: int64(i + 1)},
			CreatedAt: baseTime, UpdatedAt: baseTime,
		}))
	}

	agg, err := db.AggregateVariantResults(ctx)
	require.NoError(t, err)
	require.Len(t, agg, 2)

	require.NoError(t, db.SetVariantQuality(ctx, "C1", "twitter", "a", 70, baseTime))
	require.NoError(t, db.UpsertVariantCounters(ctx, agg, baseTime))

	stats, err := db.VariantStatsFor(ctx, "C1", "twitter")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Value)
	assert.Equal(t, int64(2), stats[0].Posts)
	assert.Equal(t, int64(3), stats[0].Clicks)
	require.NotNil(t, stats[0].QualityScore, "counter upsert keeps quality score")
	assert.Equal(t, 70.0, *stats[0].QualityScore)

	missing, err := db.VariantsMissingQuality(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].Value)

	require.NoError(t, db.DeleteVariant(ctx, "C1", "twitter", "b"))
	all, err := db.ListVariantStats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBanditConfigPersistence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetBanditConfig(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	def := models.DefaultBanditConfig()
	def.UpdatedAt = baseTime
	cfg, err := db.EnsureBanditConfig(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	again, err := db.EnsureBanditConfig(ctx, models.BanditConfig{Version: 99})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version, "existing config is not overwritten")

	after := *cfg
	after.Weights.CTR = 0.5
	after.Version = 2
	after.UpdatedBy = "ops"
	after.UpdatedAt = baseTime.Add(time.Minute)
	action := models.AdminAction{Actor: "ops", Action: "bandit_update", Details: "{}", CreatedAt: after.UpdatedAt}
	require.NoError(t, db.SaveBanditConfig(ctx, *cfg, after, action))

	assert.Error(t, db.SaveBanditConfig(ctx, *cfg, after, action), "stale version must be rejected")

	stored, err := db.GetBanditConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.Weights.CTR)

	history, err := db.BanditHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.7, history[0].Before.Weights.CTR)
	assert.Equal(t, "ops", history[0].Actor)

	actions, err := db.AdminActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	last, err := db.LastBanditChangeAt(ctx)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(last))
}

func TestClaimCooldown(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cooldown := 6 * time.Hour

	ok, prev, err := db.ClaimCooldown(ctx, "C2", "tiktok", baseTime, cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, prev)

	ok, _, err = db.ClaimCooldown(ctx, "C2", "tiktok", baseTime.Add(5*time.Hour), cooldown)
	require.NoError(t, err)
	assert.False(t, ok, "inside cooldown")

	ok, prev, err = db.ClaimCooldown(ctx, "C2", "tiktok", baseTime.Add(6*time.Hour), cooldown)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, prev)
	assert.True(t, baseTime.Equal(*prev))

	require.NoError(t, db.ReleaseCooldown(ctx, "C2", "tiktok", prev))
	last, err := db.LastScheduledAt(ctx, "C2", "tiktok")
	require.NoError(t, err)
	assert.True(t, baseTime.Equal(*last))

	require.NoError(t, db.ReleaseCooldown(ctx, "C2", "tiktok", nil))
	last, err = db.LastScheduledAt(ctx, "C2", "tiktok")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestBackupAndCleanup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")

	path, err := db.Backup(ctx, dir, baseTime)
	require.NoError(t, err)
	assert.FileExists(t, path)

	old := filepath.Join(dir, "backup_old.db")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(old, baseTime.Add(-10*24*time.Hour), baseTime.Add(-10*24*time.Hour)))

	removed, err := db.CleanupBackups(dir, 7*24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, path)
}
