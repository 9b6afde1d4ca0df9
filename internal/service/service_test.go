package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"promoter/internal/config"
	"promoter/internal/database"
	"promoter/internal/models"
	"promoter/internal/signer"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New("k1", map[string]string{"k1": "secret-one", "k0": "secret-zero"})
	require.NoError(t, err)
	return s
}

func testQueue() config.QueueConfig {
	return config.QueueConfig{
		LeaseDuration:  time.Minute,
		PublishTimeout: time.Second,
		Upload:         config.DefaultUploadRetry,
		GenericPost:    config.DefaultGenericPostRetry,
	}
}

func seedContent(t *testing.T, db *database.DB, id, owner string) {
	t.Helper()
	require.NoError(t, db.UpsertContent(context.Background(), &models.Content{
		ID:              id,
		OwnerID:         owner,
		Title:           "Behind the scenes",
		Description:     "How we shot the new clip. Watch now!",
		MediaURL:        "https://cdn.example.test/" + id + ".mp4",
		DurationSeconds: 45,
		CreatedAt:       baseTime,
	}))
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
