package export

import (
	"bytes"
	"testing"
	"time"

	"promoter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var generated = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleEntries() []models.DeadLetterTask {
	return []models.DeadLetterTask{
		{
			ID:   "dl-2",
			Task: models.Task{ID: "t2", Kind: models.KindUpload, Platform: models.PlatformYouTube, ContentID: "C2"},
			Failed: models.FailureInfo{
				Error: "quota exceeded", Attempts: 3, Reason: models.FailureRateLimited,
				FailedAt: generated.Add(-time.Hour),
			},
		},
		{
			ID:   "dl-1",
			Task: models.Task{ID: "t1", Kind: models.KindGenericPost, Platform: models.PlatformTwitter, ContentID: "C1"},
			Failed: models.FailureInfo{
				Error: "token revoked", Attempts: 1, Reason: "auth_revoked",
				FailedAt: generated.Add(-2 * time.Hour),
			},
		},
		{
			ID:   "dl-0",
			Task: models.Task{ID: "t0", Kind: models.KindGenericPost, Platform: models.PlatformTwitter, ContentID: "C1"},
			Failed: models.FailureInfo{
				Error: "context deadline exceeded", Attempts: 3, Reason: models.FailureRateLimited,
				FailedAt: generated.Add(-3 * time.Hour),
			},
		},
	}
}

func TestWriteDeadLetters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDeadLetters(&buf, sampleEntries(), generated))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{entriesSheet, summarySheet}, f.GetSheetList())

	rows, err := f.GetRows(entriesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, deadLetterHeaders, rows[0])
	assert.Equal(t, []string{
		"dl-2", "t2", models.KindUpload, models.PlatformYouTube, "C2",
		models.FailureRateLimited, "3", "2025-03-01T11:00:00Z", "quota exceeded",
	}, rows[1])
	assert.Equal(t, "auth_revoked", rows[2][5])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 4)
	assert.Equal(t, []string{"auth_revoked", "1"}, summary[2])
	assert.Equal(t, []string{models.FailureRateLimited, "2"}, summary[3])
}

func TestSaveDeadLettersEmpty(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveDeadLetters(dir, nil, generated)
	require.NoError(t, err)
	assert.Contains(t, path, "dead_letters_20250301_120000.xlsx")

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(entriesSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}
