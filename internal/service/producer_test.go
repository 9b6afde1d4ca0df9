package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/models"
)

// MockProducerStore is a mock of ProducerStore.
type MockProducerStore struct {
	mock.Mock
}

func (m *MockProducerStore) InsertTask(ctx context.Context, t *models.Task) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockProducerStore) FindOpenTask(ctx context.Context, contentID, platform, reason string) (*models.Task, error) {
	args := m.Called(ctx, contentID, platform, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *MockProducerStore) GetContent(ctx context.Context, id string) (*models.Content, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Content), args.Error(1)
}

type stubChooser struct {
	variant string
	err     error
}

func (s stubChooser) ChooseFor(context.Context, string, string) (string, error) {
	return s.variant, s.err
}

func TestEnqueueGenericPostDefaults(t *testing.T) {
	db := newTestDB(t)
	s := newSigner(t)
	seedContent(t, db, "C1", "U1")

	bus := events.NewEventBus(nil)
	var enqueued int
	bus.Subscribe(events.EventTaskEnqueued, func(*events.Event) error { enqueued++; return nil })

	p := NewProducer(db, s, nil, bus, testQueue(), nil)
	p.SetClock(fixedClock(baseTime))

	task, created, err := p.EnqueueGenericPost(context.Background(), GenericPostRequest{
		ContentID: "C1",
		Platform:  models.PlatformTwitter,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, enqueued)

	assert.Equal(t, models.StatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempts)
	assert.Equal(t, 5, task.MaxAttempts)
	assert.Equal(t, baseTime, task.NextAttemptAt)
	assert.Equal(t, "U1", task.OwnerID)
	assert.Equal(t, models.ReasonManual, task.Reason)
	require.NotNil(t, task.Payload.Twitter)
	assert.Equal(t, "Behind the scenes", task.Payload.Twitter.Text)
	assert.Equal(t, "Behind the scenes", task.Variant)
	assert.True(t, s.Verify(task))

	stored, err := db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, s.Verify(stored))
}

func TestEnqueueGenericPostSkipIfDuplicate(t *testing.T) {
	db := newTestDB(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, newSigner(t), nil, nil, testQueue(), nil)
	ctx := context.Background()

	req := GenericPostRequest{
		ContentID:       "C1",
		Platform:        models.PlatformTwitter,
		Reason:          models.ReasonDecayRepost,
		SkipIfDuplicate: true,
	}
	first, created, err := p.EnqueueGenericPost(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := p.EnqueueGenericPost(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	req.SkipIfDuplicate = false
	_, created, err = p.EnqueueGenericPost(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnqueueValidationNeverWrites(t *testing.T) {
	store := new(MockProducerStore)
	store.On("GetContent", mock.Anything, "C404").Return(nil, database.ErrNotFound)
	store.On("GetContent", mock.Anything, "C1").Return(&models.Content{ID: "C1", OwnerID: "U1"}, nil)

	p := NewProducer(store, newSigner(t), nil, nil, testQueue(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  GenericPostRequest
	}{
		{"missing content", GenericPostRequest{Platform: models.PlatformTwitter}},
		{"missing platform", GenericPostRequest{ContentID: "C1"}},
		{"unknown platform", GenericPostRequest{ContentID: "C1", Platform: "myspace"}},
		{"unknown owner", GenericPostRequest{ContentID: "C404", Platform: models.PlatformTwitter}},
		{"empty default body", GenericPostRequest{ContentID: "C1", Platform: models.PlatformTwitter}},
		{"mismatched payload", GenericPostRequest{
			ContentID: "C1",
			Platform:  models.PlatformTwitter,
			Payload: &models.Payload{
				Platform: models.PlatformTwitter,
				Facebook: &models.FacebookPayload{Message: "hi"},
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := p.EnqueueGenericPost(ctx, tc.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := p.EnqueueUpload(ctx, UploadRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	store.AssertNotCalled(t, "InsertTask", mock.Anything, mock.Anything)
}

func TestEnqueueUpload(t *testing.T) {
	db := newTestDB(t)
	seedContent(t, db, "C1", "U1")
	p := NewProducer(db, newSigner(t), nil, nil, testQueue(), nil)

	task, err := p.EnqueueUpload(context.Background(), UploadRequest{ContentID: "C1", Title: "Director's cut"})
	require.NoError(t, err)
	assert.Equal(t, models.KindUpload, task.Kind)
	assert.Equal(t, models.PlatformYouTube, task.Platform)
	assert.Equal(t, 3, task.MaxAttempts)
	require.NotNil(t, task.Payload.YouTube)
	assert.Equal(t, "Director's cut", task.Payload.YouTube.Title)
	assert.True(t, task.Payload.YouTube.ShortForm, "45s media is short-form")

	long := false
	task, err = p.EnqueueUpload(context.Background(), UploadRequest{
		ContentID:     "C2",
		OwnerID:       "U2",
		Title:         "Unknown content",
		MediaURL:      "https://cdn.example.test/c2.mp4",
		ShortFormHint: &long,
	})
	require.NoError(t, err)
	assert.Equal(t, "U2", task.OwnerID)
	assert.False(t, task.Payload.YouTube.ShortForm)
}

func TestEnqueueAppliesChosenVariant(t *testing.T) {
	db := newTestDB(t)
	seedContent(t, db, "C1", "U1")
	ctx := context.Background()

	p := NewProducer(db, newSigner(t), stubChooser{variant: "New clip out now! #bts"}, nil, testQueue(), nil)
	task, _, err := p.EnqueueGenericPost(ctx, GenericPostRequest{ContentID: "C1", Platform: models.PlatformTwitter})
	require.NoError(t, err)
	assert.Equal(t, "New clip out now! #bts", task.Payload.Twitter.Text)
	assert.Equal(t, "New clip out now! #bts", task.Variant)

	// Caller payloads are never rewritten.
	task, _, err = p.EnqueueGenericPost(ctx, GenericPostRequest{
		ContentID: "C1",
		Platform:  models.PlatformTwitter,
		Payload:   &models.Payload{Twitter: &models.TwitterPayload{Text: "exact words"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "exact words", task.Payload.Twitter.Text)

	p = NewProducer(db, newSigner(t), stubChooser{err: errors.New("store down")}, nil, testQueue(), nil)
	task, _, err = p.EnqueueGenericPost(ctx, GenericPostRequest{ContentID: "C1", Platform: models.PlatformTwitter})
	require.NoError(t, err)
	assert.Equal(t, "Behind the scenes", task.Payload.Twitter.Text)
}
