package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promoter/internal/config"
	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/metrics"
	"promoter/internal/models"
)

var ErrValidation = errors.New("validation failed")

var validate = validator.New(validator.WithRequiredStructEnabled())

// validationError wraps ErrValidation with a readable cause.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// UploadRequest enqueues a long-form upload. Omitted fields default from
// the content record.
type UploadRequest struct {
	ContentID     string `json:"content_id" validate:"required"`
	OwnerID       string `json:"owner_id,omitempty"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	MediaURL      string `json:"media_url,omitempty" validate:"omitempty,url"`
	ShortFormHint *bool  `json:"short_form_hint,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type GenericPostRequest struct {
	ContentID       string          `json:"content_id" validate:"required"`
	Platform        string          `json:"platform" validate:"required,oneof=youtube tiktok instagram facebook twitter pinterest"`
	OwnerID         string          `json:"owner_id,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Payload         *models.Payload `json:"payload,omitempty"`
	SkipIfDuplicate bool            `json:"skip_if_duplicate,omitempty"`
}

type ProducerStore interface {
	InsertTask(ctx context.Context, t *models.Task) error
	FindOpenTask(ctx context.Context, contentID, platform, reason string) (*models.Task, error)
	GetContent(ctx context.Context, id string) (*models.Content, error)
}

type TaskSigner interface {
	Sign(t *models.Task) error
}

// VariantChooser picks caption text for a defaulted payload. An empty
// result keeps the content's own text.
type VariantChooser interface {
	ChooseFor(ctx context.Context, contentID, platform string) (string, error)
}

type Producer struct {
	store    ProducerStore
	signer   TaskSigner
	chooser  VariantChooser
	bus      *events.EventBus
	queue    config.QueueConfig
	defaults config.DefaultsConfig
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewProducer(store ProducerStore, signer TaskSigner, chooser VariantChooser, bus *events.EventBus, queue config.QueueConfig, logger *zerolog.Logger) *Producer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Producer{
		store:   store,
		signer:  signer,
		chooser: chooser,
		bus:     bus,
		queue:   queue,
		now:     time.Now,
		logger:  logger,
	}
}

// SetDefaults sets the payload values used when a content record leaves
// them empty.
func (p *Producer) SetDefaults(d config.DefaultsConfig) {
	p.defaults = d
}

// SetClock replaces the time source.
func (p *Producer) SetClock(now func() time.Time) {
	p.now = now
}

// EnqueueUpload queues a YouTube upload for a content item.
func (p *Producer) EnqueueUpload(ctx context.Context, req UploadRequest) (*models.Task, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	content, err := p.resolveContent(ctx, req.ContentID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	body := models.DefaultPayload(models.PlatformYouTube, *content).YouTube
	if req.Title != "" {
		body.Title = req.Title
	}
	if req.Description != "" {
		body.Description = req.Description
	}
	if req.MediaURL != "" {
		body.MediaURL = req.MediaURL
	}
	if req.ShortFormHint != nil {
		body.ShortForm = *req.ShortFormHint
	}
	payload := models.Payload{Platform: models.PlatformYouTube, YouTube: body}

	variant := payload.Text()
	if req.Description == "" {
		payload, variant = p.applyVariant(ctx, content.ID, models.PlatformYouTube, payload)
	}

	task := p.newTask(models.KindUpload, models.PlatformYouTube, content, reasonOr(req.Reason), payload, variant, p.queue.Upload.MaxAttempts)
	if err := p.persist(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// EnqueueGenericPost queues a post for any platform. With SkipIfDuplicate
// an existing queued or processing task for the same content, platform and
// reason is returned instead and created is false.
func (p *Producer) EnqueueGenericPost(ctx context.Context, req GenericPostRequest) (task *models.Task, created bool, err error) {
	if err := validate.Struct(req); err != nil {
		return nil, false, validationError(err)
	}
	reason := reasonOr(req.Reason)

	content, err := p.resolveContent(ctx, req.ContentID, req.OwnerID)
	if err != nil {
		return nil, false, err
	}

	var payload models.Payload
	var variant string
	if req.Payload != nil {
		if req.Payload.Platform == "" {
			req.Payload.Platform = req.Platform
		}
		payload = *req.Payload
		variant = payload.Text()
	} else {
		payload, variant = p.applyVariant(ctx, content.ID, req.Platform, models.DefaultPayload(req.Platform, *content))
	}

	if req.SkipIfDuplicate {
		existing, err := p.store.FindOpenTask(ctx, content.ID, req.Platform, reason)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			p.logger.Debug().
				Str("task_id", existing.ID).
				Str("content_id", content.ID).
				Str("platform", req.Platform).
				Str("reason", reason).
				Msg("open task exists, skipping enqueue")
			return existing, false, nil
		}
	}

	task = p.newTask(models.KindGenericPost, req.Platform, content, reason, payload, variant, p.queue.GenericPost.MaxAttempts)
	if err := p.persist(ctx, task); err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// resolveContent loads the content record. Unknown content is accepted
// only when the caller names the owner.
func (p *Producer) resolveContent(ctx context.Context, contentID, ownerID string) (*models.Content, error) {
	content, err := p.store.GetContent(ctx, contentID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		content = &models.Content{ID: contentID}
	case err != nil:
		return nil, fmt.Errorf("resolve content %s: %w", contentID, err)
	}
	if ownerID != "" {
		content.OwnerID = ownerID
	}
	if content.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner of content %s is unknown", ErrValidation, contentID)
	}
	if content.PinterestBoardID == "" {
		content.PinterestBoardID = p.defaults.PinterestBoardID
	}
	return content, nil
}

func (p *Producer) applyVariant(ctx context.Context, contentID, platform string, payload models.Payload) (models.Payload, string) {
	if p.chooser == nil {
		return payload, payload.Text()
	}
	variant, err := p.chooser.ChooseFor(ctx, contentID, platform)
	if err != nil {
		p.logger.Warn().Err(err).Str("content_id", contentID).Str("platform", platform).Msg("variant choice failed, using content text")
		return payload, payload.Text()
	}
	if variant == "" {
		return payload, payload.Text()
	}
	return payload.WithText(variant), variant
}

func (p *Producer) newTask(kind, platform string, content *models.Content, reason string, payload models.Payload, variant string, maxAttempts int) *models.Task {
	now := p.now()
	return &models.Task{
		ID:            uuid.NewString(),
		Kind:          kind,
		Platform:      platform,
		ContentID:     content.ID,
		OwnerID:       content.OwnerID,
		Payload:       payload,
		Reason:        reason,
		Variant:       variant,
		Status:        models.StatusQueued,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// persist validates the final payload, signs and inserts. Nothing is
// written when any step fails.
func (p *Producer) persist(ctx context.Context, task *models.Task) error {
	if err := task.Payload.Validate(); err != nil {
		return validationError(err)
	}
	if task.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts not configured for %s", ErrValidation, task.Kind)
	}
	if err := p.signer.Sign(task); err != nil {
		return fmt.Errorf("sign task: %w", err)
	}
	if err := p.store.InsertTask(ctx, task); err != nil {
		return err
	}

	metrics.IncEnqueued(task.Kind, task.Platform, task.Reason)
	p.logger.Info().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Str("platform", task.Platform).
		Str("content_id", task.ContentID).
		Str("reason", task.Reason).
		Msg("task enqueued")
	if err := p.bus.PublishJSON(events.EventTaskEnqueued, events.TaskEventPayload{
		TaskID:    task.ID,
		Kind:      task.Kind,
		Platform:  task.Platform,
		ContentID: task.ContentID,
		OwnerID:   task.OwnerID,
		Reason:    task.Reason,
	}); err != nil {
		p.logger.Warn().Err(err).Msg("publish enqueue event")
	}
	return nil
}

func reasonOr(reason string) string {
	if reason == "" {
		return models.ReasonManual
	}
	return reason
}
