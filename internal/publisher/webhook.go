package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"promoter/internal/config"
	"promoter/internal/models"
)

// Webhook forwards publish requests for one platform to an external
// bridge service that owns the native platform client.
type Webhook struct {
	platform string
	endpoint string
	token    string
	client   *http.Client
}

func NewWebhook(cfg config.WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{
		platform: cfg.Platform,
		endpoint: strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		client:   client,
	}
}

type webhookRequest struct {
	TaskID    string         `json:"task_id"`
	ContentID string         `json:"content_id"`
	Platform  string         `json:"platform"`
	Payload   models.Payload `json:"payload"`
	Variant   string         `json:"variant,omitempty"`
}

type webhookError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func (w *Webhook) Publish(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(webhookRequest{
		TaskID:    req.TaskID,
		ContentID: req.ContentID,
		Platform:  req.Platform,
		Payload:   req.Payload,
		Variant:   req.Variant,
	})
	if err != nil {
		return Result{}, permanent(CodeInvalidPayload, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/publish", bytes.NewReader(body))
	if err != nil {
		return Result{}, permanent(CodeInvalidPayload, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TaskID)
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, w.decodeError(resp)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, transient(CodeUnavailable, "decode bridge response", err)
	}
	if res.ExternalID == "" {
		return Result{}, transient(CodeUnavailable, "bridge response without external_id", nil)
	}
	return res, nil
}

func (w *Webhook) FetchMetrics(ctx context.Context, externalID string) (models.PostMetrics, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.endpoint+"/metrics/"+url.PathEscape(externalID), nil)
	if err != nil {
		return models.PostMetrics{}, err
	}
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return models.PostMetrics{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.PostMetrics{}, w.decodeError(resp)
	}
	var m models.PostMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return models.PostMetrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}

func (w *Webhook) authorize(r *http.Request) {
	if w.token != "" {
		r.Header.Set("Authorization", "Bearer "+w.token)
	}
}

func (w *Webhook) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var we webhookError
	_ = json.Unmarshal(raw, &we)

	msg := we.Message
	if msg == "" {
		msg = fmt.Sprintf("%s bridge returned %d", w.platform, resp.StatusCode)
	}

	code := we.Code
	retryable := false
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		code, retryable = firstCode(code, CodeAuthRevoked), false
	case resp.StatusCode == http.StatusForbidden:
		code, retryable = firstCode(code, CodeForbidden), false
	case resp.StatusCode == http.StatusTooManyRequests:
		code, retryable = firstCode(code, CodeRateLimited), true
	case resp.StatusCode >= 500:
		code, retryable = firstCode(code, CodeUnavailable), true
	default:
		code = firstCode(code, CodeInvalidPayload)
	}
	if we.Retryable != nil {
		retryable = *we.Retryable
	}
	return &Error{Code: code, Message: msg, Retryable: retryable}
}

func firstCode(fromBody, fallback string) string {
	if fromBody != "" {
		return fromBody
	}
	return fallback
}
