// Package publisher defines the contract platform adapters implement and
// the adapters shipped with the worker.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"promoter/internal/config"
	"promoter/internal/models"
)

// Error codes adapters report. Codes outside the retryable set are
// treated as permanent by the processor.
const (
	CodeAuthRevoked    = "auth_revoked"
	CodeContentPolicy  = "content_policy_violation"
	CodeForbidden      = "forbidden"
	CodeInvalidPayload = "invalid_payload"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
)

var ErrNoPublisher = errors.New("no publisher registered for platform")

// Request is what the processor hands to an adapter.
type Request struct {
	TaskID    string
	ContentID string
	Platform  string
	Payload   models.Payload
	Variant   string
}

// Result is a successful publish.
type Result struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url,omitempty"`
}

// Publisher posts one payload to one platform. Implementations must be
// idempotent on Request.TaskID since delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// MetricsFetcher is implemented by adapters that can read back engagement
// for a published post.
type MetricsFetcher interface {
	FetchMetrics(ctx context.Context, externalID string) (models.PostMetrics, error)
}

// Error is a structured adapter failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func permanent(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func transient(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Retryable: true, Err: err}
}

// Registry maps platforms to adapters.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]Publisher)}
}

func (r *Registry) Register(platform string, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[platform] = p
}

func (r *Registry) Get(platform string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPublisher, platform)
	}
	return p, nil
}

// Fetcher returns the metrics reader for platform if its adapter has one.
func (r *Registry) Fetcher(platform string) (MetricsFetcher, bool) {
	p, err := r.Get(platform)
	if err != nil {
		return nil, false
	}
	f, ok := p.(MetricsFetcher)
	return f, ok
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.publishers))
	for p := range r.publishers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FromConfig registers the YouTube adapter when credentials are present and
// one webhook bridge per configured platform. A webhook for youtube takes
// precedence over the native adapter.
func FromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()
	if cfg.YouTube.ClientID != "" {
		yt, err := NewYouTube(ctx, cfg.YouTube)
		if err != nil {
			return nil, err
		}
		reg.Register(models.PlatformYouTube, yt)
	}
	for _, h := range cfg.Webhooks {
		reg.Register(h.Platform, NewWebhook(h, nil))
	}
	return reg, nil
}
