package worker

import (
	"math"
	"time"

	"promoter/internal/config"
	"promoter/internal/models"
)

// RetryPolicy defines exponential backoff parameters for one task kind.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
	}
}

// Policies maps task kinds to their retry policy.
type Policies map[string]RetryPolicy

func PoliciesFromConfig(q config.QueueConfig) Policies {
	return Policies{
		models.KindUpload:      PolicyFromConfig(q.Upload),
		models.KindGenericPost: PolicyFromConfig(q.GenericPost),
	}
}

// DefaultPolicies are the per-kind constants used when nothing is configured.
func DefaultPolicies() Policies {
	return Policies{
		models.KindUpload:      PolicyFromConfig(config.DefaultUploadRetry),
		models.KindGenericPost: PolicyFromConfig(config.DefaultGenericPostRetry),
	}
}

// For returns the policy for kind, falling back to the generic-post one.
func (p Policies) For(kind string) RetryPolicy {
	if pol, ok := p[kind]; ok {
		return pol
	}
	return PolicyFromConfig(config.DefaultGenericPostRetry)
}
