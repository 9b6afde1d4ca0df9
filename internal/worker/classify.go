package worker

import (
	"context"
	"errors"
	"strings"

	"promoter/internal/models"
	"promoter/internal/publisher"
)

// Classification is how a publish failure is resolved.
type Classification struct {
	Retryable bool
	Reason    string
}

const reasonUnsupportedPlatform = "unsupported_platform"

var (
	rateLimitHints = []string{"rate limit", "ratelimit", "too many requests", "429", "quota"}
	timeoutHints   = []string{"timeout", "timed out", "deadline exceeded"}
	transientHints = []string{
		"connection reset", "connection refused", "broken pipe", "temporarily unavailable",
		"try again", "eof", "502", "503", "504", "bad gateway", "service unavailable",
	}
)

// Classify maps an adapter error to retryable or permanent. Structured
// publisher errors decide by themselves; anything else is matched against
// known transient hints and otherwise treated as transient so that an
// unrecognized outage ends in a replayable dead-letter entry.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Reason: models.FailureTimeout}
	}
	if errors.Is(err, publisher.ErrNoPublisher) {
		return Classification{Reason: reasonUnsupportedPlatform}
	}

	var perr *publisher.Error
	if errors.As(err, &perr) {
		if !perr.Retryable {
			return Classification{Reason: perr.Code}
		}
		if perr.Code == publisher.CodeRateLimited {
			return Classification{Retryable: true, Reason: models.FailureRateLimited}
		}
		return Classification{Retryable: true, Reason: models.FailureTransient}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitHints):
		return Classification{Retryable: true, Reason: models.FailureRateLimited}
	case containsAny(msg, timeoutHints):
		return Classification{Retryable: true, Reason: models.FailureTimeout}
	case containsAny(msg, transientHints):
		return Classification{Retryable: true, Reason: models.FailureTransient}
	}
	return Classification{Retryable: true, Reason: models.FailureTransient}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
