package models

// Task kinds. Each kind is its own queue.
const (
	KindUpload      = "upload"
	KindGenericPost = "generic-post"
)

// Task statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Why a task was enqueued.
const (
	ReasonManual      = "manual"
	ReasonDecayRepost = "decay-repost"
)

// Dead-letter failure reasons. Permanent publisher codes (auth_revoked,
// content_policy_violation, ...) are stored verbatim next to these.
const (
	FailureTransient    = "transient"
	FailureTimeout      = "timeout"
	FailureRateLimited  = "rate_limited"
	FailureSignature    = "signature"
	FailureLeaseExpired = "lease_expired"
)

const (
	PlatformYouTube   = "youtube"
	PlatformTikTok    = "tiktok"
	PlatformInstagram = "instagram"
	PlatformFacebook  = "facebook"
	PlatformTwitter   = "twitter"
	PlatformPinterest = "pinterest"
)

// Platforms lists every platform a payload can target.
var Platforms = []string{
	PlatformYouTube,
	PlatformTikTok,
	PlatformInstagram,
	PlatformFacebook,
	PlatformTwitter,
	PlatformPinterest,
}

const (
	// ShortFormMaxSeconds is the longest media still treated as short-form.
	ShortFormMaxSeconds = 60

	// ActorSystem marks audit entries written by background jobs.
	ActorSystem = "system"
)

// IsReplayableFailure reports whether a dead-letter reason may re-enter
// the queue through selective replay. Signature failures are replayable
// only after an explicit revalidation pass.
func IsReplayableFailure(reason string) bool {
	switch reason {
	case FailureTransient, FailureTimeout, FailureRateLimited, FailureLeaseExpired:
		return true
	}
	return false
}
