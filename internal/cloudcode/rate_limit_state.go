// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"net/http"
	"sync"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/config"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/resilience"
	"github.com/antigravity-proxy/antigravity-proxy-go/internal/utils"
)

// sharedRateLimitTracker is the package-level Rate-Limit Tracker instance
// the request handler loop marks and queries against. A single tracker
// covers every account+model key in the process, per spec §5's "one
// concurrent map keyed by RateLimitKey."
var (
	sharedRateLimitTracker     *resilience.RateLimitTracker
	sharedRateLimitTrackerOnce sync.Once
)

func rateLimitTracker() *resilience.RateLimitTracker {
	sharedRateLimitTrackerOnce.Do(func() {
		sharedRateLimitTracker = resilience.NewRateLimitTracker()
	})
	return sharedRateLimitTracker
}

// BackoffResult contains backoff calculation results for one handler-loop
// retry decision.
type BackoffResult struct {
	Attempt     int
	DelayMs     int64
	IsDuplicate bool
}

// GetDedupKey is retained only for log lines; the Rate-Limit Tracker itself
// never joins account/model into a string (see resilience.RateLimitKey).
func GetDedupKey(email, model string) string {
	return email + ":" + model
}

// GetRateLimitBackoff marks a 429/5xx/529 against the account+model key and
// returns the delay the caller should wait before the next attempt.
func GetRateLimitBackoff(email, model string, serverRetryAfterMs int64) *BackoffResult {
	key := resilience.ModelKey(email, model)
	headers := http.Header{}
	if serverRetryAfterMs > 0 {
		headers.Set("retry-after", itoaSeconds(serverRetryAfterMs))
	}

	wasLimited := rateLimitTracker().IsLimited(key)
	rec := rateLimitTracker().Mark(key, 429, headers, "")
	if rec == nil {
		return &BackoffResult{Attempt: 1, DelayMs: max64(serverRetryAfterMs, config.FirstRetryDelayMs)}
	}

	delayMs := int64(rec.RetryAt.Sub(rec.LastFailureAt).Milliseconds())
	utils.Debug("[CloudCode] Rate limit backoff for %s:%s: attempt=%d, delayMs=%d",
		email, model, rec.FailureCount, delayMs)

	return &BackoffResult{
		Attempt:     rec.FailureCount,
		DelayMs:     delayMs,
		IsDuplicate: wasLimited,
	}
}

func itoaSeconds(ms int64) string {
	seconds := ms / 1000
	if seconds < 1 {
		seconds = 1
	}
	buf := [20]byte{}
	i := len(buf)
	if seconds == 0 {
		i--
		buf[i] = '0'
	}
	for seconds > 0 {
		i--
		buf[i] = byte('0' + seconds%10)
		seconds /= 10
	}
	return string(buf[i:])
}

// ClearRateLimitState clears rate limit state after a successful request.
func ClearRateLimitState(email, model string) {
	rateLimitTracker().MarkSuccess(resilience.ModelKey(email, model))
}

// IsPermanentAuthFailure detects permanent authentication failures that
// require re-authentication.
func IsPermanentAuthFailure(errorText string) bool {
	lower := utils.ToLower(errorText)
	return utils.ContainsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsVerificationRequired403 detects the subset of 403 responses that mean
// the underlying Google Cloud project itself needs attention (disabled API,
// invalid consumer, unverified project) rather than a transient permission
// error — these warrant a long account-wide lockout instead of the generic
// 30-second one.
func IsVerificationRequired403(errorText string) bool {
	return utils.ContainsAny(errorText,
		"SERVICE_DISABLED",
		"CONSUMER_INVALID",
		"verify your account",
		"Permission denied on resource project")
}

// IsModelCapacityExhausted detects if a 429 is due to model capacity (not
// user quota) — a no-op for the Rate-Limit Tracker, but the handler loop
// still needs it to decide whether to retry without blocklisting.
func IsModelCapacityExhausted(errorText string) bool {
	lower := utils.ToLower(errorText)
	return utils.ContainsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// CalculateSmartBackoff calculates the wait before retrying, given a known
// server reset (if any) or the Rate-Limit Tracker's per-reason default
// table indexed by consecutive failures on this key.
func CalculateSmartBackoff(errorText string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return max64(serverResetMs, config.MinBackoffMs)
	}

	reason := ParseRateLimitReason(errorText, 0)
	switch reason {
	case RateLimitReasonQuotaExhausted:
		tierIndex := min(consecutiveFailures, len(config.QuotaExhaustedBackoffTiersMs)-1)
		return config.QuotaExhaustedBackoffTiersMs[tierIndex]
	case RateLimitReasonRateLimitExceeded:
		return config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"]
	case RateLimitReasonModelCapacityExhausted:
		return config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"] + utils.GenerateJitter(config.CapacityJitterMaxMs)
	case RateLimitReasonServerError:
		return config.BackoffByErrorType["SERVER_ERROR"]
	default:
		return config.BackoffByErrorType["UNKNOWN"]
	}
}

// Helper functions
func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
