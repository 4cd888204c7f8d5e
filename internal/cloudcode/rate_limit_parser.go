// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"net/http"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/resilience"
)

// RateLimitReason aliases the resilience package's reason taxonomy so
// callers in this package don't need to import resilience directly for the
// handful of constants they switch on.
type RateLimitReason = resilience.Reason

const (
	RateLimitReasonRateLimitExceeded      = resilience.ReasonRateLimitExceeded
	RateLimitReasonQuotaExhausted         = resilience.ReasonQuotaExhausted
	RateLimitReasonModelCapacityExhausted = resilience.ReasonModelCapacityExhausted
	RateLimitReasonServerError            = resilience.ReasonServerError
	RateLimitReasonUnknown                = resilience.ReasonUnknown
)

// ParseResetTime parses reset time from HTTP headers or error message,
// delegating to the Rate-Limit Tracker's delay-selection algorithm.
// Returns milliseconds or -1 if not found.
func ParseResetTime(headers http.Header, errorText string) int64 {
	d, ok := resilience.ParseRetryDelay(headers, errorText)
	if !ok {
		return -1
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		return 500
	}
	if ms < 500 {
		return ms + 200
	}
	return ms
}

// ParseRateLimitReason classifies an error body/status into a RateLimitReason.
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	return resilience.ClassifyReason(status, errorText)
}
