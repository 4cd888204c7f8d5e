package resilience

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reason classifies why an upstream call was rejected.
type Reason string

const (
	ReasonRateLimitExceeded     Reason = "RATE_LIMIT_EXCEEDED"
	ReasonQuotaExhausted        Reason = "QUOTA_EXHAUSTED"
	ReasonModelCapacityExhausted Reason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError           Reason = "SERVER_ERROR"
	ReasonUnknown               Reason = "UNKNOWN"
)

// trackableStatus reports whether mark() applies to this status at all.
func trackableStatus(status int) bool {
	switch status {
	case 429, 500, 503, 529:
		return true
	default:
		return false
	}
}

type errorDetailsBody struct {
	Error struct {
		Message string `json:"message"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// ClassifyReason derives the Reason for a trackable status, in priority
// order: structured error.details[0].reason, then error.message text, then
// a scan of the raw lower-cased body, then a status-code fallback.
func ClassifyReason(status int, body string) Reason {
	var parsed errorDetailsBody
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		if len(parsed.Error.Details) > 0 {
			switch strings.ToUpper(parsed.Error.Details[0].Reason) {
			case "QUOTA_EXHAUSTED":
				return ReasonQuotaExhausted
			case "RATE_LIMIT_EXCEEDED":
				return ReasonRateLimitExceeded
			case "MODEL_CAPACITY_EXHAUSTED":
				return ReasonModelCapacityExhausted
			}
		}
		if msg := strings.ToLower(parsed.Error.Message); msg != "" {
			if strings.Contains(msg, "per minute") || strings.Contains(msg, "rate limit") {
				return ReasonRateLimitExceeded
			}
		}
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "per minute"), strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return ReasonRateLimitExceeded
	case strings.Contains(lower, "exhausted"), strings.Contains(lower, "quota"):
		return ReasonQuotaExhausted
	}

	switch status {
	case 500, 503, 529:
		return ReasonServerError
	}
	return ReasonUnknown
}

var (
	quotaDelayRegex    = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)\s*(ms|s)\b`)
	retrySecondsWord   = regexp.MustCompile(`(?i)retry[-_ ]?after[:\s"]*(\d+)\s*seconds?\b`)
	compoundMinSec     = regexp.MustCompile(`(?i)(\d+)\s*m\s*(\d+)\s*s\b`)
	compoundHourMinSec = regexp.MustCompile(`(?i)(\d+)\s*h\s*(\d+)\s*m\s*(\d+)\s*s\b`)
)

// ParseRetryDelay implements the priority-ordered delay selection from the
// rate-limit tracker's "mark" algorithm: explicit header, then body
// patterns. Returns (delay, true) when a delay was found, clamped to a
// 2-second floor per the header case.
func ParseRetryDelay(headers http.Header, body string) (time.Duration, bool) {
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			d := time.Duration(seconds) * time.Second
			if d < 2*time.Second {
				d = 2 * time.Second
			}
			return d, true
		}
		if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				if d < 2*time.Second {
					d = 2 * time.Second
				}
				return d, true
			}
		}
	}

	if match := compoundHourMinSec.FindStringSubmatch(body); match != nil {
		h, _ := strconv.Atoi(match[1])
		m, _ := strconv.Atoi(match[2])
		s, _ := strconv.Atoi(match[3])
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
	}
	if match := compoundMinSec.FindStringSubmatch(body); match != nil {
		m, _ := strconv.Atoi(match[1])
		s, _ := strconv.Atoi(match[2])
		return time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
	}
	if match := quotaDelayRegex.FindStringSubmatch(body); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		if strings.EqualFold(match[2], "s") {
			return time.Duration(value * float64(time.Second)), true
		}
		return time.Duration(value * float64(time.Millisecond)), true
	}
	if match := retrySecondsWord.FindStringSubmatch(body); match != nil {
		seconds, _ := strconv.Atoi(match[1])
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// defaultDelay is the per-reason default table indexed by consecutive
// failure count on the same key (1-based attempt), attempts beyond the
// table's length reuse its last entry.
func defaultDelay(reason Reason, attempt int) time.Duration {
	switch reason {
	case ReasonQuotaExhausted:
		tiers := []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second, 7200 * time.Second}
		idx := attempt - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(tiers) {
			idx = len(tiers) - 1
		}
		return tiers[idx]
	case ReasonRateLimitExceeded:
		return 5 * time.Second
	case ReasonServerError:
		return 20 * time.Second
	default:
		return 60 * time.Second
	}
}

// adaptiveLockoutTiers backs AdaptiveLockout's internal fallback path
// (non-upstream failures, e.g. local dispatch errors).
var adaptiveLockoutTiers = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second}
