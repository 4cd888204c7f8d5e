package resilience

import (
	"fmt"
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerDefaults mirror the spec's defaults; exported so callers can
// override per-deployment.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 60 * time.Second
)

type breakerRecord struct {
	state           breakerState
	consecFailures  int
	consecSuccesses int
	openedAt        time.Time
	lastReason      Reason
	lastFailureAt   time.Time
}

// CircuitBreaker is a per-account Closed/Open/HalfOpen state machine. It sits
// in front of the Rate-Limit Tracker and AIMD Limit Manager: a request
// rejected while Open never touches either's failure budget.
type CircuitBreaker struct {
	mu sync.Mutex
	m  map[string]*breakerRecord

	failureThreshold int
	successThreshold int
	openDuration     time.Duration
}

// NewCircuitBreaker constructs a breaker with the spec's default
// thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		m:                make(map[string]*breakerRecord),
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		openDuration:     DefaultOpenDuration,
	}
}

// ErrOpen is returned by ShouldAllow when the breaker denies a request; the
// remaining duration until the next HalfOpen probe is attached.
type ErrOpen struct {
	Remaining time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.Remaining)
}

func (b *CircuitBreaker) recordFor(account string) *breakerRecord {
	rec, ok := b.m[account]
	if !ok {
		rec = &breakerRecord{state: stateClosed}
		b.m[account] = rec
	}
	return rec
}

// ShouldAllow reports whether a request to account may proceed. Transitions
// Open → HalfOpen (permitting exactly this request) once open_duration has
// elapsed.
func (b *CircuitBreaker) ShouldAllow(account string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.recordFor(account)
	switch rec.state {
	case stateOpen:
		elapsed := time.Since(rec.openedAt)
		if elapsed >= b.openDuration {
			rec.state = stateHalfOpen
			rec.consecSuccesses = 0
			return nil
		}
		return &ErrOpen{Remaining: b.openDuration - elapsed}
	default:
		return nil
	}
}

// RecordSuccess reports a successful call. In HalfOpen, closes the breaker
// once success_threshold consecutive successes are observed.
func (b *CircuitBreaker) RecordSuccess(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.recordFor(account)
	switch rec.state {
	case stateHalfOpen:
		rec.consecSuccesses++
		if rec.consecSuccesses >= b.successThreshold {
			rec.state = stateClosed
			rec.consecFailures = 0
			rec.consecSuccesses = 0
		}
	case stateClosed:
		rec.consecFailures = 0
	}
}

// RecordFailure reports a failed call. In Closed, opens once
// failure_threshold consecutive failures accumulate. In HalfOpen, any
// failure reopens immediately. reason is recorded on the breaker record so
// the admin surface can show why an account tripped.
func (b *CircuitBreaker) RecordFailure(account string, reason Reason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := b.recordFor(account)
	rec.lastReason = reason
	rec.lastFailureAt = time.Now()
	switch rec.state {
	case stateClosed:
		rec.consecFailures++
		if rec.consecFailures >= b.failureThreshold {
			rec.state = stateOpen
			rec.openedAt = time.Now()
		}
	case stateHalfOpen:
		rec.state = stateOpen
		rec.openedAt = time.Now()
		rec.consecSuccesses = 0
	}
}

// Reset forces account back to Closed with cleared counters.
func (b *CircuitBreaker) Reset(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[account] = &breakerRecord{state: stateClosed}
}

// BreakerSummary is the admin-surface view of one account's breaker state.
type BreakerSummary struct {
	Account         string    `json:"account"`
	State           string    `json:"state"`
	ConsecFailures  int       `json:"consec_failures"`
	ConsecSuccesses int       `json:"consec_successes"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	LastReason      string    `json:"last_reason,omitempty"`
	LastFailureAt   time.Time `json:"last_failure_at,omitempty"`
}

// Summary returns the current state of every tracked account.
func (b *CircuitBreaker) Summary() []BreakerSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BreakerSummary, 0, len(b.m))
	for account, rec := range b.m {
		s := BreakerSummary{
			Account:         account,
			ConsecFailures:  rec.consecFailures,
			ConsecSuccesses: rec.consecSuccesses,
			LastReason:      string(rec.lastReason),
			LastFailureAt:   rec.lastFailureAt,
		}
		switch rec.state {
		case stateOpen:
			s.State = "open"
			s.OpenedAt = rec.openedAt
		case stateHalfOpen:
			s.State = "half_open"
		default:
			s.State = "closed"
		}
		out = append(out, s)
	}
	return out
}
