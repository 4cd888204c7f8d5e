package resilience

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AIMD defaults per spec §4.4.
const (
	AIMDAlpha        = 0.05
	AIMDBeta         = 0.7
	AIMDMinLimit     = 10.0
	AIMDMaxLimit     = 1000.0
	AIMDSafetyMargin = 0.85

	aimdWindow              = 60 * time.Second
	aimdRewardStreak        = 3
	aimdCalibrationSuppress = 300 * time.Second
)

// ProbeStrategy is the AIMD manager's recommendation for how aggressively
// to speculate on headroom, as a function of usage ratio.
type ProbeStrategy int

const (
	ProbeNone ProbeStrategy = iota
	ProbeCheap
	ProbeDelayedHedge
	ProbeImmediateHedge
)

type requestMark struct{ at time.Time }

// aimdTracker is the per-account AIMD state. Generalizes the flat
// token-bucket regeneration in account/strategies/trackers.TokenBucketTracker
// into true additive-increase/multiplicative-decrease math, confirmed
// against the corresponding Rust tracker's reload confidence table.
type aimdTracker struct {
	confirmedLimit         float64
	workingThreshold       float64
	ceiling                float64
	consecutiveAboveThresh int
	lastCalibration        time.Time
	window                 []requestMark

	probeLimiter *rate.Limiter
}

// aimdInitialLimit is the conservative starting confirmed_limit for an
// account the manager has never calibrated, matching the Rust original's
// adaptive_limit.rs default for unknown accounts rather than guessing at
// half of AIMDMaxLimit.
const aimdInitialLimit = 15.0

func newAIMDTracker() *aimdTracker {
	t := &aimdTracker{
		confirmedLimit:  aimdInitialLimit,
		lastCalibration: time.Now(),
		probeLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	t.recomputeDerived()
	return t
}

func (t *aimdTracker) recomputeDerived() {
	t.workingThreshold = AIMDSafetyMargin * t.confirmedLimit
	t.ceiling = t.confirmedLimit
}

func (t *aimdTracker) pruneWindow(now time.Time) {
	cutoff := now.Add(-aimdWindow)
	i := 0
	for i < len(t.window) && t.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.window = t.window[i:]
	}
}

func (t *aimdTracker) requestsThisMinute(now time.Time) int {
	t.pruneWindow(now)
	return len(t.window)
}

// AIMDLimitManager tracks, per account, an adaptively calibrated request
// ceiling via additive-increase-on-success / multiplicative-decrease-on-429.
type AIMDLimitManager struct {
	mu sync.Mutex
	m  map[string]*aimdTracker
}

// NewAIMDLimitManager constructs an empty manager.
func NewAIMDLimitManager() *AIMDLimitManager {
	return &AIMDLimitManager{m: make(map[string]*aimdTracker)}
}

func (a *AIMDLimitManager) trackerFor(account string) *aimdTracker {
	t, ok := a.m[account]
	if !ok {
		t = newAIMDTracker()
		a.m[account] = t
	}
	return t
}

// RecordRequest marks one outgoing request for account, for the sliding
// 60-second window used by the probe strategy and the reward streak.
func (a *AIMDLimitManager) RecordRequest(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.trackerFor(account)
	now := time.Now()
	t.window = append(t.window, requestMark{at: now})
	t.pruneWindow(now)
}

// RecordSuccess reports a success above the working threshold towards the
// additive-increase streak; after three, bumps confirmed_limit by (1+α).
func (a *AIMDLimitManager) RecordSuccess(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.trackerFor(account)
	now := time.Now()

	if float64(t.requestsThisMinute(now)) < t.workingThreshold {
		return
	}
	t.consecutiveAboveThresh++
	if t.consecutiveAboveThresh < aimdRewardStreak {
		return
	}

	t.confirmedLimit = math.Min(AIMDMaxLimit, math.Ceil(t.confirmedLimit*(1+AIMDAlpha)))
	t.recomputeDerived()
	t.consecutiveAboveThresh = 0
	t.lastCalibration = now
}

// Penalize reports a 429 for account, applying the multiplicative decrease.
func (a *AIMDLimitManager) Penalize(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.trackerFor(account)
	now := time.Now()

	hitRate := float64(t.requestsThisMinute(now))
	if hitRate == 0 {
		hitRate = t.confirmedLimit
	}

	t.confirmedLimit = math.Max(AIMDMinLimit, math.Floor(hitRate*AIMDBeta))
	t.ceiling = hitRate
	t.workingThreshold = AIMDSafetyMargin * t.confirmedLimit
	t.lastCalibration = now
	t.consecutiveAboveThresh = 0
}

// ProbeDecision recommends a probe strategy for account based on current
// usage ratio, suppressing probes below 0.90 within 300s of the last
// calibration to avoid oscillation right after a penalize/reward event.
func (a *AIMDLimitManager) ProbeDecision(account string) ProbeStrategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.trackerFor(account)
	now := time.Now()

	if t.workingThreshold <= 0 {
		return ProbeNone
	}
	ratio := float64(t.requestsThisMinute(now)) / t.workingThreshold

	if now.Sub(t.lastCalibration) < aimdCalibrationSuppress && ratio < 0.90 {
		return ProbeNone
	}

	switch {
	case ratio < 0.70:
		return ProbeNone
	case ratio < 0.85:
		if !t.probeLimiter.Allow() {
			return ProbeNone
		}
		return ProbeCheap
	case ratio < 0.95:
		return ProbeDelayedHedge
	default:
		return ProbeImmediateHedge
	}
}

// UsageRatio returns requests-in-the-current-window divided by
// confirmed_limit. The dispatcher skips any candidate whose ratio exceeds
// 1.2 during round-robin selection (spec §4.6 step 4).
func (a *AIMDLimitManager) UsageRatio(account string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.trackerFor(account)
	if t.confirmedLimit <= 0 {
		return 0
	}
	return float64(t.requestsThisMinute(time.Now())) / t.confirmedLimit
}

// ConfirmedLimit returns the current confirmed_limit for account.
func (a *AIMDLimitManager) ConfirmedLimit(account string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trackerFor(account).confirmedLimit
}

// Reload restores a persisted confirmed_limit, applying the age-based
// confidence decay before clamping into [min, max].
func (a *AIMDLimitManager) Reload(account string, storedLimit float64, age time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var confidence float64
	switch {
	case age <= time.Hour:
		confidence = 1.0
	case age <= 6*time.Hour:
		confidence = 0.9
	case age <= 24*time.Hour:
		confidence = 0.7
	default:
		confidence = 0.5
	}

	limit := storedLimit * confidence
	if limit < AIMDMinLimit {
		limit = AIMDMinLimit
	}
	if limit > AIMDMaxLimit {
		limit = AIMDMaxLimit
	}

	t := newAIMDTracker()
	t.confirmedLimit = limit
	t.recomputeDerived()
	a.m[account] = t
}
