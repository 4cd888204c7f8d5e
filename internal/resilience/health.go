package resilience

import (
	"sync"
	"time"
)

// Health Monitor defaults per spec §4.3. Distinct from the dispatcher's
// continuous 0-100 scoring tracker (account/strategies/trackers.HealthTracker):
// this one is a binary available/disabled gate driven by consecutive
// trackable-status errors, not a decaying score.
const (
	DefaultErrorThreshold        = 5
	DefaultRecoveryCooldown      = 300 * time.Second
	DefaultRecoveryCheckInterval = 30 * time.Second
)

type healthEntry struct {
	email             string
	consecutiveErrors int
	isDisabled        bool
	disabledAt        time.Time
	lastErrorStatus   int
	lastErrorMsg      string
	totalSuccesses    int
	totalErrors       int
}

// HealthMonitor gates account availability on consecutive upstream errors,
// auto-recovering disabled accounts after a cooldown.
type HealthMonitor struct {
	mu sync.Mutex
	m  map[string]*healthEntry

	errorThreshold int
	cooldown       time.Duration
	checkInterval  time.Duration
	ignore429      bool

	stop chan struct{}
}

// NewHealthMonitor constructs a monitor with the spec's defaults and starts
// its background recovery sweep. ignore429 skips 429 as a trackable status
// since the Rate-Limit Tracker already owns that signal.
func NewHealthMonitor(ignore429 bool) *HealthMonitor {
	m := &HealthMonitor{
		m:              make(map[string]*healthEntry),
		errorThreshold: DefaultErrorThreshold,
		cooldown:       DefaultRecoveryCooldown,
		checkInterval:  DefaultRecoveryCheckInterval,
		ignore429:      ignore429,
		stop:           make(chan struct{}),
	}
	go m.recoveryLoop()
	return m
}

// Register ensures account has a tracked entry, starting available.
func (m *HealthMonitor) Register(account, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[account]; !ok {
		m.m[account] = &healthEntry{email: email}
	}
}

func trackableErrorStatus(status int) bool {
	switch {
	case status == 401, status == 403:
		return true
	case status == 429:
		return true
	case status >= 500 && status < 600:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the consecutive-error counter for account when
// Closed (matches the circuit breaker's naming; here it just means "not
// currently disabled").
func (m *HealthMonitor) RecordSuccess(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryFor(account, "")
	e.totalSuccesses++
	if !e.isDisabled {
		e.consecutiveErrors = 0
	}
}

// RecordError records an upstream error. Returns wasDisabled=true exactly
// on the transition into the disabled state. 429 is ignored when ignore429
// is set, since the Rate-Limit Tracker already covers it.
func (m *HealthMonitor) RecordError(account string, status int, msg string) (wasDisabled bool) {
	if status == 429 && m.ignore429 {
		return false
	}
	if !trackableErrorStatus(status) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entryFor(account, "")
	e.totalErrors++
	e.lastErrorStatus = status
	e.lastErrorMsg = msg
	if e.isDisabled {
		return false
	}
	e.consecutiveErrors++
	if e.consecutiveErrors >= m.errorThreshold {
		e.isDisabled = true
		e.disabledAt = time.Now()
		return true
	}
	return false
}

func (m *HealthMonitor) entryFor(account, email string) *healthEntry {
	e, ok := m.m[account]
	if !ok {
		e = &healthEntry{email: email}
		m.m[account] = e
	}
	return e
}

// IsAvailable reports whether account may currently be dispatched to.
func (m *HealthMonitor) IsAvailable(account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.m[account]
	return !ok || !e.isDisabled
}

// ForceEnable clears the disabled flag and counter unconditionally (admin
// action).
func (m *HealthMonitor) ForceEnable(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryFor(account, "")
	e.isDisabled = false
	e.consecutiveErrors = 0
}

func (m *HealthMonitor) recoveryLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepRecovery()
		case <-m.stop:
			return
		}
	}
}

func (m *HealthMonitor) sweepRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, e := range m.m {
		if e.isDisabled && now.Sub(e.disabledAt) >= m.cooldown {
			e.isDisabled = false
			e.consecutiveErrors = 0
		}
	}
}

// HealthSummary is the admin-surface view of one account's health gate.
type HealthSummary struct {
	Account           string    `json:"account"`
	Email             string    `json:"email,omitempty"`
	IsDisabled        bool      `json:"is_disabled"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	DisabledAt        time.Time `json:"disabled_at,omitempty"`
	LastErrorType     int       `json:"last_error_type,omitempty"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
	TotalSuccesses    int       `json:"total_successes"`
	TotalErrors       int       `json:"total_errors"`
}

// Summary returns the current state of every tracked account.
func (m *HealthMonitor) Summary() []HealthSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthSummary, 0, len(m.m))
	for account, e := range m.m {
		out = append(out, HealthSummary{
			Account:           account,
			Email:             e.email,
			IsDisabled:        e.isDisabled,
			ConsecutiveErrors: e.consecutiveErrors,
			DisabledAt:        e.disabledAt,
			LastErrorType:     e.lastErrorStatus,
			LastErrorMessage:  e.lastErrorMsg,
			TotalSuccesses:    e.totalSuccesses,
			TotalErrors:       e.totalErrors,
		})
	}
	return out
}

// Stop halts the background recovery sweep.
func (m *HealthMonitor) Stop() {
	close(m.stop)
}
