package resilience

import "testing"

func TestHealthMonitorDisablesAtThreshold(t *testing.T) {
	m := &HealthMonitor{
		m:              make(map[string]*healthEntry),
		errorThreshold: DefaultErrorThreshold,
		cooldown:       DefaultRecoveryCooldown,
		checkInterval:  DefaultRecoveryCheckInterval,
		ignore429:      true,
		stop:           make(chan struct{}),
	}
	acct := "acct-1"
	m.Register(acct, "user@example.com")

	var disabled bool
	for i := 0; i < DefaultErrorThreshold; i++ {
		disabled = m.RecordError(acct, 500, "boom")
	}
	if !disabled {
		t.Fatal("expected wasDisabled=true on the threshold-reaching call")
	}
	if m.IsAvailable(acct) {
		t.Fatal("expected account unavailable once disabled")
	}
}

func TestHealthMonitorIgnores429WhenConfigured(t *testing.T) {
	m := &HealthMonitor{
		m:              make(map[string]*healthEntry),
		errorThreshold: DefaultErrorThreshold,
		ignore429:      true,
		stop:           make(chan struct{}),
	}
	acct := "acct-2"
	for i := 0; i < 10; i++ {
		if m.RecordError(acct, 429, "rate limited") {
			t.Fatal("429 must never disable when ignore429 is set")
		}
	}
	if !m.IsAvailable(acct) {
		t.Fatal("expected account to remain available")
	}
}

func TestHealthMonitorSuccessResetsCounter(t *testing.T) {
	m := &HealthMonitor{
		m:              make(map[string]*healthEntry),
		errorThreshold: DefaultErrorThreshold,
		stop:           make(chan struct{}),
	}
	acct := "acct-3"
	m.RecordError(acct, 500, "boom")
	m.RecordError(acct, 500, "boom")
	m.RecordSuccess(acct)

	for i := 0; i < DefaultErrorThreshold-1; i++ {
		if m.RecordError(acct, 500, "boom") {
			t.Fatal("counter should have reset after success, threshold not yet reached")
		}
	}
}

func TestHealthMonitorForceEnable(t *testing.T) {
	m := &HealthMonitor{
		m:              make(map[string]*healthEntry),
		errorThreshold: DefaultErrorThreshold,
		stop:           make(chan struct{}),
	}
	acct := "acct-4"
	for i := 0; i < DefaultErrorThreshold; i++ {
		m.RecordError(acct, 500, "boom")
	}
	if m.IsAvailable(acct) {
		t.Fatal("expected disabled before ForceEnable")
	}
	m.ForceEnable(acct)
	if !m.IsAvailable(acct) {
		t.Fatal("expected available after ForceEnable")
	}
}
