package resilience

import "testing"

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker()
	acct := "acct-1"

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure(acct, ReasonServerError)
		if err := b.ShouldAllow(acct); err != nil {
			t.Fatalf("expected allowed before threshold, got %v", err)
		}
	}
	b.RecordFailure(acct, ReasonServerError)

	if err := b.ShouldAllow(acct); err == nil {
		t.Fatal("expected breaker to be open after reaching failure threshold")
	}
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := NewCircuitBreaker()
	b.openDuration = 0 // force immediate Open -> HalfOpen transition for the test
	acct := "acct-2"

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(acct, ReasonServerError)
	}
	if err := b.ShouldAllow(acct); err != nil {
		t.Fatalf("expected HalfOpen to permit a probe request, got %v", err)
	}

	for i := 0; i < DefaultSuccessThreshold; i++ {
		b.RecordSuccess(acct)
	}
	if err := b.ShouldAllow(acct); err != nil {
		t.Fatalf("expected Closed after success threshold reached, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker()
	b.openDuration = 0
	acct := "acct-3"

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(acct, ReasonServerError)
	}
	_ = b.ShouldAllow(acct) // transitions to HalfOpen
	b.RecordFailure(acct, ReasonServerError)

	if err := b.ShouldAllow(acct); err == nil {
		t.Fatal("expected a HalfOpen failure to reopen the breaker")
	}
}

func TestCircuitBreakerResetForcesClosed(t *testing.T) {
	b := NewCircuitBreaker()
	acct := "acct-4"
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure(acct, ReasonServerError)
	}
	b.Reset(acct)
	if err := b.ShouldAllow(acct); err != nil {
		t.Fatalf("expected Closed after Reset, got %v", err)
	}
}
