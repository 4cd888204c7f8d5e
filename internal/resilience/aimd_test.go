package resilience

import (
	"testing"
	"time"
)

func TestAIMDPenalizeAppliesMultiplicativeDecrease(t *testing.T) {
	a := NewAIMDLimitManager()
	acct := "acct-1"

	before := a.ConfirmedLimit(acct)
	for i := 0; i < 20; i++ {
		a.RecordRequest(acct)
	}
	a.Penalize(acct)
	after := a.ConfirmedLimit(acct)

	if after >= before {
		t.Fatalf("expected penalize to decrease confirmed_limit: before=%v after=%v", before, after)
	}
	if after < AIMDMinLimit {
		t.Fatalf("confirmed_limit must not drop below min_limit=%v, got %v", AIMDMinLimit, after)
	}
}

func TestAIMDRewardRequiresThreeConsecutiveAboveThreshold(t *testing.T) {
	a := NewAIMDLimitManager()
	acct := "acct-2"
	before := a.ConfirmedLimit(acct)

	for i := 0; i < int(before); i++ {
		a.RecordRequest(acct)
	}

	a.RecordSuccess(acct)
	if a.ConfirmedLimit(acct) != before {
		t.Fatal("one success above threshold must not yet trigger the increase")
	}
	a.RecordSuccess(acct)
	if a.ConfirmedLimit(acct) != before {
		t.Fatal("two successes above threshold must not yet trigger the increase")
	}
	a.RecordSuccess(acct)
	if a.ConfirmedLimit(acct) <= before {
		t.Fatal("three consecutive successes above threshold must trigger the additive increase")
	}
}

func TestAIMDReloadAppliesAgeConfidence(t *testing.T) {
	a := NewAIMDLimitManager()
	acct := "acct-3"

	a.Reload(acct, 500, 2*time.Hour)
	got := a.ConfirmedLimit(acct)
	want := 500 * 0.9
	if got != want {
		t.Fatalf("expected confidence-decayed limit %v, got %v", want, got)
	}
}

func TestAIMDReloadClampsToBounds(t *testing.T) {
	a := NewAIMDLimitManager()
	acct := "acct-4"

	a.Reload(acct, 1, 48*time.Hour)
	if got := a.ConfirmedLimit(acct); got != AIMDMinLimit {
		t.Fatalf("expected clamp to min_limit=%v, got %v", AIMDMinLimit, got)
	}
}

func TestAIMDProbeDecisionRatios(t *testing.T) {
	a := NewAIMDLimitManager()
	acct := "acct-5"
	a.Reload(acct, 100, 0)

	if got := a.ProbeDecision(acct); got != ProbeNone {
		t.Fatalf("expected ProbeNone at zero usage, got %v", got)
	}
}
