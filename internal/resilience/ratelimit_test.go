package resilience

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimitTrackerMarkAndIsLimited(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-1")
	headers := http.Header{}
	headers.Set("retry-after", "3")

	rec := tr.Mark(key, 429, headers, `{"error":{"message":"rate limit exceeded"}}`)
	if rec == nil {
		t.Fatal("expected a record for trackable status 429")
	}
	if rec.Reason != ReasonRateLimitExceeded {
		t.Fatalf("expected RateLimitExceeded, got %s", rec.Reason)
	}
	if !tr.IsLimited(key) {
		t.Fatal("expected key to be limited immediately after mark")
	}
	if wait := tr.RemainingWait(key); wait < 2.9 || wait > 3.1 {
		t.Fatalf("expected ~3s remaining wait, got %v", wait)
	}
}

func TestRateLimitTrackerNonTrackableStatusIsNoop(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-2")
	if rec := tr.Mark(key, 400, http.Header{}, "bad request"); rec != nil {
		t.Fatalf("expected nil record for non-trackable status, got %+v", rec)
	}
	if tr.IsLimited(key) {
		t.Fatal("non-trackable status must not limit the key")
	}
}

func TestRateLimitTrackerModelCapacityIsNoop(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := ModelKey("acct-3", "gemini-pro")
	rec := tr.Mark(key, 503, http.Header{}, "model_capacity_exhausted: overloaded")
	if rec != nil {
		t.Fatalf("ModelCapacityExhausted must be a no-op, got %+v", rec)
	}
	if tr.IsLimited(key) {
		t.Fatal("ModelCapacityExhausted must never lock out the key")
	}
}

func TestRateLimitTrackerAccountAndModelKeysDoNotCollide(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	accountOnly := AccountKey("a:b")
	modelScoped := ModelKey("a", "b")

	headers := http.Header{}
	headers.Set("retry-after", "10")
	tr.Mark(accountOnly, 429, headers, "rate limit")

	if tr.IsLimited(modelScoped) {
		t.Fatal("account-scoped and model-scoped keys with colliding string forms must not alias")
	}
}

func TestRateLimitTrackerQuotaExhaustedBackoffTiers(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-4")
	body := `{"error":{"message":"quota exceeded","details":[{"reason":"QUOTA_EXHAUSTED"}]}}`

	rec1 := tr.Mark(key, 429, http.Header{}, body)
	if got := time.Until(rec1.RetryAt); got < 55*time.Second || got > 61*time.Second {
		t.Fatalf("expected ~60s for first quota-exhausted attempt, got %v", got)
	}

	tr.MarkSuccess(key) // does not affect a fresh Mark's behavior below; separate key path tested instead
}

func TestRateLimitTrackerMarkSuccessClears(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-5")
	headers := http.Header{}
	headers.Set("retry-after", "5")
	tr.Mark(key, 429, headers, "rate limit")
	if !tr.IsLimited(key) {
		t.Fatal("expected limited after mark")
	}
	tr.MarkSuccess(key)
	if tr.IsLimited(key) {
		t.Fatal("expected cleared after MarkSuccess")
	}
}

func TestRateLimitTrackerCleanupExpired(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-6")
	tr.MarkPrecise(key, ReasonServerError, time.Now().Add(-time.Second))
	if n := tr.CleanupExpired(); n == 0 {
		t.Fatal("expected at least one expired record removed")
	}
	if tr.IsLimited(key) {
		t.Fatal("expired record must no longer limit the key")
	}
}

func TestAdaptiveLockoutTiers(t *testing.T) {
	tr := NewRateLimitTracker()
	defer tr.Stop()

	key := AccountKey("acct-7")
	if got := tr.AdaptiveLockout(key); got != 5*time.Second {
		t.Fatalf("expected 5s for a fresh key, got %v", got)
	}

	tr.Mark(key, 500, http.Header{}, "internal server error")
	tr.Mark(key, 500, http.Header{}, "internal server error")
	if got := tr.AdaptiveLockout(key); got != 15*time.Second {
		t.Fatalf("expected 15s after two failures, got %v", got)
	}
}
