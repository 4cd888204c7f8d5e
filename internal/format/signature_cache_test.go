package format

import "testing"

func TestSignatureCacheMemoryTierRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSignature("tool-1", "sig-abc")
	c.memoryCache.Wait()
	if got := c.GetCachedSignature("tool-1"); got != "sig-abc" {
		t.Fatalf("expected sig-abc, got %q", got)
	}
	if got := c.GetCachedSignature("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestSignatureCacheThinkingFamilyRoundTrip(t *testing.T) {
	c := NewSignatureCache(nil)

	longSig := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	c.CacheThinkingSignature(longSig, "gemini-2.5-pro")
	c.thinkingCache.Wait()
	if got := c.GetCachedSignatureFamily(longSig); got != "gemini-2.5-pro" {
		t.Fatalf("expected gemini-2.5-pro, got %q", got)
	}

	c.ClearThinkingSignatureCache()
	if got := c.GetCachedSignatureFamily(longSig); got != "" {
		t.Fatalf("expected cleared cache to return empty, got %q", got)
	}
}

func TestSignatureCacheIgnoresShortSignatures(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheThinkingSignature("short", "family")
	if got := c.GetCachedSignatureFamily("short"); got != "" {
		t.Fatalf("signatures under MinSignatureLength must not be cached, got %q", got)
	}
}
