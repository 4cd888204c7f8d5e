// Package redis provides Redis operations for session-to-account sticky
// binding (spec §3 "Session Binding").
package redis

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// SessionBindingStore maps a client-supplied session_id to the account
// email the dispatcher bound it to. Redis is the durable tier (used when
// configured, surviving restarts); the in-process fallback tier is a
// ristretto cache bounded by entry count, matching the Signature Cache's
// dual-tier shape, since session ids are also unbounded client-supplied
// input.
type SessionBindingStore struct {
	client   *Client
	useRedis bool

	memory *ristretto.Cache
}

// sessionBindingMaxEntries bounds the in-process tier.
const sessionBindingMaxEntries = 50_000

// NewSessionBindingStore creates a new SessionBindingStore. client may be
// nil, in which case only the in-process tier is used.
func NewSessionBindingStore(client *Client) *SessionBindingStore {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: sessionBindingMaxEntries * 10,
		MaxCost:     sessionBindingMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		// ristretto.NewCache only fails on invalid config; the literal
		// above is always valid, so this is unreachable in practice.
		panic(err)
	}
	return &SessionBindingStore{
		client:   client,
		useRedis: client != nil,
		memory:   c,
	}
}

// Bind records sessionID -> email. ttl <= 0 means the binding never
// expires on its own (CacheFirst scheduling mode); it is still removed by
// an explicit Unbind.
func (s *SessionBindingStore) Bind(ctx context.Context, sessionID, email string, ttl time.Duration) {
	if sessionID == "" || email == "" {
		return
	}
	if s.useRedis {
		key := PrefixSessionBinding + sessionID
		_ = s.client.SetString(ctx, key, email, ttl)
	}
	s.memory.SetWithTTL(sessionID, email, 1, ttl)
}

// Lookup returns the account email bound to sessionID, if any.
func (s *SessionBindingStore) Lookup(ctx context.Context, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	if s.useRedis {
		key := PrefixSessionBinding + sessionID
		email, err := s.client.GetString(ctx, key)
		if err == nil && email != "" {
			return email, true
		}
	}
	if v, ok := s.memory.Get(sessionID); ok {
		if email, ok := v.(string); ok {
			return email, true
		}
	}
	return "", false
}

// Unbind removes any binding for sessionID. Called whenever the bound
// account becomes rate-limited or quota-protected for the target model, so
// a stale binding never blocks the caller (spec §4.6 step 2).
func (s *SessionBindingStore) Unbind(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if s.useRedis {
		key := PrefixSessionBinding + sessionID
		_ = s.client.Delete(ctx, key)
	}
	s.memory.Del(sessionID)
}
