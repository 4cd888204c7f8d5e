// Package strategies provides base strategy functionality.
// This file corresponds to src/account-manager/strategies/base-strategy.js in the Node.js version.
package strategies

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/config"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/redis"
)

// BaseStrategy provides common functionality for all strategies
type BaseStrategy struct {
	config       *Config
	redisClient  *redis.Client
	accountStore *redis.AccountStore
	sessionStore *redis.SessionBindingStore
}

// NewBaseStrategy creates a new BaseStrategy
func NewBaseStrategy(cfg *Config, redisClient *redis.Client) *BaseStrategy {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}
	return &BaseStrategy{
		config:       cfg,
		redisClient:  redisClient,
		accountStore: accountStore,
		sessionStore: redis.NewSessionBindingStore(redisClient),
	}
}

// IsAccountUsable checks if an account is usable for a specific model
func (s *BaseStrategy) IsAccountUsable(ctx context.Context, account *redis.Account, modelID string) bool {
	if account == nil || account.IsInvalid {
		return false
	}

	// Skip disabled accounts
	if !account.Enabled {
		return false
	}

	// Check if account is cooling down
	if s.IsAccountCoolingDown(account) {
		return false
	}

	// Check model-specific rate limit from Redis
	if modelID != "" && s.accountStore != nil {
		info, err := s.accountStore.GetRateLimit(ctx, account.Email, modelID)
		if err == nil && info != nil && info.IsRateLimited {
			if info.ResetTime > 0 && time.Now().Before(time.UnixMilli(info.ResetTime)) {
				return false
			}
		}
	}

	// Quota protection: never hand out an account whose remaining quota
	// for this model already fell below its effective threshold.
	if modelID != "" && s.config != nil && s.config.QuotaProtectionEnabled && account.IsModelProtected(modelID) {
		return false
	}

	return true
}

// IsAccountCoolingDown checks if an account is currently cooling down
func (s *BaseStrategy) IsAccountCoolingDown(account *redis.Account) bool {
	if account == nil || account.CoolingDownUntil == 0 {
		return false
	}

	if time.Now().After(time.UnixMilli(account.CoolingDownUntil)) {
		// Cooldown expired - clear it
		account.CoolingDownUntil = 0
		account.CooldownReason = ""
		return false
	}

	return true
}

// GetUsableAccounts returns all usable accounts for a model with their original indices
func (s *BaseStrategy) GetUsableAccounts(ctx context.Context, accounts []*redis.Account, modelID string) []AccountWithIndex {
	result := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if s.IsAccountUsable(ctx, account, modelID) {
			result = append(result, AccountWithIndex{Account: account, Index: i})
		}
	}
	return result
}

// AccountWithIndex represents an account with its original index
type AccountWithIndex struct {
	Account *redis.Account
	Index   int
}

// TierPriority returns the spec's dispatcher tier ordinal: ULTRA=0, PRO=1,
// FREE=2, anything else (including an account with no subscription info
// on record) =3. Lower sorts first in the dispatcher's candidate snapshot.
func TierPriority(account *redis.Account) int {
	if account == nil || account.Subscription == nil {
		return 3
	}
	switch strings.ToLower(account.Subscription.Tier) {
	case "ultra":
		return 0
	case "pro":
		return 1
	case "free":
		return 2
	default:
		return 3
	}
}

// SortByTierPriority returns a stable copy of accounts ordered by
// tier_priority ascending (ULTRA, PRO, FREE, other). Stable so accounts
// within the same tier keep their relative order, preserving round-robin
// fairness inside a tier.
func SortByTierPriority(accounts []*redis.Account) []*redis.Account {
	sorted := make([]*redis.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return TierPriority(sorted[i]) < TierPriority(sorted[j])
	})
	return sorted
}

// ResolveStickyBinding looks up any session binding for sessionID and
// returns the bound account plus its index within accounts, but only when
// the scheduling mode allows stickiness and the bound account is still
// usable for modelID. A stale binding (rate-limited or quota-protected
// account) is dropped immediately rather than blocking the caller (spec
// §4.6 step 2).
func (s *BaseStrategy) ResolveStickyBinding(ctx context.Context, accounts []*redis.Account, modelID, sessionID string) (*redis.Account, int) {
	if sessionID == "" || s.config == nil || s.config.SchedulingMode == config.SchedulingPerformanceFirst {
		return nil, -1
	}
	email, ok := s.sessionStore.Lookup(ctx, sessionID)
	if !ok {
		return nil, -1
	}
	for i, acc := range accounts {
		if acc.Email != email {
			continue
		}
		if s.IsAccountUsable(ctx, acc, modelID) {
			return acc, i
		}
		s.sessionStore.Unbind(ctx, sessionID)
		return nil, -1
	}
	// Bound account isn't even in the candidate pool anymore (removed,
	// cooling down, circuit-open); drop the stale binding.
	s.sessionStore.Unbind(ctx, sessionID)
	return nil, -1
}

// BindSticky records sessionID -> account.Email per the active scheduling
// mode: CacheFirst bindings live until explicitly invalidated, Balance
// bindings expire after StickySessionTTLMs, and PerformanceFirst never
// binds.
func (s *BaseStrategy) BindSticky(ctx context.Context, sessionID string, account *redis.Account) {
	if sessionID == "" || account == nil || s.config == nil {
		return
	}
	switch s.config.SchedulingMode {
	case config.SchedulingPerformanceFirst:
		return
	case config.SchedulingCacheFirst:
		s.sessionStore.Bind(ctx, sessionID, account.Email, 0)
	default:
		ttl := time.Duration(s.config.StickySessionTTLMs) * time.Millisecond
		s.sessionStore.Bind(ctx, sessionID, account.Email, ttl)
	}
}

// OnSuccess is called after a successful request (default: no-op)
func (s *BaseStrategy) OnSuccess(account *redis.Account, modelID string) {
	// Default: no-op, override in subclass if needed
}

// OnRateLimit is called when a request is rate-limited (default: no-op)
func (s *BaseStrategy) OnRateLimit(account *redis.Account, modelID string) {
	// Default: no-op, override in subclass if needed
}

// OnFailure is called when a request fails (default: no-op)
func (s *BaseStrategy) OnFailure(account *redis.Account, modelID string) {
	// Default: no-op, override in subclass if needed
}
