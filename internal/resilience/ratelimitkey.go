// Package resilience implements the rate-limit, circuit-breaker, health and
// AIMD components that sit between the Dispatcher and the upstream client.
package resilience

import "fmt"

// RateLimitKey identifies the scope a rate-limit record applies to. It is a
// tagged sum, not a joined string: an account-scoped key and a
// (account,model)-scoped key must never collide, which a naive
// "email+model" string join risks (an account id containing ":" could
// alias a model key).
type RateLimitKey struct {
	accountID string
	model     string
	scoped    bool
}

// AccountKey scopes a record to the whole account, independent of model.
func AccountKey(accountID string) RateLimitKey {
	return RateLimitKey{accountID: accountID}
}

// ModelKey scopes a record to one model on one account.
func ModelKey(accountID, model string) RateLimitKey {
	return RateLimitKey{accountID: accountID, model: model, scoped: true}
}

// AccountID returns the account this key is scoped to.
func (k RateLimitKey) AccountID() string { return k.accountID }

// Model returns the model and whether this key is model-scoped.
func (k RateLimitKey) Model() (string, bool) { return k.model, k.scoped }

// String renders a debug/log representation; never used as a map key.
func (k RateLimitKey) String() string {
	if k.scoped {
		return fmt.Sprintf("account:%s/model:%s", k.accountID, k.model)
	}
	return fmt.Sprintf("account:%s", k.accountID)
}
