package account

import (
	"github.com/kestrelix/antigravity-relay/internal/clock"
)

// Ledger answers rate-limit questions about a set of accounts for a given
// model. It mutates accounts in place; callers hold whatever lock guards the
// slice.
type Ledger struct {
	clock             clock.Clock
	defaultCooldownMs int64
}

// NewLedger creates a Ledger.
func NewLedger(clk clock.Clock, defaultCooldownMs int64) *Ledger {
	return &Ledger{clock: clk, defaultCooldownMs: defaultCooldownMs}
}

func (l *Ledger) nowMs() int64 {
	return l.clock.Now().UnixMilli()
}

// IsUsable reports whether an account can serve a request for model right
// now. Disabled and invalid accounts never are; an expired rate limit does
// not block.
func (l *Ledger) IsUsable(a *Account, model string) bool {
	if a == nil || !a.Enabled || a.IsInvalid {
		return false
	}
	limit := a.Limit(model)
	if limit == nil || !limit.IsRateLimited {
		return true
	}
	return limit.ResetTime <= l.nowMs()
}

// Available returns the usable accounts for model, preserving order.
func (l *Ledger) Available(accounts []*Account, model string) []*Account {
	out := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		if l.IsUsable(a, model) {
			out = append(out, a)
		}
	}
	return out
}

// AllRateLimited reports whether no account is usable for model. An empty
// pool counts as exhausted.
func (l *Ledger) AllRateLimited(accounts []*Account, model string) bool {
	for _, a := range accounts {
		if l.IsUsable(a, model) {
			return false
		}
	}
	return true
}

// MinWait returns the shortest time in milliseconds until some account
// becomes usable for model. Zero when one already is. When every candidate
// is blocked without a known reset, the default cooldown is returned.
func (l *Ledger) MinWait(accounts []*Account, model string) int64 {
	now := l.nowMs()
	var minWait int64 = -1

	for _, a := range accounts {
		if a == nil || !a.Enabled || a.IsInvalid {
			continue
		}
		limit := a.Limit(model)
		if limit == nil || !limit.IsRateLimited || limit.ResetTime <= now {
			return 0
		}
		wait := limit.ResetTime - now
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}

	if minWait < 0 {
		return l.defaultCooldownMs
	}
	return minWait
}

// ClearExpired drops expired rate limits and returns how many were cleared.
func (l *Ledger) ClearExpired(accounts []*Account) int {
	now := l.nowMs()
	cleared := 0
	for _, a := range accounts {
		for model, limit := range a.ModelRateLimits {
			if limit != nil && limit.IsRateLimited && limit.ResetTime <= now {
				a.ClearLimit(model)
				cleared++
			}
		}
	}
	return cleared
}

// ResetAll clears every rate limit on every account.
func (l *Ledger) ResetAll(accounts []*Account) {
	for _, a := range accounts {
		a.ModelRateLimits = nil
	}
}

// Mark records a rate limit for (account, model). A non-positive resetMs
// falls back to the default cooldown.
func (l *Ledger) Mark(a *Account, model string, resetMs int64, reason string) {
	if resetMs <= 0 {
		resetMs = l.defaultCooldownMs
	}
	a.SetLimit(model, &RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     l.nowMs() + resetMs,
		Reason:        reason,
	})
}

// MarkInvalid flags an account as unusable for all models until it is
// re-authenticated.
func (l *Ledger) MarkInvalid(a *Account, reason string) {
	a.IsInvalid = true
	a.InvalidReason = reason
	a.InvalidAt = l.nowMs()
}

// ClearInvalid removes the invalid flag after a successful refresh.
func (l *Ledger) ClearInvalid(a *Account) {
	a.IsInvalid = false
	a.InvalidReason = ""
	a.InvalidAt = 0
}
