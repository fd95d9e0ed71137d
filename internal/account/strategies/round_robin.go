package strategies

import (
	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
)

// RoundRobin rotates to the next usable account on every request. No cache
// continuity, maximum spread.
type RoundRobin struct {
	ledger *account.Ledger
	clock  clock.Clock
}

// NewRoundRobin creates a RoundRobin strategy.
func NewRoundRobin(ledger *account.Ledger, clk clock.Clock) *RoundRobin {
	return &RoundRobin{ledger: ledger, clock: clk}
}

func (s *RoundRobin) Name() string { return config.StrategyRoundRobin }

// SelectAccount implements account.Strategy.
func (s *RoundRobin) SelectAccount(accounts []*account.Account, model string, opts account.SelectOptions) *account.SelectionResult {
	if len(accounts) == 0 {
		return &account.SelectionResult{Index: 0}
	}

	idx := opts.CurrentIndex
	if idx < 0 || idx >= len(accounts) {
		idx = 0
	}

	for i := 1; i <= len(accounts); i++ {
		next := (idx + i) % len(accounts)
		a := accounts[next]
		if s.ledger.IsUsable(a, model) {
			a.LastUsed = s.clock.Now().UnixMilli()
			if opts.OnSave != nil {
				opts.OnSave()
			}
			return &account.SelectionResult{Account: a, Index: next}
		}
	}

	waitMs := s.ledger.MinWait(accounts, model)
	if waitMs > 0 && waitMs <= opts.MaxWaitMs {
		return &account.SelectionResult{Index: idx, WaitMs: waitMs}
	}
	return &account.SelectionResult{Index: idx}
}
