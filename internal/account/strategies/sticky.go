package strategies

import (
	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// Sticky keeps requests on the current account for prompt-cache continuity,
// rotating only when it is rate-limited for the requested model. When every
// account is blocked but the nearest reset is close, it reports a wait
// instead of failing over.
type Sticky struct {
	ledger *account.Ledger
	clock  clock.Clock
}

// NewSticky creates a Sticky strategy.
func NewSticky(ledger *account.Ledger, clk clock.Clock) *Sticky {
	return &Sticky{ledger: ledger, clock: clk}
}

func (s *Sticky) Name() string { return config.StrategySticky }

// SelectAccount implements account.Strategy.
func (s *Sticky) SelectAccount(accounts []*account.Account, model string, opts account.SelectOptions) *account.SelectionResult {
	if len(accounts) == 0 {
		return &account.SelectionResult{Index: 0}
	}

	idx := opts.CurrentIndex
	if idx < 0 || idx >= len(accounts) {
		idx = 0
	}

	current := accounts[idx]
	if s.ledger.IsUsable(current, model) {
		s.touch(current, opts)
		return &account.SelectionResult{Account: current, Index: idx}
	}

	// Current account is blocked; rotate to the next usable one.
	if next, nextIdx := s.pickNext(accounts, model, idx); next != nil {
		utils.Info("[Sticky] Switching account: %s -> %s",
			utils.MaskEmail(current.Email), utils.MaskEmail(next.Email))
		s.touch(next, opts)
		return &account.SelectionResult{Account: next, Index: nextIdx}
	}

	// Nothing usable. If the nearest reset is close enough, ask the caller
	// to wait rather than give up.
	waitMs := s.ledger.MinWait(accounts, model)
	if waitMs > 0 && waitMs <= opts.MaxWaitMs {
		utils.Info("[Sticky] All accounts limited for %s, waiting %s",
			model, utils.FormatDuration(waitMs))
		return &account.SelectionResult{Index: idx, WaitMs: waitMs}
	}

	return &account.SelectionResult{Index: idx}
}

func (s *Sticky) pickNext(accounts []*account.Account, model string, from int) (*account.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (from + i) % len(accounts)
		if s.ledger.IsUsable(accounts[idx], model) {
			return accounts[idx], idx
		}
	}
	return nil, from
}

func (s *Sticky) touch(a *account.Account, opts account.SelectOptions) {
	a.LastUsed = s.clock.Now().UnixMilli()
	if opts.OnSave != nil {
		opts.OnSave()
	}
}
