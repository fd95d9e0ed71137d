// Package strategies implements the relay's account selection strategies.
package strategies

import (
	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// StrategyLabels are display labels per strategy name.
var StrategyLabels = map[string]string{
	config.StrategySticky:     "Sticky (Cache-Optimized)",
	config.StrategyRoundRobin: "Round-Robin (Load-Balanced)",
}

// New creates the named strategy, defaulting to sticky.
func New(name string, ledger *account.Ledger, clk clock.Clock) account.Strategy {
	switch name {
	case config.StrategyRoundRobin, "roundrobin":
		return NewRoundRobin(ledger, clk)
	case config.StrategySticky, "":
		return NewSticky(ledger, clk)
	default:
		utils.Warn("[Strategy] Unknown strategy %q, using %s", name, config.DefaultSelectionStrategy)
		return NewSticky(ledger, clk)
	}
}

// IsValid reports whether name is a known strategy.
func IsValid(name string) bool {
	switch name {
	case config.StrategySticky, config.StrategyRoundRobin, "roundrobin":
		return true
	default:
		return false
	}
}

// Label returns the display label for a strategy name.
func Label(name string) string {
	if name == "roundrobin" {
		name = config.StrategyRoundRobin
	}
	if label, ok := StrategyLabels[name]; ok {
		return label
	}
	return StrategyLabels[config.DefaultSelectionStrategy]
}
