package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/store"
)

type fixedStrategy struct{}

func (fixedStrategy) Name() string { return "fixed" }

func (fixedStrategy) SelectAccount(accounts []*Account, model string, opts SelectOptions) *SelectionResult {
	for i, a := range accounts {
		if a.Enabled && !a.IsInvalid {
			return &SelectionResult{Account: a, Index: i}
		}
	}
	return &SelectionResult{Index: opts.CurrentIndex}
}

func newTestManager(t *testing.T, refresh RefreshFunc) (*Manager, *clock.Fake, string) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	cfg := config.DefaultConfig()
	cfg.AccountsPath = filepath.Join(t.TempDir(), "accounts.json")

	ledger := NewLedger(clk, cfg.DefaultCooldownMs)
	creds := NewCredentials(clk, cfg.TokenCacheTTLMs, refresh, nil)
	m := NewManager(cfg, clk, ledger, fixedStrategy{}, creds, store.NewFileStore(cfg.AccountsPath))
	return m, clk, cfg.AccountsPath
}

func TestLoadMissingFileLeavesEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Load())
	require.Zero(t, m.Count())
}

func TestLoadClampsActiveIndex(t *testing.T) {
	m, _, path := newTestManager(t, nil)

	state := &persistedState{
		Accounts: []*Account{
			{Email: "a@x.com", Source: SourceOAuth, Enabled: true},
			{Email: "b@x.com", Source: SourceOAuth, Enabled: true},
		},
		ActiveIndex: 7,
	}
	require.NoError(t, store.NewFileStore(path).Save(state))

	require.NoError(t, m.Load())
	require.Equal(t, 2, m.Count())

	res := m.Select("m")
	require.NotNil(t, res.Account)
	require.Equal(t, "a@x.com", res.Account.Email)
}

func TestAddReplacesByEmail(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "old", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "new", Enabled: true}))

	require.Equal(t, 1, m.Count())
	require.Equal(t, "new", m.Accounts()[0].RefreshToken)
}

func TestAddEnforcesPoolLimit(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	m.cfg.MaxAccounts = 2

	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "b@x.com", Enabled: true}))
	require.Error(t, m.Add(&Account{Email: "c@x.com", Enabled: true}))
	require.Equal(t, 2, m.Count())
}

func TestRemoveUnknownEmail(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.ErrorIs(t, m.Remove("nobody@x.com"), ErrAccountNotFound)
}

func TestRemoveClampsActiveIndexAndClearsTokenCache(t *testing.T) {
	calls := 0
	m, _, _ := newTestManager(t, func(ctx context.Context, rt string) (*auth.RefreshResult, error) {
		calls++
		return &auth.RefreshResult{AccessToken: "tok"}, nil
	})

	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "b@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))

	a := m.Accounts()[0]
	_, err := m.TokenFor(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	require.NoError(t, m.Remove("b@x.com"))
	require.NoError(t, m.Remove("a@x.com"))
	require.Zero(t, m.Count())

	// Re-adding the same email must not reuse the dropped cache entry.
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))
	_, err = m.TokenFor(context.Background(), m.Accounts()[0])
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestMarkRateLimitedAndReset(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))

	m.MarkRateLimited("a@x.com", "model-x", 60_000, "QUOTA_EXHAUSTED")
	require.True(t, m.AllRateLimited("model-x"))
	require.False(t, m.AllRateLimited("model-y"))
	require.EqualValues(t, 60_000, m.MinWait("model-x"))

	m.ResetAllLimits()
	require.False(t, m.AllRateLimited("model-x"))
}

func TestClearExpiredReportsCount(t *testing.T) {
	m, clk, _ := newTestManager(t, nil)
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))
	m.MarkRateLimited("a@x.com", "m", 5_000, "")

	require.Zero(t, m.ClearExpired())
	clk.Advance(6 * time.Second)
	require.Equal(t, 1, m.ClearExpired())
}

func TestAdvanceLandsOnNextUsable(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "b@x.com", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "c@x.com", Enabled: true}))

	m.MarkRateLimited("b@x.com", "m", 60_000, "")
	m.Advance("m")

	res := m.Select("m")
	require.NotNil(t, res.Account)
	// fixedStrategy picks the first usable account independent of the index,
	// so assert through state instead.
	require.False(t, res.Account.Email == "b@x.com")
}

func TestTokenForMarksInvalidOnRejectedRefresh(t *testing.T) {
	m, _, _ := newTestManager(t, func(ctx context.Context, rt string) (*auth.RefreshResult, error) {
		return nil, &auth.TokenInvalidError{Code: "invalid_grant"}
	})
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))

	_, err := m.TokenFor(context.Background(), m.Accounts()[0])
	require.Error(t, err)

	a := m.Accounts()[0]
	require.True(t, a.IsInvalid)
	require.Contains(t, a.InvalidReason, "invalid_grant")
}

func TestTokenForNetworkErrorDoesNotInvalidate(t *testing.T) {
	m, _, _ := newTestManager(t, func(ctx context.Context, rt string) (*auth.RefreshResult, error) {
		return nil, &auth.NetworkError{Err: context.DeadlineExceeded}
	})
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))

	_, err := m.TokenFor(context.Background(), m.Accounts()[0])
	require.Error(t, err)
	require.False(t, m.Accounts()[0].IsInvalid)
}

func TestTokenForClearsStaleInvalidFlag(t *testing.T) {
	m, _, _ := newTestManager(t, func(ctx context.Context, rt string) (*auth.RefreshResult, error) {
		return &auth.RefreshResult{AccessToken: "tok"}, nil
	})
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Source: SourceOAuth, RefreshToken: "rt", Enabled: true}))
	m.MarkInvalid("a@x.com", "stale")

	_, err := m.TokenFor(context.Background(), m.Accounts()[0])
	require.NoError(t, err)
	require.False(t, m.Accounts()[0].IsInvalid)
}

func TestGetStatusSummary(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "b@x.com", Enabled: true}))
	require.NoError(t, m.Add(&Account{Email: "c@x.com", Enabled: false}))

	m.MarkRateLimited("a@x.com", "m", 60_000, "")
	m.MarkInvalid("b@x.com", "dead")

	s := m.GetStatus()
	require.Equal(t, 3, s.Total)
	require.Equal(t, 2, s.Enabled)
	require.Equal(t, 1, s.Invalid)
	require.Equal(t, 1, s.RateLimited)
	require.Equal(t, "3 total, 2 enabled, 1 limited, 1 invalid", s.Summary)
}

func TestSelectReturnsCopy(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Add(&Account{Email: "a@x.com", Enabled: true}))

	res := m.Select("m")
	require.NotNil(t, res.Account)
	res.Account.Email = "mutated@x.com"
	require.Equal(t, "a@x.com", m.Accounts()[0].Email)
}
