package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelix/antigravity-relay/internal/clock"
)

func testLedger(t *testing.T) (*Ledger, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	return NewLedger(clk, 10_000), clk
}

func enabledAccount(email string) *Account {
	return &Account{Email: email, Source: SourceOAuth, Enabled: true}
}

func TestIsUsableDisabledAndInvalid(t *testing.T) {
	ledger, _ := testLedger(t)

	require.False(t, ledger.IsUsable(nil, "m"))

	a := enabledAccount("a@example.com")
	require.True(t, ledger.IsUsable(a, "m"))

	a.Enabled = false
	require.False(t, ledger.IsUsable(a, "m"))

	a.Enabled = true
	a.IsInvalid = true
	require.False(t, ledger.IsUsable(a, "m"))
}

func TestIsUsableRateLimitIsPerModel(t *testing.T) {
	ledger, clk := testLedger(t)
	a := enabledAccount("a@example.com")

	ledger.Mark(a, "model-x", 60_000, "QUOTA_EXHAUSTED")
	require.False(t, ledger.IsUsable(a, "model-x"))
	require.True(t, ledger.IsUsable(a, "model-y"))

	clk.Advance(61 * time.Second)
	require.True(t, ledger.IsUsable(a, "model-x"))
}

func TestMinWait(t *testing.T) {
	ledger, _ := testLedger(t)
	a := enabledAccount("a@example.com")
	b := enabledAccount("b@example.com")
	pool := []*Account{a, b}

	// One account free: no wait.
	ledger.Mark(a, "m", 30_000, "")
	require.EqualValues(t, 0, ledger.MinWait(pool, "m"))

	// Both limited: shortest reset wins.
	ledger.Mark(b, "m", 45_000, "")
	require.EqualValues(t, 30_000, ledger.MinWait(pool, "m"))

	// Invalid accounts do not contribute a wait.
	ledger.MarkInvalid(a, "dead")
	require.EqualValues(t, 45_000, ledger.MinWait(pool, "m"))
}

func TestMinWaitDefaultCooldownWhenNoResetKnown(t *testing.T) {
	ledger, _ := testLedger(t)
	a := enabledAccount("a@example.com")
	a.IsInvalid = true

	require.EqualValues(t, 10_000, ledger.MinWait([]*Account{a}, "m"))
	require.EqualValues(t, 10_000, ledger.MinWait(nil, "m"))
}

func TestMarkDefaultsToCooldown(t *testing.T) {
	ledger, clk := testLedger(t)
	a := enabledAccount("a@example.com")

	ledger.Mark(a, "m", 0, "RATE_LIMIT_EXCEEDED")
	limit := a.Limit("m")
	require.NotNil(t, limit)
	require.True(t, limit.IsRateLimited)
	require.Equal(t, clk.Now().UnixMilli()+10_000, limit.ResetTime)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", limit.Reason)
}

func TestClearExpired(t *testing.T) {
	ledger, clk := testLedger(t)
	a := enabledAccount("a@example.com")
	ledger.Mark(a, "short", 5_000, "")
	ledger.Mark(a, "long", 120_000, "")

	require.Equal(t, 0, ledger.ClearExpired([]*Account{a}))

	clk.Advance(6 * time.Second)
	require.Equal(t, 1, ledger.ClearExpired([]*Account{a}))
	require.Nil(t, a.Limit("short"))
	require.NotNil(t, a.Limit("long"))
}

func TestAllRateLimited(t *testing.T) {
	ledger, _ := testLedger(t)

	require.True(t, ledger.AllRateLimited(nil, "m"))

	a := enabledAccount("a@example.com")
	b := enabledAccount("b@example.com")
	pool := []*Account{a, b}
	require.False(t, ledger.AllRateLimited(pool, "m"))

	ledger.Mark(a, "m", 60_000, "")
	ledger.Mark(b, "m", 60_000, "")
	require.True(t, ledger.AllRateLimited(pool, "m"))
}

func TestResetAll(t *testing.T) {
	ledger, _ := testLedger(t)
	a := enabledAccount("a@example.com")
	ledger.Mark(a, "m1", 60_000, "")
	ledger.Mark(a, "m2", 60_000, "")

	ledger.ResetAll([]*Account{a})
	require.Empty(t, a.ModelRateLimits)
	require.True(t, ledger.IsUsable(a, "m1"))
}

func TestInvalidFlagRoundTrip(t *testing.T) {
	ledger, clk := testLedger(t)
	a := enabledAccount("a@example.com")

	ledger.MarkInvalid(a, "invalid_grant")
	require.True(t, a.IsInvalid)
	require.Equal(t, "invalid_grant", a.InvalidReason)
	require.Equal(t, clk.Now().UnixMilli(), a.InvalidAt)

	ledger.ClearInvalid(a)
	require.False(t, a.IsInvalid)
	require.Empty(t, a.InvalidReason)
	require.Zero(t, a.InvalidAt)
}
