package account

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/kiro-gateway/internal/kiro"
)

func testAccount(t *testing.T, name string) *Account {
	t.Helper()
	creds := &kiro.Credentials{
		RefreshToken: "refresh-" + name,
		AuthMethod:   kiro.AuthMethodSocial,
	}
	tm := NewTokenManager(creds, t.TempDir()+"/"+name+".json", nil, nil)
	return New(name, tm)
}

func testPool(t *testing.T, cfg PoolConfig, names ...string) *Pool {
	t.Helper()
	pool := NewPool(cfg, nil)
	for _, name := range names {
		pool.AddAccount(testAccount(t, name))
	}
	return pool
}

func TestGetLeastUsedAccountPrefersKnownRatio(t *testing.T) {
	pool := testPool(t, PoolConfig{MaxFailures: 3}, "a", "b", "c")

	pool.Get("b").SetUsageRatio(0.9)

	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name, "an account with a known ratio beats unknowns")
}

func TestGetLeastUsedAccountSmallestRatioWins(t *testing.T) {
	pool := testPool(t, PoolConfig{MaxFailures: 3}, "a", "b", "c")

	pool.Get("a").SetUsageRatio(0.5)
	pool.Get("b").SetUsageRatio(0.2)
	pool.Get("c").SetUsageRatio(0.8)

	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name)
}

func TestGetLeastUsedAccountRequestCountBreaksTies(t *testing.T) {
	pool := testPool(t, PoolConfig{MaxFailures: 3}, "a", "b")

	pool.Get("a").SetUsageRatio(0.5)
	pool.Get("b").SetUsageRatio(0.5)
	pool.Get("a").IncrementRequestCount()
	pool.Get("a").IncrementRequestCount()
	pool.Get("b").IncrementRequestCount()

	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name)
}

func TestGetLeastUsedAccountEarlierWinsExactTie(t *testing.T) {
	pool := testPool(t, PoolConfig{MaxFailures: 3}, "a", "b")

	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Name, "identical accounts resolve to insertion order")
}

func TestGetLeastUsedAccountExcludesAtMaxFailures(t *testing.T) {
	pool := testPool(t, PoolConfig{MaxFailures: 2, FailureCooldown: 0}, "a", "b")

	a := pool.Get("a")
	a.MarkUnhealthy()
	a.MarkUnhealthy()

	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name, "an account at the failure cap never comes back")

	// A zero cooldown does not resurrect it.
	got = pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Name)
}

func TestGetLeastUsedAccountCooldownBoundary(t *testing.T) {
	cooldown := 50 * time.Millisecond
	pool := testPool(t, PoolConfig{MaxFailures: 10, FailureCooldown: cooldown}, "a")

	a := pool.Get("a")
	a.MarkUnhealthy()

	assert.Nil(t, pool.GetLeastUsedAccount(), "inside the cooldown window the account sits out")

	time.Sleep(cooldown + 10*time.Millisecond)
	got := pool.GetLeastUsedAccount()
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Name, "once the cooldown has elapsed the account is eligible again")
}

func TestGetLeastUsedAccountEmptyPool(t *testing.T) {
	pool := NewPool(PoolConfig{}, nil)
	assert.Nil(t, pool.GetLeastUsedAccount())
}

func TestMarkHealthyResetsFailureCount(t *testing.T) {
	a := testAccount(t, "a")
	a.MarkUnhealthy()
	a.MarkUnhealthy()
	require.EqualValues(t, 2, a.FailureCount())

	a.MarkHealthy()
	assert.EqualValues(t, 0, a.FailureCount())
	assert.True(t, a.IsHealthy())
}

func TestSetUsageRatioNormalizesNonFinite(t *testing.T) {
	a := testAccount(t, "a")

	a.SetUsageRatio(0.4)
	ratio, ok := a.UsageRatio()
	require.True(t, ok)
	assert.InDelta(t, 0.4, ratio, 1e-9)

	a.SetUsageRatio(math.NaN())
	_, ok = a.UsageRatio()
	assert.False(t, ok, "NaN clears the ratio")

	a.SetUsageRatio(0.4)
	a.SetUsageRatio(math.Inf(1))
	_, ok = a.UsageRatio()
	assert.False(t, ok, "infinity clears the ratio")
}

func TestAddAccountReplacesSameName(t *testing.T) {
	pool := testPool(t, PoolConfig{}, "a")
	pool.Get("a").IncrementRequestCount()

	pool.AddAccount(testAccount(t, "a"))
	assert.Equal(t, 1, pool.AccountCount())
	assert.EqualValues(t, 0, pool.Get("a").RequestCount(), "replacement resets runtime state")
}

func TestRemoveAccount(t *testing.T) {
	pool := testPool(t, PoolConfig{}, "a", "b")

	assert.True(t, pool.RemoveAccount("a"))
	assert.False(t, pool.RemoveAccount("a"))
	assert.Equal(t, 1, pool.AccountCount())
	assert.Nil(t, pool.Get("a"))
}
