// Package account provides the Kiro account pool: per-account runtime
// state, least-used selection, and token lifecycle management.
package account

import (
	"math"
	"sync/atomic"
	"time"
)

// ratioAbsent is the sentinel bit pattern meaning "no usage ratio known".
// NaN and infinities are normalized to it on store.
const ratioAbsent = ^uint64(0)

// Account is one Upstream credential set plus its runtime state. All
// counters are atomic hints, not transactional state: parallel requests
// may observe them mid-update.
type Account struct {
	Name string

	tokens *TokenManager

	requestCount   atomic.Uint64
	failureCount   atomic.Uint64
	healthy        atomic.Bool
	lastFailure    atomic.Int64 // unix nanos, 0 = never failed
	usageRatio     atomic.Uint64
	usageCheckedAt atomic.Int64 // unix nanos, 0 = never checked
}

// New creates a healthy account wrapping the given token manager.
func New(name string, tokens *TokenManager) *Account {
	a := &Account{
		Name:   name,
		tokens: tokens,
	}
	a.healthy.Store(true)
	a.usageRatio.Store(ratioAbsent)
	return a
}

// Tokens returns the account's token manager.
func (a *Account) Tokens() *TokenManager {
	return a.tokens
}

// RequestCount returns the number of dispatch attempts routed here.
func (a *Account) RequestCount() uint64 {
	return a.requestCount.Load()
}

// IncrementRequestCount bumps the request counter.
func (a *Account) IncrementRequestCount() {
	a.requestCount.Add(1)
}

// FailureCount returns the consecutive failure count.
func (a *Account) FailureCount() uint64 {
	return a.failureCount.Load()
}

// IsHealthy reports whether the last observed outcome was a success.
func (a *Account) IsHealthy() bool {
	return a.healthy.Load()
}

// MarkHealthy records a success: the account becomes healthy and its
// failure count resets.
func (a *Account) MarkHealthy() {
	a.healthy.Store(true)
	a.failureCount.Store(0)
}

// MarkUnhealthy records a failure: unhealthy, failure count incremented,
// failure instant stamped.
func (a *Account) MarkUnhealthy() {
	a.healthy.Store(false)
	a.failureCount.Add(1)
	a.lastFailure.Store(time.Now().UnixNano())
}

// LastFailure returns the most recent failure instant, if any.
func (a *Account) LastFailure() (time.Time, bool) {
	ns := a.lastFailure.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// UsageRatio returns the last observed usage ratio, if one is known.
func (a *Account) UsageRatio() (float64, bool) {
	bits := a.usageRatio.Load()
	if bits == ratioAbsent {
		return 0, false
	}
	return math.Float64frombits(bits), true
}

// SetUsageRatio stores a usage ratio. Non-finite values clear it.
func (a *Account) SetUsageRatio(ratio float64) {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		a.usageRatio.Store(ratioAbsent)
		return
	}
	a.usageRatio.Store(math.Float64bits(ratio))
	a.usageCheckedAt.Store(time.Now().UnixNano())
}

// ClearUsageRatio forgets the usage ratio.
func (a *Account) ClearUsageRatio() {
	a.usageRatio.Store(ratioAbsent)
}

// UsageCheckedAt returns when the usage ratio was last refreshed.
func (a *Account) UsageCheckedAt() (time.Time, bool) {
	ns := a.usageCheckedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
