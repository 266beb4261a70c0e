package account

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// ErrNoAccounts is returned when a credentials directory yields no usable
// accounts.
var ErrNoAccounts = errors.New("no usable accounts in credentials directory")

// PoolConfig controls when failed accounts come back into rotation.
type PoolConfig struct {
	// FailureCooldown is how long an unhealthy account sits out before the
	// selector reconsiders it.
	FailureCooldown time.Duration
	// MaxFailures permanently excludes an account once its consecutive
	// failure count reaches it. Only a restart or an admin reset clears it.
	MaxFailures uint64
}

// Pool is the ordered collection of accounts. Selection and listing take
// the read lock; add and remove take the write lock. No I/O happens under
// either.
type Pool struct {
	mu       sync.RWMutex
	accounts []*Account
	cfg      PoolConfig
	logger   *slog.Logger
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, logger: logger}
}

// NewPoolFromDirectory scans dir for credential files and builds the pool.
// Unparsable files are logged and skipped; an empty result is an error.
func NewPoolFromDirectory(dir string, client *kiro.Client, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	files, skipped, err := kiro.ScanCredentialsDir(dir)
	if err != nil {
		return nil, err
	}
	for _, path := range skipped {
		logger.Warn("skipping unparsable credentials file", "path", path)
	}

	pool := NewPool(cfg, logger)
	for _, f := range files {
		tm := NewTokenManager(f.Creds, f.Path, client, logger)
		pool.AddAccount(New(f.Name, tm))
	}

	if pool.AccountCount() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAccounts, dir)
	}

	logger.Info("account pool loaded",
		"dir", dir,
		"accounts", pool.AccountCount(),
		"skipped", len(skipped),
	)
	return pool, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// AddAccount inserts an account, replacing any existing account with the
// same name.
func (p *Pool) AddAccount(a *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.accounts {
		if existing.Name == a.Name {
			p.accounts[i] = a
			return
		}
	}
	p.accounts = append(p.accounts, a)
}

// RemoveAccount removes the named account. Returns false if absent.
func (p *Pool) RemoveAccount(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, a := range p.accounts {
		if a.Name == name {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named account, or nil.
func (p *Pool) Get(name string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, a := range p.accounts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// GetAllAccounts returns a snapshot of the pool in insertion order.
func (p *Pool) GetAllAccounts() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// AccountCount returns the number of accounts in the pool.
func (p *Pool) AccountCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// HealthyCount returns the number of currently healthy accounts.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, a := range p.accounts {
		if a.IsHealthy() {
			n++
		}
	}
	return n
}

// GetLeastUsedAccount selects the best candidate:
//
//  1. accounts at or past MaxFailures are out, cooldown or not;
//  2. unhealthy accounts still inside the cooldown window are out;
//  3. among the rest, a known usage ratio beats an unknown one, a smaller
//     ratio beats a larger one, and request count breaks ties.
//
// Returns nil when nothing is eligible. Earlier accounts win exact ties.
func (p *Pool) GetLeastUsedAccount() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var best *Account
	for _, a := range p.accounts {
		if !p.eligible(a, now) {
			continue
		}
		if best == nil || lessUsed(a, best) {
			best = a
		}
	}
	return best
}

// eligible applies the failure and cooldown filters.
func (p *Pool) eligible(a *Account, now time.Time) bool {
	if p.cfg.MaxFailures > 0 && a.FailureCount() >= p.cfg.MaxFailures {
		return false
	}
	if a.IsHealthy() {
		return true
	}
	last, ok := a.LastFailure()
	if !ok {
		return true
	}
	return now.Sub(last) >= p.cfg.FailureCooldown
}

// lessUsed reports whether a is strictly preferable to b.
func lessUsed(a, b *Account) bool {
	ra, aOK := a.UsageRatio()
	rb, bOK := b.UsageRatio()

	switch {
	case aOK && !bOK:
		return true
	case !aOK && bOK:
		return false
	case aOK && bOK:
		if ra != rb {
			return ra < rb
		}
	}
	return a.RequestCount() < b.RequestCount()
}
