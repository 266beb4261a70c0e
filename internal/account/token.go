package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// refreshMargin is how long before expiry a cached token stops being
// served.
const refreshMargin = 60 * time.Second

// TokenManager owns one account's credentials and their backing file.
// Reads take a shared lock; refresh is the only writer and concurrent
// refreshes for the same account coalesce into one network call.
type TokenManager struct {
	mu     sync.RWMutex
	creds  *kiro.Credentials
	path   string
	client *kiro.Client
	logger *slog.Logger

	sf singleflight.Group
}

// NewTokenManager creates a token manager for one credential file.
func NewTokenManager(creds *kiro.Credentials, path string, client *kiro.Client, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		creds:  creds,
		path:   path,
		client: client,
		logger: logger,
	}
}

// Credentials returns a copy of the current credential record.
func (tm *TokenManager) Credentials() kiro.Credentials {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return *tm.creds
}

// Path returns the backing credential file path.
func (tm *TokenManager) Path() string {
	return tm.path
}

// EnsureValidToken returns a usable access token, refreshing if the cached
// one is missing or within a minute of expiry.
func (tm *TokenManager) EnsureValidToken(ctx context.Context) (string, error) {
	if token, ok := tm.cachedToken(); ok {
		return token, nil
	}

	// One refresh per account regardless of how many requests are waiting.
	v, err, _ := tm.sf.Do("refresh", func() (any, error) {
		// A racing caller may have refreshed while we queued.
		if token, ok := tm.cachedToken(); ok {
			return token, nil
		}
		return tm.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cachedToken returns the current access token if it is still comfortably
// within its validity window.
func (tm *TokenManager) cachedToken() (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if tm.creds.AccessToken == "" {
		return "", false
	}
	expiresAt := tm.creds.ExpiresAtTime()
	if expiresAt.IsZero() || !time.Now().Add(refreshMargin).Before(expiresAt) {
		return "", false
	}
	return tm.creds.AccessToken, true
}

// refresh performs the network refresh and persists the updated record.
// A persistence failure is logged but does not fail the refresh: the
// in-memory credentials remain authoritative.
func (tm *TokenManager) refresh(ctx context.Context) (string, error) {
	tm.mu.RLock()
	creds := *tm.creds
	tm.mu.RUnlock()

	if creds.RefreshToken == "" {
		return "", kiro.ErrNoRefreshToken
	}

	resp, err := tm.client.RefreshToken(ctx, &creds)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}

	tm.mu.Lock()
	tm.creds.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		tm.creds.RefreshToken = resp.RefreshToken
	}
	if resp.ProfileARN != "" {
		tm.creds.ProfileARN = resp.ProfileARN
	}
	if resp.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		tm.creds.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	}
	updated := *tm.creds
	tm.mu.Unlock()

	if err := kiro.SaveCredentials(tm.path, &updated); err != nil {
		tm.logger.Error("failed to persist refreshed credentials",
			"path", tm.path,
			"error", err,
		)
	}

	return resp.AccessToken, nil
}

// ForceRefresh refreshes the token regardless of the cached expiry.
// Concurrent callers still coalesce.
func (tm *TokenManager) ForceRefresh(ctx context.Context) error {
	_, err, _ := tm.sf.Do("refresh", func() (any, error) {
		return tm.refresh(ctx)
	})
	return err
}

// GetUsageLimits fetches the account's usage snapshot from the Kiro usage
// endpoint, refreshing the token first if needed.
func (tm *TokenManager) GetUsageLimits(ctx context.Context) (*kiro.UsageLimits, error) {
	if _, err := tm.EnsureValidToken(ctx); err != nil {
		return nil, err
	}

	creds := tm.Credentials()
	return tm.client.GetUsageLimits(ctx, &creds)
}

// ReplaceCredentials swaps the in-memory record and rewrites the backing
// file. Used by the admin import path.
func (tm *TokenManager) ReplaceCredentials(creds *kiro.Credentials) error {
	tm.mu.Lock()
	tm.creds = creds
	updated := *tm.creds
	tm.mu.Unlock()

	return kiro.SaveCredentials(tm.path, &updated)
}
