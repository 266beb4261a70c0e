package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/kiro-gateway/internal/account"
	"github.com/anthropics/kiro-gateway/internal/errorlog"
	"github.com/anthropics/kiro-gateway/internal/kiro"
)

func validCreds(name string) *kiro.Credentials {
	return &kiro.Credentials{
		AccessToken:  "token-" + name,
		RefreshToken: "refresh-" + name,
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		AuthMethod:   kiro.AuthMethodSocial,
	}
}

func buildPool(t *testing.T, client *kiro.Client, names ...string) *account.Pool {
	t.Helper()
	pool := account.NewPool(account.PoolConfig{
		FailureCooldown: time.Hour,
		MaxFailures:     3,
	}, nil)
	for _, name := range names {
		tm := account.NewTokenManager(validCreds(name), filepath.Join(t.TempDir(), name+".json"), client, nil)
		pool.AddAccount(account.New(name, tm))
	}
	return pool
}

func staticBody(body []byte) BuildBody {
	return func(*kiro.Credentials) ([]byte, error) {
		return body, nil
	}
}

func newTestDispatcher(t *testing.T, handler http.HandlerFunc, retryLimit int, names ...string) (*Dispatcher, *errorlog.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := kiro.NewClient(kiro.ClientOptions{BaseURL: srv.URL})
	errlog := errorlog.NewStore(t.TempDir(), nil)

	d := New(Options{
		Pool:       buildPool(t, client, names...),
		Client:     client,
		ErrorLog:   errlog,
		RetryLimit: retryLimit,
		Region:     "us-east-1",
	})
	return d, errlog
}

func TestDispatchRotatesOnServerError(t *testing.T) {
	var calls atomic.Int64
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		auth := r.Header.Get("Authorization")
		_, _ = w.Write([]byte(auth))
	}, 9, "a", "b")

	result, err := d.Dispatch(context.Background(), staticBody([]byte(`{}`)), false)
	require.NoError(t, err)
	defer func() { _ = result.Body.Close() }()

	served, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-b", string(served), "the second account served after the first failed")
	assert.Equal(t, "b", result.Account.Name)

	a := d.Pool().Get("a")
	assert.False(t, a.IsHealthy())
	assert.EqualValues(t, 1, a.FailureCount())
	assert.True(t, result.Account.IsHealthy())
}

func TestDispatchFailsFastOnBadRequest(t *testing.T) {
	var calls atomic.Int64
	d, errlog := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad`))
	}, 9, "a", "b")

	_, err := d.Dispatch(context.Background(), staticBody([]byte(`{"conversationState":{}}`)), false)
	require.Error(t, err)

	var apiErr *kiro.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsBadRequest())

	assert.EqualValues(t, 1, calls.Load(), "a 400 is not retried")
	assert.True(t, d.Pool().Get("a").IsHealthy(), "a caller error does not penalize the account")

	entries := errlog.List()
	require.Len(t, entries, 1)
	assert.Equal(t, 400, entries[0].StatusCode)
	assert.Equal(t, errorlog.TypeBadRequest, entries[0].ErrorType)
	require.NotNil(t, entries[0].RequestBody, "400 entries keep the upstream response body")
	assert.Equal(t, "bad", *entries[0].RequestBody)
}

func TestDispatchRetriesRateLimitWithoutPenalty(t *testing.T) {
	var calls atomic.Int64
	d, errlog := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, 3, "a")

	start := time.Now()
	_, err := d.Dispatch(context.Background(), staticBody([]byte(`{}`)), false)
	require.Error(t, err)

	var apiErr *kiro.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsRateLimited())

	assert.EqualValues(t, 3, calls.Load(), "one account and a limit of three yields three attempts")
	assert.GreaterOrEqual(t, time.Since(start), 2*rateLimitBackoff, "attempts are spaced out")
	assert.True(t, d.Pool().Get("a").IsHealthy(), "throttling does not disable the account")

	for _, entry := range errlog.List() {
		assert.Equal(t, errorlog.TypeRateLimited, entry.ErrorType)
		assert.Nil(t, entry.RequestBody)
	}
}

func TestDispatchAllAccountsDisabled(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, 9, "a")

	acct := d.Pool().Get("a")
	acct.MarkUnhealthy()
	acct.MarkUnhealthy()
	acct.MarkUnhealthy()

	_, err := d.Dispatch(context.Background(), staticBody([]byte(`{}`)), false)
	assert.ErrorIs(t, err, ErrAllAccountsDisabled)
}

func TestDispatchIncrementsRequestCount(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, 9, "a")

	result, err := d.Dispatch(context.Background(), staticBody([]byte(`{}`)), false)
	require.NoError(t, err)
	_ = result.Body.Close()

	assert.EqualValues(t, 1, result.Account.RequestCount())
}

func TestDispatchHonorsContextCancellation(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 9, "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, staticBody([]byte(`{}`)), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
