// Package dispatch routes upstream requests across the account pool with
// retry and failure accounting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anthropics/kiro-gateway/internal/account"
	"github.com/anthropics/kiro-gateway/internal/errorlog"
	"github.com/anthropics/kiro-gateway/internal/kiro"
)

// ErrAllAccountsDisabled is returned when no pool account is eligible.
var ErrAllAccountsDisabled = errors.New("all accounts are disabled or cooling down")

// rateLimitBackoff is the pause after a 429 before the next attempt.
const rateLimitBackoff = 500 * time.Millisecond

// attemptsPerAccount bounds retries relative to pool size.
const attemptsPerAccount = 3

// Dispatcher sends upstream requests, rotating across pool accounts on
// failure.
type Dispatcher struct {
	pool    *account.Pool
	client  *kiro.Client
	errors  *errorlog.Store
	ceiling int
	region  string
	logger  *slog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	Pool       *account.Pool
	Client     *kiro.Client
	ErrorLog   *errorlog.Store
	RetryLimit int
	Region     string
	Logger     *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ceiling := opts.RetryLimit
	if ceiling <= 0 {
		ceiling = 9
	}
	return &Dispatcher{
		pool:    opts.Pool,
		client:  opts.Client,
		errors:  opts.ErrorLog,
		ceiling: ceiling,
		region:  opts.Region,
		logger:  logger,
	}
}

// Result is a successful dispatch: the event-stream body and the account
// that served it.
type Result struct {
	Body    io.ReadCloser
	Account *account.Account
}

// BuildBody produces the upstream request body for the selected account's
// credentials. It runs once per attempt because the body embeds
// account-specific fields.
type BuildBody func(creds *kiro.Credentials) ([]byte, error)

// maxAttempts is three tries per account, capped by the retry limit.
func (d *Dispatcher) maxAttempts() int {
	attempts := d.pool.AccountCount() * attemptsPerAccount
	if attempts > d.ceiling {
		attempts = d.ceiling
	}
	if attempts < 1 {
		attempts = 1
	}
	return attempts
}

// Dispatch sends a request upstream, retrying across accounts. A 400
// fails fast and does not penalize the account; a 429 pauses briefly and
// retries without penalty; any other failure marks the account unhealthy
// and rotates. The caller owns Result.Body.
func (d *Dispatcher) Dispatch(ctx context.Context, build BuildBody, isStream bool) (*Result, error) {
	var lastErr error

	attempts := d.maxAttempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acct := d.pool.GetLeastUsedAccount()
		if acct == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrAllAccountsDisabled
		}
		acct.IncrementRequestCount()

		token, err := acct.Tokens().EnsureValidToken(ctx)
		if err != nil {
			d.logger.Warn("token refresh failed",
				"account", acct.Name,
				"attempt", attempt+1,
				"error", err,
			)
			d.recordFailure(acct, 0, isStream, nil, err.Error())
			acct.MarkUnhealthy()
			lastErr = fmt.Errorf("account %s: %w", acct.Name, err)
			continue
		}

		creds := acct.Tokens().Credentials()
		region := creds.Region
		if region == "" {
			region = d.region
		}

		body, err := build(&creds)
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}

		stream, err := d.client.SendStreamingRequest(ctx, &kiro.Request{
			Region:    region,
			Token:     token,
			MachineID: kiro.MachineID(&creds),
			Body:      body,
		})
		if err == nil {
			acct.MarkHealthy()
			return &Result{Body: stream, Account: acct}, nil
		}

		lastErr = fmt.Errorf("account %s: %w", acct.Name, err)

		var apiErr *kiro.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.IsBadRequest():
				// Caller error. The account stays healthy and there is no
				// point retrying elsewhere.
				d.recordFailure(acct, apiErr.StatusCode, isStream, apiErr.Body, apiErr.Error())
				return nil, lastErr

			case apiErr.IsRateLimited():
				d.logger.Warn("upstream rate limited",
					"account", acct.Name,
					"attempt", attempt+1,
				)
				d.recordFailure(acct, apiErr.StatusCode, isStream, nil, apiErr.Error())
				select {
				case <-time.After(rateLimitBackoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue

			default:
				d.logger.Warn("upstream request failed",
					"account", acct.Name,
					"attempt", attempt+1,
					"status", apiErr.StatusCode,
				)
				d.recordFailure(acct, apiErr.StatusCode, isStream, nil, apiErr.Error())
				acct.MarkUnhealthy()
				continue
			}
		}

		// Transport-level failure.
		d.logger.Warn("upstream transport error",
			"account", acct.Name,
			"attempt", attempt+1,
			"error", err,
		)
		d.recordFailure(acct, 0, isStream, nil, err.Error())
		acct.MarkUnhealthy()
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrAllAccountsDisabled
}

// recordFailure appends to the error log. The upstream response body is
// kept only for 400s, where it is the evidence.
func (d *Dispatcher) recordFailure(acct *account.Account, status int, isStream bool, body []byte, message string) {
	if d.errors == nil {
		return
	}
	entry := errorlog.Entry{
		Timestamp:   time.Now().UTC(),
		AccountName: acct.Name,
		StatusCode:  status,
		ErrorType:   errorlog.ClassifyStatus(status),
		Message:     message,
		IsStream:    isStream,
	}
	if status == 400 && body != nil {
		entry.RequestBody = errorlog.TruncateBody(body)
	}
	d.errors.Add(entry)
}

// Pool exposes the backing account pool.
func (d *Dispatcher) Pool() *account.Pool {
	return d.pool
}
