package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// UsageLimitsURL is the Smithy RPCv2-CBOR usage endpoint.
	UsageLimitsURL = "https://kiro.amazon.dev/GetUserUsageAndLimits"
	// UsageLimitsTimeout bounds one usage check.
	UsageLimitsTimeout = 30 * time.Second
)

// UsageLimits is the decoded result of GetUserUsageAndLimits.
type UsageLimits struct {
	Email             string
	SubscriptionTitle string
	CurrentUsage      float64
	UsageLimit        float64
	NextResetDate     *float64 // unix seconds
}

// Ratio returns current/limit, or false when the limit is zero.
func (u *UsageLimits) Ratio() (float64, bool) {
	if u.UsageLimit <= 0 {
		return 0, false
	}
	return u.CurrentUsage / u.UsageLimit, true
}

// usageLimitsRequest is the CBOR request body. profileArn is only set for
// social accounts.
type usageLimitsRequest struct {
	ProfileARN string `cbor:"profileArn,omitempty"`
	Origin     string `cbor:"origin"`
}

// usageLimitsWire mirrors the upstream CBOR response. Only the fields the
// gateway consumes are decoded; unknown fields are ignored by the decoder.
type usageLimitsWire struct {
	UserInfo struct {
		Email string `cbor:"email"`
	} `cbor:"userInfo"`
	SubscriptionInfo struct {
		SubscriptionTitle string `cbor:"subscriptionTitle"`
	} `cbor:"subscriptionInfo"`
	UsageBreakdownList []struct {
		ResourceType  string   `cbor:"resourceType"`
		CurrentUsage  float64  `cbor:"currentUsage"`
		UsageLimit    float64  `cbor:"usageLimit"`
		NextDateReset *float64 `cbor:"nextDateReset"`
	} `cbor:"usageBreakdownList"`
}

// GetUsageLimits calls GetUserUsageAndLimits for the given credentials.
// The endpoint speaks Smithy RPCv2 CBOR and authenticates with the same
// bearer token as generateAssistantResponse.
func (c *Client) GetUsageLimits(ctx context.Context, creds *Credentials) (*UsageLimits, error) {
	reqBody, err := cbor.Marshal(usageLimitsRequest{
		ProfileARN: creds.ProfileARN,
		Origin:     "AI_EDITOR",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode usage request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, UsageLimitsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, UsageLimitsURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}

	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("Accept", "application/cbor")
	req.Header.Set("smithy-protocol", "rpc-v2-cbor")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var wire usageLimitsWire
	if err := cbor.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode usage response: %w", err)
	}

	limits := &UsageLimits{
		Email:             wire.UserInfo.Email,
		SubscriptionTitle: wire.SubscriptionInfo.SubscriptionTitle,
	}

	// The breakdown list carries one entry per metered resource; the credit
	// entry is the one that drives account rotation.
	for _, item := range wire.UsageBreakdownList {
		limits.CurrentUsage = item.CurrentUsage
		limits.UsageLimit = item.UsageLimit
		limits.NextResetDate = item.NextDateReset
		if item.ResourceType == "CREDIT" {
			break
		}
	}

	return limits, nil
}
