package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// RefreshURLTemplate is the Kiro desktop token refresh endpoint (social auth).
	RefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// RefreshIDCURLTemplate is the AWS IdC token endpoint.
	RefreshIDCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout is the timeout for token refresh requests.
	RefreshTimeout = 30 * time.Second
)

// RefreshRequest is the social refresh request body.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// IDCRefreshRequest is the AWS IdC CreateToken request body.
type IDCRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is the token refresh response. Both endpoints return this
// shape; IdC leaves profileArn empty.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	ProfileARN   string `json:"profileArn,omitempty"`
}

// RefreshToken refreshes an account's OAuth token. Social accounts use the
// Kiro desktop endpoint; IdC accounts use the AWS OIDC token endpoint with
// their registered client credentials.
func (c *Client) RefreshToken(ctx context.Context, creds *Credentials) (*RefreshResponse, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	var refreshURL string
	var reqBody any
	if creds.IsSocial() {
		refreshURL = fmt.Sprintf(RefreshURLTemplate, region)
		if c.refreshBaseURL != "" {
			refreshURL = c.refreshBaseURL + "/refreshToken"
		}
		reqBody = RefreshRequest{RefreshToken: creds.RefreshToken}
	} else {
		refreshURL = fmt.Sprintf(RefreshIDCURLTemplate, region)
		if c.refreshBaseURL != "" {
			refreshURL = c.refreshBaseURL + "/token"
		}
		reqBody = IDCRefreshRequest{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			GrantType:    "refresh_token",
			RefreshToken: creds.RefreshToken,
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("refreshing token", "url", refreshURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var refreshResp RefreshResponse
	if err := json.Unmarshal(body, &refreshResp); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if refreshResp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response contained no access token")
	}

	c.logger.Info("token refreshed successfully")
	return &refreshResp, nil
}
