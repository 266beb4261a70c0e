package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// ssoPollTimeout caps the whole device-authorization poll.
	ssoPollTimeout = 120 * time.Second
	// ssoClientName is the OIDC client registration name.
	ssoClientName = "Kiro Gateway"
	// ssoStartURL is the AWS Builder ID start URL used by the Kiro desktop flow.
	ssoStartURL = "https://view.awsapps.com/start"
	// ssoScope is the CodeWhisperer scope requested for the token.
	ssoScope = "codewhisperer:conversations"
)

// SSOImportResult is the outcome of a completed device flow: credentials
// ready to be saved as an IdC account.
type SSOImportResult struct {
	Credentials *Credentials
}

type oidcRegisterRequest struct {
	ClientName string   `json:"clientName"`
	ClientType string   `json:"clientType"`
	Scopes     []string `json:"scopes"`
}

type oidcRegisterResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type deviceAuthRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	StartURL     string `json:"startUrl"`
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expiresIn"`
}

type createTokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	DeviceCode   string `json:"deviceCode"`
}

type createTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type oidcErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ImportSSOToken runs the AWS IdC device-authorization flow and returns
// credentials for a new IdC account. The ssoToken (the x-amz-sso_authn
// cookie) is forwarded so the session backing the device grant is the one
// the operator already holds; the poll loop waits for the grant to land.
func (c *Client) ImportSSOToken(ctx context.Context, ssoToken, region string) (*SSOImportResult, error) {
	if region == "" {
		region = "us-east-1"
	}
	oidcBase := fmt.Sprintf("https://oidc.%s.amazonaws.com", region)

	// Register an OIDC client for this import.
	var reg oidcRegisterResponse
	err := c.ssoPost(ctx, oidcBase+"/client/register", ssoToken, oidcRegisterRequest{
		ClientName: ssoClientName,
		ClientType: "public",
		Scopes:     []string{ssoScope},
	}, &reg)
	if err != nil {
		return nil, fmt.Errorf("client register failed: %w", err)
	}

	// Start the device authorization.
	var device deviceAuthResponse
	err = c.ssoPost(ctx, oidcBase+"/device_authorization", ssoToken, deviceAuthRequest{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		StartURL:     ssoStartURL,
	}, &device)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	c.logger.Info("SSO device authorization started",
		"verification_uri", device.VerificationURIComplete,
		"user_code", device.UserCode,
	)

	interval := device.Interval
	if interval <= 0 {
		interval = 5
	}

	token, err := c.pollCreateToken(ctx, oidcBase, &reg, device.DeviceCode, interval)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	return &SSOImportResult{
		Credentials: &Credentials{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    expiresAt,
			AuthMethod:   AuthMethodIDC,
			Provider:     ProviderBuilderID,
			Region:       region,
			ClientID:     reg.ClientID,
			ClientSecret: reg.ClientSecret,
			StartURL:     ssoStartURL,
		},
	}, nil
}

// pollCreateToken polls /token until the grant completes.
// authorization_pending keeps polling, slow_down stretches the interval by
// five seconds, any other error aborts. The whole poll is capped at 120 s.
func (c *Client) pollCreateToken(ctx context.Context, oidcBase string, reg *oidcRegisterResponse, deviceCode string, interval int) (*createTokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ssoPollTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("device authorization timed out: %w", ctx.Err())
		case <-time.After(time.Duration(interval) * time.Second):
		}

		var token createTokenResponse
		err := c.ssoPost(ctx, oidcBase+"/token", "", createTokenRequest{
			ClientID:     reg.ClientID,
			ClientSecret: reg.ClientSecret,
			GrantType:    "urn:ietf:params:oauth:grant-type:device_code",
			DeviceCode:   deviceCode,
		}, &token)
		if err == nil {
			return &token, nil
		}

		var oidcErr *ssoError
		if !errors.As(err, &oidcErr) {
			return nil, err
		}

		switch oidcErr.Code {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5
			continue
		default:
			return nil, fmt.Errorf("device authorization rejected: %s", oidcErr.Code)
		}
	}
}

// ssoError is a structured OIDC error response.
type ssoError struct {
	Code        string
	Description string
}

func (e *ssoError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oidc error %s: %s", e.Code, e.Description)
	}
	return "oidc error " + e.Code
}

// ssoPost posts a JSON body and decodes the JSON response. OIDC error
// payloads come back as *ssoError so the poll loop can branch on the code.
func (c *Client) ssoPost(ctx context.Context, url, ssoToken string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ssoToken != "" {
		req.AddCookie(&http.Cookie{Name: "x-amz-sso_authn", Value: ssoToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var oidcErr oidcErrorResponse
		if json.Unmarshal(respBody, &oidcErr) == nil && oidcErr.Error != "" {
			return &ssoError{Code: oidcErr.Error, Description: oidcErr.ErrorDescription}
		}
		return fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
