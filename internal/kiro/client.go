package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// SDKVersion is the aws-sdk-js version Kiro IDE ships with.
	SDKVersion = "1.0.27"
	// DefaultRequestTimeout bounds one upstream call end to end, including
	// the full streaming body.
	DefaultRequestTimeout = 720 * time.Second
)

// Client is an HTTP client for the Kiro generateAssistantResponse API.
type Client struct {
	httpClient     *http.Client
	logger         *slog.Logger
	kiroVersion    string
	nodeVersion    string
	systemVersion  string
	baseURL        string
	refreshBaseURL string
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	KiroVersion         string
	NodeVersion         string
	Logger              *slog.Logger

	// BaseURL overrides the generateAssistantResponse endpoint, and
	// RefreshBaseURL the token refresh endpoints. Tests point them at a
	// local server.
	BaseURL        string
	RefreshBaseURL string
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	kiroVersion := opts.KiroVersion
	if kiroVersion == "" {
		kiroVersion = "0.3.16"
	}
	nodeVersion := opts.NodeVersion
	if nodeVersion == "" {
		nodeVersion = "22.21.1"
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger:         logger,
		kiroVersion:    kiroVersion,
		nodeVersion:    nodeVersion,
		systemVersion:  runtime.GOOS,
		baseURL:        opts.BaseURL,
		refreshBaseURL: opts.RefreshBaseURL,
	}
}

// Request represents one call to generateAssistantResponse.
type Request struct {
	Region    string
	Token     string
	MachineID string
	Body      []byte
}

// SendStreamingRequest sends the request and returns the raw event-stream
// body. The caller must close the returned reader. Non-2xx responses are
// returned as *APIError with the body drained.
func (c *Client) SendStreamingRequest(ctx context.Context, req *Request) (io.ReadCloser, error) {
	url := generateURL(req.Region)
	if c.baseURL != "" {
		url = c.baseURL + "/generateAssistantResponse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, req)
	if c.baseURL != "" {
		httpReq.Host = ""
	}

	c.logger.Debug("sending request to Kiro API",
		"url", url,
		"body_size", len(req.Body),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		c.logger.Warn("Kiro API error",
			"status", resp.StatusCode,
			"body_size", len(body),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp.Body, nil
}

// setHeaders attaches the exact header set the Kiro IDE sends. The upstream
// rejects requests whose user-agent does not look like the JS SDK.
func (c *Client) setHeaders(httpReq *http.Request, req *Request) {
	invocationID := uuid.New().String()
	ide := fmt.Sprintf("KiroIDE-%s-%s", c.kiroVersion, req.MachineID)

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-amzn-codewhisperer-optout", "true")
	httpReq.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	httpReq.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/%s %s", SDKVersion, ide))
	httpReq.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/%s ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#%s m/E %s",
		SDKVersion, c.systemVersion, c.nodeVersion, SDKVersion, ide))
	httpReq.Header.Set("amz-sdk-invocation-id", invocationID)
	httpReq.Header.Set("amz-sdk-request", "attempt=1; max=3")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Connection", "close")
	httpReq.Host = generateHost(req.Region)
}

// APIError represents a non-2xx response from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsBadRequest returns true if the upstream rejected the request body (400).
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsRateLimited returns true if this is a throttle response (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func generateHost(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("q.%s.amazonaws.com", region)
}

func generateURL(region string) string {
	return fmt.Sprintf("https://%s/generateAssistantResponse", generateHost(region))
}

// Close closes the client and releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
