package claude

import (
	"fmt"
	"net/http"
)

// ErrorType is a Claude API error type tag.
type ErrorType string

// Claude API error types.
const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeAPI            ErrorType = "api_error"
	ErrorTypeOverloaded     ErrorType = "overloaded_error"
)

// ErrorResponse is the Claude API error envelope.
type ErrorResponse struct {
	Type  string    `json:"type"` // always "error"
	Error ErrorBody `json:"error"`
}

// ErrorBody holds the error details.
type ErrorBody struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

// APIError carries a Claude error type together with the HTTP status to
// surface it with.
type APIError struct {
	Type       ErrorType
	Message    string
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Response converts the error to the wire envelope.
func (e *APIError) Response() *ErrorResponse {
	return &ErrorResponse{
		Type:  "error",
		Error: ErrorBody{Type: e.Type, Message: e.Message},
	}
}

// NewInvalidRequestError builds a 400 invalid_request_error.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Message: message, StatusCode: http.StatusBadRequest}
}

// NewAuthenticationError builds a 401 authentication_error.
func NewAuthenticationError(message string) *APIError {
	return &APIError{Type: ErrorTypeAuthentication, Message: message, StatusCode: http.StatusUnauthorized}
}

// NewNotFoundError builds a 404 not_found_error.
func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message, StatusCode: http.StatusNotFound}
}

// NewRateLimitError builds a 429 rate_limit_error.
func NewRateLimitError(message string) *APIError {
	return &APIError{Type: ErrorTypeRateLimit, Message: message, StatusCode: http.StatusTooManyRequests}
}

// NewAPIErrorWithStatus builds an api_error surfaced with the given status.
func NewAPIErrorWithStatus(status int, message string) *APIError {
	return &APIError{Type: ErrorTypeAPI, Message: message, StatusCode: status}
}

// NewAPIError builds a 500 api_error.
func NewAPIError(message string) *APIError {
	return NewAPIErrorWithStatus(http.StatusInternalServerError, message)
}

// NewOverloadedError builds a 503 overloaded_error.
func NewOverloadedError(message string) *APIError {
	return &APIError{Type: ErrorTypeOverloaded, Message: message, StatusCode: http.StatusServiceUnavailable}
}
