package cloud

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the requested instance does not exist.
	ErrNotFound = errors.New("server not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// APIError wraps a provider HTTP failure with the status code so callers can
// classify it for retry purposes.
type APIError struct {
	// Op is the operation that failed (e.g., "CreateServer").
	Op string

	// StatusCode is the HTTP status returned by the provider.
	StatusCode int

	// Code is the provider's machine-readable error code, if any.
	Code string

	// Message is the provider's human-readable message.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud %s: HTTP %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes onto sentinel errors for errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == 404:
		return ErrNotFound
	case e.StatusCode == 401 || e.StatusCode == 403:
		return ErrInvalidCredentials
	case e.StatusCode == 429:
		return ErrThrottled
	case e.StatusCode >= 500:
		return ErrProviderUnavailable
	}
	return nil
}

// IsNotFound returns true if the error indicates the instance was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottled returns true if the error indicates provider rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsRetryable reports whether an operation that failed with err is worth
// repeating: network failures, throttling (429), and server-side errors
// (5xx). Validation failures, missing instances, and credential problems are
// not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
