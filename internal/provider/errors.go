// errors.go defines the error taxonomy shared by all provider adapters.
// Every provider failure is translated into exactly one of four categories,
// which is what the sync orchestrator and circuit breaker key their decisions
// on: auth errors flag re-auth and are not retried, rate limit errors consume
// the per-run retry budget, transient errors count toward the breaker, and
// fatal errors abort immediately.
package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrUnknownProviderKind = errors.New("unknown provider kind")
	ErrAdapterUnavailable  = errors.New("provider adapter not registered")
	ErrBaseURLRequired     = errors.New("provider API base URL is required")
	ErrAccessTokenRequired = errors.New("access token is required")
)

// AuthError indicates the provider rejected the credentials (401/403).
// Not countable for the circuit breaker: the provider is healthy, the token
// is not. The integration must be flagged for re-authorization.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization rejected (status %d)", e.Provider, e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError indicates provider throttling (429). RetryAfter is the
// provider's requested wait, zero when it sent none.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientError indicates a failure that may succeed on retry: network
// errors, timeouts, and provider 5xx responses. Countable for the breaker.
type TransientError struct {
	Provider   string
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient provider error (status %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError indicates a request the provider will never accept: malformed
// cursors, unsupported operations, unexpected response shapes. Not retried
// and not countable for the breaker.
type FatalError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: fatal provider error (status %d)", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: fatal provider error: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ClassifyStatus translates an HTTP status code into the taxonomy. Adapters
// call it after handling any provider-specific cases.
func ClassifyStatus(provider string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{Provider: provider, StatusCode: status, Err: err}
	case status == 429:
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter, Err: err}
	case status == 408 || status >= 500:
		return &TransientError{Provider: provider, StatusCode: status, Err: err}
	default:
		return &FatalError{Provider: provider, StatusCode: status, Err: err}
	}
}

// ErrorClass returns the taxonomy class name for metrics labels:
// auth, rate_limit, transient, fatal, or internal for anything else.
func ErrorClass(err error) string {
	var authErr *AuthError
	var rateErr *RateLimitError
	var transErr *TransientError
	var fatalErr *FatalError
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &transErr):
		return "transient"
	case errors.As(err, &fatalErr):
		return "fatal"
	default:
		return "internal"
	}
}
