package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrCheckpointCorrupt marks a checkpoint that exists but cannot be decoded.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// TransportError reports a failed page fetch: network failure, timeout,
// non-2xx status or empty body.
type TransportError struct {
	URL        string
	StatusCode int
	// Permanent marks failures that retrying cannot fix.
	Permanent bool
	Err       error
}

// NewStatusError classifies a non-2xx response.
func NewStatusError(url string, status int) *TransportError {
	return &TransportError{
		URL:        url,
		StatusCode: status,
		Permanent:  isPermanentStatus(status),
		Err:        fmt.Errorf("unexpected status %d", status),
	}
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func isPermanentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// ParseError reports page content that could not be parsed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse page: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConfigurationError is fatal: the run cannot start or continue.
type ConfigurationError struct {
	Field string
	Err   error
}

// NewConfigurationError builds a ConfigurationError from a message.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a fetch error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var te *TransportError
		// A per-request timeout is transient; a cancelled run is not.
		if errors.As(err, &te) && errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		return false
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return !te.Permanent
	}
	return true
}
