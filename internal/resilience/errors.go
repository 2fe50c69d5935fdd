package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ProviderError wraps a failed or invalid upstream provider call. Pages that
// exhaust their retries are skipped rather than failing the whole search.
type ProviderError struct {
	Err        error
	StatusCode int
}

func (e *ProviderError) Error() string {
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps an error from the place provider with an optional
// HTTP status code.
func NewProviderError(err error, statusCode int) *ProviderError {
	return &ProviderError{Err: err, StatusCode: statusCode}
}

// ValidationError marks a provider response that failed schema validation.
// It is treated exactly like a provider error for retry purposes.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// retryable provider error, a validation error, or matches common transient
// network patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == 0 {
			return true
		}
		return IsTransientHTTPStatus(pe.StatusCode)
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
