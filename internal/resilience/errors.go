// Package resilience provides the retry, backoff, and error-classification
// primitives shared by every outbound call in the pipeline.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps a failure that is safe to retry: timeouts, connection
// resets, 429 and 5xx responses. RetryAfter carries an upstream cooldown hint
// when one was provided (429 with a Retry-After header).
type TransientError struct {
	Err        error
	StatusCode int
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RejectedError wraps an upstream client-error response (4xx other than 429).
// Retrying cannot help; the caller logs and skips the item.
type RejectedError struct {
	Err        error
	StatusCode int
}

func (e *RejectedError) Error() string { return e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

// NewRejectedError wraps err as a non-retryable upstream rejection.
func NewRejectedError(err error, statusCode int) *RejectedError {
	return &RejectedError{Err: err, StatusCode: statusCode}
}

// IsRejected reports whether the error chain contains a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsRateLimited reports whether the error chain contains a 429 response.
func IsRateLimited(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.StatusCode == 429
}

// IsTransient reports whether err (or anything in its chain) is retryable:
// an explicit TransientError, a network timeout, a connection-level failure,
// or one of the usual wrapped-client error strings.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRejected(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
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

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the status code indicates a failure
// worth retrying after backoff.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
