package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Errors returned by Executor operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, transport.ErrOffline) {
//	    // queue the mutation instead
//	}
var (
	// ErrTransport is the root of network-level failures. It is retryable.
	ErrTransport = errors.New("transport error")

	// ErrOffline is returned when the server cannot be reached at all
	// (dial or DNS failure) or the executor already knows it is offline.
	ErrOffline = fmt.Errorf("%w: offline", ErrTransport)

	// ErrTimeout is returned when a request exceeds the client timeout.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)

	// ErrNotFound is returned when the server answers 404.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when the server rejects the payload (4xx).
	ErrValidation = errors.New("validation failed")

	// ErrCancelled is the result of a queued request removed before replay.
	ErrCancelled = errors.New("request cancelled")
)

// StatusError carries a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap maps the status code onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return ErrTransport
	case e.StatusCode >= 500:
		return ErrTransport
	case e.StatusCode >= 400:
		return ErrValidation
	default:
		return nil
	}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// IsOffline reports whether err means the server could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
