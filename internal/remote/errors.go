package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConnectivity marks timeouts, network failures and server-side unavailability.
	// It is always recoverable: callers fall back to cached state and retry later.
	ErrConnectivity = errors.New("remote: connectivity failure")
	// ErrUnauthorized is returned for 401 responses.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrForbidden is returned for 403 responses.
	ErrForbidden = errors.New("remote: forbidden")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("remote: not found")
	// ErrConflict is returned for 409 responses.
	ErrConflict = errors.New("remote: conflict")
	// ErrRejected is returned for any other non-success response.
	ErrRejected = errors.New("remote: request rejected")
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Code)
}

// Unwrap maps the status onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	case e.StatusCode >= http.StatusInternalServerError:
		return ErrConnectivity
	default:
		return ErrRejected
	}
}

// IsConnectivity reports whether err is a recoverable connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

func connectivityError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnectivity, operation, err)
}
