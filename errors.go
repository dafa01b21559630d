package chatcore

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned for socket writes without a live connection.
	ErrNotConnected = errors.New("chatcore: not connected")
	// ErrQueueFull means the pre-ready publish queue is at capacity. Retryable.
	ErrQueueFull = errors.New("chatcore: publish queue full")
	// ErrMalformedPayload means a payload can never be sent as is.
	ErrMalformedPayload = errors.New("chatcore: malformed payload")
	// ErrValidation wraps local validation failures; nothing was sent.
	ErrValidation = errors.New("chatcore: validation failed")
	// ErrUnauthorized is returned for 401/403 responses. The session layer must re-authenticate.
	ErrUnauthorized = errors.New("chatcore: unauthorized")
	// ErrClosed is returned by components used after shutdown.
	ErrClosed = errors.New("chatcore: closed")
)

// APIError represents a non-2xx backend response.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatcore: backend returned %d", e.Status)
	}
	return fmt.Sprintf("chatcore: backend returned %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match auth failures.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether an operation that failed with err may succeed
// when repeated unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrClosed):
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests || apiErr.Status == http.StatusRequestTimeout
	}
	return true
}
