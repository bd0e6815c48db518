package fault

import (
	"errors"
	"net/http"
)

// Sentinels for the coordination core. Wrap with fmt.Errorf("%w: ...") and
// branch with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrQueueOverflow     = errors.New("queue overflow")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrExecution         = errors.New("execution failed")
	ErrConfig            = errors.New("invalid configuration")
	ErrInvalidTimeRange  = errors.New("invalid time range")
	ErrNotFound          = errors.New("not found")

	// ErrConflict means another submission with the same idempotency key is still in flight.
	ErrConflict = errors.New("conflicting submission in progress")
)

// HTTPStatus maps an error from the core to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTimeRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQueueOverflow):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a rejected submission may succeed if resent later.
func Retryable(err error) bool {
	return errors.Is(err, ErrQueueOverflow) || errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrConflict)
}
