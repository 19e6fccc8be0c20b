package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds surfaced by the broker core. Wrap with %w so callers can
// classify via errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStaleLease = errors.New("stale lease")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

func StaleLeasef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStaleLease}, args...)...)
}

// HTTPStatus maps an error to a response status code. Unclassified errors
// are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStaleLease):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable error code for API payloads.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrValidation):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrStaleLease):
		return "STALE_LEASE"
	default:
		return "INTERNAL"
	}
}
