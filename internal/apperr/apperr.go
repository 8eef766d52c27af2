// Package apperr defines the error kinds shared by every game component.
// Domain packages declare their own sentinels wrapping one of these kinds so
// transports can map any error with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPrecondition      = errors.New("failed precondition")
	ErrUnavailable       = errors.New("unavailable")
)

// New returns a sentinel error of the given kind.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Kind returns the kind wrapped by err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrConflict, ErrInvalidArgument, ErrInsufficientFunds, ErrPrecondition, ErrUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrInsufficientFunds, ErrPrecondition:
		return http.StatusUnprocessableEntity
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
