// Package errs defines the error taxonomy shared by the ingest pipeline,
// the alert lifecycle and the broadcast hub.
//
// Callers test the kind of a failure with errors.Is against the sentinel
// values; the wrapped cause stays reachable through errors.Unwrap.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind sentinels
var (
	// ErrValidation marks a malformed or incomplete input that was rejected before evaluation.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing entity/alert or an alert in the wrong state for a transition.
	ErrNotFound = errors.New("not found")
	// ErrTransientStore marks a failure of the persistence collaborator.
	ErrTransientStore = errors.New("transient store error")
	// ErrDelivery marks a failed send to a single connection.
	ErrDelivery = errors.New("delivery error")
)

// Error carries the kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Validation wraps a validation failure. cause may be nil.
func Validation(op string, cause error) error {
	return &Error{Kind: ErrValidation, Op: op, Err: cause}
}

// NotFound reports that what does not exist or is in the wrong state.
func NotFound(op, what string) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: what}
}

// Store wraps a persistence failure. A cause that already carries a kind is
// returned untouched so NotFound from the store survives.
func Store(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrNotFound) || errors.Is(cause, ErrValidation) || errors.Is(cause, ErrTransientStore) {
		return cause
	}
	return &Error{Kind: ErrTransientStore, Op: op, Err: cause}
}

// Delivery wraps a failed send.
func Delivery(op string, cause error) error {
	return &Error{Kind: ErrDelivery, Op: op, Err: cause}
}

// HTTPStatus maps an error to the status the transport layer should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransientStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
