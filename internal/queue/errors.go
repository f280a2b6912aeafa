package queue

import (
	"errors"
	"fmt"
)

// ErrValidation marks caller mistakes surfaced synchronously at enqueue or
// registration time: unknown (queue, type) pairs, payloads that do not match
// the registered schema, duplicate handler registration. Never retried.
var ErrValidation = errors.New("validation error")

// ErrNoHandler is returned by Enqueue when no handler is registered for the
// (queue, type) pair. Wraps ErrValidation.
var ErrNoHandler = fmt.Errorf("%w: no handler registered", ErrValidation)

// ErrHandlerExists is returned by RegisterHandler when the (queue, type)
// pair already has a handler. Wraps ErrValidation.
var ErrHandlerExists = fmt.Errorf("%w: handler already registered", ErrValidation)

// ErrStopped is returned by Enqueue after Close has been called.
var ErrStopped = errors.New("queue stopped")

// permanentError wraps a handler error that must not be retried. The job is
// failed and dead-lettered immediately, regardless of attempts remaining.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a permanent handler failure. Handlers return
// Permanent(err) to signal that retrying cannot succeed (authentication
// failed, resource deleted).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
