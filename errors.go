package canctl

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Controller errors. Every error returned by a Session matches exactly one of
// these with errors.Is.
var (
	ErrConfiguration    = errors.New("canctl: invalid configuration")
	ErrAlreadyInstalled = errors.New("canctl: driver already installed")
	ErrInvalidState     = errors.New("canctl: invalid state")
	ErrQueueFull        = errors.New("canctl: queue full")
	ErrTimeout          = errors.New("canctl: timeout")
	ErrNotSupported     = errors.New("canctl: not supported in current mode")
	ErrCanceled         = errors.New("canctl: canceled")
	ErrDriver           = errors.New("canctl: driver failure")
)

// Frame errors.
var (
	ErrInvalidID  = errors.New("canctl: invalid identifier")
	ErrInvalidLen = errors.New("canctl: invalid data length")
)

// ErrClosed indicates the driver or its underlying port has been closed.
var ErrClosed = errors.New("canctl: closed")

// ControllerError records the session operation that failed.
type ControllerError struct {
	Op  string
	Err error
}

func (e *ControllerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

var taxonomy = []error{
	ErrConfiguration,
	ErrAlreadyInstalled,
	ErrInvalidState,
	ErrQueueFull,
	ErrTimeout,
	ErrNotSupported,
	ErrCanceled,
	ErrDriver,
	ErrInvalidID,
	ErrInvalidLen,
}

// classify maps a driver result onto the taxonomy. parent is the caller's
// context; the driver saw a derived context carrying the operation timeout.
// busy is returned when a zero timeout expired on the first attempt.
func classify(op string, parent context.Context, timeout time.Duration, err error, busy error) error {
	if err == nil {
		return nil
	}
	if perr := parent.Err(); perr != nil {
		return &ControllerError{Op: op, Err: fmt.Errorf("%w: %w", ErrCanceled, perr)}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if timeout == 0 {
			return &ControllerError{Op: op, Err: busy}
		}
		return &ControllerError{Op: op, Err: ErrTimeout}
	}
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return &ControllerError{Op: op, Err: err}
		}
	}
	if errors.Is(err, ErrClosed) {
		return &ControllerError{Op: op, Err: fmt.Errorf("%w: %w", ErrInvalidState, err)}
	}
	return &ControllerError{Op: op, Err: fmt.Errorf("%w: %w", ErrDriver, err)}
}
