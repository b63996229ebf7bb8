package engine

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidState is wrapped by every rejection caused by the actuator's current state.
	ErrInvalidState = errors.New("invalid actuator state")
	// ErrInvalidPatternIndex is returned for an index outside the pattern catalog.
	ErrInvalidPatternIndex = errors.New("invalid pattern index")
	// ErrStreamQueueFull is returned by Stream when targets arrive faster than they are executed.
	ErrStreamQueueFull = errors.New("stream queue is full")
	// ErrMotorFault is returned by a move that a motor fault aborted.
	ErrMotorFault = errors.New("motor fault")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// NewInvalidStateError returns an error for an operation that is not allowed in state.
func NewInvalidStateError(op string, state State) error {
	return errors.Wrapf(ErrInvalidState, "cannot %s while %s", op, state)
}

// NewBusyError returns an error for an operation rejected because another task owns the actuator.
func NewBusyError(op string, kind taskKind) error {
	return errors.Wrapf(ErrInvalidState, "cannot %s while %s", op, kind)
}

// NewInvalidPatternIndexError returns an error for a pattern index outside [0, count).
func NewInvalidPatternIndexError(index, count int) error {
	return errors.Wrapf(ErrInvalidPatternIndex, "%d not in [0, %d)", index, count)
}
