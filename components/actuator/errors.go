package actuator

import "github.com/pkg/errors"

// ErrDriverClosed is returned by drivers after Close.
var ErrDriverClosed = errors.New("actuator driver is closed")

// NewInvalidTargetError returns an error for a target that cannot be executed.
func NewInvalidTargetError(target MotionTarget) error {
	return errors.Errorf("invalid motion target %v", target)
}

// NewNotEnabledError returns an error for a move requested while the driver is de-energized.
func NewNotEnabledError(model string) error {
	return errors.Errorf("actuator driver %q is not enabled", model)
}

// NewHomingInProgressError returns an error for a second homing request.
func NewHomingInProgressError(model string) error {
	return errors.Errorf("actuator driver %q is already homing", model)
}

// NewUnknownModelError returns an error for a driver model nobody registered.
func NewUnknownModelError(model string) error {
	return errors.Errorf("unknown actuator driver model %q", model)
}
