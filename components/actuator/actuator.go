// Package actuator defines linear actuators: a motor that moves a carriage back and forth along
// a bounded rail, addressed in millimeters from the retracted soft limit.
package actuator

import (
	"context"
	"fmt"

	"go.strokeengine.dev/stroker/utils"
)

// MotionTarget is one move: go to Position (mm) with at most Speed (mm/s), ramping with
// Acceleration (mm/s²).
type MotionTarget struct {
	Position     float64 `json:"position"`
	Speed        float64 `json:"speed"`
	Acceleration float64 `json:"acceleration"`
}

// IsValid returns whether the target can be executed: all fields finite, speed and acceleration
// strictly positive.
func (t MotionTarget) IsValid() bool {
	return utils.IsFinite(t.Position) && utils.IsFinite(t.Speed) && utils.IsFinite(t.Acceleration) &&
		t.Speed > 0 && t.Acceleration > 0
}

func (t MotionTarget) String() string {
	return fmt.Sprintf("{pos: %.2fmm, speed: %.2fmm/s, accel: %.2fmm/s²}", t.Position, t.Speed, t.Acceleration)
}

// HomingParams describes how a driver should look for its reference switch.
type HomingParams struct {
	// Speed and Acceleration of the search move.
	Speed        float64
	Acceleration float64
	// HomePosition is the coordinate assigned to the switch once it is found.
	HomePosition float64
}

// A Driver moves the physical actuator. Positions are millimeters in the engine's coordinate
// system where the retracted soft limit is 0.
//
// MoveTo blocks until the carriage arrives or ctx is cancelled; cancellation halts the motor.
// Home returns as soon as the search started and reports the outcome through onComplete exactly
// once, unless ctx is cancelled first, in which case onComplete is called with false.
type Driver interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Home(ctx context.Context, params HomingParams, onComplete func(success bool)) error
	MoveTo(ctx context.Context, target MotionTarget) error
	// Stop halts immediately, discarding any move in progress.
	Stop(ctx context.Context) error
	Position(ctx context.Context) (float64, error)
	// SetPosition declares the carriage's current position without moving it.
	SetPosition(ctx context.Context, position float64) error
	// Faults delivers hardware faults. The channel is never closed while the driver is open.
	Faults() <-chan error
	Close(ctx context.Context) error
}
