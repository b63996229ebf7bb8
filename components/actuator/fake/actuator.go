// Package fake implements a simulated actuator whose moves take as long as the real machine's
// would, scaled by a configurable factor.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/operation"
	"go.strokeengine.dev/stroker/utils"
)

// Model is the registered name of the fake actuator.
const Model = "fake"

const maxRecordedTargets = 256

// Config describes the configuration of a fake actuator.
type Config struct {
	// TimeScale multiplies simulated durations. 0 completes every move instantly.
	TimeScale float64 `json:"time_scale,omitempty"`
	// HomingDistance is how far the carriage travels before the simulated switch closes.
	HomingDistance float64 `json:"homing_distance_mm,omitempty"`
	// FailHoming makes every homing attempt report failure.
	FailHoming bool `json:"fail_homing,omitempty"`
	// HangHoming makes homing never complete, for exercising timeouts.
	HangHoming bool `json:"hang_homing,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.TimeScale < 0 {
		return goutils.NewConfigValidationError(path, errors.New("time_scale cannot be negative"))
	}
	if cfg.HomingDistance < 0 {
		return goutils.NewConfigValidationError(path, errors.New("homing_distance_mm cannot be negative"))
	}
	return nil
}

func init() {
	actuator.RegisterModel(Model, actuator.Registration{
		Constructor: func(
			ctx context.Context, conf actuator.Config, geometry actuator.Geometry, logger logging.Logger,
		) (actuator.Driver, error) {
			cfg, err := actuator.NativeConfig[*Config](conf)
			if err != nil {
				return nil, err
			}
			return NewActuator(cfg, clock.New(), logger), nil
		},
		AttributeMapConverter: actuator.ConvertAttributes[*Config],
	})
}

// Actuator is a simulated linear actuator.
type Actuator struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	opMgr   *operation.SingleOperationManager
	workers utils.StoppableWorkers
	faults  chan error

	mu       sync.Mutex
	enabled  bool
	homing   bool
	closed   bool
	position float64
	targets  []actuator.MotionTarget
}

// NewActuator returns a disabled fake actuator at position 0.
func NewActuator(cfg *Config, clk clock.Clock, logger logging.Logger) *Actuator {
	return &Actuator{
		cfg:     *cfg,
		clock:   clk,
		logger:  logger,
		opMgr:   &operation.SingleOperationManager{Clock: clk},
		workers: utils.NewStoppableWorkers(),
		faults:  make(chan error, 1),
	}
}

// Enable energizes the simulated motor.
func (a *Actuator) Enable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return actuator.ErrDriverClosed
	}
	a.enabled = true
	return nil
}

// Disable stops any move and de-energizes the simulated motor.
func (a *Actuator) Disable(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	return nil
}

// Home simulates a search for the reference switch HomingDistance away at params.Speed.
func (a *Actuator) Home(ctx context.Context, params actuator.HomingParams, onComplete func(bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return actuator.ErrDriverClosed
	case !a.enabled:
		return actuator.NewNotEnabledError(Model)
	case a.homing:
		return actuator.NewHomingInProgressError(Model)
	case params.Speed <= 0:
		return errors.New("homing speed must be positive")
	}
	a.homing = true

	searchTime := a.scaled(a.cfg.HomingDistance / params.Speed)
	a.workers.AddWorkers(func(workersCtx context.Context) {
		success := a.simulateHoming(ctx, workersCtx, searchTime)
		a.mu.Lock()
		a.homing = false
		if success {
			a.position = params.HomePosition
		}
		a.mu.Unlock()
		a.logger.Debugw("homing finished", "success", success)
		onComplete(success)
	})
	return nil
}

func (a *Actuator) simulateHoming(ctx, workersCtx context.Context, searchTime time.Duration) bool {
	var done <-chan time.Time
	if !a.cfg.HangHoming {
		timer := a.clock.Timer(searchTime)
		defer timer.Stop()
		done = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-workersCtx.Done():
		return false
	case <-done:
		return !a.cfg.FailHoming
	}
}

// MoveTo waits for as long as the move would take, then reports the carriage at the target.
func (a *Actuator) MoveTo(ctx context.Context, target actuator.MotionTarget) error {
	if !target.IsValid() {
		return actuator.NewInvalidTargetError(target)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return actuator.ErrDriverClosed
	}
	if !a.enabled {
		a.mu.Unlock()
		return actuator.NewNotEnabledError(Model)
	}
	start := a.position
	a.targets = append(a.targets, target)
	if len(a.targets) > maxRecordedTargets {
		a.targets = a.targets[len(a.targets)-maxRecordedTargets:]
	}
	a.mu.Unlock()

	dur := a.scaled(actuator.MoveDuration(target.Position-start, target.Speed, target.Acceleration).Seconds())
	if dur > 0 && !a.opMgr.NewTimedWaitOp(ctx, dur) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("move interrupted")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = target.Position
	return nil
}

// Stop aborts the move in progress.
func (a *Actuator) Stop(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	return nil
}

// Position returns the last position the carriage arrived at.
func (a *Actuator) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position, nil
}

// SetPosition redefines the current position.
func (a *Actuator) SetPosition(ctx context.Context, position float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
	return nil
}

// Faults returns the channel InjectFault writes to.
func (a *Actuator) Faults() <-chan error {
	return a.faults
}

// InjectFault simulates a hardware alarm. It never blocks; a fault already pending absorbs it.
func (a *Actuator) InjectFault(err error) {
	select {
	case a.faults <- err:
	default:
	}
}

// IsEnabled returns whether the simulated motor is energized.
func (a *Actuator) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Targets returns the most recent targets MoveTo was asked for, oldest first.
func (a *Actuator) Targets() []actuator.MotionTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]actuator.MotionTarget(nil), a.targets...)
}

// Close stops any simulated homing and rejects further commands.
func (a *Actuator) Close(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	a.workers.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.enabled = false
	return nil
}

func (a *Actuator) scaled(seconds float64) time.Duration {
	return time.Duration(seconds * a.cfg.TimeScale * float64(time.Second))
}
