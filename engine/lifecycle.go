package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.strokeengine.dev/stroker/components/actuator"
)

// EnableAndHome energizes the actuator and starts homing in the background. notify is called
// exactly once with the outcome; on success the engine is Ready, on failure or timeout it is in
// Error. Cancelling homing through Disable or a fault reports false without a transition.
func (e *Engine) EnableAndHome(notify func(success bool)) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkIdleLocked("home", Disabled); err != nil {
		return err
	}
	if notify == nil {
		notify = func(bool) {}
	}
	var once sync.Once
	report := func(success bool) {
		once.Do(func() { notify(success) })
	}
	e.startTaskLocked(homingTask, func(ctx context.Context, t *task) {
		e.runHoming(ctx, t, report)
	})
	return nil
}

func (e *Engine) runHoming(ctx context.Context, t *task, notify func(bool)) {
	err := e.home(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Errorw("homing failed", "error", err)
		if disableErr := multierr.Combine(e.driver.Stop(ctx), e.driver.Disable(ctx)); disableErr != nil {
			e.logger.Warnw("failed to de-energize after homing", "error", disableErr)
		}
	}

	success := err == nil
	to := Error
	if success {
		to = Ready
	}
	e.mu.Lock()
	owned := e.task == t
	if owned {
		e.task = nil
		e.isHomed.Store(success)
		e.transition(Disabled, to)
	}
	e.mu.Unlock()

	if !owned || ctx.Err() != nil {
		success = false
	}
	if success {
		e.logger.Info("homing succeeded")
	}
	notify(success)
}

// home enables the driver, finds the reference switch and parks at the retracted soft limit.
func (e *Engine) home(ctx context.Context) error {
	if err := e.driver.Enable(ctx); err != nil {
		return errors.Wrap(err, "enabling driver")
	}
	result := make(chan bool, 1)
	params := actuator.HomingParams{
		Speed:        e.opts.HomingSpeed,
		Acceleration: e.opts.HomingAcceleration,
		HomePosition: e.geometry.HomePosition(),
	}
	e.logger.Debugw("homing", "speed", params.Speed, "acceleration", params.Acceleration,
		"timeout", e.opts.HomingTimeout.String())
	// Cancelled on return so a driver still searching after a timeout gives up.
	homeCtx, cancelHome := context.WithCancel(ctx)
	defer cancelHome()
	if err := e.driver.Home(homeCtx, params, func(success bool) {
		select {
		case result <- success:
		default:
		}
	}); err != nil {
		return errors.Wrap(err, "starting homing")
	}

	timer := e.clock.Timer(e.opts.HomingTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Errorf("no home switch within %v", e.opts.HomingTimeout)
	case success := <-result:
		if !success {
			return errors.New("driver did not find home")
		}
	}
	return errors.Wrap(e.driver.MoveTo(ctx, e.safeTarget(e.geometry.SoftMin())), "moving to soft minimum")
}

// ThisIsHome declares the current position to be the retracted soft limit without searching
// for a switch, for machines without one.
func (e *Engine) ThisIsHome(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	if err := e.checkIdleLocked("set home", Disabled); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if err := e.driver.Enable(ctx); err != nil {
		return err
	}
	if err := e.driver.SetPosition(ctx, e.geometry.SoftMin()); err != nil {
		return multierr.Combine(err, e.driver.Disable(ctx))
	}
	e.isHomed.Store(true)
	if !e.transition(Disabled, Ready) {
		return NewInvalidStateError("set home", e.State())
	}
	e.logger.Info("current position declared home")
	return nil
}

// Disable stops whatever the actuator is doing, de-energizes it and returns to Disabled. It is
// the only way out of Error.
func (e *Engine) Disable(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	t := e.takeTaskLocked()
	e.stateMu.Lock()
	e.faulted.Store(false)
	e.setStateLocked(Disabled)
	e.stateMu.Unlock()
	e.mu.Unlock()

	if t != nil {
		t.stop()
	}
	e.isHomed.Store(false)
	e.logger.Info("actuator disabled")
	return multierr.Combine(e.driver.Stop(ctx), e.driver.Disable(ctx))
}

// SafeState is Disable.
func (e *Engine) SafeState(ctx context.Context) error {
	return e.Disable(ctx)
}

// MoveToMin retracts to the soft minimum at safe speed and blocks until the move is done.
func (e *Engine) MoveToMin(ctx context.Context) error {
	return e.moveTo(ctx, "retract", e.geometry.SoftMin())
}

// MoveToMax extends to the soft maximum at safe speed and blocks until the move is done.
func (e *Engine) MoveToMax(ctx context.Context) error {
	return e.moveTo(ctx, "extend", e.geometry.SoftMax())
}

func (e *Engine) moveTo(ctx context.Context, op string, position float64) error {
	var moveErr error
	e.lifecycle.Lock()
	e.mu.Lock()
	if err := e.checkIdleLocked(op, Ready); err != nil {
		e.mu.Unlock()
		e.lifecycle.Unlock()
		return err
	}
	target := e.safeTarget(position)
	t := e.startTaskLocked(moveTask, func(taskCtx context.Context, t *task) {
		moveErr = e.driver.MoveTo(taskCtx, target)
		if moveErr != nil && taskCtx.Err() == nil {
			e.logger.Errorw("move failed", "target", target.String(), "error", moveErr)
			e.MotorFault()
		}
		e.releaseTask(t, Ready, Ready)
	})
	e.mu.Unlock()
	e.lifecycle.Unlock()

	select {
	case <-t.done:
		if moveErr != nil && e.faulted.Load() {
			return errors.Wrapf(ErrMotorFault, "%s aborted", op)
		}
		return moveErr
	case <-ctx.Done():
		e.mu.Lock()
		if e.task == t {
			e.task = nil
		}
		e.mu.Unlock()
		t.stop()
		return ctx.Err()
	}
}

func (e *Engine) safeTarget(position float64) actuator.MotionTarget {
	return e.geometry.ClampTarget(actuator.MotionTarget{
		Position:     position,
		Speed:        e.opts.SafeSpeed,
		Acceleration: e.opts.SafeAcceleration,
	})
}

// checkIdleLocked rejects op unless the engine is open, in state want and without a task.
func (e *Engine) checkIdleLocked(op string, want State) error {
	if e.closed {
		return ErrClosed
	}
	if state := e.State(); state != want {
		return NewInvalidStateError(op, state)
	}
	if e.task != nil {
		return NewBusyError(op, e.task.kind)
	}
	return nil
}
