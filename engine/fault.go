package engine

import (
	"context"

	"go.uber.org/multierr"
)

// MotorFault forces the engine into Error. It may be called from any goroutine, never waits on
// the actuator, and leaves stopping the task and the driver to the fault supervisor.
func (e *Engine) MotorFault() {
	e.stateMu.Lock()
	e.faulted.Store(true)
	e.setStateLocked(Error)
	e.stateMu.Unlock()
	select {
	case e.faultSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) superviseFaults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.faultSignal:
			e.handleFault(ctx)
		}
	}
}

func (e *Engine) handleFault(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	// Cleared by a Disable that won the race.
	if !e.faulted.Load() {
		return
	}
	e.logger.Error("motor fault, halting actuator")
	e.stopTask()
	e.isHomed.Store(false)
	if err := multierr.Combine(e.driver.Stop(ctx), e.driver.Disable(ctx)); err != nil {
		e.logger.Errorw("failed to halt actuator after fault", "error", err)
	}
}

// forwardDriverFaults turns every fault the driver reports into a MotorFault.
func (e *Engine) forwardDriverFaults(ctx context.Context) {
	faults := e.driver.Faults()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-faults:
			if !ok {
				return
			}
			e.logger.Errorw("driver fault", "error", err)
			e.MotorFault()
		}
	}
}
