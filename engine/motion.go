package engine

import (
	"context"

	"go.strokeengine.dev/stroker/components/actuator"
)

// StartMotion starts driving the active pattern from the in stroke. Staged parameters are
// applied first.
func (e *Engine) StartMotion() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkIdleLocked("start motion", Ready); err != nil {
		return err
	}
	if e.pending {
		if err := e.applyLocked(); err != nil {
			e.logger.Warnw("pattern rejected parameters", "pattern", e.active.Name(), "error", err)
		}
	}
	if !e.transition(Ready, Running) {
		return NewInvalidStateError("start motion", e.State())
	}
	e.startTaskLocked(motionTask, e.runMotion)
	return nil
}

// StopMotion asks a running pattern or stream to stop once the current move completes. The
// engine is Ready again when the task has exited.
func (e *Engine) StopMotion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil || (e.task.kind != motionTask && e.task.kind != streamingTask) {
		return
	}
	e.logger.Info("stopping motion")
	e.task.requestStop()
}

func (e *Engine) runMotion(ctx context.Context, t *task) {
	defer e.releaseTask(t, Running, Ready)

	for index := 0; ; index++ {
		if ctx.Err() != nil || t.stopRequested() || e.faulted.Load() {
			return
		}
		target := e.nextTarget(index)
		if !e.execute(ctx, target) {
			return
		}
	}
}

// nextTarget asks the active pattern for the move at index, limited to the machine.
func (e *Engine) nextTarget(index int) actuator.MotionTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opts.ApplyMode == ApplyAtStrokeBoundary && index%2 == 0 && e.pending {
		if err := e.applyLocked(); err != nil {
			e.logger.Warnw("pattern rejected parameters", "pattern", e.active.Name(), "error", err)
		}
	}
	return e.geometry.ClampTarget(e.active.Next(index))
}

// execute runs one move. A driver error that is not caused by cancellation is a fault.
func (e *Engine) execute(ctx context.Context, target actuator.MotionTarget) bool {
	if err := e.driver.MoveTo(ctx, target); err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.logger.Errorw("move failed", "target", target.String(), "error", err)
		e.MotorFault()
		return false
	}
	return true
}

// StartStreaming switches from Ready to Streaming, where targets passed to Stream are executed
// in order.
func (e *Engine) StartStreaming() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkIdleLocked("start streaming", Ready); err != nil {
		return err
	}
	for len(e.stream) > 0 {
		<-e.stream
	}
	if !e.transition(Ready, Streaming) {
		return NewInvalidStateError("start streaming", e.State())
	}
	e.startTaskLocked(streamingTask, e.runStreaming)
	return nil
}

// Stream queues a target for the streaming task. It never blocks.
func (e *Engine) Stream(target actuator.MotionTarget) error {
	if state := e.State(); state != Streaming {
		return NewInvalidStateError("stream", state)
	}
	select {
	case e.stream <- target:
		return nil
	default:
		return ErrStreamQueueFull
	}
}

func (e *Engine) runStreaming(ctx context.Context, t *task) {
	defer e.releaseTask(t, Streaming, Ready)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case target := <-e.stream:
			if e.faulted.Load() {
				return
			}
			if !target.IsValid() {
				e.logger.Warnw("skipping invalid streamed target", "target", target.String())
				continue
			}
			if !e.execute(ctx, e.geometry.ClampTarget(target)) {
				return
			}
		}
	}
}
