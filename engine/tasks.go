package engine

import (
	"context"
	"sync"

	"go.strokeengine.dev/stroker/utils"
)

type taskKind int

const (
	homingTask taskKind = iota
	motionTask
	streamingTask
	moveTask
)

func (k taskKind) String() string {
	switch k {
	case homingTask:
		return "homing"
	case motionTask:
		return "running a pattern"
	case streamingTask:
		return "streaming"
	case moveTask:
		return "moving"
	default:
		return "busy"
	}
}

// A task is the single goroutine currently allowed to command the driver. Cancelling its context
// aborts it right away; requestStop asks it to finish at the next half stroke.
type task struct {
	kind    taskKind
	workers utils.StoppableWorkers

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// stop cancels the task and waits for it to return. It must not be called from the task itself.
func (t *task) stop() {
	t.workers.Stop()
}

func (t *task) requestStop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *task) stopRequested() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// startTaskLocked spawns run as the engine's task. The caller holds e.mu and has checked that
// no task is running.
func (e *Engine) startTaskLocked(kind taskKind, run func(ctx context.Context, t *task)) *task {
	t := &task{
		kind:   kind,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.workers = utils.NewStoppableWorkersWithContext(e.workers.Context(), func(ctx context.Context) {
		defer close(t.done)
		run(ctx, t)
	})
	e.task = t
	e.logger.Debugw("task started", "task", kind)
	return t
}

// takeTaskLocked detaches the current task so it can be stopped once e.mu is released.
func (e *Engine) takeTaskLocked() *task {
	t := e.task
	e.task = nil
	return t
}

// releaseTask detaches t if it is still the engine's task and, if so, moves the state from one
// value to another. It returns whether t still owned the engine.
func (e *Engine) releaseTask(t *task, from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task != t {
		return false
	}
	e.task = nil
	e.transition(from, to)
	e.logger.Debugw("task finished", "task", t.kind)
	return true
}

// stopTask detaches and stops the current task, if any.
func (e *Engine) stopTask() {
	e.mu.Lock()
	t := e.takeTaskLocked()
	e.mu.Unlock()
	if t != nil {
		t.stop()
	}
}
