// Package operation lets a driver run one blocking operation at a time, where starting a new
// operation cancels the one in flight.
package operation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// SingleOperationManager ensures only 1 operation is happening a time. An operation can be
// nested, so an operation can start sub-operations on its own context without cancelling itself.
// The zero value is ready to use and waits on the wall clock.
type SingleOperationManager struct {
	// Clock drives poll intervals and timed waits. Nil means the wall clock.
	Clock clock.Clock

	mu        sync.Mutex
	currentOp *anOp
}

type somCtxKey byte

const somCtxKeySingleOp = somCtxKey(iota)

type anOp struct {
	cancelFunc context.CancelFunc
}

// CancelRunning cancels the current operation unless `ctx` belongs to it.
func (sm *SingleOperationManager) CancelRunning(ctx context.Context) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelInLock(ctx)
}

// OpRunning returns if there is a current operation.
func (sm *SingleOperationManager) OpRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentOp != nil
}

// New creates a new operation, cancelling any previous one, and returns its context and the
// function to call when it is done.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return ctx, func() {}
	}

	sm.mu.Lock()
	sm.cancelInLock(ctx)

	theOp := &anOp{}
	ctx = context.WithValue(ctx, somCtxKeySingleOp, theOp)
	ctx, theOp.cancelFunc = context.WithCancel(ctx)
	sm.currentOp = theOp
	sm.mu.Unlock()

	return ctx, func() {
		theOp.cancelFunc()
		sm.mu.Lock()
		if theOp == sm.currentOp {
			sm.currentOp = nil
		}
		sm.mu.Unlock()
	}
}

// NewTimedWaitOp returns true if it waited the full duration, false if cancelled.
// If there are other operations pending, this will cancel them.
func (sm *SingleOperationManager) NewTimedWaitOp(ctx context.Context, dur time.Duration) bool {
	ctx, finish := sm.New(ctx)
	defer finish()

	return sm.wait(ctx, dur)
}

// WaitForSuccess will call testFunc every pollTime until it returns true or an error.
func (sm *SingleOperationManager) WaitForSuccess(
	ctx context.Context,
	pollTime time.Duration,
	testFunc func(ctx context.Context) (bool, error),
) error {
	ctx, finish := sm.New(ctx)
	defer finish()

	for {
		res, err := testFunc(ctx)
		if err != nil {
			return err
		}
		if res {
			return nil
		}

		if !sm.wait(ctx, pollTime) {
			return ctx.Err()
		}
	}
}

// WaitTillStopped polls `isMoving` until it reports false. If the wait is cancelled, `stop` is
// called so the hardware does not keep running a move nobody is waiting on.
func (sm *SingleOperationManager) WaitTillStopped(
	ctx context.Context,
	pollTime time.Duration,
	isMoving func(context.Context) (bool, error),
	stop func(context.Context) error,
) error {
	err := sm.WaitForSuccess(ctx, pollTime, func(ctx context.Context) (bool, error) {
		moving, err := isMoving(ctx)
		return !moving, err
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// ctx is already done, stop on a fresh one.
		return multierr.Combine(err, stop(context.Background()))
	}
	return err
}

func (sm *SingleOperationManager) wait(ctx context.Context, dur time.Duration) bool {
	clk := sm.Clock
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (sm *SingleOperationManager) cancelInLock(ctx context.Context) {
	myOp := ctx.Value(somCtxKeySingleOp)
	op := sm.currentOp

	if op == nil || myOp == op {
		return
	}

	op.cancelFunc()

	sm.currentOp = nil
}
