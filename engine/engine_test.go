package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/components/actuator/fake"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/pattern"
	"go.strokeengine.dev/stroker/testutils/inject"
)

func testGeometry() actuator.Geometry {
	return actuator.Geometry{PhysicalTravel: 160, Keepout: 5, MaxSpeed: 1000, MaxAcceleration: 20000}
}

func testParameters() Parameters {
	return Parameters{Depth: 100, Stroke: 60, Rate: 60}
}

func newFakeDriver(t *testing.T, cfg fake.Config) *fake.Actuator {
	t.Helper()
	drv := fake.NewActuator(&cfg, clock.New(), logging.NewTestLogger(t))
	t.Cleanup(func() {
		test.That(t, drv.Close(context.Background()), test.ShouldBeNil)
	})
	return drv
}

func newTestEngine(t *testing.T, driver actuator.Driver, opts Options) *Engine {
	t.Helper()
	if opts.Geometry == (actuator.Geometry{}) {
		opts.Geometry = testGeometry()
	}
	if opts.Initial == (Parameters{}) {
		opts.Initial = testParameters()
	}
	e, err := New(driver, opts, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, e.Close(context.Background()), test.ShouldBeNil)
	})
	return e
}

func homeEngine(t *testing.T, e *Engine) {
	t.Helper()
	result := make(chan bool, 1)
	test.That(t, e.EnableAndHome(func(success bool) { result <- success }), test.ShouldBeNil)
	test.That(t, <-result, test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Ready)
}

func (e *Engine) hasTask() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task != nil
}

func (e *Engine) peek(index int) actuator.MotionTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Next(index)
}

func TestStateNames(t *testing.T) {
	for _, state := range []State{Disabled, Ready, Error, Running, Streaming} {
		data, err := json.Marshal(state)
		test.That(t, err, test.ShouldBeNil)
		var back State
		test.That(t, json.Unmarshal(data, &back), test.ShouldBeNil)
		test.That(t, back, test.ShouldEqual, state)
	}
	test.That(t, Streaming.String(), test.ShouldEqual, "streaming")
	test.That(t, State(42).String(), test.ShouldEqual, "state(42)")
	test.That(t, Running.IsMoving(), test.ShouldBeTrue)
	test.That(t, Ready.IsMoving(), test.ShouldBeFalse)

	mode, err := ApplyModeFromString("stroke_boundary")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mode, test.ShouldEqual, ApplyAtStrokeBoundary)
	mode, err = ApplyModeFromString("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mode, test.ShouldEqual, ApplyImmediate)
	_, err = ApplyModeFromString("sometimes")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNew(t *testing.T) {
	drv := newFakeDriver(t, fake.Config{})
	logger := logging.NewTestLogger(t)

	_, err := New(drv, Options{Geometry: actuator.Geometry{PhysicalTravel: 10, Keepout: 5, MaxSpeed: 1, MaxAcceleration: 1}}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New(drv, Options{Geometry: testGeometry(), Pattern: 7}, logger)
	test.That(t, errors.Is(err, ErrInvalidPatternIndex), test.ShouldBeTrue)

	e, err := New(drv, Options{Geometry: testGeometry()}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer e.Close(context.Background())
	test.That(t, e.State(), test.ShouldEqual, Disabled)
	test.That(t, e.IsHomed(), test.ShouldBeFalse)
	test.That(t, e.Parameters(), test.ShouldResemble, Parameters{Depth: 150, Stroke: 60, Rate: DefaultRate})
	test.That(t, e.PatternName(), test.ShouldEqual, pattern.SimpleStrokeName)
	test.That(t, e.Patterns(), test.ShouldResemble, []string{"Simple Stroke", "Teasing or Pounding"})
	test.That(t, e.ApplyMode(), test.ShouldEqual, ApplyImmediate)
}

func TestParameterClamping(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(t, fake.Config{}), Options{})

	// Soft range of a 160mm rail with 5mm keepouts is [0, 150].
	e.SetDepth(150)
	e.SetStroke(160)
	test.That(t, e.StagedParameters().Stroke, test.ShouldEqual, 150.0)
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeTrue)
	test.That(t, e.Parameters().Depth, test.ShouldEqual, 150.0)
	test.That(t, e.Parameters().Stroke, test.ShouldEqual, 150.0)
	test.That(t, e.peek(1).Position, test.ShouldEqual, 0.0)

	e.SetDepth(150)
	e.SetStroke(60)
	e.ApplyNewSettingsNow()
	test.That(t, e.peek(0).Position, test.ShouldEqual, 150.0)
	test.That(t, e.peek(1).Position, test.ShouldEqual, 90.0)

	// The stroke is limited by the depth when applied but the staged value survives.
	e.SetDepth(40)
	e.ApplyNewSettingsNow()
	test.That(t, e.Parameters().Stroke, test.ShouldEqual, 40.0)
	test.That(t, e.StagedParameters().Stroke, test.ShouldEqual, 60.0)
	e.SetDepth(200)
	e.ApplyNewSettingsNow()
	test.That(t, e.Parameters().Depth, test.ShouldEqual, 150.0)
	test.That(t, e.Parameters().Stroke, test.ShouldEqual, 60.0)

	e.SetRate(1000)
	e.SetSensation(-500)
	e.SetDepth(math.NaN())
	e.ApplyNewSettingsNow()
	test.That(t, e.Parameters(), test.ShouldResemble,
		Parameters{Depth: 150, Stroke: 60, Rate: DefaultMaxRate, Sensation: -100})

	e.SetRate(0)
	e.SetSensation(math.Inf(1))
	e.ApplyNewSettingsNow()
	test.That(t, e.Parameters().Rate, test.ShouldEqual, MinRate)
	test.That(t, e.Parameters().Sensation, test.ShouldEqual, 100.0)

	// A zero stroke is rejected by the pattern and the previous parameters stay.
	before := e.Parameters()
	e.SetDepth(-5)
	test.That(t, e.StagedParameters().Depth, test.ShouldEqual, 0.0)
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeTrue)
	test.That(t, e.Parameters(), test.ShouldResemble, before)
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeFalse)
}

func TestApplyNewSettingsNow(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(t, fake.Config{}), Options{})
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeFalse)
	test.That(t, e.peek(0).Position, test.ShouldEqual, 100.0)

	e.SetDepth(150)
	test.That(t, e.peek(0).Position, test.ShouldEqual, 100.0)
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeTrue)
	test.That(t, e.peek(0).Position, test.ShouldEqual, 150.0)
	test.That(t, e.ApplyNewSettingsNow(), test.ShouldBeFalse)
}

func TestSetPattern(t *testing.T) {
	e := newTestEngine(t, newFakeDriver(t, fake.Config{}), Options{})
	names := e.Patterns()
	for i := range names {
		test.That(t, e.SetPattern(i), test.ShouldBeNil)
		test.That(t, e.PatternIndex(), test.ShouldEqual, i)
		test.That(t, e.PatternName(), test.ShouldEqual, names[i])
	}

	for _, index := range []int{-1, len(names), 100} {
		err := e.SetPattern(index)
		test.That(t, errors.Is(err, ErrInvalidPatternIndex), test.ShouldBeTrue)
		test.That(t, e.PatternName(), test.ShouldEqual, names[len(names)-1])
	}

	// The new pattern runs with the applied parameters.
	e.SetSensation(100)
	e.ApplyNewSettingsNow()
	test.That(t, e.SetPattern(0), test.ShouldBeNil)
	test.That(t, e.SetPattern(1), test.ShouldBeNil)
	test.That(t, e.peek(0).Speed, test.ShouldBeGreaterThan, e.peek(1).Speed)
}

func TestStartMotionStates(t *testing.T) {
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.001, HomingDistance: 5})
	e := newTestEngine(t, drv, Options{})

	err := e.StartMotion()
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Disabled)

	homeEngine(t, e)
	test.That(t, e.StartMotion(), test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, Running)

	err = e.StartMotion()
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Running)

	e.StopMotion()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.State(), test.ShouldEqual, Ready)
		test.That(tb, e.hasTask(), test.ShouldBeFalse)
	})

	e.MotorFault()
	test.That(t, e.State(), test.ShouldEqual, Error)
	err = e.StartMotion()
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Error)
}

func TestMotionTargets(t *testing.T) {
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.01, HomingDistance: 5})
	e := newTestEngine(t, drv, Options{})
	homeEngine(t, e)
	pos, err := e.Position(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 0.0)
	homingMoves := len(drv.Targets())

	test.That(t, e.StartMotion(), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(drv.Targets()), test.ShouldBeGreaterThan, homingMoves+6)
	})
	e.StopMotion()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.State(), test.ShouldEqual, Ready)
	})

	targets := drv.Targets()[homingMoves:]
	for i, target := range targets {
		if i%2 == 0 {
			test.That(t, target.Position, test.ShouldEqual, 100.0)
		} else {
			test.That(t, target.Position, test.ShouldEqual, 40.0)
		}
	}
}

func TestHoming(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{TimeScale: 0.001, HomingDistance: 5})
		e := newTestEngine(t, drv, Options{})

		var calls int
		var mu sync.Mutex
		result := make(chan bool, 1)
		test.That(t, e.EnableAndHome(func(success bool) {
			mu.Lock()
			calls++
			mu.Unlock()
			result <- success
		}), test.ShouldBeNil)

		err := e.EnableAndHome(nil)
		test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

		test.That(t, <-result, test.ShouldBeTrue)
		test.That(t, e.State(), test.ShouldEqual, Ready)
		test.That(t, e.IsHomed(), test.ShouldBeTrue)
		test.That(t, drv.IsEnabled(), test.ShouldBeTrue)
		pos, _ := drv.Position(context.Background())
		test.That(t, pos, test.ShouldEqual, 0.0)

		targets := drv.Targets()
		test.That(t, targets[len(targets)-1].Speed, test.ShouldEqual, DefaultSafeSpeed)
		mu.Lock()
		defer mu.Unlock()
		test.That(t, calls, test.ShouldEqual, 1)

		err = e.EnableAndHome(nil)
		test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	})

	t.Run("failure", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{TimeScale: 0.001, HomingDistance: 5, FailHoming: true})
		e := newTestEngine(t, drv, Options{})
		result := make(chan bool, 1)
		test.That(t, e.EnableAndHome(func(success bool) { result <- success }), test.ShouldBeNil)
		test.That(t, <-result, test.ShouldBeFalse)
		test.That(t, e.State(), test.ShouldEqual, Error)
		test.That(t, e.IsHomed(), test.ShouldBeFalse)
		test.That(t, drv.IsEnabled(), test.ShouldBeFalse)

		test.That(t, e.Disable(context.Background()), test.ShouldBeNil)
		test.That(t, e.State(), test.ShouldEqual, Disabled)
	})

	t.Run("timeout", func(t *testing.T) {
		mockClock := clock.NewMock()
		drv := newFakeDriver(t, fake.Config{HangHoming: true})
		e := newTestEngine(t, drv, Options{Clock: mockClock, HomingTimeout: 10 * time.Second})
		result := make(chan bool, 1)
		test.That(t, e.EnableAndHome(func(success bool) { result <- success }), test.ShouldBeNil)

		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			mockClock.Add(2 * time.Second)
			test.That(tb, e.State(), test.ShouldEqual, Error)
		})
		test.That(t, <-result, test.ShouldBeFalse)
		test.That(t, e.IsHomed(), test.ShouldBeFalse)
		test.That(t, e.hasTask(), test.ShouldBeFalse)
	})

	t.Run("disabled while homing", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{HangHoming: true})
		e := newTestEngine(t, drv, Options{})
		result := make(chan bool, 1)
		test.That(t, e.EnableAndHome(func(success bool) { result <- success }), test.ShouldBeNil)
		test.That(t, e.Disable(context.Background()), test.ShouldBeNil)
		test.That(t, <-result, test.ShouldBeFalse)
		test.That(t, e.State(), test.ShouldEqual, Disabled)
		test.That(t, e.hasTask(), test.ShouldBeFalse)
	})
}

func TestThisIsHome(t *testing.T) {
	drv := newFakeDriver(t, fake.Config{})
	test.That(t, drv.Enable(context.Background()), test.ShouldBeNil)
	test.That(t, drv.SetPosition(context.Background(), 42), test.ShouldBeNil)
	test.That(t, drv.Disable(context.Background()), test.ShouldBeNil)

	e := newTestEngine(t, drv, Options{})
	test.That(t, e.ThisIsHome(context.Background()), test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, Ready)
	test.That(t, e.IsHomed(), test.ShouldBeTrue)
	test.That(t, drv.IsEnabled(), test.ShouldBeTrue)
	pos, _ := e.Position(context.Background())
	test.That(t, pos, test.ShouldEqual, 0.0)

	err := e.ThisIsHome(context.Background())
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
}

func TestMotorFault(t *testing.T) {
	ctx := context.Background()

	t.Run("while idle", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{})
		e := newTestEngine(t, drv, Options{})
		e.MotorFault()
		test.That(t, e.State(), test.ShouldEqual, Error)
		err := e.EnableAndHome(nil)
		test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
		test.That(t, e.Disable(ctx), test.ShouldBeNil)
		test.That(t, e.State(), test.ShouldEqual, Disabled)
	})

	t.Run("while running", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{TimeScale: 0.001, HomingDistance: 5})
		e := newTestEngine(t, drv, Options{})
		homeEngine(t, e)
		test.That(t, e.StartMotion(), test.ShouldBeNil)

		e.MotorFault()
		test.That(t, e.State(), test.ShouldEqual, Error)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
			test.That(tb, drv.IsEnabled(), test.ShouldBeFalse)
			test.That(tb, e.IsHomed(), test.ShouldBeFalse)
		})
		test.That(t, e.State(), test.ShouldEqual, Error)

		// Recovering requires Disable followed by homing.
		test.That(t, e.Disable(ctx), test.ShouldBeNil)
		homeEngine(t, e)
		test.That(t, e.StartMotion(), test.ShouldBeNil)
	})

	t.Run("while homing", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{HangHoming: true})
		e := newTestEngine(t, drv, Options{})
		result := make(chan bool, 1)
		test.That(t, e.EnableAndHome(func(success bool) { result <- success }), test.ShouldBeNil)
		e.MotorFault()
		test.That(t, <-result, test.ShouldBeFalse)
		test.That(t, e.State(), test.ShouldEqual, Error)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
		})
	})

	t.Run("from the driver", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{TimeScale: 0.001, HomingDistance: 5})
		e := newTestEngine(t, drv, Options{})
		homeEngine(t, e)
		test.That(t, e.StartMotion(), test.ShouldBeNil)
		drv.InjectFault(errors.New("servo alarm"))
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.State(), test.ShouldEqual, Error)
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
		})
	})

	t.Run("failed move", func(t *testing.T) {
		drv := newFakeDriver(t, fake.Config{})
		var calls int
		injected := &inject.Driver{Driver: drv}
		injected.MoveToFunc = func(ctx context.Context, target actuator.MotionTarget) error {
			calls++
			if calls > 3 {
				return errors.New("following error")
			}
			return drv.MoveTo(ctx, target)
		}
		e := newTestEngine(t, injected, Options{})
		test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
		test.That(t, e.StartMotion(), test.ShouldBeNil)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.State(), test.ShouldEqual, Error)
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
		})
	})
}

// recordingDriver records every target and runs hook before returning from the n-th move.
type recordingDriver struct {
	*inject.Driver
	mu      sync.Mutex
	targets []actuator.MotionTarget
}

func newRecordingDriver(t *testing.T, hook func(n int)) *recordingDriver {
	t.Helper()
	rec := &recordingDriver{}
	drv := newFakeDriver(t, fake.Config{})
	rec.Driver = &inject.Driver{Driver: drv}
	rec.MoveToFunc = func(ctx context.Context, target actuator.MotionTarget) error {
		rec.mu.Lock()
		rec.targets = append(rec.targets, target)
		n := len(rec.targets)
		rec.mu.Unlock()
		hook(n)
		return drv.MoveTo(ctx, target)
	}
	return rec
}

func (r *recordingDriver) positions() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	positions := make([]float64, 0, len(r.targets))
	for _, target := range r.targets {
		positions = append(positions, target.Position)
	}
	return positions
}

func TestApplyModes(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		mode     ApplyMode
		hook     func(e *Engine, n int)
		expected []float64
	}{
		{
			// Staged during the third move (an in stroke), picked up at the fifth.
			mode: ApplyAtStrokeBoundary,
			hook: func(e *Engine, n int) {
				if n == 3 {
					e.SetDepth(120)
				}
			},
			expected: []float64{100, 40, 100, 40, 120, 60, 120, 60},
		},
		{
			// Never applied without ApplyNewSettingsNow.
			mode: ApplyImmediate,
			hook: func(e *Engine, n int) {
				if n == 3 {
					e.SetDepth(120)
				}
			},
			expected: []float64{100, 40, 100, 40, 100, 40, 100, 40},
		},
		{
			// Applied right away, in the middle of a stroke.
			mode: ApplyImmediate,
			hook: func(e *Engine, n int) {
				if n == 3 {
					e.SetDepth(120)
					e.ApplyNewSettingsNow()
				}
			},
			expected: []float64{100, 40, 100, 60, 120, 60, 120, 60},
		},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			var e *Engine
			ready := make(chan struct{})
			rec := newRecordingDriver(t, func(n int) {
				<-ready
				tc.hook(e, n)
				if n == len(tc.expected) {
					e.StopMotion()
				}
			})
			e = newTestEngine(t, rec, Options{ApplyMode: tc.mode})
			close(ready)
			test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
			test.That(t, e.StartMotion(), test.ShouldBeNil)
			testutils.WaitForAssertion(t, func(tb testing.TB) {
				tb.Helper()
				test.That(tb, e.State(), test.ShouldEqual, Ready)
			})
			test.That(t, rec.positions(), test.ShouldResemble, tc.expected)
		})
	}
}

func TestMoveToLimits(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.001})
	e := newTestEngine(t, drv, Options{SafeSpeed: 20})

	err := e.MoveToMax(ctx)
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	test.That(t, e.MoveToMax(ctx), test.ShouldBeNil)
	pos, _ := e.Position(ctx)
	test.That(t, pos, test.ShouldEqual, 150.0)
	targets := drv.Targets()
	test.That(t, targets[len(targets)-1].Speed, test.ShouldEqual, 20.0)
	test.That(t, e.State(), test.ShouldEqual, Ready)

	test.That(t, e.MoveToMin(ctx), test.ShouldBeNil)
	pos, _ = e.Position(ctx)
	test.That(t, pos, test.ShouldEqual, 0.0)

	// A cancelled caller stops the move and leaves the engine idle.
	slow := newFakeDriver(t, fake.Config{TimeScale: 100})
	e = newTestEngine(t, slow, Options{})
	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = e.MoveToMax(cancelCtx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, e.hasTask(), test.ShouldBeFalse)
	test.That(t, e.State(), test.ShouldEqual, Ready)
}

func TestStreaming(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	drv := newFakeDriver(t, fake.Config{})
	injected := &inject.Driver{Driver: drv}
	injected.MoveToFunc = func(ctx context.Context, target actuator.MotionTarget) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return drv.MoveTo(ctx, target)
	}
	e := newTestEngine(t, injected, Options{StreamQueueSize: 2})

	target := actuator.MotionTarget{Position: 75, Speed: 50, Acceleration: 500}
	err := e.Stream(target)
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	test.That(t, e.StartStreaming(), test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, Streaming)
	err = e.StartMotion()
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

	// One target in flight, two queued, then the queue is full.
	test.That(t, e.Stream(target), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(e.stream), test.ShouldEqual, 0)
	})
	test.That(t, e.Stream(actuator.MotionTarget{Position: 500, Speed: 50, Acceleration: 500}), test.ShouldBeNil)
	test.That(t, e.Stream(target), test.ShouldBeNil)
	test.That(t, errors.Is(e.Stream(target), ErrStreamQueueFull), test.ShouldBeTrue)

	close(release)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(drv.Targets()), test.ShouldEqual, 3)
	})
	// Streamed targets are limited to the soft range.
	test.That(t, drv.Targets()[1].Position, test.ShouldEqual, 150.0)

	e.StopMotion()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.State(), test.ShouldEqual, Ready)
	})
	err = e.Stream(target)
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{})
	e := newTestEngine(t, drv, Options{})

	var mu sync.Mutex
	var seen []State
	unsubscribe := e.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	e.MotorFault()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.hasTask(), test.ShouldBeFalse)
		test.That(tb, drv.IsEnabled(), test.ShouldBeFalse)
	})
	test.That(t, e.Disable(ctx), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mu.Lock()
		defer mu.Unlock()
		test.That(tb, seen, test.ShouldResemble, []State{Ready, Error, Disabled})
	})

	unsubscribe()
	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	test.That(t, len(seen), test.ShouldEqual, 3)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.001})
	e, err := New(drv, Options{Geometry: testGeometry()}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
	test.That(t, e.StartMotion(), test.ShouldBeNil)

	test.That(t, e.Close(ctx), test.ShouldBeNil)
	test.That(t, e.State(), test.ShouldEqual, Disabled)
	test.That(t, e.hasTask(), test.ShouldBeFalse)
	test.That(t, drv.IsEnabled(), test.ShouldBeFalse)
	test.That(t, e.Close(ctx), test.ShouldBeNil)

	err = e.EnableAndHome(nil)
	test.That(t, errors.Is(err, ErrClosed), test.ShouldBeTrue)
}

func TestMotorFaultDuringMove(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{TimeScale: 100})
	e := newTestEngine(t, drv, Options{})
	test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)

	result := make(chan error, 1)
	go func() {
		result <- e.MoveToMax(ctx)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.hasTask(), test.ShouldBeTrue)
	})

	e.MotorFault()
	err := <-result
	test.That(t, errors.Is(err, ErrMotorFault), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Error)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, e.hasTask(), test.ShouldBeFalse)
		test.That(tb, drv.IsEnabled(), test.ShouldBeFalse)
	})
}

func TestMotorFaultRacesDisable(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.001})
	e := newTestEngine(t, drv, Options{})

	for i := 0; i < 50; i++ {
		test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
		test.That(t, e.StartMotion(), test.ShouldBeNil)

		var wg sync.WaitGroup
		var disableErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.MotorFault()
		}()
		go func() {
			defer wg.Done()
			disableErr = e.Disable(ctx)
		}()
		wg.Wait()

		test.That(t, disableErr, test.ShouldBeNil)
		test.That(t, e.State(), test.ShouldBeIn, Error, Disabled)
		test.That(t, e.faulted.Load(), test.ShouldEqual, e.State() == Error)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
			test.That(tb, drv.IsEnabled(), test.ShouldBeFalse)
			test.That(tb, e.IsHomed(), test.ShouldBeFalse)
		})
		if e.State() == Error {
			test.That(t, e.Disable(ctx), test.ShouldBeNil)
		}
		test.That(t, e.State(), test.ShouldEqual, Disabled)
	}
}

func TestStatePublicationOrder(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver(t, fake.Config{TimeScale: 0.001})
	e := newTestEngine(t, drv, Options{})

	var mu sync.Mutex
	var last State
	e.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		last = s
	})
	lastSeen := func() State {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	for i := 0; i < 50; i++ {
		test.That(t, e.ThisIsHome(ctx), test.ShouldBeNil)
		test.That(t, e.StartMotion(), test.ShouldBeNil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.StopMotion()
		}()
		go func() {
			defer wg.Done()
			e.MotorFault()
		}()
		wg.Wait()

		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, e.hasTask(), test.ShouldBeFalse)
			test.That(tb, e.State(), test.ShouldEqual, Error)
			test.That(tb, lastSeen(), test.ShouldEqual, Error)
		})
		test.That(t, e.Disable(ctx), test.ShouldBeNil)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, lastSeen(), test.ShouldEqual, Disabled)
		})
	}
}
