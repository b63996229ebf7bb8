package gpiostepper

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.viam.com/test"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// countingPin counts rising edges written to it.
type countingPin struct {
	*gpiotest.Pin
	rising atomic.Int64
}

func (p *countingPin) Out(l gpio.Level) error {
	if l == gpio.High {
		p.rising.Inc()
	}
	return p.Pin.Out(l)
}

// endstop closes (reads low) after a number of reads.
type endstop struct {
	*gpiotest.Pin
	reads      atomic.Int64
	closeAfter int64
}

func (e *endstop) In(gpio.Pull, gpio.Edge) error {
	return nil
}

func (e *endstop) Read() gpio.Level {
	if e.reads.Inc() > e.closeAfter {
		return gpio.Low
	}
	return gpio.High
}

type testRig struct {
	step    *countingPin
	dir     *gpiotest.Pin
	enable  *gpiotest.Pin
	endstop *endstop
}

func newTestActuator(t *testing.T, closeAfter int64) (*Actuator, *testRig) {
	t.Helper()
	rig := &testRig{
		step:    &countingPin{Pin: &gpiotest.Pin{N: "STEP"}},
		dir:     &gpiotest.Pin{N: "DIR"},
		enable:  &gpiotest.Pin{N: "EN"},
		endstop: &endstop{Pin: &gpiotest.Pin{N: "ENDSTOP"}, closeAfter: closeAfter},
	}
	cfg := &Config{
		Pins:       PinConfig{Step: "STEP", Direction: "DIR", EnablePinLow: "EN", Endstop: "ENDSTOP"},
		StepsPerMM: 10,
	}
	a, err := NewActuator(cfg, Pins{Step: rig.step, Direction: rig.dir, Enable: rig.enable, Endstop: rig.endstop},
		actuator.DefaultGeometry(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	a.sleep = func(time.Duration) {}
	return a, rig
}

func TestValidate(t *testing.T) {
	valid := Config{
		Pins:       PinConfig{Step: "GPIO18", Direction: "GPIO19", Endstop: "GPIO25"},
		StepsPerMM: 40,
	}
	test.That(t, valid.Validate("driver.attributes"), test.ShouldBeNil)

	for _, tc := range []struct {
		mutate  func(*Config)
		wantErr string
	}{
		{func(c *Config) { c.Pins.Step = "" }, "pins.step"},
		{func(c *Config) { c.Pins.Direction = "" }, "pins.dir"},
		{func(c *Config) { c.Pins.Endstop = "" }, "pins.endstop"},
		{func(c *Config) { c.Pins.EnablePinHigh, c.Pins.EnablePinLow = "GPIO1", "GPIO2" }, "only one of en_high and en_low"},
		{func(c *Config) { c.StepsPerMM = 0 }, "steps_per_mm"},
		{func(c *Config) { c.StepPulseUsec = -1 }, "step_pulse_usec"},
	} {
		cfg := valid
		tc.mutate(&cfg)
		err := cfg.Validate("driver.attributes")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, tc.wantErr)
	}

	conf := actuator.Config{Model: Model, Attributes: utils.AttributeMap{
		"pins":         map[string]interface{}{"step": "GPIO18", "dir": "GPIO19", "endstop": "GPIO25"},
		"steps_per_mm": 40,
	}}
	test.That(t, conf.Validate("driver"), test.ShouldBeNil)
}

func TestEnableAndMove(t *testing.T) {
	ctx := context.Background()
	a, rig := newTestActuator(t, 0)
	defer a.Close(ctx)

	// Active low enable idles high.
	test.That(t, rig.enable.Read(), test.ShouldEqual, gpio.High)

	target := actuator.MotionTarget{Position: 12.5, Speed: 100, Acceleration: 1000}
	err := a.MoveTo(ctx, target)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not enabled")

	test.That(t, a.Enable(ctx), test.ShouldBeNil)
	test.That(t, rig.enable.Read(), test.ShouldEqual, gpio.Low)

	test.That(t, a.MoveTo(ctx, target), test.ShouldBeNil)
	test.That(t, rig.step.rising.Load(), test.ShouldEqual, int64(125))
	test.That(t, rig.dir.Read(), test.ShouldEqual, gpio.High)
	pos, err := a.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 12.5)

	test.That(t, a.MoveTo(ctx, actuator.MotionTarget{Position: 2.5, Speed: 100, Acceleration: 1000}), test.ShouldBeNil)
	test.That(t, rig.step.rising.Load(), test.ShouldEqual, int64(225))
	test.That(t, rig.dir.Read(), test.ShouldEqual, gpio.Low)
	pos, _ = a.Position(ctx)
	test.That(t, pos, test.ShouldEqual, 2.5)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = a.MoveTo(cancelled, target)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	test.That(t, a.Disable(ctx), test.ShouldBeNil)
	test.That(t, rig.enable.Read(), test.ShouldEqual, gpio.High)
}

func TestHome(t *testing.T) {
	ctx := context.Background()
	params := actuator.HomingParams{Speed: 5, Acceleration: 100, HomePosition: -5}

	t.Run("finds the endstop", func(t *testing.T) {
		a, rig := newTestActuator(t, 30)
		defer a.Close(ctx)
		test.That(t, a.Enable(ctx), test.ShouldBeNil)
		test.That(t, a.SetPosition(ctx, 80), test.ShouldBeNil)

		result := make(chan bool, 1)
		test.That(t, a.Home(ctx, params, func(ok bool) { result <- ok }), test.ShouldBeNil)
		test.That(t, <-result, test.ShouldBeTrue)
		test.That(t, rig.step.rising.Load(), test.ShouldEqual, int64(30))
		test.That(t, rig.dir.Read(), test.ShouldEqual, gpio.Low)
		pos, _ := a.Position(ctx)
		test.That(t, pos, test.ShouldEqual, -5.0)
	})

	t.Run("gives up after the search distance", func(t *testing.T) {
		a, rig := newTestActuator(t, 1<<40)
		defer a.Close(ctx)
		test.That(t, a.Enable(ctx), test.ShouldBeNil)

		result := make(chan bool, 1)
		test.That(t, a.Home(ctx, params, func(ok bool) { result <- ok }), test.ShouldBeNil)
		test.That(t, <-result, test.ShouldBeFalse)
		// 1.25 × 160mm × 10 steps/mm.
		test.That(t, rig.step.rising.Load(), test.ShouldEqual, int64(2000))
	})

	t.Run("requires enable", func(t *testing.T) {
		a, _ := newTestActuator(t, 0)
		defer a.Close(ctx)
		err := a.Home(ctx, params, func(bool) {})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "not enabled")
	})
}

func TestAlarmLine(t *testing.T) {
	alarm := &gpiotest.Pin{N: "ALARM", EdgesChan: make(chan gpio.Level, 1)}
	cfg := &Config{
		Pins:       PinConfig{Step: "STEP", Direction: "DIR", Endstop: "ENDSTOP", Alarm: "ALARM"},
		StepsPerMM: 10,
	}
	a, err := NewActuator(cfg, Pins{
		Step:      &gpiotest.Pin{N: "STEP"},
		Direction: &gpiotest.Pin{N: "DIR"},
		Endstop:   &endstop{Pin: &gpiotest.Pin{N: "ENDSTOP"}},
		Alarm:     alarm,
	}, actuator.DefaultGeometry(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer a.Close(context.Background())

	alarm.EdgesChan <- gpio.Low
	fault := <-a.Faults()
	test.That(t, fault.Error(), test.ShouldContainSubstring, "ALARM")
}

func TestStepDelay(t *testing.T) {
	// Cruising in the middle of a long move: 100mm/s at 10 steps/mm.
	test.That(t, StepDelay(5000, 10000, 10, 100, 1000), test.ShouldEqual, time.Millisecond)
	// Ramping at both ends is slower than cruising.
	test.That(t, StepDelay(0, 10000, 10, 100, 1000), test.ShouldBeGreaterThan, time.Millisecond)
	test.That(t, StepDelay(9999, 10000, 10, 100, 1000), test.ShouldEqual, StepDelay(0, 10000, 10, 100, 1000))
}
