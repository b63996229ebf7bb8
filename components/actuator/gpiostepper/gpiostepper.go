// Package gpiostepper implements a linear actuator driven by a step/direction servo or stepper
// driver wired straight to host GPIO pins, homed against an endstop switch.
package gpiostepper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/components/faultline"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/operation"
	"go.strokeengine.dev/stroker/utils"
)

// Model is the registered name of the GPIO stepper actuator.
const Model = "gpiostepper"

const (
	defaultStepPulse = 5 * time.Microsecond
	// homingSearchFactor bounds the homing search to this multiple of the physical travel.
	homingSearchFactor = 1.25
)

// PinConfig defines the mapping of where the driver is wired.
type PinConfig struct {
	Step          string `json:"step"`
	Direction     string `json:"dir"`
	EnablePinHigh string `json:"en_high,omitempty"`
	EnablePinLow  string `json:"en_low,omitempty"`
	Endstop       string `json:"endstop"`
	Alarm         string `json:"alarm,omitempty"`
}

// Config describes the configuration of a GPIO stepper actuator.
type Config struct {
	Pins            PinConfig `json:"pins"`
	StepsPerMM      float64   `json:"steps_per_mm"`
	InvertDirection bool      `json:"invert_direction,omitempty"`
	// The endstop closes to ground unless EndstopActiveHigh is set.
	EndstopActiveHigh bool `json:"endstop_active_high,omitempty"`
	// The alarm output pulls low on fault unless AlarmActiveHigh is set.
	AlarmActiveHigh bool `json:"alarm_active_high,omitempty"`
	StepPulseUsec   int  `json:"step_pulse_usec,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Pins.Step == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if cfg.Pins.Direction == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if cfg.Pins.Endstop == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "pins.endstop")
	}
	if cfg.Pins.EnablePinHigh != "" && cfg.Pins.EnablePinLow != "" {
		return goutils.NewConfigValidationError(path, errors.New("only one of en_high and en_low may be set"))
	}
	if cfg.StepsPerMM <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "steps_per_mm")
	}
	if cfg.StepPulseUsec < 0 {
		return goutils.NewConfigValidationError(path, errors.New("step_pulse_usec cannot be negative"))
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
			if _, err := host.Init(); err != nil {
				return nil, errors.Wrap(err, "initializing gpio host drivers")
			}
			pins, err := lookupPins(cfg.Pins)
			if err != nil {
				return nil, err
			}
			return NewActuator(cfg, pins, geometry, logger)
		},
		AttributeMapConverter: actuator.ConvertAttributes[*Config],
	})
}

// Pins are the resolved GPIO lines. Enable and Alarm may be nil.
type Pins struct {
	Step      gpio.PinOut
	Direction gpio.PinOut
	Enable    gpio.PinOut
	Endstop   gpio.PinIn
	Alarm     gpio.PinIn
}

func lookupPins(conf PinConfig) (Pins, error) {
	var pins Pins
	byName := func(name string) (gpio.PinIO, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, errors.Errorf("no gpio pin named %q", name)
		}
		return p, nil
	}

	var err error
	if pins.Step, err = byName(conf.Step); err != nil {
		return pins, err
	}
	if pins.Direction, err = byName(conf.Direction); err != nil {
		return pins, err
	}
	if pins.Endstop, err = byName(conf.Endstop); err != nil {
		return pins, err
	}
	if enable := conf.EnablePinHigh + conf.EnablePinLow; enable != "" {
		if pins.Enable, err = byName(enable); err != nil {
			return pins, err
		}
	}
	if conf.Alarm != "" {
		if pins.Alarm, err = byName(conf.Alarm); err != nil {
			return pins, err
		}
	}
	return pins, nil
}

// Actuator steps a driver through GPIO.
type Actuator struct {
	cfg       Config
	pins      Pins
	geometry  actuator.Geometry
	logger    logging.Logger
	stepPulse time.Duration
	// sleep waits between steps; tests replace it.
	sleep func(time.Duration)

	opMgr   operation.SingleOperationManager
	workers utils.StoppableWorkers
	alarm   *faultline.Line
	faults  chan error

	mu           sync.Mutex
	enabled      bool
	homing       bool
	stepPosition int64
}

// NewActuator configures the pins and starts watching the alarm line, if any.
func NewActuator(cfg *Config, pins Pins, geometry actuator.Geometry, logger logging.Logger) (*Actuator, error) {
	a := &Actuator{
		cfg:       *cfg,
		pins:      pins,
		geometry:  geometry,
		logger:    logger,
		stepPulse: defaultStepPulse,
		sleep:     time.Sleep,
		workers:   utils.NewStoppableWorkers(),
		faults:    make(chan error, 1),
	}
	if cfg.StepPulseUsec > 0 {
		a.stepPulse = time.Duration(cfg.StepPulseUsec) * time.Microsecond
	}

	pull := gpio.PullUp
	if cfg.EndstopActiveHigh {
		pull = gpio.PullDown
	}
	if err := pins.Endstop.In(pull, gpio.NoEdge); err != nil {
		return nil, errors.Wrap(err, "configuring endstop pin")
	}
	if err := multierr.Combine(pins.Step.Out(gpio.Low), pins.Direction.Out(gpio.Low), a.setEnabled(false)); err != nil {
		return nil, errors.Wrap(err, "configuring output pins")
	}

	if pins.Alarm != nil {
		line, err := faultline.Watch(pins.Alarm, !cfg.AlarmActiveHigh, a.reportFault, logger)
		if err != nil {
			return nil, err
		}
		a.alarm = line
	}
	return a, nil
}

func (a *Actuator) reportFault(err error) {
	select {
	case a.faults <- err:
	default:
	}
}

func (a *Actuator) setEnabled(on bool) error {
	if a.pins.Enable == nil {
		return nil
	}
	level := gpio.Level(on)
	if a.cfg.Pins.EnablePinLow != "" {
		level = !level
	}
	return a.pins.Enable.Out(level)
}

// Enable energizes the driver.
func (a *Actuator) Enable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setEnabled(true); err != nil {
		return errors.Wrapf(err, "error enabling actuator (%s)", Model)
	}
	a.enabled = true
	return nil
}

// Disable stops any move and de-energizes the driver.
func (a *Actuator) Disable(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	return a.setEnabled(false)
}

func (a *Actuator) endstopClosed() bool {
	return a.pins.Endstop.Read() == gpio.Level(a.cfg.EndstopActiveHigh)
}

// Home steps toward the endstop at params.Speed until it closes, then declares that spot
// params.HomePosition.
func (a *Actuator) Home(ctx context.Context, params actuator.HomingParams, onComplete func(bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.enabled:
		return actuator.NewNotEnabledError(Model)
	case a.homing:
		return actuator.NewHomingInProgressError(Model)
	case params.Speed <= 0:
		return errors.New("homing speed must be positive")
	}
	a.homing = true

	maxSteps := int64(homingSearchFactor * a.geometry.PhysicalTravel * a.cfg.StepsPerMM)
	delay := time.Duration(float64(time.Second) / (params.Speed * a.cfg.StepsPerMM))
	a.workers.AddWorkers(func(workersCtx context.Context) {
		homeCtx, done := a.opMgr.New(ctx)
		defer done()
		stop := context.AfterFunc(workersCtx, done)
		defer stop()

		success, err := a.seekEndstop(homeCtx, maxSteps, delay)
		if err != nil {
			a.logger.Warnw("homing aborted", "error", err)
		}

		a.mu.Lock()
		a.homing = false
		if success {
			a.stepPosition = a.toSteps(params.HomePosition)
		}
		a.mu.Unlock()
		onComplete(success)
	})
	return nil
}

func (a *Actuator) seekEndstop(ctx context.Context, maxSteps int64, delay time.Duration) (bool, error) {
	if err := a.setDirection(false); err != nil {
		return false, err
	}
	for i := int64(0); i < maxSteps; i++ {
		if a.endstopClosed() {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := a.pulse(delay); err != nil {
			return false, err
		}
	}
	return a.endstopClosed(), errors.Errorf("endstop not reached within %d steps", maxSteps)
}

// MoveTo steps to the target along a trapezoidal speed profile.
func (a *Actuator) MoveTo(ctx context.Context, target actuator.MotionTarget) error {
	if !target.IsValid() {
		return actuator.NewInvalidTargetError(target)
	}
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return actuator.NewNotEnabledError(Model)
	}
	start := a.stepPosition
	a.mu.Unlock()

	delta := a.toSteps(target.Position) - start
	if delta == 0 {
		return nil
	}
	forward := delta > 0
	if err := a.setDirection(forward); err != nil {
		return errors.Wrapf(err, "error in MoveTo from actuator (%s)", Model)
	}

	n := delta
	if n < 0 {
		n = -n
	}
	for i := int64(0); i < n; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.pulse(StepDelay(i, n, a.cfg.StepsPerMM, target.Speed, target.Acceleration)); err != nil {
			return errors.Wrapf(err, "error in MoveTo from actuator (%s)", Model)
		}
		a.mu.Lock()
		if forward {
			a.stepPosition++
		} else {
			a.stepPosition--
		}
		a.mu.Unlock()
	}
	return nil
}

// pulse emits one step and waits out the rest of `period`.
func (a *Actuator) pulse(period time.Duration) error {
	if err := a.pins.Step.Out(gpio.High); err != nil {
		return err
	}
	a.sleep(a.stepPulse)
	if err := a.pins.Step.Out(gpio.Low); err != nil {
		return err
	}
	if rest := period - a.stepPulse; rest > 0 {
		a.sleep(rest)
	}
	return nil
}

func (a *Actuator) setDirection(forward bool) error {
	return a.pins.Direction.Out(gpio.Level(forward != a.cfg.InvertDirection))
}

// StepDelay returns the period of step i of an n step move so the carriage ramps up and down
// at accel and cruises at speed.
func StepDelay(i, n int64, stepsPerMM, speed, accel float64) time.Duration {
	fromStart := float64(i+1) / stepsPerMM
	toEnd := float64(n-i) / stepsPerMM
	v := math.Min(speed, math.Sqrt(2*accel*math.Min(fromStart, toEnd)))
	return time.Duration(float64(time.Second) / (v * stepsPerMM))
}

// Stop aborts the move or homing in progress.
func (a *Actuator) Stop(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	return nil
}

// Position reports the step counter in millimeters.
func (a *Actuator) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.stepPosition) / a.cfg.StepsPerMM, nil
}

// SetPosition redefines the step counter.
func (a *Actuator) SetPosition(ctx context.Context, position float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stepPosition = a.toSteps(position)
	return nil
}

func (a *Actuator) toSteps(position float64) int64 {
	return int64(math.Round(position * a.cfg.StepsPerMM))
}

// Faults delivers alarm line trips.
func (a *Actuator) Faults() <-chan error {
	return a.faults
}

// Close stops watching the alarm, aborts motion and de-energizes the driver.
func (a *Actuator) Close(ctx context.Context) error {
	if a.alarm != nil {
		a.alarm.Close()
	}
	a.opMgr.CancelRunning(ctx)
	a.workers.Stop()
	return a.Disable(ctx)
}
