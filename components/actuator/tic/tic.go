// Package tic implements a linear actuator driven by a Pololu Tic stepper motor controller over
// I²C. The Tic plans its own acceleration ramps; this driver only sets limits and targets.
package tic

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/tic"
	"periph.io/x/host/v3"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/operation"
	"go.strokeengine.dev/stroker/utils"
)

// Model is the registered name of the Tic actuator.
const Model = "tic"

const (
	defaultPollInterval = 10 * time.Millisecond
	// The Tic de-energizes itself if it hears nothing for a second.
	keepAliveInterval = 500 * time.Millisecond
	// Tic speed units are steps per 10000 s, acceleration units steps/s per 100 s.
	speedUnitsPerStep = 10000
	accelUnitsPerStep = 100
)

// faultMask selects the error bits that mean the hardware stopped on its own. De-energized and
// safe start are the normal idle state and are left out.
const faultMask = 1<<tic.ErrorBitMotorDriverError |
	1<<tic.ErrorBitLowVin |
	1<<tic.ErrorBitKillSwitch |
	1<<tic.ErrorBitRequiredInputInvalid |
	1<<tic.ErrorBitCommandTimeout |
	1<<tic.ErrorBitErrLineHigh

var variants = map[string]tic.Variant{
	"t825": tic.TicT825,
	"t834": tic.TicT834,
	"t500": tic.TicT500,
	"t249": tic.TicT249,
	"36v4": tic.Tic36v4,
}

func parseVariant(name string) (tic.Variant, bool) {
	key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "Tic")))
	v, ok := variants[key]
	return v, ok
}

// Config describes the configuration of a Tic actuator.
type Config struct {
	// I2CBus is the periph bus name; empty opens the first bus.
	I2CBus string `json:"i2c_bus,omitempty"`
	// I2CAddr defaults to the Tic's factory address, 0x0E.
	I2CAddr      int           `json:"i2c_addr,omitempty"`
	Variant      string        `json:"variant"`
	StepsPerMM   float64       `json:"steps_per_mm"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// HomeForward homes toward the forward limit switch instead of the reverse one.
	HomeForward bool `json:"home_forward,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Variant == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "variant")
	}
	if _, ok := parseVariant(cfg.Variant); !ok {
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown Tic variant %q", cfg.Variant))
	}
	if cfg.StepsPerMM <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "steps_per_mm")
	}
	if cfg.I2CAddr < 0 || cfg.I2CAddr > 0x7F {
		return goutils.NewConfigValidationError(path, errors.Errorf("i2c_addr %#x is not a 7-bit address", cfg.I2CAddr))
	}
	if cfg.PollInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.New("poll_interval cannot be negative"))
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
			return open(cfg, logger)
		},
		AttributeMapConverter: actuator.ConvertAttributes[*Config],
	})
}

func open(cfg *Config, logger logging.Logger) (actuator.Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing periph host drivers")
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, errors.Wrapf(err, "opening i2c bus %q", cfg.I2CBus)
	}
	addr := tic.I2CAddr
	if cfg.I2CAddr != 0 {
		addr = uint16(cfg.I2CAddr)
	}
	variant, _ := parseVariant(cfg.Variant)
	dev, err := tic.NewI2C(bus, variant, addr)
	if err != nil {
		return nil, multierr.Combine(err, bus.Close())
	}
	a := NewActuator(cfg, dev, clock.New(), logger)
	a.closer = bus.Close
	return a, nil
}

// Controller is the subset of the Tic command set the actuator uses. *tic.Dev implements it.
type Controller interface {
	Energize() error
	Deenergize() error
	ExitSafeStart() error
	ClearDriverError() error
	ResetCommandTimeout() error
	SetMaxSpeed(speed uint32) error
	SetMaxAccel(accel uint32) error
	SetMaxDecel(decel uint32) error
	SetTargetPosition(position int32) error
	GetCurrentPosition() (int32, error)
	HaltAndHold() error
	HaltAndSetPosition(position int32) error
	GoHomeReverse() error
	GoHomeForward() error
	IsHomingActive() (bool, error)
	IsPositionUncertain() (bool, error)
	GetErrorStatus() (uint16, error)
}

// Actuator drives a Tic.
type Actuator struct {
	cfg    Config
	clock  clock.Clock
	logger logging.Logger
	poll   time.Duration
	closer func() error

	opMgr   *operation.SingleOperationManager
	workers utils.StoppableWorkers
	faults  chan error

	// devMu serializes bus transactions.
	devMu sync.Mutex
	dev   Controller

	mu      sync.Mutex
	enabled bool
	homing  bool
	faulted bool
}

// NewActuator wraps an opened controller and starts the keep-alive and fault polling loops.
func NewActuator(cfg *Config, dev Controller, clk clock.Clock, logger logging.Logger) *Actuator {
	a := &Actuator{
		cfg:    *cfg,
		clock:  clk,
		logger: logger,
		poll:   defaultPollInterval,
		dev:    dev,
		opMgr:  &operation.SingleOperationManager{Clock: clk},
		faults: make(chan error, 1),
	}
	if cfg.PollInterval > 0 {
		a.poll = cfg.PollInterval
	}
	a.workers = utils.NewStoppableWorkers(a.keepAlive, a.watchErrors)
	return a
}

func (a *Actuator) do(f func(Controller) error) error {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	return f(a.dev)
}

func (a *Actuator) keepAlive(ctx context.Context) {
	ticker := a.clock.Ticker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.do(Controller.ResetCommandTimeout); err != nil {
			a.logger.CDebugw(ctx, "keep-alive failed", "error", err)
		}
	}
}

func (a *Actuator) watchErrors(ctx context.Context) {
	ticker := a.clock.Ticker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.checkErrors()
	}
}

// checkErrors reports a fault once per transition into a faulted status while enabled.
func (a *Actuator) checkErrors() {
	var status uint16
	err := a.do(func(d Controller) error {
		var err error
		status, err = d.GetErrorStatus()
		return err
	})
	if err != nil {
		a.logger.Debugw("reading error status failed", "error", err)
		return
	}

	a.mu.Lock()
	enabled, wasFaulted := a.enabled, a.faulted
	a.faulted = status&faultMask != 0
	a.mu.Unlock()
	if enabled && a.faulted && !wasFaulted {
		a.reportFault(errors.Errorf("tic error status %#04x", status))
	}
}

func (a *Actuator) reportFault(err error) {
	a.logger.Warnw("driver fault", "error", err)
	select {
	case a.faults <- err:
	default:
	}
}

// Enable clears latched errors, leaves safe start and energizes the motor.
func (a *Actuator) Enable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.do(func(d Controller) error {
		return multierr.Combine(d.ClearDriverError(), d.Energize(), d.ExitSafeStart())
	})
	if err != nil {
		return errors.Wrapf(err, "error enabling actuator (%s)", Model)
	}
	a.enabled = true
	a.faulted = false
	return nil
}

// Disable halts and de-energizes the motor.
func (a *Actuator) Disable(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	return a.do(func(d Controller) error {
		return multierr.Combine(d.HaltAndHold(), d.Deenergize())
	})
}

// Home runs the Tic's own homing procedure. Its speeds come from the Tic's stored settings,
// so params only contributes HomePosition.
func (a *Actuator) Home(ctx context.Context, params actuator.HomingParams, onComplete func(bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case !a.enabled:
		return actuator.NewNotEnabledError(Model)
	case a.homing:
		return actuator.NewHomingInProgressError(Model)
	}

	start := Controller.GoHomeReverse
	if a.cfg.HomeForward {
		start = Controller.GoHomeForward
	}
	if err := a.do(start); err != nil {
		return errors.Wrapf(err, "error starting homing on actuator (%s)", Model)
	}
	a.homing = true

	a.workers.AddWorkers(func(workersCtx context.Context) {
		homeCtx, done := a.opMgr.New(ctx)
		defer done()
		stop := context.AfterFunc(workersCtx, done)
		defer stop()

		err := a.opMgr.WaitTillStopped(homeCtx, a.poll, a.isHoming, a.halt)
		success := err == nil
		if success {
			success = a.setHome(params.HomePosition)
		} else {
			a.logger.Warnw("homing aborted", "error", err)
		}

		a.mu.Lock()
		a.homing = false
		a.mu.Unlock()
		onComplete(success)
	})
	return nil
}

func (a *Actuator) isHoming(ctx context.Context) (bool, error) {
	var active bool
	err := a.do(func(d Controller) error {
		var err error
		active, err = d.IsHomingActive()
		return err
	})
	return active, err
}

func (a *Actuator) setHome(position float64) bool {
	err := a.do(func(d Controller) error {
		uncertain, err := d.IsPositionUncertain()
		if err != nil {
			return err
		}
		if uncertain {
			return errors.New("position still uncertain after homing")
		}
		return d.HaltAndSetPosition(a.toSteps(position))
	})
	if err != nil {
		a.logger.Warnw("homing failed", "error", err)
		return false
	}
	return true
}

// MoveTo sets the speed and acceleration limits and the target position, then waits until the
// Tic reports it arrived.
func (a *Actuator) MoveTo(ctx context.Context, target actuator.MotionTarget) error {
	if !target.IsValid() {
		return actuator.NewInvalidTargetError(target)
	}
	ctx, done := a.opMgr.New(ctx)
	defer done()

	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()
	if !enabled {
		return actuator.NewNotEnabledError(Model)
	}

	steps := a.toSteps(target.Position)
	speed := toUnits(target.Speed*a.cfg.StepsPerMM, speedUnitsPerStep)
	accel := toUnits(target.Acceleration*a.cfg.StepsPerMM, accelUnitsPerStep)
	err := a.do(func(d Controller) error {
		return multierr.Combine(
			d.SetMaxSpeed(speed),
			d.SetMaxAccel(accel),
			d.SetMaxDecel(accel),
			d.SetTargetPosition(steps),
		)
	})
	if err != nil {
		return errors.Wrapf(err, "error in MoveTo from actuator (%s)", Model)
	}

	return a.opMgr.WaitTillStopped(ctx, a.poll, func(ctx context.Context) (bool, error) {
		var current int32
		var status uint16
		if err := a.do(func(d Controller) error {
			var err error
			if current, err = d.GetCurrentPosition(); err != nil {
				return err
			}
			status, err = d.GetErrorStatus()
			return err
		}); err != nil {
			return false, err
		}
		if status&faultMask != 0 {
			return false, errors.Errorf("tic stopped with error status %#04x", status)
		}
		return current != steps, nil
	}, a.halt)
}

func (a *Actuator) halt(ctx context.Context) error {
	return a.do(Controller.HaltAndHold)
}

// Stop halts the motor abruptly and aborts the wait of any MoveTo in progress.
func (a *Actuator) Stop(ctx context.Context) error {
	a.opMgr.CancelRunning(ctx)
	return a.halt(ctx)
}

// Position reads the Tic's current position.
func (a *Actuator) Position(ctx context.Context) (float64, error) {
	var current int32
	err := a.do(func(d Controller) error {
		var err error
		current, err = d.GetCurrentPosition()
		return err
	})
	return float64(current) / a.cfg.StepsPerMM, err
}

// SetPosition redefines the current position. The Tic halts while doing so.
func (a *Actuator) SetPosition(ctx context.Context, position float64) error {
	return a.do(func(d Controller) error {
		return d.HaltAndSetPosition(a.toSteps(position))
	})
}

// Faults delivers Tic errors seen while enabled.
func (a *Actuator) Faults() <-chan error {
	return a.faults
}

// Close stops polling, de-energizes the motor and releases the bus.
func (a *Actuator) Close(ctx context.Context) error {
	a.workers.Stop()
	err := a.Disable(ctx)
	if a.closer != nil {
		err = multierr.Combine(err, a.closer())
	}
	return err
}

func (a *Actuator) toSteps(position float64) int32 {
	return int32(math.Round(position * a.cfg.StepsPerMM))
}

func toUnits(perSecond float64, scale float64) uint32 {
	return uint32(math.Min(math.Round(perSecond*scale), math.MaxUint32))
}
