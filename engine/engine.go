// Package engine implements the stroke engine: the actuator's lifecycle state machine, homing,
// pattern driven motion, streaming, and the fault path that forces the actuator into Error.
//
// An Engine owns at most one task at a time (homing, pattern motion, streaming or a single move).
// Parameter setters only stage values; they reach the active pattern through ApplyNewSettingsNow
// or, in ApplyAtStrokeBoundary mode, at the next full stroke.
package engine

import (
	"context"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/pattern"
	"go.strokeengine.dev/stroker/utils"
)

const stateQueueSize = 32

// Engine drives one actuator.
type Engine struct {
	driver   actuator.Driver
	geometry actuator.Geometry
	opts     Options
	clock    clock.Clock
	logger   logging.Logger

	// stateMu orders state changes with their notifications.
	stateMu     sync.Mutex
	state       atomic.Int32
	faulted     atomic.Bool
	isHomed     atomic.Bool
	faultSignal chan struct{}
	states      chan State

	workers utils.StoppableWorkers

	// lifecycle serializes operations that hand the driver from one task to another.
	lifecycle sync.Mutex

	mu           sync.Mutex
	closed       bool
	catalog      *pattern.Catalog
	patternIndex int
	active       pattern.Pattern
	staged       Parameters
	applied      Parameters
	pending      bool
	task         *task
	stream       chan actuator.MotionTarget

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSubID   int
}

// New returns a Disabled engine driving driver. The caller keeps ownership of the driver.
func New(driver actuator.Driver, opts Options, logger logging.Logger) (*Engine, error) {
	if err := opts.Validate("engine"); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	e := &Engine{
		driver:      driver,
		geometry:    opts.Geometry,
		opts:        opts,
		clock:       opts.Clock,
		logger:      logger,
		faultSignal: make(chan struct{}, 1),
		states:      make(chan State, stateQueueSize),
		catalog:     pattern.NewCatalog(),
		stream:      make(chan actuator.MotionTarget, opts.StreamQueueSize),
		subscribers: map[int]func(State){},
	}
	e.state.Store(int32(Disabled))

	e.staged = e.clampParameters(opts.Initial)
	active, ok := e.catalog.At(opts.Pattern)
	if !ok {
		return nil, NewInvalidPatternIndexError(opts.Pattern, e.catalog.Len())
	}
	e.active = active
	e.patternIndex = opts.Pattern
	e.pending = true
	if err := e.applyLocked(); err != nil {
		return nil, errors.Wrap(err, "initial parameters")
	}

	e.workers = utils.NewStoppableWorkers(e.superviseFaults, e.forwardDriverFaults, e.publishStates)
	e.logger.Infow("engine created",
		"travel_mm", e.geometry.Travel(), "pattern", active.Name(), "parameters", e.applied.String(),
		"apply_mode", opts.ApplyMode.String())
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsHomed returns whether the actuator's position is known.
func (e *Engine) IsHomed() bool {
	return e.isHomed.Load()
}

// ApplyMode returns when staged parameters are applied.
func (e *Engine) ApplyMode() ApplyMode {
	return e.opts.ApplyMode
}

// Geometry returns the machine geometry the engine was built with.
func (e *Engine) Geometry() actuator.Geometry {
	return e.geometry
}

// Parameters returns the parameters the active pattern is configured with.
func (e *Engine) Parameters() Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

// StagedParameters returns the parameters waiting to be applied.
func (e *Engine) StagedParameters() Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.staged
}

// PatternIndex returns the catalog index of the active pattern.
func (e *Engine) PatternIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patternIndex
}

// PatternName returns the name of the active pattern.
func (e *Engine) PatternName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Name()
}

// Patterns returns the catalog's pattern names in index order.
func (e *Engine) Patterns() []string {
	return e.catalog.Names()
}

// Catalog returns the engine's pattern catalog.
func (e *Engine) Catalog() *pattern.Catalog {
	return e.catalog
}

// Position returns the driver's current position in mm.
func (e *Engine) Position(ctx context.Context) (float64, error) {
	return e.driver.Position(ctx)
}

// SetRate stages the stroke rate in strokes per minute, clamped to [MinRate, MaxRate].
func (e *Engine) SetRate(rate float64) {
	e.stage("rate", rate, func(p *Parameters) { p.Rate = rate })
}

// SetSpeed is SetRate.
func (e *Engine) SetSpeed(rate float64) {
	e.SetRate(rate)
}

// SetDepth stages the far stroke endpoint in mm, clamped to the soft limits.
func (e *Engine) SetDepth(depth float64) {
	e.stage("depth", depth, func(p *Parameters) { p.Depth = depth })
}

// SetStroke stages the stroke length in mm, clamped to the travel. The applied stroke never
// exceeds the depth.
func (e *Engine) SetStroke(stroke float64) {
	e.stage("stroke", stroke, func(p *Parameters) { p.Stroke = stroke })
}

// SetSensation stages the sensation, clamped to [-100, 100].
func (e *Engine) SetSensation(sensation float64) {
	e.stage("sensation", sensation, func(p *Parameters) { p.Sensation = sensation })
}

func (e *Engine) stage(name string, value float64, set func(p *Parameters)) {
	if math.IsNaN(value) {
		e.logger.Warnw("ignoring NaN parameter", "parameter", name)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	set(&e.staged)
	e.staged = e.clampParameters(e.staged)
	e.pending = true
}

// clampParameters bounds every field to its own range. The stroke is bounded by the depth only
// when applied, so a stroke staged before a deeper depth is kept.
func (e *Engine) clampParameters(p Parameters) Parameters {
	return Parameters{
		Depth:     utils.Clamp(p.Depth, e.geometry.SoftMin(), e.geometry.SoftMax()),
		Stroke:    utils.Clamp(p.Stroke, 0, e.geometry.Travel()),
		Rate:      utils.Clamp(p.Rate, MinRate, e.opts.MaxRate),
		Sensation: utils.Clamp(p.Sensation, -100, 100),
	}
}

// applyLocked configures the active pattern with the staged parameters. A pattern that rejects
// them keeps running with the previous ones.
func (e *Engine) applyLocked() error {
	next := e.staged
	next.Stroke = math.Min(next.Stroke, next.Depth)
	e.pending = false
	if err := e.active.Configure(next); err != nil {
		return err
	}
	e.applied = next
	return nil
}

// ApplyNewSettingsNow hands the staged parameters to the active pattern. It returns whether any
// change was pending.
func (e *Engine) ApplyNewSettingsNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pending {
		return false
	}
	if err := e.applyLocked(); err != nil {
		e.logger.Warnw("pattern rejected parameters", "pattern", e.active.Name(), "error", err)
	}
	return true
}

// SetPattern switches to the catalog pattern at index, configured with the applied parameters.
// An invalid index leaves the active pattern in place.
func (e *Engine) SetPattern(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, ok := e.catalog.At(index)
	if !ok {
		return NewInvalidPatternIndexError(index, e.catalog.Len())
	}
	if err := next.Configure(e.applied); err != nil {
		return err
	}
	e.active = next
	e.patternIndex = index
	e.logger.Infow("pattern selected", "index", index, "pattern", next.Name())
	return nil
}

// Subscribe registers fn to be called with every new state, in order, from a single goroutine.
// fn must not call Close. The returned function unsubscribes.
func (e *Engine) Subscribe(fn func(State)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subscribers, id)
	}
}

// setState stores a state unconditionally.
func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.setStateLocked(s)
}

func (e *Engine) setStateLocked(s State) {
	if State(e.state.Swap(int32(s))) != s {
		e.publish(s)
	}
}

// transition moves from one state to another if the engine is still in the first one.
func (e *Engine) transition(from, to State) bool {
	if from == to {
		return e.State() == from
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	e.publish(to)
	return true
}

func (e *Engine) publish(s State) {
	select {
	case e.states <- s:
	default:
		e.logger.Warnw("dropping state notification", "state", s.String())
	}
}

func (e *Engine) publishStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.states:
			e.logger.Infow("state changed", "state", s.String())
			e.subMu.Lock()
			subscribers := make([]func(State), 0, len(e.subscribers))
			for _, fn := range e.subscribers {
				subscribers = append(subscribers, fn)
			}
			e.subMu.Unlock()
			for _, fn := range subscribers {
				fn(s)
			}
		}
	}
}

// Close stops any task, de-energizes the actuator and stops the engine's workers. It does not
// close the driver.
func (e *Engine) Close(ctx context.Context) error {
	e.lifecycle.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.lifecycle.Unlock()
		return nil
	}
	e.closed = true
	t := e.takeTaskLocked()
	e.mu.Unlock()
	e.lifecycle.Unlock()

	if t != nil {
		t.stop()
	}
	// The fault supervisor takes the lifecycle lock, so it is stopped without holding it.
	e.workers.Stop()
	e.stateMu.Lock()
	e.state.Store(int32(Disabled))
	e.stateMu.Unlock()
	e.isHomed.Store(false)
	return multierr.Combine(e.driver.Stop(ctx), e.driver.Disable(ctx))
}
