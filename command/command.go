// Package command maps the topic based remote control surface onto the engine. Transports
// decode frames into a topic and a payload string, hand them to a Dispatcher, and register as
// Publishers for what the engine reports back.
package command

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/engine"
	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// Immediate applies are limited to DefaultApplyRate per second with bursts of DefaultApplyBurst.
// Updates beyond that are coalesced and the latest staged values applied at the next slot.
const (
	DefaultApplyRate  = 20
	DefaultApplyBurst = 10
)

// Inbound topics.
const (
	TopicSpeed     = "speed"
	TopicRate      = "rate"
	TopicDepth     = "depth"
	TopicStroke    = "stroke"
	TopicSensation = "sensation"
	TopicPattern   = "pattern"
	TopicCommand   = "command"
	TopicTarget    = "target"
)

// Outbound topics.
const (
	TopicConfig = "config"
	TopicNotify = "notify"
	TopicState  = "state"
)

// Payloads of TopicCommand.
const (
	CommandStart       = "start"
	CommandStop        = "stop"
	CommandHome        = "home"
	CommandRetract     = "retract"
	CommandExtend      = "extend"
	CommandDisable     = "disable"
	CommandPatternList = "patternlist"
	CommandThisIsHome  = "thisishome"
	CommandStream      = "stream"
)

// Operator notifications.
const (
	NotifyHomed        = "Found home - Ready to rumble!"
	NotifyHomingFailed = "Homing failed!"
	NotifyRetracted    = "Retracted"
	NotifyExtended     = "Extended"
)

var (
	// ErrUnknownTopic is returned for a topic the dispatcher does not handle.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnknownCommand is returned for an unknown TopicCommand payload.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload is returned for a payload that does not parse.
	ErrInvalidPayload = errors.New("invalid payload")
)

// A Publisher delivers outbound messages to remote controls. Publish must not block for long.
type Publisher interface {
	Publish(topic, payload string)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(topic, payload string)

// Publish calls f.
func (f PublisherFunc) Publish(topic, payload string) {
	f(topic, payload)
}

// Dispatcher executes remote commands against an engine.
type Dispatcher struct {
	engine *engine.Engine
	logger logging.Logger

	mu          sync.Mutex
	publishers  []Publisher
	unsubscribe func()

	limiter  *rate.Limiter
	deferred chan struct{}
	// workers runs the deferred applier and the soft limit moves, so no transport read loop
	// waits on the actuator.
	workers utils.StoppableWorkers
}

// NewDispatcher returns a dispatcher for e. It publishes state changes until Close.
func NewDispatcher(e *engine.Engine, logger logging.Logger) *Dispatcher {
	d := &Dispatcher{
		engine:   e,
		logger:   logger,
		limiter:  rate.NewLimiter(DefaultApplyRate, DefaultApplyBurst),
		deferred: make(chan struct{}, 1),
	}
	d.unsubscribe = e.Subscribe(func(s engine.State) {
		d.publish(TopicState, s.String())
	})
	d.workers = utils.NewStoppableWorkers(d.applyDeferred)
	return d
}

// AddPublisher registers p for every outbound message.
func (d *Dispatcher) AddPublisher(p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishers = append(d.publishers, p)
}

// Close stops publishing state changes and cancels a soft limit move still in progress.
func (d *Dispatcher) Close() {
	d.unsubscribe()
	d.workers.Stop()
}

// PublishCatalog publishes the pattern listing on TopicConfig.
func (d *Dispatcher) PublishCatalog() error {
	listing, err := json.Marshal(d.engine.Catalog())
	if err != nil {
		return err
	}
	d.publish(TopicConfig, string(listing))
	return nil
}

// Notify publishes an operator message.
func (d *Dispatcher) Notify(message string) {
	d.publish(TopicNotify, message)
}

func (d *Dispatcher) publish(topic, payload string) {
	d.mu.Lock()
	publishers := append([]Publisher(nil), d.publishers...)
	d.mu.Unlock()
	for _, p := range publishers {
		p.Publish(topic, payload)
	}
}

// Handle executes one inbound message. Rejected messages change nothing, are reported on
// TopicNotify and returned.
func (d *Dispatcher) Handle(ctx context.Context, topic, payload string) error {
	topic = strings.ToLower(strings.TrimSpace(topic))
	payload = strings.TrimSpace(payload)
	d.logger.CDebugw(ctx, "handling message", "topic", topic, "payload", payload)

	err := d.handle(ctx, topic, payload)
	if err != nil {
		d.logger.Warnw("rejected message", "topic", topic, "payload", payload, "error", err)
		d.Notify(err.Error())
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, topic, payload string) error {
	switch topic {
	case TopicSpeed, TopicRate:
		return d.setFloat(payload, d.engine.SetRate)
	case TopicDepth:
		return d.setFloat(payload, d.engine.SetDepth)
	case TopicStroke:
		return d.setFloat(payload, d.engine.SetStroke)
	case TopicSensation:
		return d.setFloat(payload, d.engine.SetSensation)
	case TopicPattern:
		index, err := strconv.Atoi(payload)
		if err != nil {
			return errors.Wrapf(ErrInvalidPayload, "pattern index %q", payload)
		}
		if err := d.engine.SetPattern(index); err != nil {
			return err
		}
		d.apply()
		return nil
	case TopicCommand:
		return d.command(ctx, strings.ToLower(payload))
	case TopicTarget:
		var target actuator.MotionTarget
		if err := json.Unmarshal([]byte(payload), &target); err != nil {
			return errors.Wrapf(ErrInvalidPayload, "target %q: %v", payload, err)
		}
		return d.engine.Stream(target)
	default:
		return errors.Wrapf(ErrUnknownTopic, "%q", topic)
	}
}

func (d *Dispatcher) setFloat(payload string, set func(float64)) error {
	value, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return errors.Wrapf(ErrInvalidPayload, "number %q", payload)
	}
	set(value)
	d.apply()
	return nil
}

// apply hands staged parameters to the pattern unless the engine picks them up at the next
// stroke by itself. Past the rate limit the apply is left to applyDeferred.
func (d *Dispatcher) apply() {
	if d.engine.ApplyMode() != engine.ApplyImmediate {
		return
	}
	if d.limiter.Allow() {
		d.engine.ApplyNewSettingsNow()
		return
	}
	select {
	case d.deferred <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) applyDeferred(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.deferred:
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			if d.engine.ApplyNewSettingsNow() {
				d.logger.Debugw("applied coalesced parameters", "parameters", d.engine.Parameters().String())
			}
		}
	}
}

// move runs a blocking soft limit move in the background and reports the outcome on
// TopicNotify. Disable interrupts it.
func (d *Dispatcher) move(op, done string, run func(ctx context.Context) error) error {
	if state := d.engine.State(); state != engine.Ready {
		return engine.NewInvalidStateError(op, state)
	}
	d.workers.AddWorkers(func(ctx context.Context) {
		err := run(ctx)
		switch {
		case err == nil:
			d.Notify(done)
		case errors.Is(err, context.Canceled):
			d.logger.Infow("move interrupted", "command", op)
		default:
			d.logger.Warnw("move failed", "command", op, "error", err)
			d.Notify(err.Error())
		}
	})
	return nil
}

func (d *Dispatcher) command(ctx context.Context, command string) error {
	switch command {
	case CommandStart:
		return d.engine.StartMotion()
	case CommandStop:
		d.engine.StopMotion()
		return nil
	case CommandHome:
		return d.engine.EnableAndHome(d.homingFinished)
	case CommandRetract:
		return d.move(CommandRetract, NotifyRetracted, d.engine.MoveToMin)
	case CommandExtend:
		return d.move(CommandExtend, NotifyExtended, d.engine.MoveToMax)
	case CommandDisable:
		return d.engine.Disable(ctx)
	case CommandPatternList:
		return d.PublishCatalog()
	case CommandThisIsHome:
		return d.engine.ThisIsHome(ctx)
	case CommandStream:
		return d.engine.StartStreaming()
	default:
		return errors.Wrapf(ErrUnknownCommand, "%q", command)
	}
}

func (d *Dispatcher) homingFinished(success bool) {
	if success {
		d.Notify(NotifyHomed)
		return
	}
	d.Notify(NotifyHomingFailed)
}
