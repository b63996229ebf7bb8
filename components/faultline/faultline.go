// Package faultline watches a driver's alarm output and reports when it trips.
package faultline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// edgePollInterval bounds how long a stopped watcher can take to notice.
const edgePollInterval = 100 * time.Millisecond

// hostInit loads the periph host drivers that populate the pin registry.
var hostInit = host.Init

// Line is a running watch on one alarm pin.
type Line struct {
	pin     gpio.PinIn
	active  gpio.Level
	onFault func(error)
	logger  logging.Logger
	workers utils.StoppableWorkers
}

// Open looks up a pin by name (e.g. "GPIO26") in the host's registry and watches it.
func Open(name string, activeLow bool, onFault func(error), logger logging.Logger) (*Line, error) {
	if _, err := hostInit(); err != nil {
		return nil, errors.Wrap(err, "initializing gpio host drivers")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("no gpio pin named %q", name)
	}
	return Watch(pin, activeLow, onFault, logger)
}

// Watch configures `pin` as a pulled input with edge detection and calls onFault each time it
// reaches its active level, including when it is already active on start.
func Watch(pin gpio.PinIn, activeLow bool, onFault func(error), logger logging.Logger) (*Line, error) {
	active, pull, edge := gpio.High, gpio.PullDown, gpio.RisingEdge
	if activeLow {
		active, pull, edge = gpio.Low, gpio.PullUp, gpio.FallingEdge
	}
	if err := pin.In(pull, edge); err != nil {
		return nil, errors.Wrapf(err, "configuring alarm pin %s", pin)
	}

	l := &Line{pin: pin, active: active, onFault: onFault, logger: logger}
	l.workers = utils.NewStoppableWorkers(l.watch)
	return l, nil
}

func (l *Line) watch(ctx context.Context) {
	if l.pin.Read() == l.active {
		l.trip()
	}
	for ctx.Err() == nil {
		if l.pin.WaitForEdge(edgePollInterval) && l.pin.Read() == l.active {
			l.trip()
		}
	}
}

func (l *Line) trip() {
	l.logger.Warnw("alarm line tripped", "pin", l.pin.Name())
	l.onFault(errors.Errorf("alarm on %s", l.pin.Name()))
}

// Close stops watching.
func (l *Line) Close() {
	l.workers.Stop()
}
