package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	goutils "go.viam.com/utils"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/pattern"
)

// Defaults used for zero valued Options fields.
const (
	DefaultMaxRate         = 240.0
	MinRate                = 0.5
	DefaultRate            = 60.0
	DefaultHomingSpeed     = 5.0
	DefaultHomingTimeout   = 45 * time.Second
	DefaultSafeSpeed       = 10.0
	DefaultStreamQueueSize = 16
	// defaultStrokeFraction of the travel is the initial stroke.
	defaultStrokeFraction = 0.4
)

// Options configure an Engine.
type Options struct {
	Geometry actuator.Geometry
	// Initial parameters. A zero Rate selects DefaultParameters.
	Initial Parameters
	// Pattern is the initial catalog index.
	Pattern   int
	ApplyMode ApplyMode
	// MaxRate caps the stroke rate in strokes per minute.
	MaxRate float64

	HomingSpeed        float64
	HomingAcceleration float64
	HomingTimeout      time.Duration
	// SafeSpeed and SafeAcceleration are used for retract, extend and the move after homing.
	SafeSpeed        float64
	SafeAcceleration float64

	StreamQueueSize int
	// Clock times homing. Nil means the wall clock.
	Clock clock.Clock
}

// Parameters are the live stroke parameters.
type Parameters = pattern.Parameters

// DefaultParameters returns a slow stroke over the outer part of the travel.
func DefaultParameters(geometry actuator.Geometry) Parameters {
	return Parameters{
		Depth:  geometry.SoftMax(),
		Stroke: geometry.Travel() * defaultStrokeFraction,
		Rate:   DefaultRate,
	}
}

// Validate ensures all parts of the options are valid.
func (opts *Options) Validate(path string) error {
	if err := opts.Geometry.Validate(path + ".geometry"); err != nil {
		return err
	}
	if opts.MaxRate < 0 || (opts.MaxRate > 0 && opts.MaxRate < MinRate) {
		return goutils.NewConfigValidationFieldRequiredError(path, "max_rate_per_min")
	}
	if opts.HomingTimeout < 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "homing_timeout")
	}
	return nil
}

func (opts Options) withDefaults() Options {
	if opts.Initial.Rate == 0 {
		opts.Initial = DefaultParameters(opts.Geometry)
	}
	if opts.MaxRate == 0 {
		opts.MaxRate = DefaultMaxRate
	}
	if opts.HomingSpeed <= 0 {
		opts.HomingSpeed = DefaultHomingSpeed
	}
	if opts.HomingAcceleration <= 0 {
		opts.HomingAcceleration = opts.Geometry.MaxAcceleration / 10
	}
	if opts.HomingTimeout == 0 {
		opts.HomingTimeout = DefaultHomingTimeout
	}
	if opts.SafeSpeed <= 0 {
		opts.SafeSpeed = DefaultSafeSpeed
	}
	if opts.SafeAcceleration <= 0 {
		opts.SafeAcceleration = opts.Geometry.MaxAcceleration / 10
	}
	if opts.StreamQueueSize <= 0 {
		opts.StreamQueueSize = DefaultStreamQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}
