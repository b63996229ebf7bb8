// Package pattern contains the stroke patterns. A pattern turns the live parameters and a half
// stroke index into the next motion target; even indices move toward depth, odd indices away
// from it.
package pattern

import (
	"fmt"

	"github.com/pkg/errors"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/utils"
)

// ErrInvalidParameters is returned by Configure for parameters no stroke can be derived from.
var ErrInvalidParameters = errors.New("invalid pattern parameters")

// Parameters are the live values a pattern is configured with.
type Parameters struct {
	// Depth is the far stroke endpoint in mm from the retracted soft limit.
	Depth float64 `json:"depth"`
	// Stroke is the distance between the two endpoints in mm.
	Stroke float64 `json:"stroke"`
	// Rate is in full strokes per minute.
	Rate float64 `json:"rate"`
	// Sensation skews the time split between the two halves, in [-100, 100].
	Sensation float64 `json:"sensation"`
}

// TimeOfStroke is the duration of one full stroke in seconds.
func (p Parameters) TimeOfStroke() float64 {
	return 60 / p.Rate
}

func (p Parameters) String() string {
	return fmt.Sprintf("{depth: %.2fmm, stroke: %.2fmm, rate: %.2f/min, sensation: %.1f}",
		p.Depth, p.Stroke, p.Rate, p.Sensation)
}

// Validate returns an error wrapping ErrInvalidParameters if a pattern cannot be configured with p.
func (p Parameters) Validate() error {
	for _, v := range []float64{p.Depth, p.Stroke, p.Rate, p.Sensation} {
		if !utils.IsFinite(v) {
			return errors.Wrapf(ErrInvalidParameters, "non finite value in %v", p)
		}
	}
	if t := p.TimeOfStroke(); t <= 0 || !utils.IsFinite(t) {
		return errors.Wrapf(ErrInvalidParameters, "rate %v gives no usable stroke time", p.Rate)
	}
	if p.Stroke <= 0 {
		return errors.Wrapf(ErrInvalidParameters, "stroke %v must be positive", p.Stroke)
	}
	return nil
}

// A Pattern generates motion targets. Configure is a pure update that leaves the previous
// configuration in place when it fails; Next has no side effects, so asking twice for the same
// index gives the same target. Patterns are not safe for concurrent use.
type Pattern interface {
	Name() string
	Configure(params Parameters) error
	Next(index int) actuator.MotionTarget
}

// halfStroke derives the trapezoid for covering `distance` in `duration` seconds. The cruise
// speed is 1.5 times the average speed, which leaves a third of the time for each ramp.
func halfStroke(distance, duration float64) (speed, accel float64) {
	speed = 1.5 * distance / duration
	accel = 3 * speed / duration
	return speed, accel
}

func isInStroke(index int) bool {
	return index%2 == 0
}
