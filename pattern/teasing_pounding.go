package pattern

import (
	"math"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/utils"
)

const (
	// TeasingPoundingName is the catalog name of TeasingPounding.
	TeasingPoundingName = "Teasing or Pounding"

	// sensationCurve bends the sensation to speed ratio mapping so small sensations are felt.
	sensationCurve = 3.0
	// maxSpeedRatio is how much faster the fast half is at |sensation| == 100.
	maxSpeedRatio = 5.0
)

// TeasingPounding splits each stroke into a fast half and a slow half. A positive sensation makes
// the in stroke fast (pounding), a negative one makes the out stroke fast (teasing). Both halves
// always add up to the stroke time.
type TeasingPounding struct {
	depth  float64
	stroke float64

	timeOfInStroke  float64
	timeOfOutStroke float64
	inSpeed         float64
	inAccel         float64
	outSpeed        float64
	outAccel        float64
}

// NewTeasingPounding returns an unconfigured TeasingPounding.
func NewTeasingPounding() *TeasingPounding {
	return &TeasingPounding{}
}

// Name returns the pattern's catalog name.
func (tp *TeasingPounding) Name() string {
	return TeasingPoundingName
}

// Configure splits the stroke time according to the sensation.
func (tp *TeasingPounding) Configure(params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	timeOfStroke := params.TimeOfStroke()
	ratio := utils.FScale(0, 100, 1, maxSpeedRatio, math.Abs(params.Sensation), sensationCurve)
	fast := timeOfStroke / 2 / ratio

	tp.depth = params.Depth
	tp.stroke = params.Stroke
	if params.Sensation > 0 {
		tp.timeOfInStroke = fast
		tp.timeOfOutStroke = timeOfStroke - fast
	} else {
		tp.timeOfOutStroke = fast
		tp.timeOfInStroke = timeOfStroke - fast
	}
	tp.inSpeed, tp.inAccel = halfStroke(params.Stroke, tp.timeOfInStroke)
	tp.outSpeed, tp.outAccel = halfStroke(params.Stroke, tp.timeOfOutStroke)
	return nil
}

// StrokeTimes returns the configured durations of the in and out halves in seconds.
func (tp *TeasingPounding) StrokeTimes() (in, out float64) {
	return tp.timeOfInStroke, tp.timeOfOutStroke
}

// Next returns the in stroke to depth for even indices and the out stroke for odd ones.
func (tp *TeasingPounding) Next(index int) actuator.MotionTarget {
	if isInStroke(index) {
		return actuator.MotionTarget{Position: tp.depth, Speed: tp.inSpeed, Acceleration: tp.inAccel}
	}
	return actuator.MotionTarget{Position: tp.depth - tp.stroke, Speed: tp.outSpeed, Acceleration: tp.outAccel}
}
