package pattern

import "go.strokeengine.dev/stroker/components/actuator"

// SimpleStrokeName is the catalog name of SimpleStroke.
const SimpleStrokeName = "Simple Stroke"

// SimpleStroke moves between depth and depth-stroke with the same trapezoid both ways.
type SimpleStroke struct {
	depth  float64
	stroke float64
	speed  float64
	accel  float64
}

// NewSimpleStroke returns an unconfigured SimpleStroke.
func NewSimpleStroke() *SimpleStroke {
	return &SimpleStroke{}
}

// Name returns the pattern's catalog name.
func (s *SimpleStroke) Name() string {
	return SimpleStrokeName
}

// Configure derives speed and acceleration from the stroke time.
func (s *SimpleStroke) Configure(params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.depth = params.Depth
	s.stroke = params.Stroke
	s.speed, s.accel = halfStroke(params.Stroke, params.TimeOfStroke()/2)
	return nil
}

// Next returns depth for even indices and depth-stroke for odd ones.
func (s *SimpleStroke) Next(index int) actuator.MotionTarget {
	position := s.depth - s.stroke
	if isInStroke(index) {
		position = s.depth
	}
	return actuator.MotionTarget{Position: position, Speed: s.speed, Acceleration: s.accel}
}
