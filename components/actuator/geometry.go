package actuator

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.strokeengine.dev/stroker/utils"
)

// Defaults for a 160mm rail driven by a 3200 step/rev servo through a 20 tooth GT2 pulley.
const (
	DefaultPhysicalTravel  = 160.0
	DefaultKeepout         = 5.0
	DefaultMaxSpeed        = 2900.0 / 60 * 40 // 2900rpm at 40mm/rev
	DefaultMaxAcceleration = 100000.0
)

// Geometry is the machine's static shape and mechanical limits.
type Geometry struct {
	PhysicalTravel  float64 `json:"physical_travel_mm"`
	Keepout         float64 `json:"keepout_mm"`
	MaxSpeed        float64 `json:"max_speed_mm_per_sec"`
	MaxAcceleration float64 `json:"max_acceleration_mm_per_sec2"`
}

// DefaultGeometry returns the geometry of the reference machine.
func DefaultGeometry() Geometry {
	return Geometry{
		PhysicalTravel:  DefaultPhysicalTravel,
		Keepout:         DefaultKeepout,
		MaxSpeed:        DefaultMaxSpeed,
		MaxAcceleration: DefaultMaxAcceleration,
	}
}

// Validate ensures all parts of the geometry are valid.
func (g Geometry) Validate(path string) error {
	switch {
	case g.PhysicalTravel <= 0:
		return goutils.NewConfigValidationFieldRequiredError(path, "physical_travel_mm")
	case g.Keepout < 0:
		return goutils.NewConfigValidationError(path, errors.New("keepout_mm cannot be negative"))
	case g.Travel() <= 0:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("physical_travel_mm (%v) must exceed twice keepout_mm (%v)", g.PhysicalTravel, g.Keepout))
	case g.MaxSpeed <= 0:
		return goutils.NewConfigValidationFieldRequiredError(path, "max_speed_mm_per_sec")
	case g.MaxAcceleration <= 0:
		return goutils.NewConfigValidationFieldRequiredError(path, "max_acceleration_mm_per_sec2")
	}
	return nil
}

// Travel is the usable stroke between the two keepout zones.
func (g Geometry) Travel() float64 {
	return g.PhysicalTravel - 2*g.Keepout
}

// SoftMin is the retracted soft limit.
func (g Geometry) SoftMin() float64 {
	return 0
}

// SoftMax is the extended soft limit.
func (g Geometry) SoftMax() float64 {
	return g.Travel()
}

// HomePosition is where the reference switch sits, one keepout behind SoftMin.
func (g Geometry) HomePosition() float64 {
	return -g.Keepout
}

// ClampTarget bounds the position to the soft limits and the speed and acceleration to the
// machine maxima.
func (g Geometry) ClampTarget(t MotionTarget) MotionTarget {
	return MotionTarget{
		Position:     utils.Clamp(t.Position, g.SoftMin(), g.SoftMax()),
		Speed:        utils.Clamp(t.Speed, 0, g.MaxSpeed),
		Acceleration: utils.Clamp(t.Acceleration, 0, g.MaxAcceleration),
	}
}
