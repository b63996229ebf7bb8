package actuator

import (
	"math"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestGeometry(t *testing.T) {
	g := DefaultGeometry()
	test.That(t, g.Validate("machine"), test.ShouldBeNil)
	test.That(t, g.Travel(), test.ShouldEqual, 150.0)
	test.That(t, g.SoftMin(), test.ShouldEqual, 0.0)
	test.That(t, g.SoftMax(), test.ShouldEqual, 150.0)
	test.That(t, g.HomePosition(), test.ShouldEqual, -5.0)

	clamped := g.ClampTarget(MotionTarget{Position: 170, Speed: 1e6, Acceleration: 1e9})
	test.That(t, clamped, test.ShouldResemble, MotionTarget{Position: 150, Speed: g.MaxSpeed, Acceleration: g.MaxAcceleration})
	test.That(t, g.ClampTarget(MotionTarget{Position: -3, Speed: 10, Acceleration: 10}).Position, test.ShouldEqual, 0.0)
}

func TestGeometryValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mutate  func(*Geometry)
		wantErr string
	}{
		{"no travel", func(g *Geometry) { g.PhysicalTravel = 0 }, "physical_travel_mm"},
		{"negative keepout", func(g *Geometry) { g.Keepout = -1 }, "keepout_mm cannot be negative"},
		{"keepout eats travel", func(g *Geometry) { g.Keepout = 80 }, "must exceed twice keepout_mm"},
		{"no speed", func(g *Geometry) { g.MaxSpeed = 0 }, "max_speed_mm_per_sec"},
		{"no acceleration", func(g *Geometry) { g.MaxAcceleration = 0 }, "max_acceleration_mm_per_sec2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := DefaultGeometry()
			tc.mutate(&g)
			err := g.Validate("machine")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.wantErr)
		})
	}
}

func TestMotionTargetIsValid(t *testing.T) {
	test.That(t, MotionTarget{Position: 10, Speed: 1, Acceleration: 1}.IsValid(), test.ShouldBeTrue)
	test.That(t, MotionTarget{Position: 10, Speed: 0, Acceleration: 1}.IsValid(), test.ShouldBeFalse)
	test.That(t, MotionTarget{Position: 10, Speed: 1, Acceleration: -1}.IsValid(), test.ShouldBeFalse)
	test.That(t, MotionTarget{Position: math.NaN(), Speed: 1, Acceleration: 1}.IsValid(), test.ShouldBeFalse)
	test.That(t, MotionTarget{Position: 1, Speed: math.Inf(1), Acceleration: 1}.IsValid(), test.ShouldBeFalse)
}

func TestMoveDuration(t *testing.T) {
	// Trapezoid: 1s cruising plus one ramp time.
	test.That(t, MoveDuration(100, 100, 1000), test.ShouldEqual, 1100*time.Millisecond)
	// Triangle: never reaches 100mm/s over 4mm.
	test.That(t, MoveDuration(-4, 100, 1000), test.ShouldAlmostEqual, 2*math.Sqrt(4.0/1000)*float64(time.Second), 1)
	test.That(t, MoveDuration(0, 100, 1000), test.ShouldEqual, time.Duration(0))
	test.That(t, MoveDuration(10, 0, 1000), test.ShouldEqual, time.Duration(0))
}
