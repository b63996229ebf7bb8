package actuator

import (
	"math"
	"time"
)

// MoveDuration returns how long a symmetric trapezoidal profile takes to cover `distance` when
// cruising at `speed` and ramping at `accel`. Short moves never reach cruise speed and follow a
// triangular profile instead.
func MoveDuration(distance, speed, accel float64) time.Duration {
	distance = math.Abs(distance)
	if distance == 0 || speed <= 0 || accel <= 0 {
		return 0
	}

	var seconds float64
	if rampDistance := speed * speed / accel; distance < rampDistance {
		seconds = 2 * math.Sqrt(distance/accel)
	} else {
		seconds = distance/speed + speed/accel
	}
	return time.Duration(seconds * float64(time.Second))
}
