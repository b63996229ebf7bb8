// Package register registers all actuator driver models.
package register

import (
	// register drivers.
	_ "go.strokeengine.dev/stroker/components/actuator/fake"
	_ "go.strokeengine.dev/stroker/components/actuator/gpiostepper"
	_ "go.strokeengine.dev/stroker/components/actuator/tic"
)
