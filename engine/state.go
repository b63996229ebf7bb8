package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// State is the lifecycle state of the actuator.
type State int32

// The actuator is in exactly one of these states.
const (
	// Disabled is the power on state: motor de-energized, position unknown.
	Disabled State = iota
	// Ready means homed, energized and idle.
	Ready
	// Error is entered on a fault or a failed homing and left only through Disable.
	Error
	// Running means a pattern is driving the actuator.
	Running
	// Streaming means targets are taken from Stream.
	Streaming
)

var stateNames = map[State]string{
	Disabled:  "disabled",
	Ready:     "ready",
	Error:     "error",
	Running:   "running",
	Streaming: "streaming",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// IsMoving returns whether a task drives the actuator in this state.
func (s State) IsMoving() bool {
	return s == Running || s == Streaming
}

// MarshalJSON converts a state to its name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON converts a state name back to a State.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, stateName := range stateNames {
		if strings.EqualFold(name, stateName) {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown actuator state %q", name)
}

// ApplyMode controls when staged parameters reach the active pattern.
type ApplyMode int

const (
	// ApplyImmediate applies staged parameters only through ApplyNewSettingsNow, which the command
	// surface calls after every change.
	ApplyImmediate ApplyMode = iota
	// ApplyAtStrokeBoundary lets the motion task pick up staged parameters before every full
	// stroke.
	ApplyAtStrokeBoundary
)

func (m ApplyMode) String() string {
	switch m {
	case ApplyImmediate:
		return "immediate"
	case ApplyAtStrokeBoundary:
		return "stroke_boundary"
	default:
		return fmt.Sprintf("apply_mode(%d)", int(m))
	}
}

// ApplyModeFromString parses a configured apply mode. The empty string is ApplyImmediate.
func ApplyModeFromString(mode string) (ApplyMode, error) {
	switch strings.ToLower(mode) {
	case "", "immediate":
		return ApplyImmediate, nil
	case "stroke_boundary", "boundary":
		return ApplyAtStrokeBoundary, nil
	default:
		return ApplyImmediate, errors.Errorf("unknown apply mode %q", mode)
	}
}
