// Package config defines the stroker's configuration file and how it is read and validated.
package config

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.strokeengine.dev/stroker/components/actuator"
	"go.strokeengine.dev/stroker/engine"
	"go.strokeengine.dev/stroker/logging"
)

// DefaultListenAddress is used by a network section without a listen address.
const DefaultListenAddress = ":8080"

// Config describes a stroker: the machine, the motion defaults, the driver and the transports.
type Config struct {
	Machine actuator.Geometry `json:"machine"`
	Motion  Motion            `json:"motion"`
	Driver  actuator.Config   `json:"driver"`

	// FaultPin names a GPIO whose edge signals a hardware fault. Active low unless
	// FaultActiveHigh is set.
	FaultPin        string `json:"fault_pin,omitempty"`
	FaultActiveHigh bool   `json:"fault_active_high,omitempty"`

	Network *Network `json:"network,omitempty"`
	Serial  *Serial  `json:"serial,omitempty"`

	Debug     bool                          `json:"debug,omitempty"`
	LogConfig []logging.LoggerPatternConfig `json:"log,omitempty"`
	LogFile   *logging.FileConfig           `json:"log_file,omitempty"`

	ConfigFilePath string `json:"-"`
}

// Motion holds the engine's initial parameters and motion limits.
type Motion struct {
	DepthMM       float64 `json:"depth_mm,omitempty"`
	StrokeMM      float64 `json:"stroke_mm,omitempty"`
	RatePerMin    float64 `json:"rate_per_min,omitempty"`
	Sensation     float64 `json:"sensation,omitempty"`
	Pattern       int     `json:"pattern,omitempty"`
	ApplyMode     string  `json:"apply_mode,omitempty"`
	MaxRatePerMin float64 `json:"max_rate_per_min,omitempty"`

	HomingSpeed        float64 `json:"homing_speed_mm_per_sec,omitempty"`
	HomingAcceleration float64 `json:"homing_acceleration_mm_per_sec2,omitempty"`
	HomingTimeout      string  `json:"homing_timeout,omitempty"`
	SafeSpeed          float64 `json:"safe_speed_mm_per_sec,omitempty"`
	SafeAcceleration   float64 `json:"safe_acceleration_mm_per_sec2,omitempty"`
	StreamQueueSize    int     `json:"stream_queue_size,omitempty"`
}

// Network configures the websocket transport.
type Network struct {
	Listen string `json:"listen,omitempty"`
}

// Serial configures the serial line transport.
type Serial struct {
	Port string `json:"port"`
	Baud int    `json:"baud,omitempty"`
}

// Validate ensures all parts of the motion section are valid.
func (m *Motion) Validate(path string) error {
	if _, err := engine.ApplyModeFromString(m.ApplyMode); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if _, err := m.homingTimeout(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if m.Pattern < 0 {
		return goutils.NewConfigValidationError(path, errors.New("pattern cannot be negative"))
	}
	for name, v := range map[string]float64{
		"rate_per_min":                    m.RatePerMin,
		"max_rate_per_min":                m.MaxRatePerMin,
		"homing_speed_mm_per_sec":         m.HomingSpeed,
		"homing_acceleration_mm_per_sec2": m.HomingAcceleration,
		"safe_speed_mm_per_sec":           m.SafeSpeed,
		"safe_acceleration_mm_per_sec2":   m.SafeAcceleration,
	} {
		if v < 0 {
			return goutils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", name))
		}
	}
	return nil
}

func (m *Motion) homingTimeout() (time.Duration, error) {
	if m.HomingTimeout == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(m.HomingTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "homing_timeout")
	}
	if timeout <= 0 {
		return 0, errors.New("homing_timeout must be positive")
	}
	return timeout, nil
}

// Validate ensures all parts of the config are valid. It converts the driver attributes, so it
// must run before the driver is built.
func (c *Config) Validate() error {
	if err := c.Machine.Validate("machine"); err != nil {
		return err
	}
	if err := c.Motion.Validate("motion"); err != nil {
		return err
	}
	if err := c.Driver.Validate("driver"); err != nil {
		return err
	}
	if c.Serial != nil && c.Serial.Port == "" {
		return goutils.NewConfigValidationFieldRequiredError("serial", "port")
	}
	if err := logging.ValidatePatternConfig(c.LogConfig); err != nil {
		return goutils.NewConfigValidationError("log", err)
	}
	if c.LogFile != nil {
		if err := c.LogFile.Validate("log_file"); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in what the file left out.
func (c *Config) applyDefaults() {
	defaults := actuator.DefaultGeometry()
	if c.Machine == (actuator.Geometry{}) {
		c.Machine = defaults
	}
	if c.Machine.MaxSpeed == 0 {
		c.Machine.MaxSpeed = defaults.MaxSpeed
	}
	if c.Machine.MaxAcceleration == 0 {
		c.Machine.MaxAcceleration = defaults.MaxAcceleration
	}
	if c.Network != nil && c.Network.Listen == "" {
		c.Network.Listen = DefaultListenAddress
	}
}

// EngineOptions converts the machine and motion sections into engine options. Parameters left
// out fall back to the engine's defaults.
func (c *Config) EngineOptions() (engine.Options, error) {
	mode, err := engine.ApplyModeFromString(c.Motion.ApplyMode)
	if err != nil {
		return engine.Options{}, err
	}
	timeout, err := c.Motion.homingTimeout()
	if err != nil {
		return engine.Options{}, err
	}

	initial := engine.DefaultParameters(c.Machine)
	if c.Motion.DepthMM != 0 {
		initial.Depth = c.Motion.DepthMM
	}
	if c.Motion.StrokeMM != 0 {
		initial.Stroke = c.Motion.StrokeMM
	}
	if c.Motion.RatePerMin != 0 {
		initial.Rate = c.Motion.RatePerMin
	}
	initial.Sensation = c.Motion.Sensation

	return engine.Options{
		Geometry:           c.Machine,
		Initial:            initial,
		Pattern:            c.Motion.Pattern,
		ApplyMode:          mode,
		MaxRate:            c.Motion.MaxRatePerMin,
		HomingSpeed:        c.Motion.HomingSpeed,
		HomingAcceleration: c.Motion.HomingAcceleration,
		HomingTimeout:      timeout,
		SafeSpeed:          c.Motion.SafeSpeed,
		SafeAcceleration:   c.Motion.SafeAcceleration,
		StreamQueueSize:    c.Motion.StreamQueueSize,
	}, nil
}
