package actuator

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.strokeengine.dev/stroker/logging"
	"go.strokeengine.dev/stroker/utils"
)

// ConfigValidator is implemented by every model's typed attribute struct.
type ConfigValidator interface {
	Validate(path string) error
}

// Config selects a driver model and carries its attributes.
type Config struct {
	Model      string             `json:"model"`
	Attributes utils.AttributeMap `json:"attributes,omitempty"`

	// ConvertedAttributes is set by Validate from Attributes.
	ConvertedAttributes ConfigValidator `json:"-"`
}

// Constructor builds a driver from a validated config.
type Constructor func(ctx context.Context, conf Config, geometry Geometry, logger logging.Logger) (Driver, error)

// Registration describes how to build one driver model.
type Registration struct {
	Constructor           Constructor
	AttributeMapConverter func(attributes utils.AttributeMap) (ConfigValidator, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// RegisterModel registers a driver model. It panics on duplicates, so call it from init.
func RegisterModel(model string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[model]; ok {
		panic(errors.Errorf("trying to register two actuator models with the same name %q", model))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register actuator model %q with a nil constructor", model))
	}
	registry[model] = reg
}

// LookupModel returns the registration for a driver model.
func LookupModel(model string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[model]
	return reg, ok
}

// RegisteredModels returns the sorted names of all registered driver models.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := make([]string, 0, len(registry))
	for model := range registry {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// ConvertAttributes is an AttributeMapConverter for models whose typed config is T.
func ConvertAttributes[T ConfigValidator](attributes utils.AttributeMap) (ConfigValidator, error) {
	conf, err := utils.TransformAttributeMap[T](attributes)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// NativeConfig returns the converted attributes of `conf` as the model's typed config.
func NativeConfig[T ConfigValidator](conf Config) (T, error) {
	native, ok := conf.ConvertedAttributes.(T)
	if !ok {
		var zero T
		return zero, utils.NewUnexpectedTypeError(zero, conf.ConvertedAttributes)
	}
	return native, nil
}

// Validate checks the model is registered, then converts and validates its attributes.
func (conf *Config) Validate(path string) error {
	if conf.Model == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "model")
	}
	reg, ok := LookupModel(conf.Model)
	if !ok {
		return goutils.NewConfigValidationError(path, NewUnknownModelError(conf.Model))
	}
	if reg.AttributeMapConverter == nil {
		return nil
	}
	converted, err := reg.AttributeMapConverter(conf.Attributes)
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if err := converted.Validate(path + ".attributes"); err != nil {
		return err
	}
	conf.ConvertedAttributes = converted
	return nil
}

// NewDriver validates `conf` if needed and builds the driver it describes.
func NewDriver(ctx context.Context, conf Config, geometry Geometry, logger logging.Logger) (Driver, error) {
	if conf.ConvertedAttributes == nil {
		if err := conf.Validate("driver"); err != nil {
			return nil, err
		}
	}
	reg, ok := LookupModel(conf.Model)
	if !ok {
		return nil, NewUnknownModelError(conf.Model)
	}
	return reg.Constructor(ctx, conf, geometry, logger.Sublogger(conf.Model))
}
