package utils

import (
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// AttributeMap is a loosely typed set of configuration attributes, as decoded from a config file.
type AttributeMap map[string]interface{}

// Has returns whether the given name is in the attributes.
func (am AttributeMap) Has(name string) bool {
	_, has := am[name]
	return has
}

// String returns the attribute as a string, or "" when absent or not a string.
func (am AttributeMap) String(name string) string {
	if s, ok := am[name].(string); ok {
		return s
	}
	return ""
}

// TransformAttributeMap decodes an attribute map into a typed config, matching keys against the
// `json` struct tags. Strings such as "250ms" decode into time.Duration fields. Keys the target
// type does not know are reported as an error.
func TransformAttributeMap[T any](attributes AttributeMap) (T, error) {
	var out T

	var forResult interface{}

	toT := reflect.TypeOf(out)
	if toT != nil && toT.Kind() == reflect.Ptr {
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(T)
		if !ok {
			return out, errors.Errorf("failed to allocate default config type %T", out)
		}
		forResult = out
	} else {
		forResult = &out
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           forResult,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return out, err
	}
	if len(md.Unused) != 0 {
		sort.Strings(md.Unused)
		return out, NewUnknownAttributesError("attributes", md.Unused)
	}
	return out, nil
}
