package utils

import (
	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// NewUnknownAttributesError is used when a config carries keys its model does not understand.
func NewUnknownAttributesError(path string, keys []string) error {
	return errors.Errorf("%s: unknown attributes %q", path, keys)
}
