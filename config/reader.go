package config

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"go.strokeengine.dev/stroker/logging"
)

// Read reads a config from the given file.
func Read(ctx context.Context, filePath string, logger logging.Logger) (*Config, error) {
	//nolint:gosec
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", filePath)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Debugw("failed to close config file", "error", err)
		}
	}()
	return FromReader(ctx, filePath, file, logger)
}

// FromReader reads a JSON5 config from the given reader and specifies where, if applicable, the
// file the reader originated from. The result has defaults applied and is validated.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	cfg := Config{ConfigFilePath: originalPath}
	if err := json5.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json5")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "config read", "path", originalPath, "driver", cfg.Driver.Model)
	return &cfg, nil
}
