package logging

import (
	"regexp"
	"sync"

	"github.com/pkg/errors"
)

// Registry tracks named loggers so configured level patterns can be applied to them, including
// loggers created after the configuration was set.
type Registry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

var globalRegistry = newRegistry()

func newRegistry() *Registry {
	return &Registry{
		loggers: make(map[string]Logger),
	}
}

func (lr *Registry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

// levelFor returns the level of the last pattern matching `name`. Callers hold `lr.mu`.
func (lr *Registry) levelFor(name string) (Level, bool, error) {
	level, matched := INFO, false
	for _, lpc := range lr.logConfig {
		r, err := regexp.Compile(buildRegexFromPattern(lpc.Pattern))
		if err != nil {
			return INFO, false, err
		}
		if !r.MatchString(name) {
			continue
		}
		parsed, err := LevelFromString(lpc.Level)
		if err != nil {
			return INFO, false, err
		}
		level, matched = parsed, true
	}
	return level, matched, nil
}

// UpdateConfig replaces the level patterns and re-levels every registered logger. Loggers matched
// by no pattern go back to INFO. Invalid patterns are skipped with a warning.
func (lr *Registry) UpdateConfig(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	valid := make([]LoggerPatternConfig, 0, len(logConfig))
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			errorLogger.Warnw("failed to validate a pattern", "pattern", lpc.Pattern)
			continue
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return errors.Wrapf(err, "pattern %q", lpc.Pattern)
		}
		valid = append(valid, lpc)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = valid
	for name, logger := range lr.loggers {
		level, _, err := lr.levelFor(name)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	return nil
}

// getOrRegister returns the logger already registered under `name`, or registers `logger` and
// levels it according to the current patterns. Concurrent callers all get the winner's logger.
func (lr *Registry) getOrRegister(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if existingLogger, ok := lr.loggers[name]; ok {
		return existingLogger
	}

	lr.loggers[name] = logger
	if level, matched, err := lr.levelFor(name); err == nil && matched {
		logger.SetLevel(level)
	}
	return logger
}

// RegisteredLoggerNames returns the names of all loggers in the registry.
func (lr *Registry) RegisteredLoggerNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	names := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		names = append(names, name)
	}
	return names
}

// UpdateLoggerLevels applies `logConfig` to the loggers created with `NewLogger` and their
// subloggers.
func UpdateLoggerLevels(logConfig []LoggerPatternConfig, errorLogger Logger) error {
	return globalRegistry.UpdateConfig(logConfig, errorLogger)
}

// ValidatePatternConfig returns an error for the first malformed pattern or level.
func ValidatePatternConfig(logConfig []LoggerPatternConfig) error {
	for _, lpc := range logConfig {
		if !validatePattern(lpc.Pattern) {
			return errors.Errorf("invalid logger pattern %q", lpc.Pattern)
		}
		if _, err := LevelFromString(lpc.Level); err != nil {
			return err
		}
	}
	return nil
}
