package logging

import (
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotated log file.
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Validate ensures a path is set and that sizes are not negative.
func (cfg *FileConfig) Validate(path string) error {
	if cfg.Path == "" {
		return errors.Errorf("%s: path is required", path)
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return errors.Errorf("%s: limits must not be negative", path)
	}
	return nil
}

// FileAppender writes console formatted lines to a file that is rotated once it grows past
// MaxSizeMB (100 when unset).
type FileAppender struct {
	ConsoleAppender
	file *lumberjack.Logger
}

// NewFileAppender opens the log file lazily on the first write.
func NewFileAppender(cfg FileConfig) *FileAppender {
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &FileAppender{ConsoleAppender: NewWriterAppender(file), file: file}
}

// Rotate starts a new file and keeps the current one as a backup.
func (fa *FileAppender) Rotate() error {
	return fa.file.Rotate()
}

// Close closes the current file. A later write reopens it.
func (fa *FileAppender) Close() error {
	return fa.file.Close()
}
