package logging

import (
	"context"
)

// Logger is the leveled, structured logger handed to every component. The `w` variants take
// alternating key/value pairs. CDebugw also logs when ctx was marked with EnableDebugMode.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a logger named "<name>.<subname>" that shares this logger's appenders.
	Sublogger(subname string) Logger
	AddAppender(appender Appender)
	SetLevel(level Level)
	GetLevel() Level
	Name() string
	// Sync flushes every appender.
	Sync() error
}
