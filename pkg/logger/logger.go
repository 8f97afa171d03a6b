// Package logger provides structured logging for QAWave services. It wraps
// logrus with a small fluent API so services can attach fields without
// depending on the logging backend directly.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a named, field-carrying logger handed to each service.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger writing to the given output at the given level.
func New(component string, out io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	base.SetLevel(parseLevel(level))
	return &Logger{entry: base.WithField("component", component)}
}

// NewDefault creates a logger for the component using LOG_LEVEL from the
// environment (info when unset), writing to stderr.
func NewDefault(component string) *Logger {
	return New(component, os.Stderr, os.Getenv("LOG_LEVEL"))
}

// Discard returns a logger that drops all output. Used by tests.
func Discard() *Logger {
	return New("test", io.Discard, "panic")
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError returns a logger with the error attached under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.entry.Debug(msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.entry.Info(msg) }

// Warn logs at warning level.
func (l *Logger) Warn(msg string) { l.entry.Warn(msg) }

// Error logs at error level.
func (l *Logger) Error(msg string) { l.entry.Error(msg) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warnf logs a formatted message at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
