// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String builds a string-valued log field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int builds an int-valued log field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Err builds an error-valued log field, tolerating nil errors.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	base  *log.Logger
	debug bool
}

// NewStdLogger wraps the provided stdlib logger. Debug output is suppressed
// unless enabled.
func NewStdLogger(base *log.Logger, debug bool) *StdLogger {
	if base == nil {
		base = log.Default()
	}
	return &StdLogger{base: base, debug: debug}
}

// Debug emits a debug-level line when debug logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.base.Printf("DEBUG %s%s", msg, formatFields(fields))
}

// Info emits an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.base.Printf("INFO %s%s", msg, formatFields(fields))
}

// Error emits an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.base.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
