// Package telemetry is a thin logging wrapper with a consistent
// "[component] message: detail" line format and a debug gate.
package telemetry

import (
	"log"
)

// Logger prefixes every line with a component tag and gates Debugf
// behind a debug flag.
type Logger struct {
	component string
	debug     bool
}

// New creates a Logger for component.
func New(component string, debug bool) *Logger {
	return &Logger{component: component, debug: debug}
}

// WithDebug returns a copy of l with debug mode set to v.
func (l *Logger) WithDebug(v bool) *Logger {
	return &Logger{component: l.component, debug: v}
}

// Errorf logs an error-level line, always.
func (l *Logger) Errorf(format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{l.component}, args...)...)
}

// Warnf logs a warn-level line, always.
func (l *Logger) Warnf(format string, args ...any) {
	log.Printf("[%s] warn: "+format, append([]any{l.component}, args...)...)
}

// Debugf logs a verbose per-transition trace line, only when debug mode
// is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}
	log.Printf("[%s] debug: "+format, append([]any{l.component}, args...)...)
}
