// Package gwlog provides the gateway-wide structured logging front end used
// by every package in this module.
//
// The shape mirrors a package-level Logger interface with a global default
// (set once at process start, read lock-free thereafter), categorized by
// subsystem ("conn", "poll", "tls", "io") the way a multi-protocol gateway
// tags log lines by which state machine emitted them. The concrete backend
// is github.com/joeycumines/logiface fronting github.com/joeycumines/stumpy,
// the pairing the logging.go event shape maps onto most directly.
package gwlog

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Category identifies which subsystem emitted a log line.
type Category string

const (
	CategoryConn Category = "conn"
	CategoryPoll Category = "poll"
	CategoryTLS  Category = "tls"
	CategoryIO   Category = "io"
)

// Logger is the structured logging front end. It wraps a
// *logiface.Logger[*stumpy.Event] so call sites never import logiface or
// stumpy directly.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	SetDefault(New(nil))
}

// New constructs a Logger writing newline-delimited JSON via stumpy. A nil
// options slice yields sensible defaults (stderr-style os.Stdout writer,
// informational level).
func New(options []stumpy.Option) *Logger {
	opts := []logiface.Option[*stumpy.Event]{
		stumpy.L.WithStumpy(options...),
		stumpy.L.WithLevel(logiface.LevelInformational),
	}
	return &Logger{l: stumpy.L.New(opts...)}
}

// NoOp returns a Logger that discards everything, for tests and contexts
// where structured output would be noise.
func NoOp() *Logger {
	return &Logger{l: stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))}
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	if l == nil {
		l = NoOp()
	}
	defaultLogger.Store(l)
}

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// event returns a field-builder for the given category at the given level.
// The builder is nil-safe: chaining and Log() on a disabled/nil builder are
// no-ops, so callers never need to nil-check.
func (l *Logger) event(cat Category, level logiface.Level) *logiface.Builder[*stumpy.Event] {
	return l.l.Build(level).Str("cat", string(cat))
}

// Debug logs a debug-level line for the given category.
func (l *Logger) Debug(cat Category) *logiface.Builder[*stumpy.Event] {
	return l.event(cat, logiface.LevelDebug)
}

// Info logs an informational line for the given category.
func (l *Logger) Info(cat Category) *logiface.Builder[*stumpy.Event] {
	return l.event(cat, logiface.LevelInformational)
}

// Warn logs a warning line for the given category.
func (l *Logger) Warn(cat Category) *logiface.Builder[*stumpy.Event] {
	return l.event(cat, logiface.LevelWarning)
}

// Err logs an error line for the given category.
func (l *Logger) Err(cat Category) *logiface.Builder[*stumpy.Event] {
	return l.event(cat, logiface.LevelError)
}
