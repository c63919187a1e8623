// Package log provides structured logging for bootrace using zap.
//
// Diagnostics (handler registration, symbol warnings, faults, script calls)
// go through here. The analyst-facing [IO] and trace lines are not log
// records; they are written verbatim to the session's output writer.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with bootrace-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger if Init was never called.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		cfg.Encoding = "console"
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// WithSession returns a logger tagged with a session id.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("session", id))}
}

// Access logs a classified memory access at debug level.
func (l *Logger) Access(kind string, addr uint32, size int, value uint64, pc uint32) {
	l.Debug("access",
		zap.String("kind", kind),
		Addr(addr),
		zap.Int("size", size),
		zap.String("value", Hex(value)),
		Ptr("pc", pc),
	)
}

// DeviceRegister logs installation of a device side-effect handler.
func (l *Logger) DeviceRegister(dir, name string, addr uint32) {
	l.Debug("device handler",
		zap.String("dir", dir),
		zap.String("dev", name),
		Addr(addr),
	)
}

// SymbolWarning logs a rejected symbol map line.
func (l *Logger) SymbolWarning(line int, text string, err error) {
	l.Warn("symbol map",
		zap.Int("line", line),
		zap.String("text", text),
		zap.Error(err),
	)
}

// Fault logs a core execution fault.
func (l *Logger) Fault(pc uint32, err error) {
	l.Warn("emulation fault", Ptr("pc", pc), zap.Error(err))
}

// Hex formats a value as a zero-padded 32-bit hex string for logging.
func Hex(v uint64) string {
	if v > 0xFFFFFFFF {
		return fmt.Sprintf("0x%x", v)
	}
	return fmt.Sprintf("0x%08x", v)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(uint64(addr)))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(uint64(ptr)))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
