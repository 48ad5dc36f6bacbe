// Package logging provides the structured logger used across the master.
//
// Packages log through the small Logger interface so tests can inject
// recording or no-op implementations; the production implementation wraps
// zap's sugared logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface every component accepts.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Bind returns a logger with the given key-value pairs attached to
	// every subsequent entry.
	Bind(keysAndValues ...any) Logger
}

// zapLogger adapts a zap sugared logger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error").
func New(level string) (Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return &zapLogger{s: z.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

func (l *zapLogger) Bind(keysAndValues ...any) Logger {
	return &zapLogger{s: l.s.With(keysAndValues...)}
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (n nopLogger) Bind(...any) Logger { return n }

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }
