// Package corelog wraps zap.Logger in the small, geth-style interface the
// coordination core's components take at construction: With/Info/Warn/Error
// plus a no-op implementation for tests that don't care about log output.
package corelog

import (
	"go.uber.org/zap"
)

// Logger is the logging surface every coordination component depends on.
// Kept narrow so component constructors can be satisfied by either a real
// zap-backed logger or NoOp in tests.
type Logger interface {
	With(fields ...zap.Field) Logger
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// zapLogger adapts *zap.Logger to Logger.
type zapLogger struct {
	l *zap.Logger
}

// New wraps an existing *zap.Logger.
func New(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

// NewProduction returns a JSON-structured production logger, or NoOp if
// construction fails (it practically never does).
func NewProduction() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return NoOp{}
	}
	return New(l)
}

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

// NoOp discards everything. Useful as the default Logger in tests and in
// components constructed without an explicit logger.
type NoOp struct{}

func (NoOp) With(...zap.Field) Logger        { return NoOp{} }
func (NoOp) Debug(string, ...zap.Field)      {}
func (NoOp) Info(string, ...zap.Field)       {}
func (NoOp) Warn(string, ...zap.Field)       {}
func (NoOp) Error(string, ...zap.Field)      {}
