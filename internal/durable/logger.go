package durable

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger adapts zap to the Temporal logger interface.
type zapLogger struct {
	l *zap.Logger
}

// NewLogger wraps l for the Temporal SDK.
func NewLogger(l *zap.Logger) log.Logger {
	return &zapLogger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z *zapLogger) Debug(msg string, keyvals ...interface{}) { z.l.Debug(msg, fields(keyvals)...) }
func (z *zapLogger) Info(msg string, keyvals ...interface{})  { z.l.Info(msg, fields(keyvals)...) }
func (z *zapLogger) Warn(msg string, keyvals ...interface{})  { z.l.Warn(msg, fields(keyvals)...) }
func (z *zapLogger) Error(msg string, keyvals ...interface{}) { z.l.Error(msg, fields(keyvals)...) }

// With implements log.WithLogger.
func (z *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{l: z.l.With(fields(keyvals)...)}
}

func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 == len(keyvals) {
			out = append(out, zap.Any(key, nil))
			break
		}
		out = append(out, zap.Any(key, keyvals[i+1]))
	}
	return out
}
