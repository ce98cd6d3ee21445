package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextLogger attaches trace context to log entries.
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a logger carrying the trace and span IDs of the span
// active in ctx, if any.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return cl.logger
	}
	return cl.logger.With(
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).With("error", err).Errorw(message, keysAndValues...)
}

func (cl *ContextLogger) LogWarn(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Warnw(message, keysAndValues...)
}

func (cl *ContextLogger) LogInfo(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Infow(message, keysAndValues...)
}

func (cl *ContextLogger) LogDebug(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).Debugw(message, keysAndValues...)
}
