package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextLogger wraps a zap logger and adds trace context to log entries
type ContextLogger struct {
	*zap.Logger
}

// NewContextLogger creates a new ContextLogger that wraps the given logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{Logger: logger}
}

// WithTraceContext returns a logger carrying trace_id and span_id when ctx
// holds a recording span.
func (l *ContextLogger) WithTraceContext(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l.Logger
	}

	spanContext := span.SpanContext()
	return l.Logger.With(
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
	)
}
