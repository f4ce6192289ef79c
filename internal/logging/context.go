package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}

type sessionFields struct {
	id      string
	project string
}

// WithSession attaches a session id and project to ctx for log correlation.
func WithSession(ctx context.Context, sessionID, project string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionFields{id: sessionID, project: project})
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if s, ok := ctx.Value(sessionCtxKey{}).(sessionFields); ok {
		if s.id != "" {
			fields = append(fields, zap.String("session.id", s.id))
		}
		if s.project != "" {
			fields = append(fields, zap.String("project", s.project))
		}
	}

	return fields
}

// For returns l enriched with the correlation fields of ctx.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
