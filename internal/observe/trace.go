package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/MrWong99/anamnese"

// Tracer returns the application tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(scope) }

// StartSpan starts a span on [Tracer]. End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan ends span, marking it failed when *errp holds an error:
//
//	ctx, span := observe.StartSpan(ctx, "ingest.chunk")
//	defer observe.EndSpan(span, &err)
func EndSpan(span trace.Span, errp *error) {
	if errp != nil {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// ConversationAttrs are the span attributes identifying one conversation.
func ConversationAttrs(userID, conversationID string) trace.SpanStartEventOption {
	return trace.WithAttributes(
		attribute.String("anamnese.user_id", userID),
		attribute.String("anamnese.conversation_id", conversationID),
	)
}

// CorrelationID is the hex trace id of the span in ctx, or "" without one.
// HTTP responses carry it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default with trace_id and span_id attached when ctx
// holds a span. Log through its *Context methods so that context-aware
// handlers such as the alert collector see ctx too.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
