package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sakihiromi/well-scenario"

// Span attribute keys of domain operations.
const (
	AttrFile    = attribute.Key("scenario.file")
	AttrProfile = attribute.Key("scenario.profile")
	AttrMetric  = attribute.Key("scenario.metric")
	AttrCount   = attribute.Key("scenario.utterances")
)

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the service tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartOperation starts an internal span for one domain operation, such as
// a generation or an annotation save. The returned end function marks the
// span failed when err is non-nil and ends it; call it exactly once.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(err error)) {
	ctx, span := StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, span, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
// Responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type logAttrsKey struct{}

// WithLogAttrs returns a context whose [Logger] adds attrs to every record.
// Attributes accumulate across calls.
func WithLogAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, logAttrsKey{}, merged)
}

// Logger is [LoggerFrom] on [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, slog.Default())
}

// LoggerFrom returns base enriched with the trace and span IDs of ctx and
// any attributes added by [WithLogAttrs]. Without either, it is base itself.
func LoggerFrom(ctx context.Context, base *slog.Logger) *slog.Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	attrs, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	for _, a := range attrs {
		args = append(args, a)
	}
	if len(args) == 0 {
		return base
	}
	return base.With(args...)
}
