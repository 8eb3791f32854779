package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithAccessLogger sets the logger for completed requests. Default: slog.Default().
func WithAccessLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) {
		if l != nil {
			mw.log = l
		}
	}
}

// WithQuietRoutes logs successful requests to the given route patterns at
// debug level. Probes and scrapes would otherwise drown the access log.
func WithQuietRoutes(routes ...string) MiddlewareOption {
	return func(mw *middleware) {
		for _, r := range routes {
			mw.quiet[r] = true
		}
	}
}

type middleware struct {
	m     *Metrics
	log   *slog.Logger
	quiet map[string]bool
	prop  propagation.TextMapPropagator
}

// Middleware wraps a handler with tracing, metrics and an access log.
//
// Incoming W3C trace context is continued, the trace ID is returned as
// X-Correlation-ID, and every request is recorded under its ServeMux route
// pattern so that scenario file names never become label values. Requests
// ending in 5xx are logged at error level and 4xx at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{
		m:     m,
		log:   slog.Default(),
		quiet: make(map[string]bool),
		prop:  propagation.TraceContext{},
	}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeOf(r, rec.statusCode)
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
		)
		mw.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
		mw.m.HTTPRequests.Add(ctx, 1, attrs,
			metric.WithAttributes(attribute.String("status", statusClass(rec.statusCode))),
		)

		span.SetName("HTTP " + r.Method + " " + route)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

		mw.log.LogAttrs(ctx, mw.level(route, rec.statusCode), "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", rec.statusCode),
			slog.Int64("bytes", rec.written),
			slog.Duration("duration", elapsed),
		)
	})
}

func (mw *middleware) level(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case mw.quiet[route]:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// statusRecorder captures the status code and body size written by the
// downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// routeOf returns the route label of a served request: the ServeMux pattern
// without its method when one matched, otherwise the path. Unmatched 404s
// share one label.
func routeOf(r *http.Request, status int) string {
	switch {
	case r.Pattern != "":
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	case status == http.StatusNotFound:
		return "unmatched"
	}
	return r.URL.Path
}
