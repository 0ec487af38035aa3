package api

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/lsst-sqre/nublado/pkg/api")

// tracingMiddleware starts a span per request named after the matched
// chi route pattern, mirroring the metrics middleware's use of the same
// pattern to avoid path-parameter cardinality in span names. With no
// SpanProcessor/exporter registered by main.go, otel's default global
// TracerProvider is a no-op — this middleware costs nothing until an
// operator wires a real provider, the same "instrument now, export
// later" posture the controller takes with its Prometheus metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
		route := chiRoutePattern(r)
		span.SetName(route)
		span.SetAttributes(attribute.String("http.route", route))
	})
}
