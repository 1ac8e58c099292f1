// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dsymtools/dsymd/internal/telemetry"
)

// Tracing starts a server span per request, propagating W3C trace context
// from incoming headers.
func Tracing(tracerName string) func(http.Handler) http.Handler {
	tracer := telemetry.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			tw := &metricsWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(tw, r.WithContext(ctx))

			span.SetAttributes(telemetry.HTTPAttributes(
				r.Method,
				r.URL.Path,
				r.URL.String(),
				tw.statusCode,
			)...)
			if tw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(tw.statusCode))
			}
		})
	}
}
