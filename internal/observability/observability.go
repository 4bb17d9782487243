package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"gateway-hub/internal/metrics"
)

// Setup installs the global otel providers. Metrics flow through the otel
// prometheus exporter into the default registry, so the existing /metrics
// endpoint serves both. Traces go to the OTLP endpoint when one is
// configured; without one the provider records spans locally and exports
// nothing. Returns the shutdown hook and the service tracer.
func Setup(serviceName string) (shutdown func(), tracer oteltrace.Tracer) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Error("prometheus exporter init failed", "error", err)
		os.Exit(1)
	}
	otel.SetMeterProvider(otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter)))

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("otel resource init failed", "error", err)
		os.Exit(1)
	}

	var tp *trace.TracerProvider
	if endpoint := os.Getenv("OTLP_TRACE_ENDPOINT"); endpoint != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			slog.Error("otlp trace exporter init failed", "endpoint", endpoint, "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	return func() { _ = tp.Shutdown(context.Background()) }, otel.Tracer(serviceName)
}

// WrapHandler traces each request, counts it by endpoint/method/status, and
// echoes the trace id so callers can quote it. The metrics scrape itself
// passes through untraced.
func WrapHandler(tracer oteltrace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		if xid := r.Header.Get("X-Request-ID"); xid != "" {
			span.SetAttributes(attribute.String("http.request_id", xid))
		}

		// Header must be set before the handler writes the status line.
		w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rw.status))
		metrics.HTTPRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
		span.End()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
