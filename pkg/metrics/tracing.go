package metrics

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the tracer Tracer returns.
// No FlakeGuard package calls Tracer, so the ingestion pipeline and the
// webhook handler start no spans under this name.
const TracerName = "flakeguard"

// InitTracing wires an SDK TracerProvider and installs it as the
// global provider, returning a shutdown func to flush on exit. Only
// the stdout exporter is wired: the go.mod dependency surface this
// module inherited does not carry an OTLP exporter, so
// OTEL_EXPORTER_OTLP_ENDPOINT is honored only as a signal to log that
// OTLP export was requested but is unavailable, falling back to
// stdout rather than silently dropping spans.
func InitTracing(serviceName string, logf func(format string, args ...any)) (shutdown func(context.Context) error, err error) {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" && logf != nil {
		logf("OTEL_EXPORTER_OTLP_ENDPOINT=%s set but no OTLP exporter is wired; falling back to stdout export", endpoint)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer, convenient for call sites
// that don't want to import go.opentelemetry.io/otel directly.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
