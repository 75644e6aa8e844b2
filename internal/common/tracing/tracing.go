// Package tracing lazily wires an OTLP trace exporter behind the
// standard otel API. With no endpoint configured, spans come from a
// no-op provider and cost nothing.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "agentdock-gateway"

// global holds the process-wide provider state. Initialization is
// deferred to the first Tracer call so config has a chance to set the
// endpoint first.
var global struct {
	once     sync.Once
	endpoint string

	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// SetEndpoint sets the OTLP endpoint used when no
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable is present. It has
// no effect once the first tracer exists.
func SetEndpoint(endpoint string) {
	global.endpoint = endpoint
}

// Tracer returns a named tracer, initializing the exporter on first
// use.
func Tracer(name string) trace.Tracer {
	global.once.Do(connectExporter)
	return global.provider.Tracer(name)
}

// Shutdown flushes buffered spans. Safe to call when tracing never
// started.
func Shutdown(ctx context.Context) error {
	if global.sdk == nil {
		return nil
	}
	return global.sdk.Shutdown(ctx)
}

func connectExporter() {
	global.provider = noop.NewTracerProvider()

	endpoint := resolveEndpoint()
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	global.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	global.provider = global.sdk
	otel.SetTracerProvider(global.provider)
}

// resolveEndpoint picks the OTLP target, env over config, and strips
// the scheme that otlptracehttp does not want.
func resolveEndpoint() string {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = global.endpoint
	}
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return rest
	}
	return endpoint
}
