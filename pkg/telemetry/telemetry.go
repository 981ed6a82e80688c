package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures Init.
type Options struct {
	Service string
	// Format is "text" (default) or "json".
	Format  string
	Verbose bool
	Out     io.Writer
	// Endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT. Without either,
	// spans are recorded but not exported.
	Endpoint string
}

// Init configures OpenTelemetry tracing and the leveled logger for a
// command-line run.
func Init(ctx context.Context, opts Options) (func(context.Context) error, *log.Logger, error) {
	if opts.Service == "" {
		return nil, nil, errors.New("telemetry: service name is required")
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	format := opts.Format
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, nil, fmt.Errorf("telemetry: unknown log format %q", opts.Format)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.Service),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := log.New(NewWriter(opts.Service, format, opts.Verbose, opts.Out), "", 0)

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}
	return shutdown, logger, nil
}

// BindTrace tags subsequent lines written through logger with the trace
// of the span active in ctx. Loggers not created by this package are left
// untouched.
func BindTrace(ctx context.Context, logger *log.Logger) {
	if logger == nil {
		return
	}
	w, ok := logger.Writer().(*Writer)
	if !ok {
		return
	}
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		w.SetTraceID(spanCtx.TraceID().String())
	}
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}
