package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TracingOptions selects exporters for SetupTracing.
type TracingOptions struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint enables the OTLP HTTP exporter when non-empty.
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	// LogSpans writes finished spans to Logger.
	LogSpans bool
	Logger   *zerolog.Logger
}

// SetupTracing configures an OpenTelemetry tracer provider with optional OTLP
// and log exporters and installs global propagators. Callers shut it down.
func SetupTracing(ctx context.Context, opts TracingOptions) (*sdktrace.TracerProvider, error) {
	sampleRatio := opts.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(newResource(opts.ServiceName, opts.ServiceVersion)),
	}

	if opts.Endpoint != "" {
		exporter, err := newOTLPExporter(ctx, opts.Endpoint, opts.Insecure)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	if opts.LogSpans {
		var exporter sdktrace.SpanExporter
		if opts.Logger != nil {
			exporter = newLoggingExporterWithLogger(*opts.Logger)
		} else {
			exporter = newLoggingExporter()
		}
		providerOpts = append(providerOpts, sdktrace.WithSyncer(exporter))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return provider, nil
}

func newResource(serviceName, serviceVersion string) *resource.Resource {
	if serviceName == "" {
		serviceName = "devsync"
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

func newOTLPExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	// The OTLP HTTP exporter expects an endpoint without scheme. A plain
	// http:// endpoint implies an insecure connection.
	ep := endpoint
	if strings.HasPrefix(endpoint, "https://") {
		ep = strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		ep = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	}
	if ep == "" {
		return nil, errors.New("invalid OTLP endpoint")
	}
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
	if insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, clientOpts...)
}
