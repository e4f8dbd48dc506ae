package telemetry

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsOptions configures SetupMetrics.
type MetricsOptions struct {
	ServiceName    string
	ServiceVersion string
	// Stdout enables the periodic stdout exporter. Without it, instruments
	// are recorded but never exported.
	Stdout   bool
	Writer   io.Writer
	Interval time.Duration
}

// SetupMetrics installs a global meter provider and returns it for shutdown.
func SetupMetrics(_ context.Context, opts MetricsOptions) (*sdkmetric.MeterProvider, error) {
	providerOpts := []sdkmetric.Option{
		sdkmetric.WithResource(newResource(opts.ServiceName, opts.ServiceVersion)),
	}

	if opts.Stdout {
		exporterOpts := []stdoutmetric.Option{}
		if opts.Writer != nil {
			exporterOpts = append(exporterOpts, stdoutmetric.WithWriter(opts.Writer))
		}
		exporter, err := stdoutmetric.New(exporterOpts...)
		if err != nil {
			return nil, err
		}
		interval := opts.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		providerOpts = append(providerOpts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		)
	}

	provider := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(provider)
	return provider, nil
}
