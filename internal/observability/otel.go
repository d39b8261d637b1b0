// Package observability wires OpenTelemetry tracing and metrics for the relay process.
package observability

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options selects how spans leave the process.
type Options struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Instruments bundles the process-wide tracer and meter providers.
type Instruments struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	reader *sdkmetric.ManualReader
}

// Init configures tracing and meters. Spans are exported over OTLP/HTTP only when an
// endpoint is configured; otherwise they stay in-process. The returned shutdown func
// flushes pending spans and metrics.
func Init(ctx context.Context, opts Options, logger *zap.Logger) (*Instruments, func(context.Context) error, error) {
	env := opts.Environment
	if env == "" {
		env = "local"
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", opts.ServiceName),
			attribute.String("deployment.environment", env),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	tracerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.OTLPEndpoint != "" {
		exporter, err := newTraceExporter(ctx, opts.OTLPEndpoint, opts.OTLPInsecure)
		if err != nil {
			logger.Warn("failed to initialize OTLP trace exporter, spans stay in-process", zap.Error(err))
		} else {
			tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exporter))
			logger.Info("exporting traces over OTLP", zap.String("endpoint", opts.OTLPEndpoint))
		}
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return &Instruments{TracerProvider: tracerProvider, MeterProvider: meterProvider, reader: reader}, shutdown, nil
}

func newTraceExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	exporterOpts, err := traceExporterOptions(endpoint, insecure)
	if err != nil {
		return nil, err
	}
	return otlptracehttp.New(ctx, exporterOpts...)
}

// traceExporterOptions accepts either a bare host:port or a collector base URL as found in
// OTEL_EXPORTER_OTLP_ENDPOINT. A base URL gets the signal path /v1/traces appended.
func traceExporterOptions(endpoint string, insecure bool) ([]otlptracehttp.Option, error) {
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, errors.New("otlp endpoint has no host: " + endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpointURL(u.JoinPath("v1", "traces").String()))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts, nil
}

// Tracer returns a named tracer from the configured provider.
func (i *Instruments) Tracer(name string) trace.Tracer {
	if i == nil || i.TracerProvider == nil {
		return otel.Tracer(name)
	}
	return i.TracerProvider.Tracer(name)
}

// Meter returns a named meter, or a no-op meter when instruments are absent.
func (i *Instruments) Meter(name string) metric.Meter {
	if i == nil || i.MeterProvider == nil {
		return metricnoop.NewMeterProvider().Meter(name)
	}
	return i.MeterProvider.Meter(name)
}
