package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig identifies the tutor engine process in exported telemetry.
type ProviderConfig struct {
	// ServiceName labels every metric series and span. Default: "sonara".
	ServiceName string

	// ServiceVersion is stamped onto the resource so dashboards can split
	// session metrics by release.
	ServiceVersion string

	// TraceExporter receives finished session and turn spans. When nil the
	// spans stay in-process, which is enough for trace-correlated logging
	// and for tests; a deployment that ships traces plugs in OTLP here.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires the global OpenTelemetry providers for the engine.
// Session metrics flow through a Prometheus reader, so the /metrics endpoint
// serves everything recorded via [Metrics]; spans from [StartSessionSpan] and
// [StartTurnSpan] go to the configured exporter. The returned function
// flushes both halves; defer it in main so in-flight turn data is not lost
// on shutdown.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sonara"
	}

	res, err := engineResource(cfg)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}

// engineResource merges the environment-derived default resource with the
// engine's service identity.
func engineResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

// newMeterProvider bridges the OTel metrics pipeline into the Prometheus
// default registry, where promhttp picks it up.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		// Batched export keeps span delivery off the audio path.
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
