// Package telemetry wires the OpenTelemetry tracer provider used by the
// observer sink and the HTTP instrumentation.
package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/internal/config"
)

// Provider is the process tracer provider. Exporting is false when no OTLP
// endpoint was configured; spans are then recorded but never shipped.
type Provider struct {
	*sdktrace.TracerProvider
	Exporting bool
}

// Setup builds the tracer provider, installs it and the W3C propagators as
// the otel globals, and returns it. Callers own Shutdown.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger, extra ...sdktrace.TracerProviderOption) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "flowexec"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", zap.Error(err))
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporting := false
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, endpointOption(endpoint))
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		exporting = true
	}
	opts = append(opts, extra...)

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("otel tracing initialized",
		zap.String("service", serviceName),
		zap.Bool("exporting", exporting),
		zap.String("endpoint", cfg.OTLPEndpoint),
	)
	return &Provider{TracerProvider: tp, Exporting: exporting}, nil
}

// endpointOption accepts either a full URL or a bare host:port.
func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.Contains(endpoint, "://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}
