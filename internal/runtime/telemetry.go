package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voicecommand/internal/commandset"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the trace and meter providers of one runtime. Services get
// the meter provider handed to them instead of reaching for the global one.
type telemetry struct {
	resource *resource.Resource
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	handler  http.Handler
	exporter string
	reloads  metric.Int64Counter
}

func newTelemetry(cfg config.Config, set commandset.Manifest, traceOut io.Writer, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.voice.source.mode", cfg.Source.Mode),
			attribute.String("loqa.voice.commands.name", set.Metadata.Name),
			attribute.String("loqa.voice.commands.version", set.Metadata.Version),
			attribute.Int("loqa.voice.commands.count", len(set.Entries)),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &telemetry{resource: res}
	if err := t.initTraces(ctx, cfg.Telemetry, traceOut); err != nil {
		return nil, err
	}
	t.initMeters(logger)

	t.reloads, err = t.meters.Meter(instrumentationName).Int64Counter("loqa.voice.commands.reloads",
		metric.WithDescription("Command manifests applied by the file watcher"))
	if err != nil {
		logger.Warn("failed to initialize reload counter", slog.String("error", err.Error()))
	}

	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.meters)
	logger.Info("telemetry initialized",
		slog.String("trace_exporter", t.exporter),
		slog.Bool("prometheus", t.handler != nil))
	return t, nil
}

const instrumentationName = "github.com/loqalabs/loqa-voicecommand/runtime"

// traceExporter resolves the configured exporter. An unset exporter follows
// the OTLP endpoint: traces go there when one is configured and nowhere
// otherwise.
func traceExporter(cfg config.TelemetryConfig) string {
	exporter := strings.ToLower(strings.TrimSpace(cfg.TraceExporter))
	if exporter != "" {
		return exporter
	}
	if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
		return "otlp"
	}
	return "none"
}

func (t *telemetry) initTraces(ctx context.Context, cfg config.TelemetryConfig, out io.Writer) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(t.resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	}

	t.exporter = traceExporter(cfg)
	switch t.exporter {
	case "otlp":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))
	case "none":
	default:
		return fmt.Errorf("unsupported trace exporter %q", t.exporter)
	}
	t.traces = sdktrace.NewTracerProvider(opts...)
	return nil
}

// initMeters exports through a registry private to this runtime, so several
// runtimes in one process do not collide on the default registry.
func (t *telemetry) initMeters(logger *slog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(t.resource))
		return
	}
	t.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(t.resource),
	)
	t.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (t *telemetry) manifestReloaded(set commandset.Manifest) {
	if t == nil || t.reloads == nil {
		return
	}
	t.reloads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("commands", set.Metadata.Name),
		attribute.String("version", set.Metadata.Version)))
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if err := t.meters.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.traces.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
