package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "spacehook"
	// LogEndpoint writes finished spans to the daemon log instead of a collector.
	LogEndpoint = "log"
	// EnvEnvironment names the deployment environment resource attribute.
	EnvEnvironment = "SPACEHOOK_ENV"

	defaultEnvironment = "dev"
	batchTimeout       = 5 * time.Second
)

// Options configures Init.
type Options struct {
	// Endpoint is an OTLP/HTTP URL or LogEndpoint. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT; when that is empty too tracing is off.
	Endpoint string
	Version  string
	Logger   *log.Logger
}

var newExporter = func(ctx context.Context, endpoint string, logger *log.Logger) (sdktrace.SpanExporter, error) {
	if endpoint == LogEndpoint {
		return &logExporter{logger: logger}, nil
	}
	// TLS and headers come from the standard OTEL_EXPORTER_OTLP_* variables.
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Init installs the global tracer provider. The returned shutdown flushes
// pending spans; it is safe to call when tracing is off.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if endpoint == "" {
		logger.Debug("tracing disabled; no endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, endpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("create span exporter for %s: %w", endpoint, err)
	}

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
			attribute.String("environment", environment()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(provider)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry export failed", "err", err)
	}))
	logger.Info("tracing enabled", "endpoint", endpoint)

	return provider.Shutdown, nil
}

func environment() string {
	if value := strings.TrimSpace(os.Getenv(EnvEnvironment)); value != "" {
		return strings.ToLower(value)
	}
	return defaultEnvironment
}

// logExporter writes one info record per finished span.
type logExporter struct {
	logger *log.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			"status", span.Status().Code.String(),
		}
		for _, attr := range span.Attributes() {
			if attr.Key == "operation" || attr.Key == "sequence_id" {
				fields = append(fields, string(attr.Key), attr.Value.Emit())
			}
		}
		if events := span.Events(); len(events) > 0 {
			names := make([]string, 0, len(events))
			for _, event := range events {
				names = append(names, event.Name)
			}
			fields = append(fields, "events", strings.Join(names, ","))
		}
		e.logger.Info("span finished", fields...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
