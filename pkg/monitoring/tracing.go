package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/capacityd/capacityd"

// Config holds tracing configuration
type Config struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string        `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	Environment   string        `json:"environment" yaml:"environment" mapstructure:"environment"`
	Exporter      string        `json:"exporter" yaml:"exporter" mapstructure:"exporter"` // stdout or otlp
	OTLPEndpoint  string        `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure  bool          `json:"otlp_insecure" yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
	SamplingRatio float64       `json:"sampling_ratio" yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	ExportTimeout time.Duration `json:"export_timeout" yaml:"export_timeout" mapstructure:"export_timeout"`
}

// DefaultConfig returns default tracing settings, disabled by default.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		ServiceName:   "capacityd",
		Environment:   "development",
		Exporter:      "stdout",
		OTLPEndpoint:  "localhost:4318",
		OTLPInsecure:  true,
		SamplingRatio: 1.0,
		ExportTimeout: 30 * time.Second,
	}
}

// Validate checks tracing configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Exporter)
	}
	if c.Exporter == "otlp" && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint must not be empty for the otlp exporter")
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling_ratio must be within [0,1], got %f", c.SamplingRatio)
	}
	return nil
}

// InitTracing installs the global tracer provider. The returned shutdown
// function flushes pending spans; call it on daemon exit.
func InitTracing(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRatio)),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(config.ExportTimeout)),
	)
	otel.SetTracerProvider(tp)

	log.Info().
		Str("exporter", config.Exporter).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized")

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, config Config) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithTimeout(config.ExportTimeout),
		}
		if config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

// Tracer returns the daemon tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
