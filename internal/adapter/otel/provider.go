package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects where farmconf telemetry goes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Exporter       string
	Insecure       bool    // plain HTTP to the OTLP collector
	SampleRatio    float64 // fraction of root traces kept, 0 < r <= 1
}

// ConfigFromEnv reads OTEL_* variables. Telemetry stays off unless
// OTEL_EXPORTER names an exporter, so command output is not interleaved
// with spans.
func ConfigFromEnv() Config {
	env := envOrDefault("OTEL_ENVIRONMENT", "development")
	ratio, err := strconv.ParseFloat(envOrDefault("OTEL_SAMPLE_RATIO", "1"), 64)
	if err != nil || ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return Config{
		ServiceName:    envOrDefault("OTEL_SERVICE_NAME", "farmconf"),
		ServiceVersion: envOrDefault("OTEL_SERVICE_VERSION", "0.1.0"),
		Environment:    env,
		Exporter:       envOrDefault("OTEL_EXPORTER", ExporterNone),
		Insecure:       env == "development",
		SampleRatio:    ratio,
	}
}

// Providers is the installed telemetry pipeline.
type Providers struct {
	Shutdown func(ctx context.Context) error
}

// exporters builds the span and metric exporters for one Config.Exporter
// value. A nil exporter keeps the provider local to the process.
type exporters struct {
	spans   func(ctx context.Context, cfg Config) (trace.SpanExporter, error)
	metrics func(ctx context.Context, cfg Config) (metric.Exporter, error)
}

var exporterTable = map[string]exporters{
	ExporterNone: {},
	ExporterStdout: {
		spans: func(context.Context, Config) (trace.SpanExporter, error) {
			return stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		},
		metrics: func(context.Context, Config) (metric.Exporter, error) {
			return stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		},
	},
	ExporterOTLP: {
		spans: func(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
			var opts []otlptracehttp.Option
			if cfg.Insecure {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
			return otlptracehttp.New(ctx, opts...)
		},
		metrics: func(ctx context.Context, cfg Config) (metric.Exporter, error) {
			var opts []otlpmetrichttp.Option
			if cfg.Insecure {
				opts = append(opts, otlpmetrichttp.WithInsecure())
			}
			return otlpmetrichttp.New(ctx, opts...)
		},
	},
}

// Setup installs global tracer and meter providers and the W3C
// propagators. Shutdown flushes both providers and must run on exit.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	exp, ok := exporterTable[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("unsupported exporter: %q (use %q, %q or %q)",
			cfg.Exporter, ExporterNone, ExporterStdout, ExporterOTLP)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	traceOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	}
	if exp.spans != nil {
		se, err := exp.spans(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s span exporter: %w", cfg.Exporter, err)
		}
		traceOpts = append(traceOpts, trace.WithBatcher(se))
	}
	tp := trace.NewTracerProvider(traceOpts...)

	meterOpts := []metric.Option{metric.WithResource(res)}
	if exp.metrics != nil {
		me, err := exp.metrics(ctx, cfg)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("creating %s metric exporter: %w", cfg.Exporter, err)
		}
		meterOpts = append(meterOpts, metric.WithReader(metric.NewPeriodicReader(me)))
	}
	mp := metric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{Shutdown: func(ctx context.Context) error {
		var merr *multierror.Error
		if err := tp.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("tracer shutdown: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("meter shutdown: %w", err))
		}
		return merr.ErrorOrNil()
	}}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
