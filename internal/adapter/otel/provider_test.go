package otel_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/neomorfeo/farmconf/internal/adapter/otel"
)

func TestSetup_LocalExporters(t *testing.T) {
	for _, exporter := range []string{adapter.ExporterNone, adapter.ExporterStdout} {
		t.Run(exporter, func(t *testing.T) {
			providers, err := adapter.Setup(context.Background(), adapter.Config{
				ServiceName: "farmconf-test",
				Environment: "test",
				Exporter:    exporter,
				SampleRatio: 0.5,
			})
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			if err := providers.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := adapter.Setup(context.Background(), adapter.Config{Exporter: "zipkin"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
	if !strings.Contains(err.Error(), `"zipkin"`) {
		t.Errorf("error = %v, want the exporter name", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want adapter.Config
	}{
		{
			name: "defaults",
			want: adapter.Config{
				ServiceName:    "farmconf",
				ServiceVersion: "0.1.0",
				Environment:    "development",
				Exporter:       adapter.ExporterNone,
				Insecure:       true,
				SampleRatio:    1,
			},
		},
		{
			name: "production collector",
			env: map[string]string{
				"OTEL_SERVICE_NAME":    "farmconf-worker",
				"OTEL_SERVICE_VERSION": "1.2.0",
				"OTEL_ENVIRONMENT":     "production",
				"OTEL_EXPORTER":        adapter.ExporterOTLP,
				"OTEL_SAMPLE_RATIO":    "0.25",
			},
			want: adapter.Config{
				ServiceName:    "farmconf-worker",
				ServiceVersion: "1.2.0",
				Environment:    "production",
				Exporter:       adapter.ExporterOTLP,
				SampleRatio:    0.25,
			},
		},
		{
			name: "bad ratio falls back to always",
			env:  map[string]string{"OTEL_ENVIRONMENT": "staging", "OTEL_SAMPLE_RATIO": "2"},
			want: adapter.Config{
				ServiceName:    "farmconf",
				ServiceVersion: "0.1.0",
				Environment:    "staging",
				Exporter:       adapter.ExporterNone,
				SampleRatio:    1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"OTEL_SERVICE_NAME", "OTEL_SERVICE_VERSION", "OTEL_ENVIRONMENT", "OTEL_EXPORTER", "OTEL_SAMPLE_RATIO"} {
				t.Setenv(key, tt.env[key])
			}
			if diff := cmp.Diff(tt.want, adapter.ConfigFromEnv()); diff != "" {
				t.Errorf("ConfigFromEnv (-want +got):\n%s", diff)
			}
		})
	}
}
