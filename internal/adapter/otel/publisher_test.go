package otel_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	adapter "github.com/neomorfeo/farmconf/internal/adapter/otel"
	"github.com/neomorfeo/farmconf/internal/domain"
)

// --- Mock side effects ---

type mockSideEffects struct {
	summaries []domain.ChangeSummary
	fail      error
}

func (m *mockSideEffects) Invalidate(context.Context, string) error { return m.fail }

func (m *mockSideEffects) Record(_ context.Context, s domain.ChangeSummary) error {
	if m.fail != nil {
		return m.fail
	}
	m.summaries = append(m.summaries, s)
	return nil
}

func (m *mockSideEffects) RunScript(context.Context, string, domain.Script) error { return m.fail }

func (m *mockSideEffects) MigrateNamespace(context.Context, domain.NamespaceMigration) error {
	return m.fail
}

func (m *mockSideEffects) UpdateMembership(context.Context, string, string, string) error {
	return m.fail
}

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader
}

// --- Tests ---

func TestTracingSideEffects_RecordCountsChanges(t *testing.T) {
	exporter := setupTestTracer(t)
	reader := setupTestMeter(t)
	inner := &mockSideEffects{}
	effects, err := adapter.NewTracingSideEffects(inner)
	if err != nil {
		t.Fatalf("NewTracingSideEffects failed: %v", err)
	}

	summary := domain.ChangeSummary{
		ID: "s-1", Tenant: "examplewiki", Module: domain.ModuleExtensions,
		Changes: []domain.ItemChange{
			{Item: "Echo", Action: domain.ActionEnable},
			{Item: "Thanks", Action: domain.ActionEnable},
			{Item: "Flow", Action: domain.ActionDisable},
		},
	}
	if err := effects.Record(context.Background(), summary); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "AuditSink.Record" {
		t.Fatalf("spans = %+v", spans)
	}
	assertAttribute(t, spans[0], "module", attribute.StringValue("extensions"))
	assertAttribute(t, spans[0], "summary.changes", attribute.IntValue(3))
	if len(inner.summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(inner.summaries))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "farmconf.changes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("farmconf.changes data = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				action, _ := dp.Attributes.Value("action")
				counts[action.AsString()] += dp.Value
			}
		}
	}
	if counts["enable"] != 2 || counts["disable"] != 1 {
		t.Errorf("counts = %v, want enable=2 disable=1", counts)
	}
}

func TestTracingSideEffects_RecordsError(t *testing.T) {
	exporter := setupTestTracer(t)
	setupTestMeter(t)
	effects, err := adapter.NewTracingSideEffects(&mockSideEffects{fail: errors.New("queue full")})
	if err != nil {
		t.Fatalf("NewTracingSideEffects failed: %v", err)
	}

	calls := map[string]func() error{
		"CacheInvalidator.Invalidate": func() error { return effects.Invalidate(context.Background(), "examplewiki") },
		"ScriptRunner.RunScript": func() error {
			return effects.RunScript(context.Background(), "examplewiki", domain.Script{Name: "rebuildall"})
		},
		"NamespaceMigrator.MigrateNamespace": func() error {
			return effects.MigrateNamespace(context.Background(), domain.NamespaceMigration{Tenant: "examplewiki", Action: domain.MigrateDelete})
		},
		"MembershipUpdater.UpdateMembership": func() error {
			return effects.UpdateMembership(context.Background(), "examplewiki", "patroller", "")
		},
	}
	for name, call := range calls {
		exporter.Reset()
		if err := call(); err == nil {
			t.Errorf("%s: expected error", name)
		}
		spans := exporter.GetSpans()
		if len(spans) != 1 || spans[0].Name != name {
			t.Errorf("%s: spans = %+v", name, spans)
			continue
		}
		if spans[0].Status.Code != codes.Error {
			t.Errorf("%s: span status = %v, want %v", name, spans[0].Status.Code, codes.Error)
		}
	}
}
