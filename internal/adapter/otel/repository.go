package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/farmconf/internal/domain"
)

const tracerName = "github.com/neomorfeo/farmconf/internal/adapter/otel"

// TracingStore wraps a domain.Store with OpenTelemetry tracing.
// Each method creates a span carrying the tenant and records errors.
type TracingStore struct {
	next   domain.Store
	tracer trace.Tracer
}

// Compile-time check: TracingStore implements domain.Store.
var _ domain.Store = (*TracingStore)(nil)

// NewTracingStore creates a tracing decorator around the given store.
func NewTracingStore(next domain.Store) *TracingStore {
	return &TracingStore{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (s *TracingStore) start(ctx context.Context, name, tenant string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("tenant", tenant)}, attrs...)
	return s.tracer.Start(ctx, "Store."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *TracingStore) LoadExtensions(ctx context.Context, tenant string) ([]string, error) {
	ctx, span := s.start(ctx, "LoadExtensions", tenant)
	enabled, err := s.next.LoadExtensions(ctx, tenant)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(enabled)))
	}
	finish(span, err)
	return enabled, err
}

func (s *TracingStore) SaveExtensions(ctx context.Context, tenant string, enabled []string) error {
	ctx, span := s.start(ctx, "SaveExtensions", tenant, attribute.StringSlice("extensions", enabled))
	err := s.next.SaveExtensions(ctx, tenant, enabled)
	finish(span, err)
	return err
}

func (s *TracingStore) LoadSettings(ctx context.Context, tenant string) (map[string]any, error) {
	ctx, span := s.start(ctx, "LoadSettings", tenant)
	settings, err := s.next.LoadSettings(ctx, tenant)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(settings)))
	}
	finish(span, err)
	return settings, err
}

func (s *TracingStore) SaveSettings(ctx context.Context, tenant string, settings map[string]any) error {
	ctx, span := s.start(ctx, "SaveSettings", tenant, attribute.Int("settings.count", len(settings)))
	err := s.next.SaveSettings(ctx, tenant, settings)
	finish(span, err)
	return err
}

func (s *TracingStore) LoadNamespaces(ctx context.Context, tenant string) ([]domain.Namespace, error) {
	ctx, span := s.start(ctx, "LoadNamespaces", tenant)
	namespaces, err := s.next.LoadNamespaces(ctx, tenant)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(namespaces)))
	}
	finish(span, err)
	return namespaces, err
}

func (s *TracingStore) ApplyNamespaces(ctx context.Context, tenant string, w domain.NamespaceWrite) error {
	ctx, span := s.start(ctx, "ApplyNamespaces", tenant,
		attribute.Int("write.upserts", len(w.Upserts)),
		attribute.Int("write.deletes", len(w.Deletes)),
	)
	err := s.next.ApplyNamespaces(ctx, tenant, w)
	finish(span, err)
	return err
}

func (s *TracingStore) LoadGroups(ctx context.Context, tenant string) ([]domain.PermissionGroup, error) {
	ctx, span := s.start(ctx, "LoadGroups", tenant)
	groups, err := s.next.LoadGroups(ctx, tenant)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(groups)))
	}
	finish(span, err)
	return groups, err
}

func (s *TracingStore) ApplyGroups(ctx context.Context, tenant string, w domain.PermissionWrite) error {
	ctx, span := s.start(ctx, "ApplyGroups", tenant,
		attribute.Int("write.renames", len(w.Renames)),
		attribute.Int("write.deletes", len(w.Deletes)),
		attribute.Int("write.upserts", len(w.Upserts)),
	)
	err := s.next.ApplyGroups(ctx, tenant, w)
	finish(span, err)
	return err
}

func (s *TracingStore) Stats(ctx context.Context, tenant string) (domain.SiteStats, error) {
	ctx, span := s.start(ctx, "Stats", tenant)
	st, err := s.next.Stats(ctx, tenant)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("stats.articles", st.Articles),
			attribute.Int64("stats.pages", st.Pages),
		)
	}
	finish(span, err)
	return st, err
}
