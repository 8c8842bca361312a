package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// SideEffects is every port a module commit signals after its write.
type SideEffects interface {
	domain.CacheInvalidator
	domain.AuditSink
	domain.ScriptRunner
	domain.NamespaceMigrator
	domain.MembershipUpdater
}

// TracingSideEffects wraps SideEffects with OpenTelemetry tracing and counts
// recorded changes per module and action.
type TracingSideEffects struct {
	next    SideEffects
	tracer  trace.Tracer
	changes metric.Int64Counter
}

// Compile-time check: TracingSideEffects implements SideEffects.
var _ SideEffects = (*TracingSideEffects)(nil)

// NewTracingSideEffects creates a tracing decorator around the given ports.
func NewTracingSideEffects(next SideEffects) (*TracingSideEffects, error) {
	changes, err := otel.Meter(tracerName).Int64Counter("farmconf.changes",
		metric.WithDescription("Configuration item changes recorded after commit."),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating change counter: %w", err)
	}
	return &TracingSideEffects{
		next:    next,
		tracer:  otel.Tracer(tracerName),
		changes: changes,
	}, nil
}

func (p *TracingSideEffects) start(ctx context.Context, name, tenant string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("tenant", tenant)}, attrs...)
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (p *TracingSideEffects) Invalidate(ctx context.Context, tenant string) error {
	ctx, span := p.start(ctx, "CacheInvalidator.Invalidate", tenant)
	err := p.next.Invalidate(ctx, tenant)
	finish(span, err)
	return err
}

func (p *TracingSideEffects) Record(ctx context.Context, summary domain.ChangeSummary) error {
	ctx, span := p.start(ctx, "AuditSink.Record", summary.Tenant,
		attribute.String("module", string(summary.Module)),
		attribute.String("summary.id", summary.ID),
		attribute.Int("summary.changes", len(summary.Changes)),
	)
	err := p.next.Record(ctx, summary)
	if err == nil {
		for _, c := range summary.Changes {
			p.changes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("module", string(summary.Module)),
				attribute.String("action", string(c.Action)),
			))
		}
	}
	finish(span, err)
	return err
}

func (p *TracingSideEffects) RunScript(ctx context.Context, tenant string, script domain.Script) error {
	ctx, span := p.start(ctx, "ScriptRunner.RunScript", tenant, attribute.String("script", script.Name))
	err := p.next.RunScript(ctx, tenant, script)
	finish(span, err)
	return err
}

func (p *TracingSideEffects) MigrateNamespace(ctx context.Context, m domain.NamespaceMigration) error {
	ctx, span := p.start(ctx, "NamespaceMigrator.MigrateNamespace", m.Tenant,
		attribute.String("migration.action", string(m.Action)),
		attribute.Int("migration.from_id", m.FromID),
		attribute.Int("migration.to_id", m.ToID),
	)
	err := p.next.MigrateNamespace(ctx, m)
	finish(span, err)
	return err
}

func (p *TracingSideEffects) UpdateMembership(ctx context.Context, tenant, from, to string) error {
	ctx, span := p.start(ctx, "MembershipUpdater.UpdateMembership", tenant,
		attribute.String("group.from", from),
		attribute.String("group.to", to),
	)
	err := p.next.UpdateMembership(ctx, tenant, from, to)
	finish(span, err)
	return err
}
