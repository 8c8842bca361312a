package river

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// Handlers are the ports the workers hand jobs to. A nil handler means the
// hosting application has nothing wired for that side effect; the job is
// logged and completed.
type Handlers struct {
	Cache    domain.CacheInvalidator
	Audit    domain.AuditSink
	Scripts  domain.ScriptRunner
	Migrator domain.NamespaceMigrator
	Members  domain.MembershipUpdater
}

// InvalidateWorker drops the cached configuration of a tenant.
type InvalidateWorker struct {
	river.WorkerDefaults[InvalidateJobArgs]
	cache domain.CacheInvalidator
}

func (w *InvalidateWorker) Work(ctx context.Context, job *river.Job[InvalidateJobArgs]) error {
	slog.DebugContext(ctx, "invalidating tenant config",
		"tenant", job.Args.Tenant,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	if w.cache == nil {
		return nil
	}
	return w.cache.Invalidate(ctx, job.Args.Tenant)
}

// AuditWorker writes change summaries to the structured log and forwards
// them to the audit sink when one is configured.
type AuditWorker struct {
	river.WorkerDefaults[AuditJobArgs]
	sink domain.AuditSink
}

func (w *AuditWorker) Work(ctx context.Context, job *river.Job[AuditJobArgs]) error {
	s := job.Args.Summary
	slog.InfoContext(ctx, "config changed",
		"summary_id", s.ID,
		"tenant", s.Tenant,
		"module", string(s.Module),
		"items", s.Items(),
		"job_id", job.ID,
	)
	if w.sink == nil {
		return nil
	}
	return w.sink.Record(ctx, s)
}

// ScriptWorker hands maintenance scripts to the hosting application.
type ScriptWorker struct {
	river.WorkerDefaults[ScriptJobArgs]
	runner domain.ScriptRunner
}

func (w *ScriptWorker) Work(ctx context.Context, job *river.Job[ScriptJobArgs]) error {
	slog.InfoContext(ctx, "running maintenance script",
		"tenant", job.Args.Tenant,
		"script", job.Args.Script.Name,
		"args", job.Args.Script.Args,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	if w.runner == nil {
		return nil
	}
	return w.runner.RunScript(ctx, job.Args.Tenant, job.Args.Script)
}

// MigrationWorker moves page content after namespace changes.
type MigrationWorker struct {
	river.WorkerDefaults[MigrationJobArgs]
	migrator domain.NamespaceMigrator
}

func (w *MigrationWorker) Work(ctx context.Context, job *river.Job[MigrationJobArgs]) error {
	m := job.Args.Migration
	slog.InfoContext(ctx, "migrating namespace pages",
		"tenant", m.Tenant,
		"action", string(m.Action),
		"from_id", m.FromID,
		"to_id", m.ToID,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	if w.migrator == nil {
		return nil
	}
	return w.migrator.MigrateNamespace(ctx, m)
}

// MembershipWorker follows group renames and deletions in user memberships.
type MembershipWorker struct {
	river.WorkerDefaults[MembershipJobArgs]
	members domain.MembershipUpdater
}

func (w *MembershipWorker) Work(ctx context.Context, job *river.Job[MembershipJobArgs]) error {
	slog.InfoContext(ctx, "updating group memberships",
		"tenant", job.Args.Tenant,
		"from", job.Args.From,
		"to", job.Args.To,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	if w.members == nil {
		return nil
	}
	return w.members.UpdateMembership(ctx, job.Args.Tenant, job.Args.From, job.Args.To)
}
