package river

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// Compile-time checks: Dispatcher serves every side-effect port of a module commit.
var (
	_ domain.CacheInvalidator  = (*Dispatcher)(nil)
	_ domain.AuditSink         = (*Dispatcher)(nil)
	_ domain.ScriptRunner      = (*Dispatcher)(nil)
	_ domain.NamespaceMigrator = (*Dispatcher)(nil)
	_ domain.MembershipUpdater = (*Dispatcher)(nil)
)

// QueueMaintenance runs the slow jobs that touch page content or user rows.
const QueueMaintenance = "maintenance"

// InvalidateJobArgs asks for the cached configuration of a tenant to be dropped.
type InvalidateJobArgs struct {
	Tenant string `json:"tenant"`
}

func (InvalidateJobArgs) Kind() string { return "config.invalidate" }

// AuditJobArgs carries a committed change summary.
type AuditJobArgs struct {
	Summary domain.ChangeSummary `json:"summary"`
}

func (AuditJobArgs) Kind() string { return "config.audit" }

// ScriptJobArgs schedules a maintenance script for a tenant.
type ScriptJobArgs struct {
	Tenant string        `json:"tenant"`
	Script domain.Script `json:"script"`
}

func (ScriptJobArgs) Kind() string { return "config.script" }

func (ScriptJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// MigrationJobArgs moves pages after a namespace rename or removal.
type MigrationJobArgs struct {
	Migration domain.NamespaceMigration `json:"migration"`
}

func (MigrationJobArgs) Kind() string { return "config.migrate_namespace" }

func (MigrationJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// MembershipJobArgs moves or drops group memberships. An empty To drops them.
type MembershipJobArgs struct {
	Tenant string `json:"tenant"`
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
}

func (MembershipJobArgs) Kind() string { return "config.membership" }

func (MembershipJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance}
}

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Dispatcher turns module side effects into River jobs, so a commit never
// waits on caches, audit storage, or page migrations.
type Dispatcher struct {
	client *Client
}

// NewDispatcher creates a dispatcher backed by the given River client.
func NewDispatcher(client *Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) insert(ctx context.Context, args river.JobArgs) error {
	if _, err := d.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("enqueuing %s job: %w", args.Kind(), err)
	}
	return nil
}

func (d *Dispatcher) Invalidate(ctx context.Context, tenant string) error {
	return d.insert(ctx, InvalidateJobArgs{Tenant: tenant})
}

func (d *Dispatcher) Record(ctx context.Context, summary domain.ChangeSummary) error {
	return d.insert(ctx, AuditJobArgs{Summary: summary})
}

func (d *Dispatcher) RunScript(ctx context.Context, tenant string, script domain.Script) error {
	return d.insert(ctx, ScriptJobArgs{Tenant: tenant, Script: script})
}

func (d *Dispatcher) MigrateNamespace(ctx context.Context, m domain.NamespaceMigration) error {
	return d.insert(ctx, MigrationJobArgs{Migration: m})
}

func (d *Dispatcher) UpdateMembership(ctx context.Context, tenant, from, to string) error {
	return d.insert(ctx, MembershipJobArgs{Tenant: tenant, From: from, To: to})
}
