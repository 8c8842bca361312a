package domain

import "context"

// ExtensionStore persists the enabled-extension set of a tenant.
type ExtensionStore interface {
	LoadExtensions(ctx context.Context, tenant string) ([]string, error)
	SaveExtensions(ctx context.Context, tenant string, enabled []string) error
}

// SettingStore persists the setting map of a tenant as one document.
type SettingStore interface {
	LoadSettings(ctx context.Context, tenant string) (map[string]any, error)
	SaveSettings(ctx context.Context, tenant string, settings map[string]any) error
}

// NamespaceWrite is one atomic namespace write for a tenant.
type NamespaceWrite struct {
	Upserts []Namespace
	Deletes []int
}

// NamespaceStore persists namespace rows keyed by (tenant, id).
type NamespaceStore interface {
	LoadNamespaces(ctx context.Context, tenant string) ([]Namespace, error)
	ApplyNamespaces(ctx context.Context, tenant string, w NamespaceWrite) error
}

// GroupRename moves every row of From to To.
type GroupRename struct {
	From string
	To   string
}

// PermissionWrite is one atomic permission write for a tenant.
// Deletes are applied first, then renames, then upserts, so a rename may
// take the name of a group deleted in the same write.
type PermissionWrite struct {
	Renames []GroupRename
	Deletes []string
	Upserts []PermissionGroup
}

// PermissionStore persists permission group rows keyed by (tenant, group).
type PermissionStore interface {
	LoadGroups(ctx context.Context, tenant string) ([]PermissionGroup, error)
	ApplyGroups(ctx context.Context, tenant string, w PermissionWrite) error
}

// SiteStats are the live content counts of a tenant.
type SiteStats struct {
	Articles int64
	Pages    int64
}

// StatsProvider returns the content counts requirements compare against.
type StatsProvider interface {
	Stats(ctx context.Context, tenant string) (SiteStats, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	ExtensionStore
	SettingStore
	NamespaceStore
	PermissionStore
	StatsProvider
}

// Authorizer answers whether the acting principal holds a right.
type Authorizer interface {
	HasRight(ctx context.Context, right string) bool
}

// CacheInvalidator receives a fire-and-forget signal that a tenant's configuration changed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenant string) error
}

// AuditSink records structured change summaries.
type AuditSink interface {
	Record(ctx context.Context, summary ChangeSummary) error
}

// ScriptRunner schedules maintenance scripts for a tenant.
type ScriptRunner interface {
	RunScript(ctx context.Context, tenant string, script Script) error
}

// MigrationAction is what happens to the pages of a namespace.
type MigrationAction string

const (
	MigrateDelete MigrationAction = "delete"
	MigrateRename MigrationAction = "rename"
)

// NamespaceMigration asks the hosting application to move pages between namespaces.
type NamespaceMigration struct {
	Tenant         string          `json:"tenant"`
	Action         MigrationAction `json:"action"`
	FromID         int             `json:"from_id"`
	ToID           int             `json:"to_id"`
	OldName        string          `json:"old_name,omitempty"`
	NewName        string          `json:"new_name,omitempty"`
	MaintainPrefix bool            `json:"maintain_prefix"`
}

// NamespaceMigrator moves page content after a namespace rename or removal.
type NamespaceMigrator interface {
	MigrateNamespace(ctx context.Context, m NamespaceMigration) error
}

// MembershipUpdater moves or drops user memberships after a group rename or removal.
// An empty To means the group was deleted.
type MembershipUpdater interface {
	UpdateMembership(ctx context.Context, tenant, from, to string) error
}

// TransitionValidator checks extension toggles against ExtensionTransitions.
type TransitionValidator interface {
	Apply(ctx context.Context, current ExtensionState, event ExtensionEvent) (ExtensionState, error)
}
