package app

import (
	"context"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// ConfigService turns builder submissions into module changesets, commits
// them, and hands the resulting summaries to the audit sink. Every module it
// opens is either committed or discarded before it returns.
type ConfigService struct {
	cfg   ModuleConfig
	audit domain.AuditSink
}

// NewConfigService creates a service. cfg.Principal is ignored; each call
// names the acting principal.
func NewConfigService(cfg ModuleConfig, audit domain.AuditSink) *ConfigService {
	return &ConfigService{cfg: cfg, audit: audit}
}

func (s *ConfigService) config(principal domain.Authorizer) ModuleConfig {
	cfg := s.cfg
	cfg.Principal = principal
	cfg.PreAuthorized = false
	return cfg
}

// Extensions opens the extension module of tenant for principal.
func (s *ConfigService) Extensions(ctx context.Context, tenant string, principal domain.Authorizer) (*Extensions, error) {
	return LoadExtensions(ctx, s.config(principal), tenant)
}

// Settings opens the setting module of tenant for principal.
func (s *ConfigService) Settings(ctx context.Context, tenant string, principal domain.Authorizer) (*Settings, error) {
	return LoadSettings(ctx, s.config(principal), tenant)
}

// Namespaces opens the namespace module of tenant for principal.
func (s *ConfigService) Namespaces(ctx context.Context, tenant string, principal domain.Authorizer) (*Namespaces, error) {
	return LoadNamespaces(ctx, s.config(principal), tenant)
}

// Permissions opens the permission module of tenant for principal.
func (s *ConfigService) Permissions(ctx context.Context, tenant string, principal domain.Authorizer) (*Permissions, error) {
	return LoadPermissions(ctx, s.config(principal), tenant)
}

// SubmitExtensions makes target the enabled extension set of tenant.
func (s *ConfigService) SubmitExtensions(ctx context.Context, tenant string, principal domain.Authorizer, target []string) (*Result, error) {
	mod, err := s.Extensions(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.OverwriteAll(ctx, target); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// SubmitSettings coerces raw form values and applies them. With
// removeUnlisted, catalog keys missing from raw are reset to their default.
func (s *ConfigService) SubmitSettings(ctx context.Context, tenant string, principal domain.Authorizer, raw map[string]any, removeUnlisted bool) (*Result, error) {
	mod, err := s.Settings(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.OverwriteAll(ctx, raw, removeUnlisted); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// SubmitNamespace creates or updates the namespace ns.ID.
func (s *ConfigService) SubmitNamespace(ctx context.Context, tenant string, principal domain.Authorizer, ns domain.Namespace, maintainPrefix bool) (*Result, error) {
	mod, err := s.Namespaces(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.Modify(ctx, ns, maintainPrefix); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// RemoveNamespace deletes the pair id belongs to and migrates its pages.
func (s *ConfigService) RemoveNamespace(ctx context.Context, tenant string, principal domain.Authorizer, id, migrateTo int, maintainPrefix bool) (*Result, error) {
	mod, err := s.Namespaces(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.Remove(ctx, id, migrateTo, maintainPrefix); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// GroupSubmission is the desired state of one group as submitted by the builder.
type GroupSubmission struct {
	Group string
	// Permissions is the desired right set; nil leaves rights untouched.
	Permissions []string
	// Matrix holds the desired groups per relation; absent relations are untouched.
	Matrix domain.GroupMatrix
	// Visible restricts the matrix diff to the groups shown to the submitter.
	// Nil means every group was shown.
	Visible        []string
	SetAutopromote bool
	Autopromote    *domain.ConditionTree
}

// SubmitGroup diffs sub against the stored group and applies the delta.
func (s *ConfigService) SubmitGroup(ctx context.Context, tenant string, principal domain.Authorizer, sub GroupSubmission) (*Result, error) {
	mod, err := s.Permissions(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	cur, _ := mod.List(sub.Group)
	delta := domain.PermissionDelta{
		Matrix:         domain.GroupMatrixDiff(cur.Matrix(), sub.Matrix, sub.Visible),
		SetAutopromote: sub.SetAutopromote,
		Autopromote:    sub.Autopromote,
	}
	if sub.Permissions != nil {
		delta.Permissions = domain.SetDiff(cur.Permissions, sub.Permissions)
	}
	if err := mod.Modify(ctx, sub.Group, delta); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// RenameGroup renames group old to to.
func (s *ConfigService) RenameGroup(ctx context.Context, tenant string, principal domain.Authorizer, old, to string) (*Result, error) {
	mod, err := s.Permissions(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.Rename(ctx, old, to); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// RemoveGroup deletes group.
func (s *ConfigService) RemoveGroup(ctx context.Context, tenant string, principal domain.Authorizer, group string) (*Result, error) {
	mod, err := s.Permissions(ctx, tenant, principal)
	if err != nil {
		return nil, err
	}
	if err := mod.Remove(ctx, group); err != nil {
		mod.Discard()
		return nil, err
	}
	return s.commit(ctx, mod)
}

// Populate seeds a new tenant with the catalog's default namespaces and
// permission groups. Existing entries are left alone, so it is safe to rerun.
func (s *ConfigService) Populate(ctx context.Context, tenant string) ([]*Result, error) {
	cfg := s.cfg
	cfg.PreAuthorized = true
	var results []*Result

	ns, err := LoadNamespaces(ctx, cfg, tenant)
	if err != nil {
		return nil, err
	}
	if err := ns.Seed(ctx); err != nil {
		ns.Discard()
		return nil, err
	}
	res, err := s.commit(ctx, ns)
	if err != nil && !domain.IsNoChanges(err) {
		return results, err
	}
	if err == nil {
		results = append(results, res)
	}

	perms, err := LoadPermissions(ctx, cfg, tenant)
	if err != nil {
		return results, err
	}
	for _, g := range cfg.Catalog.Permissions.DefaultGroups {
		if _, exists := perms.List(g.Name); exists {
			continue
		}
		delta := domain.PermissionDelta{
			Permissions:    domain.SetDelta{Add: g.Permissions},
			Matrix:         domain.GroupMatrixDiff(nil, g.Matrix(), nil),
			SetAutopromote: g.Autopromote != nil,
			Autopromote:    g.Autopromote,
		}
		if err := perms.Modify(ctx, g.Name, delta); err != nil {
			perms.Discard()
			return results, err
		}
	}
	res, err = s.commit(ctx, perms)
	if err != nil && !domain.IsNoChanges(err) {
		return results, err
	}
	if err == nil {
		results = append(results, res)
	}
	return results, nil
}

// commit commits mod, discarding whatever is left staged on failure, and
// records the summaries of a successful commit.
func (s *ConfigService) commit(ctx context.Context, mod committer) (*Result, error) {
	res, err := mod.Commit(ctx)
	if err != nil {
		mod.Discard()
		if domain.IsNoChanges(err) {
			// Install actions may have committed other modules.
			s.record(ctx, res)
		}
		return res, err
	}
	s.record(ctx, res)
	return res, nil
}

// record is best effort: the changes are already persisted.
func (s *ConfigService) record(ctx context.Context, res *Result) {
	if s.audit == nil || res == nil {
		return
	}
	for _, rel := range res.Related {
		s.record(ctx, rel)
	}
	if res.Summary.Empty() {
		return
	}
	if err := s.audit.Record(ctx, res.Summary); err != nil {
		s.cfg.logger().ErrorContext(ctx, "recording change summary failed",
			"tenant", res.Tenant, "module", string(res.Module), "error", err)
	}
}
