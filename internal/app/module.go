package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/neomorfeo/farmconf/internal/coerce"
	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

// ModuleConfig is everything a module needs besides the tenant it works on.
// Catalog, Store, Registry, and Validator are required; the side-effect
// ports may be nil, in which case the matching side effect is skipped.
type ModuleConfig struct {
	Catalog  *domain.Catalog
	Store    domain.Store
	Registry *coerce.Registry

	// Principal is the acting user. PreAuthorized skips every right check,
	// as done for install actions.
	Principal     domain.Authorizer
	PreAuthorized bool

	Validator domain.TransitionValidator
	Cache     domain.CacheInvalidator
	Scripts   domain.ScriptRunner
	Migrator  domain.NamespaceMigrator
	Members   domain.MembershipUpdater

	Logger *slog.Logger
	Now    func() time.Time
}

func (c ModuleConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c ModuleConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c ModuleConfig) hasRight(ctx context.Context, right string) bool {
	if c.PreAuthorized {
		return true
	}
	return c.Principal != nil && c.Principal.HasRight(ctx, right)
}

// Result is what a commit produced. Errors holds the item-level failures
// (conflicts, unmet requirements, failed side effects); the items they name
// were not committed, everything in Summary was.
type Result struct {
	Tenant  string
	Module  domain.Module
	Summary domain.ChangeSummary
	Errors  []error
	// Related holds the commits other modules made on behalf of this one,
	// e.g. extension install actions.
	Related []*Result
}

// Err aggregates the item-level errors, or returns nil.
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	var merr *multierror.Error
	merr = multierror.Append(merr, r.Errors...)
	return merr.ErrorOrNil()
}

// base carries the state and behavior every module shares.
type base struct {
	cfg    ModuleConfig
	tenant string
	module domain.Module
	log    *slog.Logger
}

func newBase(cfg ModuleConfig, tenant string, module domain.Module) base {
	return base{
		cfg:    cfg,
		tenant: tenant,
		module: module,
		log:    cfg.logger().With("tenant", tenant, "module", string(module)),
	}
}

// Tenant returns the tenant the module works on.
func (b *base) Tenant() string {
	return b.tenant
}

// stats fetches the site counts only when a requirement needs them.
func (b *base) stats(ctx context.Context, reqs ...domain.Requirements) (domain.SiteStats, error) {
	for _, r := range reqs {
		if r.NeedsCounts() {
			st, err := b.cfg.Store.Stats(ctx, b.tenant)
			if err != nil {
				return domain.SiteStats{}, fmt.Errorf("loading site stats: %w", err)
			}
			return st, nil
		}
	}
	return domain.SiteStats{}, nil
}

func (b *base) state(enabled []string, settings map[string]any, stats domain.SiteStats) requirements.State {
	return requirements.State{
		Principal:     b.cfg.Principal,
		PreAuthorized: b.cfg.PreAuthorized,
		Extensions:    enabled,
		Settings:      settings,
		Stats:         stats,
	}
}

// settingView overlays stored values on the catalog defaults, which is what
// setting requirements compare against.
func (b *base) settingView(stored map[string]any) map[string]any {
	out := make(map[string]any, len(b.cfg.Catalog.Settings))
	for key, spec := range b.cfg.Catalog.Settings {
		out[key] = spec.Default()
	}
	for key, v := range stored {
		out[key] = v
	}
	return out
}

func (b *base) uncommitted(pending int) error {
	if pending == 0 {
		return nil
	}
	return &domain.UncommittedChangesError{Tenant: b.tenant, Module: b.module, Pending: pending}
}

// finish builds the result of a commit whose write already succeeded and
// signals the cache layer. A nil changes slice yields a NoChangesError
// alongside the result.
func (b *base) finish(ctx context.Context, changes []domain.ItemChange, errs []error) (*Result, error) {
	res := &Result{
		Tenant: b.tenant,
		Module: b.module,
		Errors: errs,
		Summary: domain.ChangeSummary{
			Tenant:    b.tenant,
			Module:    b.module,
			Changes:   changes,
			CreatedAt: b.cfg.now(),
		},
	}
	for _, err := range errs {
		b.log.WarnContext(ctx, "item discarded", "error", err)
	}
	if len(changes) == 0 {
		return res, &domain.NoChangesError{Tenant: b.tenant, Module: b.module}
	}

	id, err := newSummaryID(res.Summary.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("generating summary id: %w", err)
	}
	res.Summary.ID = id

	b.invalidate(ctx)
	b.log.InfoContext(ctx, "changes committed", "changes", len(changes), "errors", len(errs))
	return res, nil
}

// invalidate is fire-and-forget: the write already happened, so a failed
// signal is logged rather than returned.
func (b *base) invalidate(ctx context.Context) {
	if b.cfg.Cache == nil {
		return
	}
	if err := b.cfg.Cache.Invalidate(ctx, b.tenant); err != nil {
		b.log.ErrorContext(ctx, "cache invalidation failed", "error", err)
	}
}
