package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/neomorfeo/farmconf/internal/changeset"
	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

// Extensions is the enabled-extension module of one tenant.
type Extensions struct {
	base
	live    map[string]bool
	changes *changeset.Set[string, bool]
}

// LoadExtensions reads the enabled set of tenant.
func LoadExtensions(ctx context.Context, cfg ModuleConfig, tenant string) (*Extensions, error) {
	names, err := cfg.Store.LoadExtensions(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("loading extensions: %w", err)
	}
	live := make(map[string]bool, len(names))
	for _, n := range names {
		live[n] = true
	}
	return &Extensions{
		base:    newBase(cfg, tenant, domain.ModuleExtensions),
		live:    live,
		changes: changeset.New[string, bool](func(a, b bool) bool { return a == b }),
	}, nil
}

// List returns the enabled set including staged toggles, sorted.
func (m *Extensions) List() []string {
	return enabledList(m.working())
}

// Enabled reports whether name is enabled including staged toggles.
func (m *Extensions) Enabled(name string) bool {
	if c, ok := m.changes.Get(name); ok {
		return c.After
	}
	return m.live[name]
}

// Add stages enabling names. Unknown names reject the whole call; names
// that are already enabled are left alone.
func (m *Extensions) Add(ctx context.Context, names ...string) error {
	return m.toggle(ctx, domain.EventEnable, names)
}

// Remove stages disabling names.
func (m *Extensions) Remove(ctx context.Context, names ...string) error {
	return m.toggle(ctx, domain.EventDisable, names)
}

// OverwriteAll stages exactly the toggles that turn the enabled set into target.
func (m *Extensions) OverwriteAll(ctx context.Context, target []string) error {
	if err := m.checkKnown(target); err != nil {
		return err
	}
	var add, remove []string
	for _, name := range target {
		if !m.Enabled(name) {
			add = append(add, name)
		}
	}
	for _, name := range m.List() {
		if !slices.Contains(target, name) {
			remove = append(remove, name)
		}
	}
	if err := m.toggle(ctx, domain.EventEnable, add); err != nil {
		return err
	}
	return m.toggle(ctx, domain.EventDisable, remove)
}

// Pending returns the number of staged toggles.
func (m *Extensions) Pending() int {
	return m.changes.Len()
}

// Discard drops every staged toggle.
func (m *Extensions) Discard() {
	m.changes.Reset()
}

// Close reports staged toggles that were neither committed nor discarded.
func (m *Extensions) Close() error {
	return m.uncommitted(m.changes.Len())
}

func (m *Extensions) checkKnown(names []string) error {
	for _, name := range names {
		if _, ok := m.cfg.Catalog.Extension(name); !ok {
			return &domain.ValidationError{Field: "extensions", Kind: domain.ValidationUnknownItem, Detail: name}
		}
	}
	return nil
}

func (m *Extensions) toggle(ctx context.Context, event domain.ExtensionEvent, names []string) error {
	if event == domain.EventEnable {
		if err := m.checkKnown(names); err != nil {
			return err
		}
	}
	for _, name := range names {
		next, err := m.cfg.Validator.Apply(ctx, domain.StateOf(m.working(), name), event)
		if err != nil {
			var te *domain.TransitionError
			if errors.As(err, &te) {
				continue
			}
			return fmt.Errorf("toggling %q: %w", name, err)
		}
		m.changes.Stage(name, m.live[name], next == domain.ExtensionEnabled)
	}
	return nil
}

func (m *Extensions) working() map[string]bool {
	out := make(map[string]bool, len(m.live))
	for n, on := range m.live {
		if on {
			out[n] = true
		}
	}
	for _, n := range m.changes.Keys() {
		c, _ := m.changes.Get(n)
		if c.After {
			out[n] = true
		} else {
			delete(out, n)
		}
	}
	return out
}

func enabledList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for n, on := range set {
		if on {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// Commit resolves conflicts, re-checks requirements, runs install actions of
// newly enabled extensions, and persists the surviving set in one write.
// Install side effects of earlier items are not rolled back when a later
// item fails.
func (m *Extensions) Commit(ctx context.Context) (*Result, error) {
	enabled := m.working()
	var errs []error

	discard := func(name string, err error) {
		errs = append(errs, err)
		if m.live[name] {
			// An already enabled item can only be removed by disabling it.
			m.changes.Stage(name, true, false)
		} else {
			m.changes.Discard(name)
		}
		delete(enabled, name)
	}
	isNew := func(name string) bool { return enabled[name] && !m.live[name] }

	m.resolveConflicts(enabled, isNew, discard)

	if err := m.checkRequirements(ctx, enabled, isNew, discard); err != nil {
		return nil, err
	}

	var newly []string
	for _, name := range m.changes.Keys() {
		if isNew(name) {
			newly = append(newly, name)
		}
	}
	related := m.install(ctx, newly, enabled, discard)

	if m.changes.Len() == 0 {
		res, err := m.finish(ctx, nil, errs)
		if res != nil {
			res.Related = related
		}
		return res, err
	}

	final := enabledList(enabled)
	if err := m.cfg.Store.SaveExtensions(ctx, m.tenant, final); err != nil {
		return nil, fmt.Errorf("saving extensions: %w", err)
	}

	var changes []domain.ItemChange
	for _, name := range m.changes.Keys() {
		c, _ := m.changes.Get(name)
		action := domain.ActionDisable
		if c.After {
			action = domain.ActionEnable
		}
		changes = append(changes, domain.ItemChange{Item: name, Action: action, Old: c.Before, New: c.After})
	}

	m.live = make(map[string]bool, len(final))
	for _, n := range final {
		m.live[n] = true
	}
	m.changes.Reset()

	res, err := m.finish(ctx, changes, errs)
	if res != nil {
		res.Related = related
	}
	return res, err
}

// resolveConflicts applies the conflict policy to every conflicting enabled
// pair: a new item loses to an enabled one, two new items both lose, and when
// neither is new the item that declares the conflict is disabled.
func (m *Extensions) resolveConflicts(enabled map[string]bool, isNew func(string) bool, discard func(string, error)) {
	for _, a := range enabledList(enabled) {
		for _, b := range enabledList(enabled) {
			if a >= b || !enabled[a] || !enabled[b] || !m.conflicts(a, b) {
				continue
			}
			newA, newB := isNew(a), isNew(b)
			switch {
			case newA && !newB:
				discard(a, &domain.ConflictError{Item: a, ConflictsWith: b})
			case newB && !newA:
				discard(b, &domain.ConflictError{Item: b, ConflictsWith: a})
			case newA && newB:
				discard(a, &domain.ConflictError{Item: a, ConflictsWith: b})
				discard(b, &domain.ConflictError{Item: b, ConflictsWith: a})
			default:
				declarer, other := a, b
				if !m.declaresConflict(a, b) {
					declarer, other = b, a
				}
				discard(declarer, &domain.ConflictError{Item: declarer, ConflictsWith: other})
			}
		}
	}
}

func (m *Extensions) declaresConflict(a, b string) bool {
	spec, ok := m.cfg.Catalog.Extension(a)
	return ok && slices.Contains(spec.Conflicts, b)
}

func (m *Extensions) conflicts(a, b string) bool {
	return m.declaresConflict(a, b) || m.declaresConflict(b, a)
}

// checkRequirements discards enabled items whose requirements fail against the
// resulting set, repeating until stable because a discard can break the
// extension requirement of a new item.
func (m *Extensions) checkRequirements(ctx context.Context, enabled map[string]bool, isNew func(string) bool, discard func(string, error)) error {
	var reqs []domain.Requirements
	for name := range enabled {
		if spec, ok := m.cfg.Catalog.Extension(name); ok {
			reqs = append(reqs, spec.Requires)
		}
	}
	stats, err := m.stats(ctx, reqs...)
	if err != nil {
		return err
	}
	stored, err := m.cfg.Store.LoadSettings(ctx, m.tenant)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	settings := m.settingView(stored)

	for changed := true; changed; {
		changed = false
		for _, name := range enabledList(enabled) {
			spec, ok := m.cfg.Catalog.Extension(name)
			if !ok {
				continue
			}
			st := m.state(enabledList(enabled), settings, stats)
			st.AlreadyEnabled = !isNew(name)
			out := requirements.Evaluate(ctx, spec.Requires, st)
			if !out.Satisfied() {
				discard(name, &domain.RequirementsError{Item: name, Missing: out.Missing})
				changed = true
			}
		}
	}
	return nil
}
