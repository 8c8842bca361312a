package app

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/neomorfeo/farmconf/internal/changeset"
	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

type nsEntry struct {
	Namespace domain.Namespace
	Present   bool
}

func nsEqual(a, b nsEntry) bool {
	if a.Present != b.Present {
		return false
	}
	return !a.Present || domain.ValuesEqual(normalizeNS(a.Namespace), normalizeNS(b.Namespace))
}

func normalizeNS(ns domain.Namespace) domain.Namespace {
	if len(ns.Aliases) == 0 {
		ns.Aliases = nil
	}
	if len(ns.Additional) == 0 {
		ns.Additional = nil
	}
	return ns
}

// migrationTarget is where the pages of a removed namespace go.
type migrationTarget struct {
	to             int
	maintainPrefix bool
}

// Namespaces is the namespace module of one tenant.
type Namespaces struct {
	base
	live    map[int]domain.Namespace
	changes *changeset.Set[int, nsEntry]
	removed map[int]migrationTarget
	// prefixes records maintainPrefix per renamed id.
	prefixes map[int]bool
	enabled  []string
}

// LoadNamespaces reads the namespace rows of tenant.
func LoadNamespaces(ctx context.Context, cfg ModuleConfig, tenant string) (*Namespaces, error) {
	rows, err := cfg.Store.LoadNamespaces(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("loading namespaces: %w", err)
	}
	live := make(map[int]domain.Namespace, len(rows))
	for _, ns := range rows {
		live[ns.ID] = ns
	}
	return &Namespaces{
		base:     newBase(cfg, tenant, domain.ModuleNamespaces),
		live:     live,
		changes:  changeset.New[int, nsEntry](nsEqual),
		removed:  make(map[int]migrationTarget),
		prefixes: make(map[int]bool),
	}, nil
}

// List returns namespace id including staged changes.
func (m *Namespaces) List(id int) (domain.Namespace, bool) {
	if c, ok := m.changes.Get(id); ok {
		return c.After.Namespace.Clone(), c.After.Present
	}
	ns, ok := m.live[id]
	return ns.Clone(), ok
}

// All returns every namespace including staged changes, ordered by id.
func (m *Namespaces) All() []domain.Namespace {
	ids := make(map[int]bool, len(m.live))
	for id := range m.live {
		ids[id] = true
	}
	for _, id := range m.changes.Keys() {
		ids[id] = true
	}
	out := make([]domain.Namespace, 0, len(ids))
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		if ns, ok := m.List(id); ok {
			out = append(out, ns)
		}
	}
	return out
}

func (m *Namespaces) liveEntry(id int) nsEntry {
	ns, ok := m.live[id]
	return nsEntry{Namespace: ns, Present: ok}
}

// Modify creates namespace ns.ID or replaces its attributes. Renaming with
// maintainPrefix keeps the old name as an alias.
func (m *Namespaces) Modify(_ context.Context, ns domain.Namespace, maintainPrefix bool) error {
	ns = ns.Clone()
	ns.Name = domain.NormalizeNamespaceName(ns.Name)
	if ns.Name == "" {
		return &domain.ValidationError{Field: "name", Kind: domain.ValidationBlank, Detail: strconv.Itoa(ns.ID)}
	}

	existing, exists := m.List(ns.ID)
	renamed := exists && existing.Name != ns.Name
	if exists && existing.Core && renamed {
		return &domain.NotRemovableError{Kind: "namespace", Name: existing.Name, Op: "renamed"}
	}
	ns.Core = exists && existing.Core

	aliases := ns.Aliases
	if renamed && maintainPrefix {
		aliases = append(aliases, existing.Name)
	}
	ns.Aliases = nil
	for _, a := range aliases {
		a = domain.NormalizeNamespaceName(a)
		if a == "" || strings.EqualFold(a, ns.Name) || slices.ContainsFunc(ns.Aliases, func(s string) bool { return strings.EqualFold(s, a) }) {
			continue
		}
		ns.Aliases = append(ns.Aliases, a)
	}

	for _, name := range append([]string{ns.Name}, ns.Aliases...) {
		if owner, taken := m.nameOwner(name, ns.ID); taken {
			return &domain.ValidationError{
				Field:  "name",
				Kind:   domain.ValidationNameConflict,
				Detail: fmt.Sprintf("%q is used by namespace %d", name, owner),
			}
		}
	}

	additional, err := m.coerceAdditional(ns.Additional)
	if err != nil {
		return err
	}
	ns.Additional = additional

	if renamed {
		m.prefixes[ns.ID] = maintainPrefix
	}
	delete(m.removed, ns.ID)
	m.changes.Stage(ns.ID, m.liveEntry(ns.ID), nsEntry{Namespace: ns, Present: true})
	return nil
}

// nameOwner returns the id of another namespace, or core default, that
// already uses name or has it as an alias.
func (m *Namespaces) nameOwner(name string, self int) (int, bool) {
	matches := func(ns domain.Namespace) bool {
		return strings.EqualFold(ns.Name, name) ||
			slices.ContainsFunc(ns.Aliases, func(a string) bool { return strings.EqualFold(a, name) })
	}
	for _, ns := range m.All() {
		if ns.ID != self && matches(ns) {
			return ns.ID, true
		}
	}
	for _, ns := range m.cfg.Catalog.DefaultNamespaces {
		if ns.Core && ns.ID != self && matches(ns) {
			return ns.ID, true
		}
	}
	return 0, false
}

func (m *Namespaces) coerceAdditional(raw map[string]any) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for key, v := range raw {
		spec, ok := m.cfg.Catalog.NamespaceField(key)
		if !ok {
			return nil, &domain.ValidationError{Field: key, Kind: domain.ValidationUnknownItem}
		}
		cv, err := m.cfg.Registry.CoerceSetting(spec, v)
		if err != nil {
			return nil, err
		}
		out[key] = cv
	}
	return out, nil
}

// pairIDs returns the ids of the subject/talk pair of id. Negative ids are unpaired.
func pairIDs(id int) []int {
	if id < 0 {
		return []int{id}
	}
	subject, talk := domain.PairOf(id)
	return []int{subject, talk}
}

// Remove deletes the pair id belongs to. Pages of the subject namespace move
// to migrateTo and talk pages to its talk counterpart.
func (m *Namespaces) Remove(_ context.Context, id, migrateTo int, maintainPrefix bool) error {
	if _, ok := m.List(id); !ok {
		return fmt.Errorf("namespace %d: %w", id, domain.ErrNamespaceNotFound)
	}
	pair := pairIDs(id)
	for _, pid := range pair {
		if ns, ok := m.List(pid); ok && ns.Core {
			return &domain.NotRemovableError{Kind: "namespace", Name: ns.Name, Op: "deleted"}
		}
	}
	if slices.Contains(pair, migrateTo) {
		return &domain.ValidationError{Field: "migrate_to", Kind: domain.ValidationInvalidOption, Detail: "target is part of the removed pair"}
	}
	if _, ok := m.List(migrateTo); !ok {
		return &domain.ValidationError{Field: "migrate_to", Kind: domain.ValidationUnknownItem, Detail: strconv.Itoa(migrateTo)}
	}

	for _, pid := range pair {
		ns, ok := m.List(pid)
		if !ok {
			continue
		}
		target := migrateTo
		if ns.IsTalk() {
			if _, talk := domain.PairOf(migrateTo); migrateTo >= 0 {
				if _, ok := m.List(talk); ok {
					target = talk
				}
			}
		}
		m.removed[pid] = migrationTarget{to: target, maintainPrefix: maintainPrefix}
		delete(m.prefixes, pid)
		m.changes.Stage(pid, m.liveEntry(pid), nsEntry{})
	}
	return nil
}

// Seed stages every catalog default namespace the tenant does not have yet.
func (m *Namespaces) Seed(_ context.Context) error {
	for _, ns := range m.cfg.Catalog.DefaultNamespaces {
		if _, ok := m.List(ns.ID); ok {
			continue
		}
		m.changes.Stage(ns.ID, m.liveEntry(ns.ID), nsEntry{Namespace: ns.Clone(), Present: true})
	}
	return nil
}

// Pending returns the number of staged namespaces.
func (m *Namespaces) Pending() int {
	return m.changes.Len()
}

// Discard drops every staged change.
func (m *Namespaces) Discard() {
	m.changes.Reset()
	clear(m.removed)
	clear(m.prefixes)
}

// Close reports staged changes that were neither committed nor discarded.
func (m *Namespaces) Close() error {
	return m.uncommitted(m.changes.Len())
}

// Commit checks the requirements of changed additional fields, writes every
// upsert and delete in one transaction, then schedules page migrations for
// renamed and removed namespaces.
func (m *Namespaces) Commit(ctx context.Context) (*Result, error) {
	errs, err := m.checkAdditional(ctx)
	if err != nil {
		return nil, err
	}
	if m.changes.Len() == 0 {
		return m.finish(ctx, nil, errs)
	}

	var w domain.NamespaceWrite
	var changes []domain.ItemChange
	var migrations []domain.NamespaceMigration
	for _, id := range m.changes.Keys() {
		c, _ := m.changes.Get(id)
		item := strconv.Itoa(id)
		before, after := c.Before.Namespace, c.After.Namespace
		switch {
		case !c.After.Present:
			w.Deletes = append(w.Deletes, id)
			changes = append(changes, domain.ItemChange{Item: item, Action: domain.ActionDelete, Old: before})
			if target, ok := m.removed[id]; ok {
				migrations = append(migrations, domain.NamespaceMigration{
					Tenant:         m.tenant,
					Action:         domain.MigrateDelete,
					FromID:         id,
					ToID:           target.to,
					OldName:        before.Name,
					MaintainPrefix: target.maintainPrefix,
				})
			}
		case !c.Before.Present:
			w.Upserts = append(w.Upserts, after)
			changes = append(changes, domain.ItemChange{Item: item, Action: domain.ActionCreate, New: after})
		case before.Name != after.Name:
			w.Upserts = append(w.Upserts, after)
			changes = append(changes, domain.ItemChange{Item: item, Field: "name", Action: domain.ActionRename, Old: before.Name, New: after.Name})
			migrations = append(migrations, domain.NamespaceMigration{
				Tenant:         m.tenant,
				Action:         domain.MigrateRename,
				FromID:         id,
				ToID:           id,
				OldName:        before.Name,
				NewName:        after.Name,
				MaintainPrefix: m.prefixes[id],
			})
		default:
			w.Upserts = append(w.Upserts, after)
			changes = append(changes, domain.ItemChange{Item: item, Action: domain.ActionModify, Old: before, New: after})
		}
	}

	if err := m.cfg.Store.ApplyNamespaces(ctx, m.tenant, w); err != nil {
		return nil, fmt.Errorf("applying namespaces: %w", err)
	}

	for _, id := range w.Deletes {
		delete(m.live, id)
	}
	for _, ns := range w.Upserts {
		m.live[ns.ID] = ns
	}
	m.Discard()

	for _, mig := range migrations {
		if m.cfg.Migrator == nil {
			m.log.WarnContext(ctx, "no namespace migrator configured", "namespace", mig.FromID)
			continue
		}
		if err := m.cfg.Migrator.MigrateNamespace(ctx, mig); err != nil {
			errs = append(errs, &domain.InstallError{Item: "namespace " + strconv.Itoa(mig.FromID), Err: err})
		}
	}

	return m.finish(ctx, changes, errs)
}

// checkAdditional reverts every changed additional field whose requirements
// fail and returns one RequirementsError per reverted field.
func (m *Namespaces) checkAdditional(ctx context.Context) ([]error, error) {
	type fieldRef struct {
		id  int
		key string
	}
	var refs []fieldRef
	var reqs []domain.Requirements
	for _, id := range m.changes.Keys() {
		c, _ := m.changes.Get(id)
		if !c.After.Present {
			continue
		}
		for _, key := range sortedKeys(c.After.Namespace.Additional) {
			old, had := c.Before.Namespace.Additional[key]
			if c.Before.Present && had && domain.ValuesEqual(old, c.After.Namespace.Additional[key]) {
				continue
			}
			spec, _ := m.cfg.Catalog.NamespaceField(key)
			refs = append(refs, fieldRef{id: id, key: key})
			reqs = append(reqs, spec.Requires)
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	enabled := m.enabled
	if enabled == nil {
		var err error
		if enabled, err = m.cfg.Store.LoadExtensions(ctx, m.tenant); err != nil {
			return nil, fmt.Errorf("loading extensions: %w", err)
		}
	}
	stored, err := m.cfg.Store.LoadSettings(ctx, m.tenant)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	settings := m.settingView(stored)
	stats, err := m.stats(ctx, reqs...)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ref := range refs {
		spec, _ := m.cfg.Catalog.NamespaceField(ref.key)
		var missing []string
		if spec.Restricted && !m.cfg.hasRight(ctx, m.cfg.Catalog.RestrictedRight) {
			missing = append(missing, "permission:"+m.cfg.Catalog.RestrictedRight)
		}
		if spec.From != "" && !spec.Global && !slices.Contains(enabled, spec.From) {
			missing = append(missing, "extension:"+spec.From)
		}
		missing = append(missing, requirements.Evaluate(ctx, spec.Requires, m.state(enabled, settings, stats)).Missing...)
		if len(missing) == 0 {
			continue
		}

		c, _ := m.changes.Get(ref.id)
		after := c.After.Namespace.Clone()
		if old, had := c.Before.Namespace.Additional[ref.key]; c.Before.Present && had {
			after.Additional[ref.key] = old
		} else {
			delete(after.Additional, ref.key)
		}
		m.changes.Stage(ref.id, c.Before, nsEntry{Namespace: after, Present: true})
		errs = append(errs, &domain.RequirementsError{Item: after.Name + "." + ref.key, Missing: missing})
	}
	return errs, nil
}
