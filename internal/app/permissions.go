package app

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/neomorfeo/farmconf/internal/changeset"
	"github.com/neomorfeo/farmconf/internal/domain"
)

type groupEntry struct {
	Group   domain.PermissionGroup
	Present bool
}

func groupEqual(a, b groupEntry) bool {
	if a.Present != b.Present {
		return false
	}
	return !a.Present || sameGroup(a.Group, b.Group)
}

// sameGroup compares everything but the name.
func sameGroup(a, b domain.PermissionGroup) bool {
	a.Name, b.Name = "", ""
	if !domain.ValuesEqual(a.Permissions, b.Permissions) || !domain.ValuesEqual(a.Autopromote, b.Autopromote) {
		return false
	}
	for _, rel := range domain.GroupRelations {
		if !domain.ValuesEqual(a.Relation(rel), b.Relation(rel)) {
			return false
		}
	}
	return true
}

// Permissions is the permission group module of one tenant.
type Permissions struct {
	base
	live    map[string]domain.PermissionGroup
	changes *changeset.Set[string, groupEntry]
	renames []domain.GroupRename
}

// LoadPermissions reads the permission groups of tenant.
func LoadPermissions(ctx context.Context, cfg ModuleConfig, tenant string) (*Permissions, error) {
	rows, err := cfg.Store.LoadGroups(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("loading permission groups: %w", err)
	}
	live := make(map[string]domain.PermissionGroup, len(rows))
	for _, g := range rows {
		live[g.Name] = g
	}
	return &Permissions{
		base:    newBase(cfg, tenant, domain.ModulePermissions),
		live:    live,
		changes: changeset.New[string, groupEntry](groupEqual),
	}, nil
}

// List returns group including staged changes.
func (m *Permissions) List(group string) (domain.PermissionGroup, bool) {
	if c, ok := m.changes.Get(group); ok {
		return c.After.Group.Clone(), c.After.Present
	}
	g, ok := m.live[group]
	return g.Clone(), ok
}

// All returns every group including staged changes, ordered by name.
func (m *Permissions) All() []domain.PermissionGroup {
	names := make(map[string]bool, len(m.live))
	for n := range m.live {
		names[n] = true
	}
	for _, n := range m.changes.Keys() {
		names[n] = true
	}
	out := make([]domain.PermissionGroup, 0, len(names))
	for _, n := range slices.Sorted(maps.Keys(names)) {
		if g, ok := m.List(n); ok {
			out = append(out, g)
		}
	}
	return out
}

func (m *Permissions) liveEntry(group string) groupEntry {
	g, ok := m.live[group]
	return groupEntry{Group: g, Present: ok}
}

func (m *Permissions) stage(g domain.PermissionGroup) {
	m.changes.Stage(g.Name, m.liveEntry(g.Name), groupEntry{Group: g, Present: true})
}

// Modify applies delta to group, creating the group when it does not exist.
// Granting disallowed rights or groups is rejected; revoking them never is.
// A delta that revokes every assigned right and grants none deletes the group
// unless it is permanent, in which case it stays as an empty group.
func (m *Permissions) Modify(_ context.Context, group string, delta domain.PermissionDelta) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return &domain.ValidationError{Field: "group", Kind: domain.ValidationBlank}
	}
	if err := m.checkGrants(group, delta); err != nil {
		return err
	}
	if delta.SetAutopromote && delta.Autopromote != nil {
		if err := delta.Autopromote.Validate(); err != nil {
			return err
		}
	}

	cur, exists := m.List(group)
	if !exists {
		cur = domain.PermissionGroup{Name: group}
	}

	next := cur.Clone()
	next.Permissions = applyDelta(cur.Permissions, delta.Permissions)
	for rel, d := range delta.Matrix {
		next.SetRelation(rel, applyDelta(cur.Relation(rel), d))
	}
	if delta.SetAutopromote {
		next.Autopromote = nil
		if delta.Autopromote != nil {
			t := delta.Autopromote.Clone()
			next.Autopromote = &t
		}
	}

	revokedAll := exists && len(cur.Permissions) > 0 && len(next.Permissions) == 0 &&
		len(delta.Permissions.Add) == 0 && len(delta.Permissions.Remove) > 0
	if revokedAll && !m.cfg.Catalog.Permissions.IsPermanent(group) {
		m.drop(group)
		return nil
	}

	m.stage(next)
	return nil
}

func (m *Permissions) checkGrants(group string, delta domain.PermissionDelta) error {
	policy := m.cfg.Catalog.Permissions
	if policy.IsDisallowedGroup(group) && !delta.Empty() {
		return &domain.ValidationError{Field: "group", Kind: domain.ValidationDisallowed, Detail: group}
	}
	for _, right := range delta.Permissions.Add {
		if policy.IsDisallowedRight(group, right) {
			return &domain.ValidationError{Field: "permissions", Kind: domain.ValidationDisallowed, Detail: right}
		}
	}
	for rel, d := range delta.Matrix {
		for _, g := range d.Add {
			if policy.IsDisallowedGroup(g) {
				return &domain.ValidationError{Field: string(rel), Kind: domain.ValidationDisallowed, Detail: g}
			}
		}
	}
	return nil
}

func applyDelta(cur []string, d domain.SetDelta) []string {
	out := make([]string, 0, len(cur)+len(d.Add))
	for _, s := range cur {
		if !slices.Contains(d.Remove, s) {
			out = append(out, s)
		}
	}
	for _, s := range d.Add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Remove deletes group and strips it from the matrix of every other group.
func (m *Permissions) Remove(_ context.Context, group string) error {
	if m.cfg.Catalog.Permissions.IsPermanent(group) {
		return &domain.NotRemovableError{Kind: "group", Name: group, Op: "deleted"}
	}
	if _, ok := m.List(group); !ok {
		return fmt.Errorf("group %q: %w", group, domain.ErrGroupNotFound)
	}
	m.drop(group)
	return nil
}

func (m *Permissions) drop(group string) {
	m.changes.Stage(group, m.liveEntry(group), groupEntry{})
	m.rewriteReferences(group, "")
}

// rewriteReferences replaces from with to in every group's matrix, or removes
// it when to is empty.
func (m *Permissions) rewriteReferences(from, to string) {
	for _, g := range m.All() {
		changed := false
		for _, rel := range domain.GroupRelations {
			groups := g.Relation(rel)
			i := slices.Index(groups, from)
			if i < 0 {
				continue
			}
			groups = slices.Delete(slices.Clone(groups), i, i+1)
			if to != "" && !slices.Contains(groups, to) {
				groups = append(groups, to)
				slices.Sort(groups)
			}
			g.SetRelation(rel, groups)
			changed = true
		}
		if changed {
			m.stage(g)
		}
	}
}

// Rename moves group old to name to, carrying its rights, matrix, and
// autopromote rule, and rewrites references held by other groups.
func (m *Permissions) Rename(_ context.Context, old, to string) error {
	to = strings.TrimSpace(to)
	policy := m.cfg.Catalog.Permissions
	if policy.IsPermanent(old) {
		return &domain.NotRemovableError{Kind: "group", Name: old, Op: "renamed"}
	}
	g, ok := m.List(old)
	if !ok {
		return fmt.Errorf("group %q: %w", old, domain.ErrGroupNotFound)
	}
	switch {
	case to == "":
		return &domain.ValidationError{Field: "group", Kind: domain.ValidationBlank}
	case to == old:
		return nil
	case policy.IsDisallowedGroup(to):
		return &domain.ValidationError{Field: "group", Kind: domain.ValidationDisallowed, Detail: to}
	}
	if _, taken := m.List(to); taken {
		return &domain.ValidationError{Field: "group", Kind: domain.ValidationNameConflict, Detail: to}
	}

	m.changes.Stage(old, m.liveEntry(old), groupEntry{})
	g.Name = to
	m.stage(g)
	m.rewriteReferences(old, to)

	// Collapse chained renames so the store sees one row move per live group.
	for i, r := range m.renames {
		if r.To != old {
			continue
		}
		if r.From == to {
			m.renames = slices.Delete(m.renames, i, i+1)
		} else {
			m.renames[i].To = to
		}
		return nil
	}
	if _, isLive := m.live[old]; isLive {
		m.renames = append(m.renames, domain.GroupRename{From: old, To: to})
	}
	return nil
}

// Pending returns the number of staged groups plus pending renames.
func (m *Permissions) Pending() int {
	return m.changes.Len() + len(m.renames)
}

// Discard drops every staged change.
func (m *Permissions) Discard() {
	m.changes.Reset()
	m.renames = nil
}

// Close reports staged changes that were neither committed nor discarded.
func (m *Permissions) Close() error {
	return m.uncommitted(m.Pending())
}

// Commit writes deletes, renames, and upserts in one transaction, then asks
// the membership updater to follow renamed and deleted groups.
func (m *Permissions) Commit(ctx context.Context) (*Result, error) {
	if m.Pending() == 0 {
		return m.finish(ctx, nil, nil)
	}

	renamedFrom := make(map[string]string, len(m.renames))
	renamedTo := make(map[string]string, len(m.renames))
	w := domain.PermissionWrite{Renames: slices.Clone(m.renames)}
	var changes []domain.ItemChange
	for _, r := range m.renames {
		renamedFrom[r.From] = r.To
		renamedTo[r.To] = r.From
	}

	// A rename onto the name of a removed stored group replaces that row.
	var deleted []string
	for _, r := range m.renames {
		if _, movedAway := renamedFrom[r.To]; movedAway {
			continue
		}
		if prev, stored := m.live[r.To]; stored {
			w.Deletes = append(w.Deletes, r.To)
			deleted = append(deleted, r.To)
			changes = append(changes, domain.ItemChange{Item: r.To, Action: domain.ActionDelete, Old: prev})
		}
	}
	for _, r := range m.renames {
		changes = append(changes, domain.ItemChange{Item: r.From, Field: "name", Action: domain.ActionRename, Old: r.From, New: r.To})
	}

	for _, name := range m.changes.Keys() {
		c, _ := m.changes.Get(name)
		if _, ok := renamedFrom[name]; ok {
			continue
		}
		if !c.After.Present {
			w.Deletes = append(w.Deletes, name)
			deleted = append(deleted, name)
			changes = append(changes, domain.ItemChange{Item: name, Action: domain.ActionDelete, Old: c.Before.Group})
			continue
		}
		w.Upserts = append(w.Upserts, c.After.Group)
		before := c.Before
		if src, ok := renamedTo[name]; ok {
			before = m.liveEntry(src)
		}
		switch {
		case !before.Present:
			changes = append(changes, domain.ItemChange{Item: name, Action: domain.ActionCreate, New: c.After.Group})
		case !sameGroup(before.Group, c.After.Group):
			changes = append(changes, domain.ItemChange{Item: name, Action: domain.ActionModify, Old: before.Group, New: c.After.Group})
		}
	}

	if err := m.cfg.Store.ApplyGroups(ctx, m.tenant, w); err != nil {
		return nil, fmt.Errorf("applying permission groups: %w", err)
	}

	for _, r := range w.Renames {
		m.live[r.To] = m.live[r.From]
		delete(m.live, r.From)
	}
	for _, name := range m.changes.Keys() {
		c, _ := m.changes.Get(name)
		if c.After.Present {
			m.live[name] = c.After.Group
		} else {
			delete(m.live, name)
		}
	}
	m.Discard()

	var errs []error
	follow := func(from, to string) {
		if m.cfg.Members == nil {
			return
		}
		if err := m.cfg.Members.UpdateMembership(ctx, m.tenant, from, to); err != nil {
			errs = append(errs, &domain.InstallError{Item: "group " + from, Err: err})
		}
	}
	for _, name := range deleted {
		follow(name, "")
	}
	for _, r := range w.Renames {
		follow(r.From, r.To)
	}

	return m.finish(ctx, changes, errs)
}
