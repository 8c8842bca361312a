package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

type committer interface {
	Commit(ctx context.Context) (*Result, error)
	Discard()
}

// install runs the install actions of newly enabled extensions, dependencies
// first. A failing item is discarded; what earlier items installed stays.
func (m *Extensions) install(ctx context.Context, newly []string, enabled map[string]bool, discard func(string, error)) []*Result {
	var related []*Result
	for _, name := range installOrder(m.cfg.Catalog, newly) {
		if !enabled[name] {
			continue
		}
		spec, _ := m.cfg.Catalog.Extension(name)

		// A dependency may have been discarded by an earlier failed install.
		st := requirements.State{PreAuthorized: true, Extensions: enabledList(enabled)}
		if out := requirements.Evaluate(ctx, domain.Requirements{Extensions: spec.Requires.Extensions}, st); !out.Satisfied() {
			discard(name, &domain.RequirementsError{Item: name, Missing: out.Missing})
			continue
		}
		if spec.Install.Empty() {
			continue
		}

		results, err := runInstall(ctx, m.cfg, m.tenant, spec, enabledList(enabled))
		related = append(related, results...)
		if err != nil {
			discard(name, &domain.InstallError{Item: name, Err: err})
		}
	}
	return related
}

// installOrder sorts names so every extension comes after the extensions it
// requires, using Kahn's algorithm. Names caught in a cycle follow in name order.
func installOrder(cat *domain.Catalog, names []string) []string {
	nodes := slices.Clone(names)
	slices.Sort(nodes)

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, name := range nodes {
		spec, _ := cat.Extension(name)
		for _, alternatives := range spec.Requires.Extensions {
			for _, dep := range alternatives {
				if dep != name && slices.Contains(nodes, dep) && !slices.Contains(dependents[dep], name) {
					dependents[dep] = append(dependents[dep], name)
					inDegree[name]++
				}
			}
		}
	}

	var queue, order []string
	for _, name := range nodes {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	for _, name := range nodes {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	return order
}

// runInstall applies spec's install actions through the regular modules,
// pre-authorized, so they get the same validation and persistence as any
// other change.
func runInstall(ctx context.Context, cfg ModuleConfig, tenant string, spec domain.ExtensionSpec, enabled []string) ([]*Result, error) {
	cfg.PreAuthorized = true
	act := spec.Install
	var results []*Result

	if len(act.Namespaces) > 0 {
		ns, err := LoadNamespaces(ctx, cfg, tenant)
		if err != nil {
			return results, err
		}
		ns.enabled = enabled
		for _, n := range act.Namespaces {
			if _, exists := ns.List(n.ID); exists {
				continue
			}
			if err := ns.Modify(ctx, n, false); err != nil {
				ns.Discard()
				return results, fmt.Errorf("namespace %d: %w", n.ID, err)
			}
		}
		if results, err = commitStep(ctx, ns, results); err != nil {
			return results, err
		}
	}

	if len(act.Permissions) > 0 {
		perms, err := LoadPermissions(ctx, cfg, tenant)
		if err != nil {
			return results, err
		}
		groups := make([]string, 0, len(act.Permissions))
		for g := range act.Permissions {
			groups = append(groups, g)
		}
		slices.Sort(groups)
		for _, g := range groups {
			grant := act.Permissions[g]
			delta := domain.PermissionDelta{
				Permissions: domain.SetDelta{Add: grant.Permissions},
				Matrix: map[domain.GroupRelation]domain.SetDelta{
					domain.RelationAddGroups:    {Add: grant.AddGroups},
					domain.RelationRemoveGroups: {Add: grant.RemoveGroups},
				},
			}
			if err := perms.Modify(ctx, g, delta); err != nil {
				perms.Discard()
				return results, fmt.Errorf("group %q: %w", g, err)
			}
		}
		if results, err = commitStep(ctx, perms, results); err != nil {
			return results, err
		}
	}

	if len(act.Settings) > 0 {
		settings, err := LoadSettings(ctx, cfg, tenant)
		if err != nil {
			return results, err
		}
		settings.enabled = enabled
		if err := settings.Modify(ctx, act.Settings); err != nil {
			settings.Discard()
			return results, err
		}
		if results, err = commitStep(ctx, settings, results); err != nil {
			return results, err
		}
	}

	for _, script := range act.Scripts {
		if cfg.Scripts == nil {
			cfg.logger().WarnContext(ctx, "no script runner configured", "tenant", tenant, "script", script.Name)
			continue
		}
		if err := cfg.Scripts.RunScript(ctx, tenant, script); err != nil {
			return results, fmt.Errorf("script %q: %w", script.Name, err)
		}
	}
	return results, nil
}

func commitStep(ctx context.Context, mod committer, results []*Result) ([]*Result, error) {
	res, err := mod.Commit(ctx)
	if err != nil {
		if domain.IsNoChanges(err) {
			return results, nil
		}
		mod.Discard()
		return results, err
	}
	results = append(results, res)
	return results, res.Err()
}
