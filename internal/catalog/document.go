package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/neomorfeo/farmconf/internal/domain"
)

// document is the root of a catalog YAML file.
type document struct {
	RestrictedRight string           `yaml:"restricted_right" validate:"required"`
	Extensions      []extensionDoc   `yaml:"extensions" validate:"dive"`
	Settings        []settingDoc     `yaml:"settings" validate:"dive"`
	NamespaceFields []settingDoc     `yaml:"namespace_fields" validate:"dive"`
	Namespaces      []namespaceDoc   `yaml:"namespaces" validate:"dive"`
	Permissions     permissionPolicy `yaml:"permissions"`
}

type requirementsDoc struct {
	Permissions []string       `yaml:"permissions" validate:"dive,required"`
	Extensions  []alternatives `yaml:"extensions" validate:"dive,min=1,dive,required"`
	Articles    string         `yaml:"articles" validate:"omitempty,comparator"`
	Pages       string         `yaml:"pages" validate:"omitempty,comparator"`
	Settings    map[string]any `yaml:"settings"`
}

// alternatives is one required-extension entry. YAML accepts either a single
// name or a list of names any of which satisfies the entry.
type alternatives []string

func (a *alternatives) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*a = alternatives{node.Value}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*a = names
		return nil
	}
	return fmt.Errorf("line %d: extension requirement must be a name or a list of names", node.Line)
}

type scriptDoc struct {
	Name string   `yaml:"name" validate:"required"`
	Args []string `yaml:"args"`
}

type grantDoc struct {
	Permissions  []string `yaml:"permissions"`
	AddGroups    []string `yaml:"addgroups"`
	RemoveGroups []string `yaml:"removegroups"`
}

type installDoc struct {
	Namespaces  []namespaceDoc      `yaml:"namespaces" validate:"dive"`
	Permissions map[string]grantDoc `yaml:"permissions"`
	Settings    map[string]any      `yaml:"settings"`
	Scripts     []scriptDoc         `yaml:"scripts" validate:"dive"`
}

type extensionDoc struct {
	Name        string          `yaml:"name" validate:"required"`
	DisplayName string          `yaml:"display_name"`
	Section     string          `yaml:"section" validate:"required"`
	Requires    requirementsDoc `yaml:"requires"`
	Conflicts   []string        `yaml:"conflicts" validate:"dive,required"`
	Install     installDoc      `yaml:"install"`
}

type settingDoc struct {
	Name       string          `yaml:"name" validate:"required"`
	Type       string          `yaml:"type" validate:"required"`
	Section    string          `yaml:"section"`
	From       string          `yaml:"from"`
	Global     bool            `yaml:"global"`
	Restricted bool            `yaml:"restricted"`
	Min        *float64        `yaml:"min"`
	Max        *float64        `yaml:"max"`
	Options    []string        `yaml:"options"`
	Cols       []string        `yaml:"cols"`
	Rows       []string        `yaml:"rows"`
	Default    any             `yaml:"default"`
	Requires   requirementsDoc `yaml:"requires"`
	Script     *scriptDoc      `yaml:"script"`
}

type namespaceDoc struct {
	ID           int            `yaml:"id"`
	Name         string         `yaml:"name" validate:"required"`
	Searchable   bool           `yaml:"searchable"`
	Subpages     bool           `yaml:"subpages"`
	Content      bool           `yaml:"content"`
	ContentModel string         `yaml:"content_model"`
	Protection   string         `yaml:"protection"`
	Aliases      []string       `yaml:"aliases"`
	Core         bool           `yaml:"core"`
	Additional   map[string]any `yaml:"additional"`
}

type conditionDoc struct {
	Op         string    `yaml:"op" validate:"required"`
	Once       bool      `yaml:"once"`
	Conditions []atomDoc `yaml:"conditions" validate:"min=1,dive"`
}

type atomDoc struct {
	Kind   string        `yaml:"kind"`
	Value  int64         `yaml:"value"`
	Groups []string      `yaml:"groups"`
	Tree   *conditionDoc `yaml:"tree"`
}

type groupDoc struct {
	Name         string        `yaml:"name" validate:"required"`
	Permissions  []string      `yaml:"permissions"`
	AddGroups    []string      `yaml:"addgroups"`
	RemoveGroups []string      `yaml:"removegroups"`
	AddSelf      []string      `yaml:"addself"`
	RemoveSelf   []string      `yaml:"removeself"`
	Autopromote  *conditionDoc `yaml:"autopromote"`
}

type permissionPolicy struct {
	PermanentGroups  []string            `yaml:"permanent_groups"`
	DisallowedGroups []string            `yaml:"disallowed_groups"`
	DisallowedRights map[string][]string `yaml:"disallowed_rights"`
	DefaultGroups    []groupDoc          `yaml:"default_groups" validate:"dive"`
}

func (r requirementsDoc) toDomain() domain.Requirements {
	out := domain.Requirements{
		Permissions: r.Permissions,
		Articles:    r.Articles,
		Pages:       r.Pages,
		Settings:    r.Settings,
	}
	for _, alt := range r.Extensions {
		out.Extensions = append(out.Extensions, []string(alt))
	}
	return out
}

func (s *scriptDoc) toDomain() *domain.Script {
	if s == nil {
		return nil
	}
	return &domain.Script{Name: s.Name, Args: s.Args}
}

func (i installDoc) toDomain() domain.InstallActions {
	out := domain.InstallActions{Settings: i.Settings}
	for _, ns := range i.Namespaces {
		out.Namespaces = append(out.Namespaces, ns.toDomain())
	}
	if len(i.Permissions) > 0 {
		out.Permissions = make(map[string]domain.GroupGrant, len(i.Permissions))
		for group, g := range i.Permissions {
			out.Permissions[group] = domain.GroupGrant{
				Permissions:  g.Permissions,
				AddGroups:    g.AddGroups,
				RemoveGroups: g.RemoveGroups,
			}
		}
	}
	for _, s := range i.Scripts {
		out.Scripts = append(out.Scripts, *s.toDomain())
	}
	return out
}

func (e extensionDoc) toDomain() domain.ExtensionSpec {
	display := e.DisplayName
	if display == "" {
		display = e.Name
	}
	return domain.ExtensionSpec{
		Name:        e.Name,
		DisplayName: display,
		Section:     e.Section,
		Requires:    e.Requires.toDomain(),
		Conflicts:   e.Conflicts,
		Install:     e.Install.toDomain(),
	}
}

func (s settingDoc) toDomain() domain.SettingSpec {
	return domain.SettingSpec{
		Name:       s.Name,
		Type:       domain.SettingType(s.Type),
		Section:    s.Section,
		From:       s.From,
		Global:     s.Global,
		Restricted: s.Restricted,
		Options: domain.TypeOptions{
			Min:     s.Min,
			Max:     s.Max,
			Options: s.Options,
			Cols:    s.Cols,
			Rows:    s.Rows,
			Default: s.Default,
		},
		Requires: s.Requires.toDomain(),
		Script:   s.Script.toDomain(),
	}
}

func (n namespaceDoc) toDomain() domain.Namespace {
	aliases := make([]string, 0, len(n.Aliases))
	for _, a := range n.Aliases {
		aliases = append(aliases, domain.NormalizeNamespaceName(a))
	}
	return domain.Namespace{
		ID:           n.ID,
		Name:         domain.NormalizeNamespaceName(n.Name),
		Searchable:   n.Searchable,
		Subpages:     n.Subpages,
		Content:      n.Content,
		ContentModel: n.ContentModel,
		Protection:   n.Protection,
		Aliases:      aliases,
		Core:         n.Core,
		Additional:   n.Additional,
	}
}

func (c *conditionDoc) toDomain() *domain.ConditionTree {
	if c == nil {
		return nil
	}
	tree := &domain.ConditionTree{Op: domain.ConditionOp(c.Op), Once: c.Once}
	for _, a := range c.Conditions {
		tree.Conditions = append(tree.Conditions, domain.Condition{
			Kind:   domain.ConditionKind(a.Kind),
			Value:  a.Value,
			Groups: a.Groups,
			Tree:   a.Tree.toDomain(),
		})
	}
	return tree
}

func (g groupDoc) toDomain() domain.PermissionGroup {
	return domain.PermissionGroup{
		Name:         g.Name,
		Permissions:  g.Permissions,
		AddGroups:    g.AddGroups,
		RemoveGroups: g.RemoveGroups,
		AddSelf:      g.AddSelf,
		RemoveSelf:   g.RemoveSelf,
		Autopromote:  g.Autopromote.toDomain(),
	}
}
