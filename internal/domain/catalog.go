package domain

import (
	"slices"
	"sort"
)

// SettingType is the abstract type tag of a setting or namespace field.
type SettingType string

// Requirements is a declarative precondition attached to an extension,
// setting, or additional namespace field. All present kinds are ANDed.
type Requirements struct {
	// Permissions must all be held by the acting principal.
	Permissions []string
	// Extensions lists entries that must be enabled; each entry is satisfied
	// when any of its alternatives is enabled.
	Extensions [][]string
	// Articles and Pages are comparator expressions such as ">= 100".
	Articles string
	Pages    string
	// Settings maps a setting key to the value it must currently hold.
	Settings map[string]any
}

// IsZero reports whether nothing is required.
func (r Requirements) IsZero() bool {
	return len(r.Permissions) == 0 && len(r.Extensions) == 0 &&
		r.Articles == "" && r.Pages == "" && len(r.Settings) == 0
}

// NeedsCounts reports whether evaluating r needs the tenant's article or page counts.
func (r Requirements) NeedsCounts() bool {
	return r.Articles != "" || r.Pages != ""
}

// Script is a maintenance script run as an install side effect.
type Script struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// GroupGrant is what an install grants to one permission group.
type GroupGrant struct {
	Permissions  []string
	AddGroups    []string
	RemoveGroups []string
}

// InstallActions are the side effects of newly enabling an extension.
type InstallActions struct {
	Namespaces  []Namespace
	Permissions map[string]GroupGrant
	Settings    map[string]any
	Scripts     []Script
}

// Empty reports whether the actions do nothing.
func (a InstallActions) Empty() bool {
	return len(a.Namespaces) == 0 && len(a.Permissions) == 0 && len(a.Settings) == 0 && len(a.Scripts) == 0
}

// ExtensionSpec is the static catalog entry of an extension.
type ExtensionSpec struct {
	Name        string
	DisplayName string
	Section     string
	Requires    Requirements
	Conflicts   []string
	Install     InstallActions
}

// TypeOptions carries the type-specific bounds of a setting.
type TypeOptions struct {
	Min     *float64
	Max     *float64
	Options []string
	Cols    []string
	Rows    []string
	Default any
}

// SettingSpec is the static catalog entry of a setting or additional namespace field.
type SettingSpec struct {
	Name       string
	Type       SettingType
	Section    string
	From       string
	Global     bool
	Restricted bool
	Options    TypeOptions
	Requires   Requirements
	Script     *Script
}

// Default returns the catalog default of the setting.
func (s SettingSpec) Default() any {
	return s.Options.Default
}

// PermissionPolicy holds the configured protections for permission groups.
type PermissionPolicy struct {
	PermanentGroups  []string
	DisallowedGroups []string
	// DisallowedRights maps a group name, or AnyGroup, to rights it may not be given.
	DisallowedRights map[string][]string
	DefaultGroups    []PermissionGroup
}

// AnyGroup is the DisallowedRights key that applies to every group.
const AnyGroup = "any"

// IsPermanent reports whether group can never be deleted or renamed.
func (p PermissionPolicy) IsPermanent(group string) bool {
	return slices.Contains(p.PermanentGroups, group)
}

// IsDisallowedGroup reports whether group may not be managed or newly assigned.
func (p PermissionPolicy) IsDisallowedGroup(group string) bool {
	return slices.Contains(p.DisallowedGroups, group)
}

// IsDisallowedRight reports whether right may not be newly given to group.
func (p PermissionPolicy) IsDisallowedRight(group, right string) bool {
	return slices.Contains(p.DisallowedRights[AnyGroup], right) ||
		slices.Contains(p.DisallowedRights[group], right)
}

// Catalog is the read-only static configuration every module is validated against.
type Catalog struct {
	Extensions        map[string]ExtensionSpec
	Settings          map[string]SettingSpec
	NamespaceFields   map[string]SettingSpec
	DefaultNamespaces []Namespace
	Permissions       PermissionPolicy
	// RestrictedRight is required to change settings marked restricted.
	RestrictedRight string
}

// Extension returns the catalog entry for name.
func (c *Catalog) Extension(name string) (ExtensionSpec, bool) {
	spec, ok := c.Extensions[name]
	return spec, ok
}

// Setting returns the catalog entry for key.
func (c *Catalog) Setting(key string) (SettingSpec, bool) {
	spec, ok := c.Settings[key]
	return spec, ok
}

// NamespaceField returns the catalog entry for an additional namespace field.
func (c *Catalog) NamespaceField(key string) (SettingSpec, bool) {
	spec, ok := c.NamespaceFields[key]
	return spec, ok
}

// SettingKeys returns every catalog setting key, sorted.
func (c *Catalog) SettingKeys() []string {
	keys := make([]string, 0, len(c.Settings))
	for k := range c.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CoreNamespaceNames returns the names and aliases of the default core namespaces.
func (c *Catalog) CoreNamespaceNames() []string {
	var out []string
	for _, ns := range c.DefaultNamespaces {
		if !ns.Core {
			continue
		}
		out = append(out, ns.Name)
		out = append(out, ns.Aliases...)
	}
	return out
}
