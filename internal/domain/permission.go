package domain

import "slices"

// GroupRelation is one of the four group-to-group relations of the group matrix.
type GroupRelation string

const (
	RelationAddGroups    GroupRelation = "addgroups"
	RelationRemoveGroups GroupRelation = "removegroups"
	RelationAddSelf      GroupRelation = "addself"
	RelationRemoveSelf   GroupRelation = "removeself"
)

// GroupRelations lists the matrix relations in their canonical order.
var GroupRelations = []GroupRelation{
	RelationAddGroups,
	RelationRemoveGroups,
	RelationAddSelf,
	RelationRemoveSelf,
}

// GroupMatrix maps a relation to the groups it covers.
type GroupMatrix map[GroupRelation][]string

// PermissionGroup is a named set of rights plus its group matrix and autopromote rule.
type PermissionGroup struct {
	Name         string         `json:"name"`
	Permissions  []string       `json:"permissions"`
	AddGroups    []string       `json:"addgroups"`
	RemoveGroups []string       `json:"removegroups"`
	AddSelf      []string       `json:"addself"`
	RemoveSelf   []string       `json:"removeself"`
	Autopromote  *ConditionTree `json:"autopromote,omitempty"`
}

// Relation returns the groups held under rel.
func (g PermissionGroup) Relation(rel GroupRelation) []string {
	switch rel {
	case RelationAddGroups:
		return g.AddGroups
	case RelationRemoveGroups:
		return g.RemoveGroups
	case RelationAddSelf:
		return g.AddSelf
	case RelationRemoveSelf:
		return g.RemoveSelf
	}
	return nil
}

// SetRelation replaces the groups held under rel.
func (g *PermissionGroup) SetRelation(rel GroupRelation, groups []string) {
	switch rel {
	case RelationAddGroups:
		g.AddGroups = groups
	case RelationRemoveGroups:
		g.RemoveGroups = groups
	case RelationAddSelf:
		g.AddSelf = groups
	case RelationRemoveSelf:
		g.RemoveSelf = groups
	}
}

// Matrix returns the group matrix of g.
func (g PermissionGroup) Matrix() GroupMatrix {
	m := make(GroupMatrix, len(GroupRelations))
	for _, rel := range GroupRelations {
		m[rel] = slices.Clone(g.Relation(rel))
	}
	return m
}

// Clone returns a deep copy of g.
func (g PermissionGroup) Clone() PermissionGroup {
	out := g
	out.Permissions = slices.Clone(g.Permissions)
	out.AddGroups = slices.Clone(g.AddGroups)
	out.RemoveGroups = slices.Clone(g.RemoveGroups)
	out.AddSelf = slices.Clone(g.AddSelf)
	out.RemoveSelf = slices.Clone(g.RemoveSelf)
	if g.Autopromote != nil {
		t := g.Autopromote.Clone()
		out.Autopromote = &t
	}
	return out
}

// SetDelta is an add/remove pair applied to a set.
type SetDelta struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d SetDelta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// PermissionDelta describes a modification of one group.
// Autopromote is only applied when SetAutopromote is true; a nil tree then clears it.
type PermissionDelta struct {
	Permissions    SetDelta
	Matrix         map[GroupRelation]SetDelta
	SetAutopromote bool
	Autopromote    *ConditionTree
}

// Empty reports whether the delta changes nothing.
func (d PermissionDelta) Empty() bool {
	if !d.Permissions.Empty() || d.SetAutopromote {
		return false
	}
	for _, sd := range d.Matrix {
		if !sd.Empty() {
			return false
		}
	}
	return true
}

// GroupMatrixDiff computes, per relation present in desired, the groups to add
// (desired - current) and to remove (current - desired). Relations missing from
// desired yield no diff. When visible is non-nil only those groups are diffed, so
// entries the caller cannot see are preserved.
func GroupMatrixDiff(current, desired GroupMatrix, visible []string) map[GroupRelation]SetDelta {
	out := make(map[GroupRelation]SetDelta)
	inView := func(g string) bool {
		return visible == nil || slices.Contains(visible, g)
	}
	for _, rel := range GroupRelations {
		want, ok := desired[rel]
		if !ok {
			continue
		}
		have := current[rel]
		var d SetDelta
		for _, g := range want {
			if inView(g) && !slices.Contains(have, g) && !slices.Contains(d.Add, g) {
				d.Add = append(d.Add, g)
			}
		}
		for _, g := range have {
			if inView(g) && !slices.Contains(want, g) {
				d.Remove = append(d.Remove, g)
			}
		}
		slices.Sort(d.Add)
		slices.Sort(d.Remove)
		out[rel] = d
	}
	return out
}

// SetDiff returns the add/remove delta turning current into desired.
func SetDiff(current, desired []string) SetDelta {
	m := GroupMatrixDiff(
		GroupMatrix{RelationAddGroups: current},
		GroupMatrix{RelationAddGroups: desired},
		nil,
	)
	return m[RelationAddGroups]
}
