package domain

import (
	"maps"
	"slices"
	"strings"
)

// Namespace is one namespace definition of a tenant.
type Namespace struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Searchable   bool           `json:"searchable"`
	Subpages     bool           `json:"subpages"`
	Content      bool           `json:"content"`
	ContentModel string         `json:"content_model"`
	Protection   string         `json:"protection"`
	Aliases      []string       `json:"aliases"`
	Core         bool           `json:"core"`
	Additional   map[string]any `json:"additional"`
}

// IsTalk reports whether the namespace is a talk namespace.
// Negative ids (Media, Special) have no talk pair.
func (n Namespace) IsTalk() bool {
	return IsTalkID(n.ID)
}

// IsTalkID reports whether id is a talk namespace id.
func IsTalkID(id int) bool {
	return id >= 0 && id%2 == 1
}

// PairOf returns the subject and talk ids of the pair id belongs to.
func PairOf(id int) (subject, talk int) {
	if IsTalkID(id) {
		return id - 1, id
	}
	return id, id + 1
}

// Clone returns a deep copy of n.
func (n Namespace) Clone() Namespace {
	out := n
	out.Aliases = slices.Clone(n.Aliases)
	if n.Additional != nil {
		out.Additional = maps.Clone(n.Additional)
	}
	return out
}

// NormalizeNamespaceName converts a display name into its canonical stored form.
func NormalizeNamespaceName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}
