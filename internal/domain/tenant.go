package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Module names one independently persisted configuration facet of a tenant.
type Module string

const (
	ModuleExtensions  Module = "extensions"
	ModuleSettings    Module = "settings"
	ModuleNamespaces  Module = "namespaces"
	ModulePermissions Module = "permissions"
)

// Action classifies a single recorded change.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionCreate  Action = "create"
	ActionModify  Action = "modify"
	ActionReset   Action = "reset"
	ActionDelete  Action = "delete"
	ActionRename  Action = "rename"
)

// ItemChange is one old -> new entry of a change summary.
type ItemChange struct {
	Item   string `json:"item"`
	Field  string `json:"field,omitempty"`
	Action Action `json:"action"`
	Old    any    `json:"old,omitempty"`
	New    any    `json:"new,omitempty"`
}

// ChangeSummary is the structured description of a committed changeset.
// It is what audit sinks record; this package never writes audit entries itself.
type ChangeSummary struct {
	ID        string       `json:"id"`
	Tenant    string       `json:"tenant"`
	Module    Module       `json:"module"`
	Changes   []ItemChange `json:"changes"`
	CreatedAt time.Time    `json:"created_at"`
}

// Empty reports whether the summary carries no changes.
func (s ChangeSummary) Empty() bool {
	return len(s.Changes) == 0
}

// Items returns the distinct item names touched by the summary, in order of first appearance.
func (s ChangeSummary) Items() []string {
	seen := make(map[string]bool, len(s.Changes))
	var out []string
	for _, c := range s.Changes {
		if seen[c.Item] {
			continue
		}
		seen[c.Item] = true
		out = append(out, c.Item)
	}
	return out
}

// ValuesEqual compares two configuration values by their JSON encoding, so
// int64(5) and float64(5) or a nil and an empty map compare the way they persist.
func ValuesEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(normalizeEmpty(ja), normalizeEmpty(jb))
}

func normalizeEmpty(b []byte) []byte {
	switch string(b) {
	case "null", "{}", "[]":
		return nil
	}
	return b
}
