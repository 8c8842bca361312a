package app

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/neomorfeo/farmconf/internal/changeset"
	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/neomorfeo/farmconf/internal/requirements"
)

// storedValue is a setting as persisted: absent keys fall back to the default.
type storedValue struct {
	Value   any
	Present bool
}

func storedEqual(a, b storedValue) bool {
	if a.Present != b.Present {
		return false
	}
	return !a.Present || domain.ValuesEqual(a.Value, b.Value)
}

// Settings is the keyed setting module of one tenant.
type Settings struct {
	base
	live    map[string]any
	changes *changeset.Set[string, storedValue]
	// enabled overrides the persisted extension set when checking "from";
	// install actions set it before the extension set is written.
	enabled []string
}

// LoadSettings reads the stored settings of tenant.
func LoadSettings(ctx context.Context, cfg ModuleConfig, tenant string) (*Settings, error) {
	live, err := cfg.Store.LoadSettings(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if live == nil {
		live = make(map[string]any)
	}
	// Stores hand back decoded JSON; bring known keys to their canonical type.
	for key, raw := range live {
		spec, ok := cfg.Catalog.Settings[key]
		if !ok {
			continue
		}
		if v, err := cfg.Registry.CoerceSetting(spec, raw); err == nil {
			live[key] = v
		}
	}
	return &Settings{
		base:    newBase(cfg, tenant, domain.ModuleSettings),
		live:    live,
		changes: changeset.New[string, storedValue](storedEqual),
	}, nil
}

func (m *Settings) stored(key string) storedValue {
	if c, ok := m.changes.Get(key); ok {
		return c.After
	}
	v, ok := m.live[key]
	return storedValue{Value: v, Present: ok}
}

// List returns the value of key including staged changes, falling back to
// the catalog default. ok is false for keys neither stored nor in the catalog.
func (m *Settings) List(key string) (value any, ok bool) {
	if sv := m.stored(key); sv.Present {
		return sv.Value, true
	}
	if spec, found := m.cfg.Catalog.Setting(key); found {
		return spec.Default(), true
	}
	return nil, false
}

// All returns every catalog setting plus any stored key, defaults filled in.
func (m *Settings) All() map[string]any {
	out := make(map[string]any, len(m.cfg.Catalog.Settings))
	for _, key := range m.cfg.Catalog.SettingKeys() {
		out[key], _ = m.List(key)
	}
	maps.Copy(out, m.Stored())
	return out
}

// Stored returns only the explicitly stored values, staged changes included.
func (m *Settings) Stored() map[string]any {
	out := make(map[string]any, len(m.live))
	for k, v := range m.live {
		out[k] = v
	}
	for _, k := range m.changes.Keys() {
		c, _ := m.changes.Get(k)
		if c.After.Present {
			out[k] = c.After.Value
		} else {
			delete(out, k)
		}
	}
	return out
}

// Modify validates every value first and stages nothing if any is invalid.
// A value equal to the catalog default is stored as absent.
func (m *Settings) Modify(_ context.Context, values map[string]any) error {
	coerced := make(map[string]any, len(values))
	for key, raw := range values {
		spec, ok := m.cfg.Catalog.Setting(key)
		if !ok {
			return &domain.ValidationError{Field: key, Kind: domain.ValidationUnknownItem}
		}
		v, err := m.cfg.Registry.CoerceSetting(spec, raw)
		if err != nil {
			return err
		}
		coerced[key] = v
	}

	for _, key := range sortedKeys(coerced) {
		spec, _ := m.cfg.Catalog.Setting(key)
		target := storedValue{Value: coerced[key], Present: true}
		if domain.ValuesEqual(coerced[key], spec.Default()) {
			target = storedValue{}
		}
		if cur, ok := m.List(key); ok && domain.ValuesEqual(cur, coerced[key]) && m.stored(key).Present == target.Present {
			continue
		}
		m.changes.Stage(key, m.liveValue(key), target)
	}
	return nil
}

// Remove resets keys to their catalog default.
func (m *Settings) Remove(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if _, ok := m.cfg.Catalog.Setting(key); !ok && !m.stored(key).Present {
			return &domain.ValidationError{Field: key, Kind: domain.ValidationUnknownItem}
		}
	}
	for _, key := range keys {
		m.changes.Stage(key, m.liveValue(key), storedValue{})
	}
	return nil
}

// OverwriteAll applies values and, when removeUnlisted is set, resets every
// catalog key missing from values. Callers that only present a subset of the
// settings pass false so the rest stays untouched.
func (m *Settings) OverwriteAll(ctx context.Context, values map[string]any, removeUnlisted bool) error {
	if err := m.Modify(ctx, values); err != nil {
		return err
	}
	if !removeUnlisted {
		return nil
	}
	var unlisted []string
	for _, key := range m.cfg.Catalog.SettingKeys() {
		if _, ok := values[key]; !ok && m.stored(key).Present {
			unlisted = append(unlisted, key)
		}
	}
	return m.Remove(ctx, unlisted...)
}

func (m *Settings) liveValue(key string) storedValue {
	v, ok := m.live[key]
	return storedValue{Value: v, Present: ok}
}

// Pending returns the number of staged keys.
func (m *Settings) Pending() int {
	return m.changes.Len()
}

// Discard drops every staged change.
func (m *Settings) Discard() {
	m.changes.Reset()
}

// Close reports staged changes that were neither committed nor discarded.
func (m *Settings) Close() error {
	return m.uncommitted(m.changes.Len())
}

// Commit re-checks every changed key, persists the full map as one document,
// then runs maintenance scripts registered on changed keys. Script failures
// are recorded, not rolled back.
func (m *Settings) Commit(ctx context.Context) (*Result, error) {
	enabled := m.enabled
	if enabled == nil {
		var err error
		if enabled, err = m.cfg.Store.LoadExtensions(ctx, m.tenant); err != nil {
			return nil, fmt.Errorf("loading extensions: %w", err)
		}
	}

	var reqs []domain.Requirements
	for _, key := range m.changes.Keys() {
		if spec, ok := m.cfg.Catalog.Setting(key); ok {
			reqs = append(reqs, spec.Requires)
		}
	}
	stats, err := m.stats(ctx, reqs...)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, key := range m.changes.Keys() {
		c, _ := m.changes.Get(key)
		spec, ok := m.cfg.Catalog.Setting(key)
		if !ok {
			continue
		}
		if missing := m.missing(ctx, spec, c.After.Present, enabled, stats); len(missing) > 0 {
			errs = append(errs, &domain.RequirementsError{Item: key, Missing: missing})
			m.changes.Discard(key)
		}
	}

	if m.changes.Len() == 0 {
		return m.finish(ctx, nil, errs)
	}

	final := m.Stored()
	if err := m.cfg.Store.SaveSettings(ctx, m.tenant, final); err != nil {
		return nil, fmt.Errorf("saving settings: %w", err)
	}

	var changes []domain.ItemChange
	var scripts []domain.Script
	for _, key := range m.changes.Keys() {
		c, _ := m.changes.Get(key)
		action := domain.ActionModify
		if !c.After.Present {
			action = domain.ActionReset
		}
		changes = append(changes, domain.ItemChange{Item: key, Action: action, Old: c.Before.Value, New: c.After.Value})
		if spec, ok := m.cfg.Catalog.Setting(key); ok && spec.Script != nil && !slices.ContainsFunc(scripts, func(s domain.Script) bool {
			return s.Name == spec.Script.Name
		}) {
			scripts = append(scripts, *spec.Script)
		}
	}

	m.live = final
	m.changes.Reset()

	for _, s := range scripts {
		if m.cfg.Scripts == nil {
			m.log.WarnContext(ctx, "no script runner configured", "script", s.Name)
			continue
		}
		if err := m.cfg.Scripts.RunScript(ctx, m.tenant, s); err != nil {
			errs = append(errs, &domain.InstallError{Item: s.Name, Err: err})
		}
	}

	return m.finish(ctx, changes, errs)
}

// missing lists what keeps a changed value from being committed. Resetting
// a key to its default only needs the restricted right.
func (m *Settings) missing(ctx context.Context, spec domain.SettingSpec, present bool, enabled []string, stats domain.SiteStats) []string {
	var out []string
	if spec.Restricted && !m.cfg.hasRight(ctx, m.cfg.Catalog.RestrictedRight) {
		out = append(out, "permission:"+m.cfg.Catalog.RestrictedRight)
	}
	if !present {
		return out
	}
	if spec.From != "" && !spec.Global && !slices.Contains(enabled, spec.From) {
		out = append(out, "extension:"+spec.From)
	}
	res := requirements.Evaluate(ctx, spec.Requires, m.state(enabled, m.All(), stats))
	return append(out, res.Missing...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
