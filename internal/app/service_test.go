package app_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	adapter "github.com/neomorfeo/farmconf/internal/adapter/fsm"
	"github.com/neomorfeo/farmconf/internal/app"
	"github.com/neomorfeo/farmconf/internal/catalog"
	"github.com/neomorfeo/farmconf/internal/coerce"
	"github.com/neomorfeo/farmconf/internal/domain"
)

// --- Mocks ---

type memStore struct {
	extensions map[string][]string
	settings   map[string]map[string]any
	namespaces map[string]map[int]domain.Namespace
	groups     map[string]map[string]domain.PermissionGroup
	stats      map[string]domain.SiteStats
	writes     int
	failWrites error
}

func newMemStore() *memStore {
	return &memStore{
		extensions: make(map[string][]string),
		settings:   make(map[string]map[string]any),
		namespaces: make(map[string]map[int]domain.Namespace),
		groups:     make(map[string]map[string]domain.PermissionGroup),
		stats:      make(map[string]domain.SiteStats),
	}
}

func (m *memStore) LoadExtensions(_ context.Context, tenant string) ([]string, error) {
	return slices.Clone(m.extensions[tenant]), nil
}

func (m *memStore) SaveExtensions(_ context.Context, tenant string, enabled []string) error {
	if m.failWrites != nil {
		return m.failWrites
	}
	m.writes++
	m.extensions[tenant] = slices.Clone(enabled)
	return nil
}

func (m *memStore) LoadSettings(_ context.Context, tenant string) (map[string]any, error) {
	return maps.Clone(m.settings[tenant]), nil
}

func (m *memStore) SaveSettings(_ context.Context, tenant string, settings map[string]any) error {
	if m.failWrites != nil {
		return m.failWrites
	}
	m.writes++
	m.settings[tenant] = maps.Clone(settings)
	return nil
}

func (m *memStore) LoadNamespaces(_ context.Context, tenant string) ([]domain.Namespace, error) {
	out := make([]domain.Namespace, 0, len(m.namespaces[tenant]))
	for _, id := range slices.Sorted(maps.Keys(m.namespaces[tenant])) {
		out = append(out, m.namespaces[tenant][id].Clone())
	}
	return out, nil
}

func (m *memStore) ApplyNamespaces(_ context.Context, tenant string, w domain.NamespaceWrite) error {
	if m.failWrites != nil {
		return m.failWrites
	}
	m.writes++
	if m.namespaces[tenant] == nil {
		m.namespaces[tenant] = make(map[int]domain.Namespace)
	}
	for _, id := range w.Deletes {
		delete(m.namespaces[tenant], id)
	}
	for _, ns := range w.Upserts {
		m.namespaces[tenant][ns.ID] = ns.Clone()
	}
	return nil
}

func (m *memStore) LoadGroups(_ context.Context, tenant string) ([]domain.PermissionGroup, error) {
	out := make([]domain.PermissionGroup, 0, len(m.groups[tenant]))
	for _, name := range slices.Sorted(maps.Keys(m.groups[tenant])) {
		out = append(out, m.groups[tenant][name].Clone())
	}
	return out, nil
}

func (m *memStore) ApplyGroups(_ context.Context, tenant string, w domain.PermissionWrite) error {
	if m.failWrites != nil {
		return m.failWrites
	}
	// Work on a copy so a failed write leaves nothing behind, like the
	// sqlite transaction.
	groups := maps.Clone(m.groups[tenant])
	if groups == nil {
		groups = make(map[string]domain.PermissionGroup)
	}
	for _, name := range w.Deletes {
		delete(groups, name)
	}
	for _, r := range w.Renames {
		if _, taken := groups[r.To]; taken {
			return fmt.Errorf("renaming group %s to %s: primary key conflict", r.From, r.To)
		}
		if g, ok := groups[r.From]; ok {
			g.Name = r.To
			groups[r.To] = g
			delete(groups, r.From)
		}
	}
	for _, g := range w.Upserts {
		groups[g.Name] = g.Clone()
	}
	m.groups[tenant] = groups
	m.writes++
	return nil
}

func (m *memStore) Stats(_ context.Context, tenant string) (domain.SiteStats, error) {
	return m.stats[tenant], nil
}

// rights is a principal holding exactly the listed rights.
type rights []string

func (r rights) HasRight(_ context.Context, right string) bool {
	return slices.Contains(r, right)
}

var (
	admin  = rights{"managewiki-restricted"}
	member = rights{}
)

type recorder struct {
	invalidated []string
	summaries   []domain.ChangeSummary
	scripts     []string
	failScript  map[string]error
	migrations  []domain.NamespaceMigration
	memberships [][2]string
}

func (r *recorder) Invalidate(_ context.Context, tenant string) error {
	r.invalidated = append(r.invalidated, tenant)
	return nil
}

func (r *recorder) Record(_ context.Context, s domain.ChangeSummary) error {
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recorder) RunScript(_ context.Context, _ string, s domain.Script) error {
	if err := r.failScript[s.Name]; err != nil {
		return err
	}
	r.scripts = append(r.scripts, s.Name)
	return nil
}

func (r *recorder) MigrateNamespace(_ context.Context, m domain.NamespaceMigration) error {
	r.migrations = append(r.migrations, m)
	return nil
}

func (r *recorder) UpdateMembership(_ context.Context, _, from, to string) error {
	r.memberships = append(r.memberships, [2]string{from, to})
	return nil
}

const tenant = "examplewiki"

type harness struct {
	store *memStore
	rec   *recorder
	cfg   app.ModuleConfig
	svc   *app.ConfigService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := coerce.NewRegistry()
	cat, err := catalog.Default(reg)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	h := &harness{store: newMemStore(), rec: &recorder{}}
	h.cfg = app.ModuleConfig{
		Catalog:   cat,
		Store:     h.store,
		Registry:  reg,
		Validator: adapter.New(),
		Cache:     h.rec,
		Scripts:   h.rec,
		Migrator:  h.rec,
		Members:   h.rec,
	}
	h.svc = app.NewConfigService(h.cfg, h.rec)
	return h
}

func (h *harness) config(principal domain.Authorizer) app.ModuleConfig {
	cfg := h.cfg
	cfg.Principal = principal
	return cfg
}

func errorOf[T error](errs []error) (T, bool) {
	var target T
	for _, err := range errs {
		if errors.As(err, &target) {
			return target, true
		}
	}
	return target, false
}

// --- Tests ---

func TestSubmitExtensions_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.SubmitExtensions(ctx, tenant, admin, []string{"Echo", "Thanks"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if diff := cmp.Diff([]string{"Echo", "Thanks"}, h.store.extensions[tenant]); diff != "" {
		t.Errorf("stored (-want +got):\n%s", diff)
	}
	if res.Summary.ID == "" {
		t.Error("summary ID should be set")
	}
	writes := h.store.writes

	_, err = h.svc.SubmitExtensions(ctx, tenant, admin, []string{"Echo", "Thanks"})
	if !domain.IsNoChanges(err) {
		t.Fatalf("second submit: expected NoChangesError, got %v", err)
	}
	if h.store.writes != writes {
		t.Errorf("writes = %d, want %d", h.store.writes, writes)
	}
	if len(h.rec.summaries) != 1 {
		t.Errorf("audit summaries = %d, want 1", len(h.rec.summaries))
	}
}

func TestSubmitSettings_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw := map[string]any{"wgSitename": "Example Wiki", "wgMaxUploadSize": "250"}

	if _, err := h.svc.SubmitSettings(ctx, tenant, admin, raw, false); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := h.svc.SubmitSettings(ctx, tenant, admin, raw, false); !domain.IsNoChanges(err) {
		t.Fatalf("second submit: expected NoChangesError, got %v", err)
	}
	if got := h.store.settings[tenant]["wgMaxUploadSize"]; got != int64(250) {
		t.Errorf("wgMaxUploadSize = %#v, want int64(250)", got)
	}
}

func TestSubmitGroup_MatrixDiff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.groups[tenant] = map[string]domain.PermissionGroup{
		"sysop": {Name: "sysop", Permissions: []string{"delete"}, AddGroups: []string{"bureaucrat", "sysop"}, AddSelf: []string{"bot"}},
	}

	sub := app.GroupSubmission{
		Group:  "sysop",
		Matrix: domain.GroupMatrix{domain.RelationAddGroups: {"sysop", "bot"}},
	}
	if _, err := h.svc.SubmitGroup(ctx, tenant, admin, sub); err != nil {
		t.Fatalf("SubmitGroup: %v", err)
	}
	got := h.store.groups[tenant]["sysop"]
	if diff := cmp.Diff([]string{"bot", "sysop"}, got.AddGroups); diff != "" {
		t.Errorf("addgroups (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bot"}, got.AddSelf); diff != "" {
		t.Errorf("addself should be untouched (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"delete"}, got.Permissions); diff != "" {
		t.Errorf("permissions should be untouched (-want +got):\n%s", diff)
	}
}

func TestPopulate_SeedsDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	results, err := h.svc.Populate(ctx, tenant)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if len(h.store.namespaces[tenant]) != len(h.cfg.Catalog.DefaultNamespaces) {
		t.Errorf("namespaces = %d, want %d", len(h.store.namespaces[tenant]), len(h.cfg.Catalog.DefaultNamespaces))
	}
	ac, ok := h.store.groups[tenant]["autoconfirmed"]
	if !ok || ac.Autopromote == nil {
		t.Fatalf("autoconfirmed = %+v", ac)
	}
	if diff := cmp.Diff([]string{"bot"}, h.store.groups[tenant]["sysop"].AddGroups); diff != "" {
		t.Errorf("sysop addgroups (-want +got):\n%s", diff)
	}

	again, err := h.svc.Populate(ctx, tenant)
	if err != nil {
		t.Fatalf("second Populate: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second Populate results = %d, want 0", len(again))
	}
}

func TestSubmitExtensions_RecordsInstallSummaries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.SubmitExtensions(ctx, tenant, admin, []string{"VisualEditor"}); err != nil {
		t.Fatalf("SubmitExtensions: %v", err)
	}
	var modules []domain.Module
	for _, s := range h.rec.summaries {
		modules = append(modules, s.Module)
	}
	if diff := cmp.Diff([]domain.Module{domain.ModuleSettings, domain.ModuleExtensions}, modules); diff != "" {
		t.Errorf("audited modules (-want +got):\n%s", diff)
	}
	if got := h.store.settings[tenant]["wgVisualEditorEnableWikitext"]; got != true {
		t.Errorf("wgVisualEditorEnableWikitext = %#v, want true", got)
	}
}
