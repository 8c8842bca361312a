package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/neomorfeo/farmconf/internal/adapter/sqlite"
	"github.com/neomorfeo/farmconf/internal/app"
	"github.com/neomorfeo/farmconf/internal/domain"
)

func seededGroups(h *harness) {
	h.store.groups[tenant] = map[string]domain.PermissionGroup{
		"user":       {Name: "user", Permissions: []string{"edit", "read"}},
		"sysop":      {Name: "sysop", Permissions: []string{"block", "delete"}, AddGroups: []string{"patroller"}, RemoveGroups: []string{"patroller"}},
		"bureaucrat": {Name: "bureaucrat", Permissions: []string{"noratelimit"}, AddGroups: []string{"patroller", "sysop"}},
		"patroller":  {Name: "patroller", Permissions: []string{"patrol"}, AddSelf: []string{"patroller"}},
	}
}

func loadPermissions(t *testing.T, h *harness, principal domain.Authorizer) *app.Permissions {
	t.Helper()
	m, err := app.LoadPermissions(context.Background(), h.config(principal), tenant)
	if err != nil {
		t.Fatalf("LoadPermissions: %v", err)
	}
	return m
}

func TestPermissions_PermanentGroupInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seededGroups(h)
	before := h.store.groups[tenant]["sysop"].Clone()

	m := loadPermissions(t, h, admin)
	var nr *domain.NotRemovableError
	if err := m.Remove(ctx, "sysop"); !errors.As(err, &nr) || nr.Op != "deleted" {
		t.Fatalf("Remove: expected NotRemovableError, got %v", err)
	}
	if err := m.Rename(ctx, "sysop", "admin"); !errors.As(err, &nr) || nr.Op != "renamed" {
		t.Fatalf("Rename: expected NotRemovableError, got %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", m.Pending())
	}
	if got, _ := m.List("sysop"); !cmp.Equal(before, got) {
		t.Errorf("sysop changed: %s", cmp.Diff(before, got))
	}
	if _, err := m.Commit(ctx); !domain.IsNoChanges(err) {
		t.Errorf("expected NoChangesError, got %v", err)
	}
}

func TestPermissions_PermanentGroupNotYetStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := loadPermissions(t, h, admin)
	var nr *domain.NotRemovableError
	if err := m.Remove(ctx, "sysop"); !errors.As(err, &nr) || nr.Op != "deleted" {
		t.Errorf("Remove: expected NotRemovableError, got %v", err)
	}
	if err := m.Rename(ctx, "bureaucrat", "steward"); !errors.As(err, &nr) || nr.Op != "renamed" {
		t.Errorf("Rename: expected NotRemovableError, got %v", err)
	}
	if err := m.Remove(ctx, "ghost"); !errors.Is(err, domain.ErrGroupNotFound) {
		t.Errorf("Remove ghost: err = %v, want ErrGroupNotFound", err)
	}
}

func TestPermissions_RenameOntoRemovedGroup(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := newHarness(t)
	h.cfg.Store = store
	ctx := context.Background()
	seed := domain.PermissionWrite{Upserts: []domain.PermissionGroup{
		{Name: "editors", Permissions: []string{"edit"}},
		{Name: "reviewers", Permissions: []string{"review"}},
		{Name: "sysop", AddGroups: []string{"editors", "reviewers"}},
	}}
	if err := store.ApplyGroups(ctx, tenant, seed); err != nil {
		t.Fatalf("seeding groups: %v", err)
	}

	m := loadPermissions(t, h, admin)
	if err := m.Remove(ctx, "reviewers"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := m.Rename(ctx, "editors", "reviewers"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.LoadGroups(ctx, tenant)
	if err != nil {
		t.Fatalf("LoadGroups: %v", err)
	}
	want := []domain.PermissionGroup{
		{Name: "reviewers", Permissions: []string{"edit"}},
		{Name: "sysop", AddGroups: []string{"reviewers"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stored groups (-want +got):\n%s", diff)
	}

	var actions []string
	for _, c := range res.Summary.Changes {
		actions = append(actions, string(c.Action)+" "+c.Item)
	}
	if diff := cmp.Diff([]string{"delete reviewers", "rename editors", "modify sysop"}, actions); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][2]string{{"reviewers", ""}, {"editors", "reviewers"}}, h.rec.memberships); diff != "" {
		t.Errorf("memberships (-want +got):\n%s", diff)
	}
}

func TestPermissions_RevokingAllRights(t *testing.T) {
	cases := []struct {
		group      string
		wantStored bool
	}{
		{"patroller", false},
		{"user", true},
	}
	for _, tc := range cases {
		t.Run(tc.group, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			seededGroups(h)

			m := loadPermissions(t, h, admin)
			cur, _ := m.List(tc.group)
			delta := domain.PermissionDelta{Permissions: domain.SetDelta{Remove: cur.Permissions}}
			if err := m.Modify(ctx, tc.group, delta); err != nil {
				t.Fatalf("Modify: %v", err)
			}
			if _, err := m.Commit(ctx); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			got, stored := h.store.groups[tenant][tc.group]
			if stored != tc.wantStored {
				t.Fatalf("stored = %v, want %v", stored, tc.wantStored)
			}
			if stored && len(got.Permissions) != 0 {
				t.Errorf("permissions = %v, want none", got.Permissions)
			}
			if !tc.wantStored {
				if diff := cmp.Diff([]string{"sysop"}, h.store.groups[tenant]["bureaucrat"].AddGroups); diff != "" {
					t.Errorf("bureaucrat addgroups should drop the deleted group (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff([][2]string{{tc.group, ""}}, h.rec.memberships); diff != "" {
					t.Errorf("memberships (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestPermissions_DisallowedGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seededGroups(h)
	h.store.groups[tenant]["sysop"] = domain.PermissionGroup{
		Name:        "sysop",
		Permissions: []string{"delete", "userrights-interwiki"},
		AddGroups:   []string{"steward"},
	}

	m := loadPermissions(t, h, admin)
	cases := map[string]struct {
		group string
		delta domain.PermissionDelta
	}{
		"any-wide right": {"sysop", domain.PermissionDelta{Permissions: domain.SetDelta{Add: []string{"managewiki-restricted"}}}},
		"per-group right": {"user", domain.PermissionDelta{Permissions: domain.SetDelta{Add: []string{"block"}}}},
		"disallowed group in matrix": {"bureaucrat", domain.PermissionDelta{Matrix: map[domain.GroupRelation]domain.SetDelta{
			domain.RelationAddGroups: {Add: []string{"staff"}},
		}}},
		"managing disallowed group": {"steward", domain.PermissionDelta{Permissions: domain.SetDelta{Add: []string{"read"}}}},
	}
	for name, tc := range cases {
		if err := m.Modify(ctx, tc.group, tc.delta); !errors.Is(err, &domain.ValidationError{Kind: domain.ValidationDisallowed}) {
			t.Errorf("%s: err = %v, want disallowed", name, err)
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", m.Pending())
	}

	// Existing disallowed grants can always be revoked.
	revoke := domain.PermissionDelta{
		Permissions: domain.SetDelta{Remove: []string{"userrights-interwiki"}},
		Matrix: map[domain.GroupRelation]domain.SetDelta{
			domain.RelationAddGroups: {Remove: []string{"steward"}},
		},
	}
	if err := m.Modify(ctx, "sysop", revoke); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got := h.store.groups[tenant]["sysop"]
	if diff := cmp.Diff([]string{"delete"}, got.Permissions); diff != "" {
		t.Errorf("permissions (-want +got):\n%s", diff)
	}
	if len(got.AddGroups) != 0 {
		t.Errorf("addgroups = %v, want none", got.AddGroups)
	}
}

func TestPermissions_RenameMovesGroupAndReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seededGroups(h)

	m := loadPermissions(t, h, admin)
	if err := m.Rename(ctx, "patroller", "reviewer"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := m.Rename(ctx, "reviewer", "checker"); err != nil {
		t.Fatalf("second Rename: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	groups := h.store.groups[tenant]
	if _, ok := groups["patroller"]; ok {
		t.Error("patroller still stored")
	}
	checker, ok := groups["checker"]
	if !ok {
		t.Fatal("checker missing")
	}
	if diff := cmp.Diff([]string{"patrol"}, checker.Permissions); diff != "" {
		t.Errorf("checker permissions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"checker"}, checker.AddSelf); diff != "" {
		t.Errorf("self reference (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"checker", "sysop"}, groups["bureaucrat"].AddGroups); diff != "" {
		t.Errorf("bureaucrat addgroups (-want +got):\n%s", diff)
	}

	rename := res.Summary.Changes[0]
	if rename.Action != domain.ActionRename || rename.Old != "patroller" || rename.New != "checker" {
		t.Errorf("first change = %+v, want rename patroller -> checker", rename)
	}
	if diff := cmp.Diff([][2]string{{"patroller", "checker"}}, h.rec.memberships); diff != "" {
		t.Errorf("memberships (-want +got):\n%s", diff)
	}
}

func TestPermissions_RenameValidation(t *testing.T) {
	h := newHarness(t)
	seededGroups(h)
	ctx := context.Background()
	m := loadPermissions(t, h, admin)

	cases := map[string]struct {
		to   string
		kind domain.ValidationKind
	}{
		"blank":      {"  ", domain.ValidationBlank},
		"existing":   {"sysop", domain.ValidationNameConflict},
		"disallowed": {"staff", domain.ValidationDisallowed},
	}
	for name, tc := range cases {
		if err := m.Rename(ctx, "patroller", tc.to); !errors.Is(err, &domain.ValidationError{Kind: tc.kind}) {
			t.Errorf("%s: err = %v, want %s", name, err, tc.kind)
		}
	}
	if err := m.Rename(ctx, "ghost", "spirit"); !errors.Is(err, domain.ErrGroupNotFound) {
		t.Errorf("missing group: err = %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", m.Pending())
	}
}

func TestPermissions_RenameBackIsNoChange(t *testing.T) {
	h := newHarness(t)
	seededGroups(h)
	ctx := context.Background()
	m := loadPermissions(t, h, admin)

	if err := m.Rename(ctx, "patroller", "reviewer"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := m.Rename(ctx, "reviewer", "patroller"); err != nil {
		t.Fatalf("Rename back: %v", err)
	}
	if _, err := m.Commit(ctx); !domain.IsNoChanges(err) {
		t.Errorf("expected NoChangesError, got %v", err)
	}
}

func TestPermissions_Autopromote(t *testing.T) {
	h := newHarness(t)
	seededGroups(h)
	ctx := context.Background()
	m := loadPermissions(t, h, admin)

	bad := &domain.ConditionTree{Op: "^", Conditions: []domain.Condition{{Kind: domain.CondIsBot}}}
	if err := m.Modify(ctx, "patroller", domain.PermissionDelta{SetAutopromote: true, Autopromote: bad}); err == nil {
		t.Fatal("expected malformed autopromote error")
	}

	rule := &domain.ConditionTree{Op: domain.OpAnd, Conditions: []domain.Condition{
		{Kind: domain.CondEditCount, Value: 100},
		{Kind: domain.CondEmailConfirmed},
	}}
	if err := m.Modify(ctx, "patroller", domain.PermissionDelta{SetAutopromote: true, Autopromote: rule}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got := h.store.groups[tenant]["patroller"].Autopromote
	if got == nil || !got.Evaluate(domain.UserFacts{EditCount: 150, EmailConfirmed: true}) {
		t.Errorf("autopromote = %+v", got)
	}
}
