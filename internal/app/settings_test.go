package app_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/neomorfeo/farmconf/internal/app"
	"github.com/neomorfeo/farmconf/internal/domain"
)

func loadSettings(t *testing.T, h *harness, principal domain.Authorizer) *app.Settings {
	t.Helper()
	m, err := app.LoadSettings(context.Background(), h.config(principal), tenant)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	return m
}

func TestSettings_OutOfRangeLeavesValueUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.settings[tenant] = map[string]any{"wgMaxUploadSize": int64(250)}

	m := loadSettings(t, h, admin)
	err := m.Modify(ctx, map[string]any{"wgMaxUploadSize": "-5"})
	if !errors.Is(err, &domain.ValidationError{Kind: domain.ValidationOutOfRange}) {
		t.Fatalf("expected out_of_range, got %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", m.Pending())
	}
	if v, _ := m.List("wgMaxUploadSize"); v != int64(250) {
		t.Errorf("value = %#v, want int64(250)", v)
	}
	if _, err := m.Commit(ctx); !domain.IsNoChanges(err) {
		t.Errorf("expected NoChangesError, got %v", err)
	}
}

func TestSettings_ModifyIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	m := loadSettings(t, h, admin)

	err := m.Modify(context.Background(), map[string]any{
		"wgSitename":    "Valid",
		"wgDefaultSkin": "geocities",
	})
	if !errors.Is(err, &domain.ValidationError{Field: "wgDefaultSkin", Kind: domain.ValidationInvalidOption}) {
		t.Fatalf("expected invalid_option on wgDefaultSkin, got %v", err)
	}
	if m.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", m.Pending())
	}

	err = m.Modify(context.Background(), map[string]any{"wgNoSuchThing": 1})
	if !errors.Is(err, &domain.ValidationError{Kind: domain.ValidationUnknownItem}) {
		t.Errorf("expected unknown_item, got %v", err)
	}
}

func TestSettings_DefaultIsNeverStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.settings[tenant] = map[string]any{"wgMaxUploadSize": int64(250), "wgSitename": "Old"}

	m := loadSettings(t, h, admin)
	if err := m.Modify(ctx, map[string]any{"wgMaxUploadSize": 100}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if err := m.Remove(ctx, "wgSitename"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(h.store.settings[tenant]) != 0 {
		t.Errorf("stored = %v, want empty", h.store.settings[tenant])
	}
	for _, c := range res.Summary.Changes {
		if c.Action != domain.ActionReset {
			t.Errorf("%s action = %q, want reset", c.Item, c.Action)
		}
	}
	if v, _ := m.List("wgSitename"); v != "My Wiki" {
		t.Errorf("wgSitename = %#v, want catalog default", v)
	}
}

func TestSettings_RestrictedNeedsRight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := loadSettings(t, h, member)
	if err := m.Modify(ctx, map[string]any{"wgReadOnly": true, "wgSitename": "Member Wiki"}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	reqErr, ok := errorOf[*domain.RequirementsError](res.Errors)
	if !ok || reqErr.Item != "wgReadOnly" {
		t.Fatalf("expected RequirementsError for wgReadOnly, got %v", res.Errors)
	}
	if diff := cmp.Diff(map[string]any{"wgSitename": "Member Wiki"}, h.store.settings[tenant]); diff != "" {
		t.Errorf("stored (-want +got):\n%s", diff)
	}
}

func TestSettings_FromNeedsOwningExtension(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := loadSettings(t, h, admin)
	err := m.Modify(ctx, map[string]any{
		"wgFlowContentFormat": "wikitext",
		"wgMobileUrlTemplate": "%h0.m.%h1.%h2",
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	reqErr, ok := errorOf[*domain.RequirementsError](res.Errors)
	if !ok || reqErr.Item != "wgFlowContentFormat" || !slices.Equal(reqErr.Missing, []string{"extension:Flow"}) {
		t.Fatalf("requirements error = %+v", reqErr)
	}
	if _, stored := h.store.settings[tenant]["wgMobileUrlTemplate"]; !stored {
		t.Error("global setting should not need its extension")
	}
}

func TestSettings_RequiresAgainstResultingValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := loadSettings(t, h, admin)
	err := m.Modify(ctx, map[string]any{
		"wgEnableUploads":       false,
		"wgUploadNavigationUrl": "https://commons.example.org/wiki/Special:Upload",
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	reqErr, ok := errorOf[*domain.RequirementsError](res.Errors)
	if !ok || !slices.Equal(reqErr.Missing, []string{"setting:wgEnableUploads"}) {
		t.Fatalf("requirements error = %+v", reqErr)
	}
	if diff := cmp.Diff(map[string]any{"wgEnableUploads": false}, h.store.settings[tenant]); diff != "" {
		t.Errorf("stored (-want +got):\n%s", diff)
	}
}

func TestSettings_ScriptsRunAfterWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.rec.failScript = map[string]error{"updateCollation": errors.New("job queue full")}

	m := loadSettings(t, h, admin)
	if err := m.Modify(ctx, map[string]any{"wgCategoryCollation": "uca-default"}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	res, err := m.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := h.store.settings[tenant]["wgCategoryCollation"]; got != "uca-default" {
		t.Errorf("wgCategoryCollation = %#v, want persisted despite script failure", got)
	}
	if _, ok := errorOf[*domain.InstallError](res.Errors); !ok {
		t.Errorf("expected InstallError, got %v", res.Errors)
	}
	if len(h.rec.invalidated) != 1 {
		t.Errorf("invalidations = %d, want 1", len(h.rec.invalidated))
	}
}

func TestSettings_OverwriteAllRemoveUnlisted(t *testing.T) {
	stored := map[string]any{"wgSitename": "Old", "wgMaxUploadSize": int64(500)}
	cases := []struct {
		name           string
		removeUnlisted bool
		want           map[string]any
	}{
		{"keep unlisted", false, map[string]any{"wgSitename": "New", "wgMaxUploadSize": int64(500)}},
		{"remove unlisted", true, map[string]any{"wgSitename": "New"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.store.settings[tenant] = map[string]any{"wgSitename": stored["wgSitename"], "wgMaxUploadSize": stored["wgMaxUploadSize"]}

			m := loadSettings(t, h, admin)
			if err := m.OverwriteAll(ctx, map[string]any{"wgSitename": "New"}, tc.removeUnlisted); err != nil {
				t.Fatalf("OverwriteAll: %v", err)
			}
			if _, err := m.Commit(ctx); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if diff := cmp.Diff(tc.want, h.store.settings[tenant]); diff != "" {
				t.Errorf("stored (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSettings_MatrixValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.extensions[tenant] = []string{"Echo"}

	m := loadSettings(t, h, admin)
	err := m.Modify(ctx, map[string]any{
		"wgEchoDefaultNotificationTypes": []any{"web-mention", "email-mention", "email-reverted"},
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if _, err := m.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	want := map[string][]string{"web": {"mention"}, "email": {"mention", "reverted"}}
	if diff := cmp.Diff(want, h.store.settings[tenant]["wgEchoDefaultNotificationTypes"]); diff != "" {
		t.Errorf("matrix (-want +got):\n%s", diff)
	}
}
