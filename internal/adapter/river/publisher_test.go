package river_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	goriver "github.com/riverqueue/river"

	_ "modernc.org/sqlite"

	riveradapter "github.com/neomorfeo/farmconf/internal/adapter/river"
	"github.com/neomorfeo/farmconf/internal/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := t.TempDir() + "/river_test.db"
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("setting WAL: %v", err)
	}

	return db
}

// handlers records every call the workers make.
type handlers struct {
	mu          sync.Mutex
	invalidated []string
	summaries   []domain.ChangeSummary
	scripts     []domain.Script
	migrations  []domain.NamespaceMigration
	memberships [][3]string
	failCache   error
}

func (h *handlers) Invalidate(_ context.Context, tenant string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failCache != nil {
		return h.failCache
	}
	h.invalidated = append(h.invalidated, tenant)
	return nil
}

func (h *handlers) Record(_ context.Context, s domain.ChangeSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, s)
	return nil
}

func (h *handlers) RunScript(_ context.Context, _ string, s domain.Script) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scripts = append(h.scripts, s)
	return nil
}

func (h *handlers) MigrateNamespace(_ context.Context, m domain.NamespaceMigration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.migrations = append(h.migrations, m)
	return nil
}

func (h *handlers) UpdateMembership(_ context.Context, tenant, from, to string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memberships = append(h.memberships, [3]string{tenant, from, to})
	return nil
}

func (h *handlers) ports() riveradapter.Handlers {
	return riveradapter.Handlers{Cache: h, Audit: h, Scripts: h, Migrator: h, Members: h}
}

// startClient starts a River client and subscribes to the given event kinds
// before it begins working jobs.
func startClient(t *testing.T, h riveradapter.Handlers, opts []riveradapter.Option, kinds ...goriver.EventKind) (*riveradapter.Client, <-chan *goriver.Event) {
	t.Helper()
	ctx := context.Background()

	client, err := riveradapter.Setup(ctx, setupTestDB(t), h, opts...)
	if err != nil {
		t.Fatalf("river setup: %v", err)
	}

	events, cancel := client.Subscribe(kinds...)
	t.Cleanup(cancel)

	if err := client.Start(ctx); err != nil {
		t.Fatalf("river start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			t.Errorf("river stop: %v", err)
		}
	})
	return client, events
}

func waitFor(t *testing.T, events <-chan *goriver.Event, n int) []*goriver.Event {
	t.Helper()
	var got []*goriver.Event
	for len(got) < n {
		select {
		case event := <-events:
			got = append(got, event)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d job events", len(got), n)
		}
	}
	return got
}

func TestDispatcher_EveryPortReachesItsHandler(t *testing.T) {
	h := &handlers{}
	client, events := startClient(t, h.ports(), nil, goriver.EventKindJobCompleted)
	ctx := context.Background()
	d := riveradapter.NewDispatcher(client)

	summary := domain.ChangeSummary{
		ID: "abc", Tenant: "examplewiki", Module: domain.ModuleExtensions,
		Changes: []domain.ItemChange{{Item: "Echo", Action: domain.ActionEnable}},
	}
	migration := domain.NamespaceMigration{
		Tenant: "examplewiki", Action: domain.MigrateRename, FromID: 3000, ToID: 3000,
		OldName: "Portal", NewName: "Gateway", MaintainPrefix: true,
	}
	calls := []func() error{
		func() error { return d.Invalidate(ctx, "examplewiki") },
		func() error { return d.Record(ctx, summary) },
		func() error { return d.RunScript(ctx, "examplewiki", domain.Script{Name: "rebuildall", Args: []string{"--quick"}}) },
		func() error { return d.MigrateNamespace(ctx, migration) },
		func() error { return d.UpdateMembership(ctx, "examplewiki", "patroller", "reviewer") },
	}
	for _, call := range calls {
		if err := call(); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	kinds := map[string]bool{}
	for _, event := range waitFor(t, events, len(calls)) {
		kinds[event.Job.Kind] = true
	}
	for _, want := range []string{"config.invalidate", "config.audit", "config.script", "config.migrate_namespace", "config.membership"} {
		if !kinds[want] {
			t.Errorf("no completed %s job", want)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if diff := cmp.Diff([]string{"examplewiki"}, h.invalidated); diff != "" {
		t.Errorf("invalidated (-want +got):\n%s", diff)
	}
	if len(h.summaries) != 1 || h.summaries[0].ID != "abc" || h.summaries[0].Changes[0].Item != "Echo" {
		t.Errorf("summaries = %+v", h.summaries)
	}
	if diff := cmp.Diff([]domain.Script{{Name: "rebuildall", Args: []string{"--quick"}}}, h.scripts); diff != "" {
		t.Errorf("scripts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.NamespaceMigration{migration}, h.migrations); diff != "" {
		t.Errorf("migrations (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][3]string{{"examplewiki", "patroller", "reviewer"}}, h.memberships); diff != "" {
		t.Errorf("memberships (-want +got):\n%s", diff)
	}
}

func TestDispatcher_PreservesJobArgs(t *testing.T) {
	client, events := startClient(t, riveradapter.Handlers{}, []riveradapter.Option{riveradapter.WithMaintenanceWorkers(3)}, goriver.EventKindJobCompleted)
	ctx := context.Background()
	d := riveradapter.NewDispatcher(client)

	if err := d.UpdateMembership(ctx, "examplewiki", "rollbacker", ""); err != nil {
		t.Fatalf("UpdateMembership failed: %v", err)
	}

	event := waitFor(t, events, 1)[0]
	if event.Job.Queue != riveradapter.QueueMaintenance {
		t.Errorf("queue = %q, want %q", event.Job.Queue, riveradapter.QueueMaintenance)
	}
	args := string(event.Job.EncodedArgs)
	for _, want := range []string{`"tenant":"examplewiki"`, `"from":"rollbacker"`} {
		if !strings.Contains(args, want) {
			t.Errorf("encoded args missing %s, got: %s", want, args)
		}
	}
	if strings.Contains(args, `"to"`) {
		t.Errorf("deletion should omit to, got: %s", args)
	}
}

func TestDispatcher_HandlerFailureFailsJob(t *testing.T) {
	h := &handlers{failCache: errors.New("redis unavailable")}
	client, events := startClient(t, h.ports(), []riveradapter.Option{riveradapter.WithMaxAttempts(1)}, goriver.EventKindJobFailed)

	if err := riveradapter.NewDispatcher(client).Invalidate(context.Background(), "examplewiki"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	event := waitFor(t, events, 1)[0]
	if event.Job.Kind != "config.invalidate" {
		t.Errorf("job kind = %q, want config.invalidate", event.Job.Kind)
	}
	if event.Job.MaxAttempts != 1 {
		t.Errorf("max attempts = %d, want 1", event.Job.MaxAttempts)
	}
	if len(event.Job.Errors) == 0 || !strings.Contains(event.Job.Errors[0].Error, "redis unavailable") {
		t.Errorf("job errors = %+v", event.Job.Errors)
	}
}
