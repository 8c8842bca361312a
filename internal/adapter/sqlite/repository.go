package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neomorfeo/farmconf/internal/domain"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ domain.Store = (*Store)(nil)

// Store implements domain.Store using SQLite. Extensions and settings of a
// tenant share one wiki_config row; namespaces and permission groups are one
// row each.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens a SQLite database, runs migrations, and returns a ready store.
func New(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps a :memory:
	// database shared between the store and River.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and returns a ready store.
// Use this when the *sql.DB has been pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other adapters (e.g., river).
func (s *Store) DB() *sql.DB {
	return s.db
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const timeFormat = "2006-01-02T15:04:05Z"

func (s *Store) stamp() string {
	return s.now().Format(timeFormat)
}

func (s *Store) LoadExtensions(ctx context.Context, tenant string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT extensions FROM wiki_config WHERE tenant = ?`, tenant,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}

	var enabled []string
	if err := decode(raw, &enabled); err != nil {
		return nil, fmt.Errorf("decoding extensions: %w", err)
	}
	return enabled, nil
}

func (s *Store) SaveExtensions(ctx context.Context, tenant string, enabled []string) error {
	if enabled == nil {
		enabled = []string{}
	}
	raw, err := encode(enabled)
	if err != nil {
		return fmt.Errorf("encoding extensions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wiki_config (tenant, extensions, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant) DO UPDATE SET extensions = excluded.extensions, updated_at = excluded.updated_at`,
		tenant, raw, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("saving extensions: %w", err)
	}
	return nil
}

func (s *Store) LoadSettings(ctx context.Context, tenant string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings FROM wiki_config WHERE tenant = ?`, tenant,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}

	settings := map[string]any{}
	if err := decode(raw, &settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, tenant string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := encode(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wiki_config (tenant, settings, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		tenant, raw, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

func (s *Store) LoadNamespaces(ctx context.Context, tenant string) ([]domain.Namespace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace_id, name, searchable, subpages, content, content_model,
		        protection, aliases, core, additional
		 FROM wiki_namespaces WHERE tenant = ? ORDER BY namespace_id`, tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()

	var out []domain.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *Store) ApplyNamespaces(ctx context.Context, tenant string, w domain.NamespaceWrite) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range w.Deletes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM wiki_namespaces WHERE tenant = ? AND namespace_id = ?`, tenant, id,
			); err != nil {
				return fmt.Errorf("deleting namespace %d: %w", id, err)
			}
		}
		for _, ns := range w.Upserts {
			if err := upsertNamespace(ctx, tx, tenant, ns); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertNamespace(ctx context.Context, tx *sql.Tx, tenant string, ns domain.Namespace) error {
	aliases := ns.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	additional := ns.Additional
	if additional == nil {
		additional = map[string]any{}
	}
	rawAliases, err := encode(aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases of namespace %d: %w", ns.ID, err)
	}
	rawAdditional, err := encode(additional)
	if err != nil {
		return fmt.Errorf("encoding additional fields of namespace %d: %w", ns.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO wiki_namespaces
		   (tenant, namespace_id, name, searchable, subpages, content, content_model, protection, aliases, core, additional)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, namespace_id) DO UPDATE SET
		   name = excluded.name, searchable = excluded.searchable, subpages = excluded.subpages,
		   content = excluded.content, content_model = excluded.content_model,
		   protection = excluded.protection, aliases = excluded.aliases,
		   core = excluded.core, additional = excluded.additional`,
		tenant, ns.ID, ns.Name, ns.Searchable, ns.Subpages, ns.Content, ns.ContentModel,
		ns.Protection, rawAliases, ns.Core, rawAdditional,
	)
	if err != nil {
		return fmt.Errorf("upserting namespace %d: %w", ns.ID, err)
	}
	return nil
}

func scanNamespace(rows *sql.Rows) (domain.Namespace, error) {
	var ns domain.Namespace
	var aliases, additional string

	err := rows.Scan(&ns.ID, &ns.Name, &ns.Searchable, &ns.Subpages, &ns.Content,
		&ns.ContentModel, &ns.Protection, &aliases, &ns.Core, &additional)
	if err != nil {
		return domain.Namespace{}, fmt.Errorf("scanning namespace row: %w", err)
	}
	if err := decode(aliases, &ns.Aliases); err != nil {
		return domain.Namespace{}, fmt.Errorf("decoding aliases of namespace %d: %w", ns.ID, err)
	}
	if err := decode(additional, &ns.Additional); err != nil {
		return domain.Namespace{}, fmt.Errorf("decoding additional fields of namespace %d: %w", ns.ID, err)
	}
	if len(ns.Aliases) == 0 {
		ns.Aliases = nil
	}
	if len(ns.Additional) == 0 {
		ns.Additional = nil
	}
	return ns, nil
}

func (s *Store) LoadGroups(ctx context.Context, tenant string) ([]domain.PermissionGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name, permissions, addgroups, removegroups, addself, removeself, autopromote
		 FROM wiki_permissions WHERE tenant = ? ORDER BY group_name`, tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("querying permission groups: %w", err)
	}
	defer rows.Close()

	var out []domain.PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ApplyGroups(ctx context.Context, tenant string, w domain.PermissionWrite) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range w.Deletes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM wiki_permissions WHERE tenant = ? AND group_name = ?`, tenant, name,
			); err != nil {
				return fmt.Errorf("deleting group %s: %w", name, err)
			}
		}
		for _, r := range w.Renames {
			if _, err := tx.ExecContext(ctx,
				`UPDATE wiki_permissions SET group_name = ? WHERE tenant = ? AND group_name = ?`,
				r.To, tenant, r.From,
			); err != nil {
				return fmt.Errorf("renaming group %s to %s: %w", r.From, r.To, err)
			}
		}
		for _, g := range w.Upserts {
			if err := upsertGroup(ctx, tx, tenant, g); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertGroup(ctx context.Context, tx *sql.Tx, tenant string, g domain.PermissionGroup) error {
	lists := [][]string{g.Permissions, g.AddGroups, g.RemoveGroups, g.AddSelf, g.RemoveSelf}
	encoded := make([]any, 0, len(lists))
	for _, l := range lists {
		if l == nil {
			l = []string{}
		}
		raw, err := encode(l)
		if err != nil {
			return fmt.Errorf("encoding group %s: %w", g.Name, err)
		}
		encoded = append(encoded, raw)
	}

	var autopromote sql.NullString
	if g.Autopromote != nil {
		raw, err := encode(g.Autopromote)
		if err != nil {
			return fmt.Errorf("encoding autopromote of group %s: %w", g.Name, err)
		}
		autopromote = sql.NullString{String: raw, Valid: true}
	}

	args := append([]any{tenant, g.Name}, encoded...)
	args = append(args, autopromote)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wiki_permissions
		   (tenant, group_name, permissions, addgroups, removegroups, addself, removeself, autopromote)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, group_name) DO UPDATE SET
		   permissions = excluded.permissions, addgroups = excluded.addgroups,
		   removegroups = excluded.removegroups, addself = excluded.addself,
		   removeself = excluded.removeself, autopromote = excluded.autopromote`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("upserting group %s: %w", g.Name, err)
	}
	return nil
}

func scanGroup(rows *sql.Rows) (domain.PermissionGroup, error) {
	var g domain.PermissionGroup
	var perms, addGroups, removeGroups, addSelf, removeSelf string
	var autopromote sql.NullString

	err := rows.Scan(&g.Name, &perms, &addGroups, &removeGroups, &addSelf, &removeSelf, &autopromote)
	if err != nil {
		return domain.PermissionGroup{}, fmt.Errorf("scanning permission group row: %w", err)
	}

	fields := []struct {
		raw string
		dst *[]string
	}{
		{perms, &g.Permissions},
		{addGroups, &g.AddGroups},
		{removeGroups, &g.RemoveGroups},
		{addSelf, &g.AddSelf},
		{removeSelf, &g.RemoveSelf},
	}
	for _, f := range fields {
		if err := decode(f.raw, f.dst); err != nil {
			return domain.PermissionGroup{}, fmt.Errorf("decoding group %s: %w", g.Name, err)
		}
		if len(*f.dst) == 0 {
			*f.dst = nil
		}
	}

	if autopromote.Valid {
		g.Autopromote = &domain.ConditionTree{}
		if err := decode(autopromote.String, g.Autopromote); err != nil {
			return domain.PermissionGroup{}, fmt.Errorf("decoding autopromote of group %s: %w", g.Name, err)
		}
	}
	return g, nil
}

// Stats returns zero counts for a tenant with no site_stats row.
func (s *Store) Stats(ctx context.Context, tenant string) (domain.SiteStats, error) {
	var st domain.SiteStats
	err := s.db.QueryRowContext(ctx,
		`SELECT articles, pages FROM site_stats WHERE tenant = ?`, tenant,
	).Scan(&st.Articles, &st.Pages)
	if err == sql.ErrNoRows {
		return domain.SiteStats{}, nil
	}
	if err != nil {
		return domain.SiteStats{}, fmt.Errorf("querying site stats: %w", err)
	}
	return st, nil
}

// RecordStats stores the content counts the hosting application reported for tenant.
func (s *Store) RecordStats(ctx context.Context, tenant string, st domain.SiteStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO site_stats (tenant, articles, pages, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant) DO UPDATE SET
		   articles = excluded.articles, pages = excluded.pages, updated_at = excluded.updated_at`,
		tenant, st.Articles, st.Pages, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("recording site stats: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
