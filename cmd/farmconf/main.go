package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"slices"

	"github.com/neomorfeo/farmconf/internal/adapter/fsm"
	oteladapter "github.com/neomorfeo/farmconf/internal/adapter/otel"
	redisadapter "github.com/neomorfeo/farmconf/internal/adapter/redis"
	riveradapter "github.com/neomorfeo/farmconf/internal/adapter/river"
	"github.com/neomorfeo/farmconf/internal/adapter/sqlite"
	"github.com/neomorfeo/farmconf/internal/app"
	"github.com/neomorfeo/farmconf/internal/catalog"
	"github.com/neomorfeo/farmconf/internal/coerce"
	"github.com/neomorfeo/farmconf/internal/domain"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run executes one CLI invocation against the stack described by the environment.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	root, cleanup := newRootCommand()
	defer cleanup(ctx)
	root.SetArgs(args)
	root.SetOut(stdout)
	return root.ExecuteContext(ctx)
}

// stack is every adapter a command may need, wired the same way for all of them.
type stack struct {
	svc       *app.ConfigService
	catalog   *domain.Catalog
	store     *sqlite.Store
	river     *riveradapter.Client
	principal domain.Authorizer
	closers   []func(context.Context) error
	shutdown  func(context.Context) error
}

func setup(ctx context.Context) (*stack, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	providers, err := oteladapter.Setup(ctx, oteladapter.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	s := &stack{shutdown: providers.Shutdown}

	db, err := oteladapter.OpenDB(envOrDefault("DATABASE_PATH", "farmconf.db"))
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("database: %w", err)
	}
	s.store, err = sqlite.NewFromDB(db)
	if err != nil {
		db.Close()
		s.close(ctx)
		return nil, fmt.Errorf("database: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) error { return s.store.Close() })

	registry := coerce.NewRegistry()
	if path := os.Getenv("CATALOG_PATH"); path != "" {
		s.catalog, err = catalog.LoadFile(path, registry)
	} else {
		s.catalog, err = catalog.Default(registry)
	}
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("catalog: %w", err)
	}

	var handlers riveradapter.Handlers
	if url := os.Getenv("REDIS_URL"); url != "" {
		inv, err := redisadapter.NewInvalidator(url)
		if err != nil {
			s.close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return inv.Close() })
		handlers.Cache = inv
	}

	s.river, err = riveradapter.Setup(ctx, db, handlers, riveradapter.WithLogger(logger))
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("river: %w", err)
	}

	effects, err := oteladapter.NewTracingSideEffects(riveradapter.NewDispatcher(s.river))
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("otel: %w", err)
	}

	s.svc = app.NewConfigService(app.ModuleConfig{
		Catalog:   s.catalog,
		Store:     oteladapter.NewTracingStore(s.store),
		Registry:  registry,
		Validator: fsm.New(),
		Cache:     effects,
		Scripts:   effects,
		Migrator:  effects,
		Members:   effects,
		Logger:    logger,
	}, effects)

	return s, nil
}

// close releases adapters in reverse order and flushes telemetry last.
func (s *stack) close(ctx context.Context) {
	for _, c := range slices.Backward(s.closers) {
		if err := c(ctx); err != nil {
			slog.WarnContext(ctx, "closing adapter", "error", err)
		}
	}
	s.closers = nil
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil {
			slog.WarnContext(ctx, "otel shutdown", "error", err)
		}
	}
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// operator is the principal of a CLI invocation. A nil right list holds
// every right, which is what a farm operator on the host has.
type operator struct {
	rights []string
}

func (o operator) HasRight(_ context.Context, right string) bool {
	return o.rights == nil || slices.Contains(o.rights, right)
}
