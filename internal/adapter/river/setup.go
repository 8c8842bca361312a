package river

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"
)

// Option tunes the River client built by Setup.
type Option func(*river.Config)

// WithLogger routes River's internal logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *river.Config) { c.Logger = logger }
}

// WithMaxAttempts caps retries for every config job.
func WithMaxAttempts(n int) Option {
	return func(c *river.Config) { c.MaxAttempts = n }
}

// WithMaintenanceWorkers sets how many script, migration and membership
// jobs run at once.
func WithMaintenanceWorkers(n int) Option {
	return func(c *river.Config) { c.Queues[QueueMaintenance] = river.QueueConfig{MaxWorkers: n} }
}

// Setup migrates River's tables into db and returns a client with a worker
// for every config job kind. Start the client to work jobs; an unstarted
// client still enqueues them for a separate worker process.
func Setup(ctx context.Context, db *sql.DB, h Handlers, opts ...Option) (*Client, error) {
	driver := riversqlite.New(db)

	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("running river migrations: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &InvalidateWorker{cache: h.Cache})
	river.AddWorker(workers, &AuditWorker{sink: h.Audit})
	river.AddWorker(workers, &ScriptWorker{runner: h.Scripts})
	river.AddWorker(workers, &MigrationWorker{migrator: h.Migrator})
	river.AddWorker(workers, &MembershipWorker{members: h.Members})

	cfg := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
			QueueMaintenance:   {MaxWorkers: 1},
		},
		Workers: workers,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := river.NewClient(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}
	return client, nil
}
