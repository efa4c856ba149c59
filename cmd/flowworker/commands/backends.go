package commands

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/am"
	"github.com/teranos/flowworker/controlplane"
	"github.com/teranos/flowworker/db"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/flow"
	"github.com/teranos/flowworker/pulse/job"
	"github.com/teranos/flowworker/pulse/lock"
	"github.com/teranos/flowworker/pulse/migrate"
	"github.com/teranos/flowworker/pulse/queue"
	"github.com/teranos/flowworker/pulse/schema"
)

// backends holds the storage and transport selected by configuration
type backends struct {
	database *sql.DB
	redis    *redis.Client
	control  *controlplane.Client

	poller   queue.Poller
	jobs     queue.JobStore // nil for the http queue backend
	finisher queue.Finisher // nil for the http queue backend
	locker   lock.Locker
	flows    *flow.Store // nil without a database
}

// openBackends opens the database and redis connections the configuration needs
func openBackends(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*backends, error) {
	b := &backends{
		control: controlplane.NewClient(cfg.ControlPlane.URL, cfg.ControlPlane.Timeout, log.Named("controlplane")),
	}

	if cfg.Database.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
		database, err := db.OpenWithMigrations(cfg.Database.Path, log.Named("db"))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
		}
		b.database = database
		b.flows = flow.NewStore(database, log.Named("flow"))
	}

	if cfg.Queue.Backend == am.BackendRedis || cfg.Lock.Backend == am.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			b.Close()
			err = errors.Wrap(err, "failed to connect to redis")
			return nil, errors.WithDetail(err, "Addr: "+cfg.Redis.Addr)
		}
		b.redis = client
	}

	switch cfg.Queue.Backend {
	case am.BackendSQLite:
		store := queue.NewStore(b.database, log.Named("queue"),
			queue.WithPollRate(cfg.Queue.PollRatePerSecond),
			queue.WithPollTimeout(cfg.Queue.PollTimeout),
		)
		b.poller, b.jobs, b.finisher = store, store, store
	case am.BackendRedis:
		store := queue.NewRedisStore(b.redis, cfg.Redis.KeyPrefix, cfg.Queue.PollTimeout, log.Named("queue"))
		b.poller, b.jobs, b.finisher = store, store, store
	case am.BackendHTTP:
		b.poller = queue.Pace(b.control, cfg.Queue.PollRatePerSecond, cfg.Queue.PollTimeout)
	default:
		b.Close()
		return nil, errors.Newf("unknown queue backend %q", cfg.Queue.Backend)
	}

	switch cfg.Lock.Backend {
	case am.BackendSQLite:
		b.locker = lock.NewSQLiteLocker(b.database, log.Named("lock"))
	case am.BackendRedis:
		b.locker = lock.NewRedisLocker(b.redis, cfg.Redis.KeyPrefix, log.Named("lock"))
	default:
		b.Close()
		return nil, errors.Newf("unknown lock backend %q", cfg.Lock.Backend)
	}

	return b, nil
}

// scheduleWriter returns the flow store as a ScheduleWriter, or nil without one
func (b *backends) scheduleWriter() schema.ScheduleWriter {
	if b.flows == nil {
		return nil
	}
	return b.flows
}

// chain is the upgrade chain for repeatable payloads over these backends
func (b *backends) chain(log *zap.SugaredLogger) *schema.Chain {
	return schema.NewScheduledChain(b.scheduleWriter(), log)
}

// coordinator builds the migration coordinator, or nil when the queue backend
// does not expose stored jobs
func (b *backends) coordinator(cfg *am.Config, chain *schema.Chain, log *zap.SugaredLogger) *migrate.Coordinator {
	if b.jobs == nil {
		return nil
	}
	return migrate.NewCoordinator(b.jobs, b.locker, chain, migrate.Config{
		Queue:       job.QueueScheduled,
		LockKey:     cfg.Migration.LockKey,
		LockTimeout: cfg.Migration.LockTimeout,
	}, log.Named("migrate"))
}

// Close releases every connection that was opened
func (b *backends) Close() error {
	var errs error
	if b.redis != nil {
		errs = errors.CombineErrors(errs, b.redis.Close())
	}
	if b.database != nil {
		errs = errors.CombineErrors(errs, b.database.Close())
	}
	return errs
}
