// Package migrate brings enqueued job payloads up to the current schema version
// under a cross-process lock.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
	"github.com/teranos/flowworker/pulse/lock"
	"github.com/teranos/flowworker/pulse/queue"
	"github.com/teranos/flowworker/pulse/schema"
)

const (
	DefaultLockKey     = "jobs_lock"
	DefaultLockTimeout = 30 * time.Second
)

// Upgrader is the schema chain the coordinator drives
type Upgrader interface {
	Latest() int
	Upgrade(ctx context.Context, j *job.Job, persist schema.PersistFunc) (schema.Result, error)
}

// Config selects the queue to migrate and the lock guarding it
type Config struct {
	Queue       job.QueueName
	LockKey     string
	LockTimeout time.Duration
}

// DefaultConfig migrates the repeatable queue under jobs_lock
func DefaultConfig() Config {
	return Config{
		Queue:       job.QueueScheduled,
		LockKey:     DefaultLockKey,
		LockTimeout: DefaultLockTimeout,
	}
}

// Result counts what one Run did
type Result struct {
	Scanned    int
	Candidates int
	Migrated   int
	Unchanged  int
	Failed     int
}

// Coordinator migrates one queue's waiting jobs
type Coordinator struct {
	store    queue.JobStore
	locker   lock.Locker
	upgrader Upgrader
	cfg      Config
	logger   *zap.SugaredLogger
}

// NewCoordinator creates a coordinator. Zero Config fields take defaults.
func NewCoordinator(store queue.JobStore, locker lock.Locker, upgrader Upgrader, cfg Config, log *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.LockKey == "" {
		cfg.LockKey = def.LockKey
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}

	return &Coordinator{
		store:    store,
		locker:   locker,
		upgrader: upgrader,
		cfg:      cfg,
		logger:   logger.OrNop(log).With(logger.FieldComponent, "pulse.migrate", logger.FieldQueue, cfg.Queue),
	}
}

// Run holds the lock for one scan-and-migrate pass over the queue. Jobs are
// migrated one at a time; a job that fails is logged and counted without
// stopping the batch. The lock is released on every return path.
func (c *Coordinator) Run(ctx context.Context) (res Result, err error) {
	held, err := c.locker.Acquire(ctx, c.cfg.LockKey, c.cfg.LockTimeout)
	if err != nil {
		err = errors.Wrap(err, "failed to acquire migration lock")
		return res, errors.WithDetail(err, fmt.Sprintf("Lock key: %s", c.cfg.LockKey))
	}
	defer func() {
		// Release even when ctx is already cancelled
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.logger.Warnw("Failed to release migration lock", logger.FieldLockKey, c.cfg.LockKey, logger.FieldError, rerr)
			if err == nil {
				err = errors.Wrap(rerr, "failed to release migration lock")
			}
		}
	}()

	jobs, err := c.store.ListJobs(ctx, c.cfg.Queue)
	if err != nil {
		return res, errors.Wrap(err, "failed to list jobs to migrate")
	}
	res.Scanned = len(jobs)

	candidates := c.candidates(jobs)
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		c.logger.Debugw("No jobs to migrate", logger.FieldCount, res.Scanned)
		return res, nil
	}

	c.logger.Infow("Migration of scheduled jobs started", logger.FieldCount, len(candidates))
	start := time.Now()

	for _, j := range candidates {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "migration interrupted")
		}

		upgraded, err := c.migrateJob(ctx, j)
		switch {
		case err != nil:
			res.Failed++
			c.logger.Errorw("Failed to migrate job",
				logger.FieldJobID, j.ID,
				logger.FieldError, err,
				"details", errors.FlattenDetails(err),
			)
		case upgraded.Changed():
			res.Migrated++
		default:
			res.Unchanged++
		}
	}

	c.logger.Infow("Migration of scheduled jobs completed",
		"migrated", res.Migrated,
		"failed", res.Failed,
		"unchanged", res.Unchanged,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return res, nil
}

// candidates keeps jobs with a payload whose version is not the latest
func (c *Coordinator) candidates(jobs []*job.Job) []*job.Job {
	var out []*job.Job
	for _, j := range jobs {
		if j == nil || isNilPayload(j.Data) {
			continue
		}
		version, err := j.SchemaVersion()
		if err == nil && version == c.upgrader.Latest() {
			continue
		}
		out = append(out, j)
	}
	return out
}

func (c *Coordinator) migrateJob(ctx context.Context, j *job.Job) (schema.Result, error) {
	persist := func(ctx context.Context, data json.RawMessage) error {
		return c.store.UpdateJobData(ctx, j, data)
	}

	res, err := c.upgrader.Upgrade(ctx, j, persist)
	if err != nil {
		return res, err
	}
	if res.Changed() {
		c.logger.Debugw("Migrated job",
			logger.FieldJobID, j.ID,
			logger.FieldFromVersion, res.From,
			logger.FieldToVersion, res.To,
		)
	}
	return res, nil
}

func isNilPayload(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}
