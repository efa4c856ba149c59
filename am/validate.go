package am

import "github.com/teranos/flowworker/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case BackendSQLite, BackendRedis, BackendHTTP:
	default:
		return errors.Newf("queue.backend must be one of sqlite, redis, http, got %q", c.Queue.Backend)
	}

	switch c.Lock.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return errors.Newf("lock.backend must be one of sqlite, redis, got %q", c.Lock.Backend)
	}

	// sqlite backends need a database path
	if (c.Queue.Backend == BackendSQLite || c.Lock.Backend == BackendSQLite) && c.Database.Path == "" {
		return errors.New("database.path cannot be empty with a sqlite backend")
	}

	if (c.Queue.Backend == BackendRedis || c.Lock.Backend == BackendRedis) && c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty with a redis backend")
	}

	// Concurrency: 0 = queue kind not served by this worker, negative = invalid
	if c.Worker.FlowConcurrency < 0 {
		return errors.Newf("worker.flow_concurrency must be >= 0, got %d", c.Worker.FlowConcurrency)
	}
	if c.Worker.ScheduledConcurrency < 0 {
		return errors.Newf("worker.scheduled_concurrency must be >= 0, got %d", c.Worker.ScheduledConcurrency)
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.Newf("worker.heartbeat_interval must be > 0, got %s", c.Worker.HeartbeatInterval)
	}

	if c.Queue.PollRatePerSecond < 0 {
		return errors.Newf("queue.poll_rate_per_second must be >= 0, got %f", c.Queue.PollRatePerSecond)
	}

	if c.ControlPlane.URL == "" {
		return errors.New("control_plane.url cannot be empty")
	}

	if c.Migration.LockKey == "" {
		return errors.New("migration.lock_key cannot be empty")
	}
	if c.Migration.LockTimeout <= 0 {
		return errors.Newf("migration.lock_timeout must be > 0, got %s", c.Migration.LockTimeout)
	}
	if c.Migration.Interval < 0 {
		return errors.Newf("migration.interval must be >= 0, got %s", c.Migration.Interval)
	}

	return nil
}
