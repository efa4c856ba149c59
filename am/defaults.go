package am

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "flowworker.db")

	// Queue defaults
	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("queue.poll_rate_per_second", 2.0) // empty polls per second per queue
	v.SetDefault("queue.poll_timeout", 5*time.Second)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", "flowworker:")

	// Lock defaults
	v.SetDefault("lock.backend", BackendSQLite)

	// Worker defaults (token is usually supplied via FLOWWORKER_WORKER_TOKEN)
	v.SetDefault("worker.token", "")
	v.SetDefault("worker.flow_concurrency", 1)
	v.SetDefault("worker.scheduled_concurrency", 1)
	v.SetDefault("worker.heartbeat_interval", 15*time.Second)

	// Control plane defaults
	v.SetDefault("control_plane.url", "http://localhost:3000/api")
	v.SetDefault("control_plane.timeout", 30*time.Second)

	// Migration defaults
	v.SetDefault("migration.lock_key", "jobs_lock")
	v.SetDefault("migration.lock_timeout", 30*time.Second)
	v.SetDefault("migration.interval", time.Duration(0))
	v.SetDefault("migration.on_startup", true)

	// Engine defaults
	v.SetDefault("engine.command", "flow-engine")
	v.SetDefault("engine.work_dir", "")
}
