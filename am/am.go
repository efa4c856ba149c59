package am

import "time"

// Config represents the flowworker configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" toml:"database" yaml:"database"`
	Queue        QueueConfig        `mapstructure:"queue" toml:"queue" yaml:"queue"`
	Redis        RedisConfig        `mapstructure:"redis" toml:"redis" yaml:"redis"`
	Lock         LockConfig         `mapstructure:"lock" toml:"lock" yaml:"lock"`
	Worker       WorkerConfig       `mapstructure:"worker" toml:"worker" yaml:"worker"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane" toml:"control_plane" yaml:"control_plane"`
	Migration    MigrationConfig    `mapstructure:"migration" toml:"migration" yaml:"migration"`
	Engine       EngineConfig       `mapstructure:"engine" toml:"engine" yaml:"engine"`
}

// DatabaseConfig configures the SQLite database (flows, local queue, locks)
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path"`
}

// Backend names accepted by queue.backend and lock.backend
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHTTP   = "http" // queue only: poll through the control plane
)

// QueueConfig selects where jobs are polled from
type QueueConfig struct {
	Backend           string        `mapstructure:"backend" toml:"backend" yaml:"backend"`
	PollRatePerSecond float64       `mapstructure:"poll_rate_per_second" toml:"poll_rate_per_second" yaml:"poll_rate_per_second"` // empty-poll pacing for the sqlite and http backends
	PollTimeout       time.Duration `mapstructure:"poll_timeout" toml:"poll_timeout" yaml:"poll_timeout"`                         // how long one poll waits for work
}

// RedisConfig configures the Redis connection shared by the redis queue and lock backends
type RedisConfig struct {
	Addr      string `mapstructure:"addr" toml:"addr" yaml:"addr"`
	DB        int    `mapstructure:"db" toml:"db" yaml:"db"`
	Password  string `mapstructure:"password" toml:"password" yaml:"password"`
	KeyPrefix string `mapstructure:"key_prefix" toml:"key_prefix" yaml:"key_prefix"`
}

// LockConfig selects the distributed lock backend
type LockConfig struct {
	Backend string `mapstructure:"backend" toml:"backend" yaml:"backend"`
}

// WorkerConfig configures the polling loops
type WorkerConfig struct {
	Token                string        `mapstructure:"token" toml:"token" yaml:"token"`                                                 // worker identity credential
	FlowConcurrency      int           `mapstructure:"flow_concurrency" toml:"flow_concurrency" yaml:"flow_concurrency"`                // loops per non-scheduled queue
	ScheduledConcurrency int           `mapstructure:"scheduled_concurrency" toml:"scheduled_concurrency" yaml:"scheduled_concurrency"` // loops for the scheduled queue
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" toml:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// ControlPlaneConfig configures the control plane API client
type ControlPlaneConfig struct {
	URL     string        `mapstructure:"url" toml:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
}

// MigrationConfig configures the job payload migration pass
type MigrationConfig struct {
	LockKey     string        `mapstructure:"lock_key" toml:"lock_key" yaml:"lock_key"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" toml:"lock_timeout" yaml:"lock_timeout"`
	Interval    time.Duration `mapstructure:"interval" toml:"interval" yaml:"interval"` // 0 = startup only
	OnStartup   bool          `mapstructure:"on_startup" toml:"on_startup" yaml:"on_startup"`
}

// EngineConfig configures the engine process that executes jobs
type EngineConfig struct {
	Command string `mapstructure:"command" toml:"command" yaml:"command"`
	WorkDir string `mapstructure:"work_dir" toml:"work_dir" yaml:"work_dir"`
}

// File system constants
const (
	DefaultDirPermissions = 0755 // Standard directory permissions (rwxr-xr-x)
)
