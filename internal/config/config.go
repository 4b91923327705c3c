package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Store       StoreConfig       `mapstructure:"store" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Worker      WorkerConfig      `mapstructure:"worker" validate:"required"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler" validate:"required"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig contains the admin HTTP server and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// StoreConfig selects the backend holding queues and the status ledger.
type StoreConfig struct {
	// Driver is one of "memory", "redis" or "postgres".
	Driver string `mapstructure:"driver" validate:"required,oneof=memory redis postgres"`
}

// RedisConfig contains connection settings for the redis store driver.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`
}

// DatabaseConfig contains connection settings for the postgres store driver.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// WorkerConfig controls the worker pool started at boot.
type WorkerConfig struct {
	Count int    `mapstructure:"count" validate:"gte=0,lte=1024"`
	Queue string `mapstructure:"queue" validate:"required"`
	// DequeueTimeoutSeconds bounds each blocking dequeue.
	DequeueTimeoutSeconds int `mapstructure:"dequeue_timeout_seconds" validate:"gt=0"`
	// ErrorPauseMillis is the pause after a store failure inside the loop.
	ErrorPauseMillis int `mapstructure:"error_pause_millis" validate:"gte=0"`
	// StuckTaskAgeMinutes re-enqueues RUNNING tasks older than this. Zero disables.
	StuckTaskAgeMinutes int `mapstructure:"stuck_task_age_minutes" validate:"gte=0"`
}

// SchedulerConfig controls the periodic/delayed scheduler.
type SchedulerConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds" validate:"gt=0"`
}

// MaintenanceConfig controls the built-in ledger garbage collection schedule.
type MaintenanceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Cron           string `mapstructure:"cron" validate:"required_if=Enabled true"`
	RetentionHours int    `mapstructure:"retention_hours" validate:"gte=0"`
}
