package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "BGTASKS"

// configFileEnv names an explicit config file path.
const configFileEnv = "BGTASKS_CONFIG_FILE"

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the cross-section rules tags can't express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	switch cfg.Store.Driver {
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("config validation failed: redis.addr is required for the redis driver")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("config validation failed: database.url is required for the postgres driver")
		}
	}

	return nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("store.driver", "memory")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "bgtasks")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.queue", "default")
	v.SetDefault("worker.dequeue_timeout_seconds", 1)
	v.SetDefault("worker.error_pause_millis", 1000)
	v.SetDefault("worker.stuck_task_age_minutes", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval_seconds", 1)

	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.cron", "0 3 * * *")
	v.SetDefault("maintenance.retention_hours", 24)
}
