// Package config loads mealsync settings from a YAML file and MEALSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Remote RemoteConfig `mapstructure:"remote"`
	Admin  AdminConfig  `mapstructure:"admin"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
	// File enables rotated file output in addition to stdout.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DBConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxBatchesPerPass int           `mapstructure:"max_batches_per_pass"`
	Concurrency       int           `mapstructure:"concurrency"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxRecordAttempts int           `mapstructure:"max_record_attempts"`
	PeriodicSpec      string        `mapstructure:"periodic_spec"`
	PassTimeout       time.Duration `mapstructure:"pass_timeout"`
	ConflictStrategy  string        `mapstructure:"conflict_strategy"`
}

type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Token         string        `mapstructure:"token"`
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from path. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("db.data_dir", "./data")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_batches_per_pass", 20)
	v.SetDefault("sync.concurrency", 1)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.max_record_attempts", 10)
	v.SetDefault("sync.periodic_spec", "@every 15m")
	v.SetDefault("sync.pass_timeout", "5m")
	v.SetDefault("sync.conflict_strategy", "last_write_wins")

	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.probe_address", "")
	v.SetDefault("remote.probe_timeout", "3s")
	v.SetDefault("remote.probe_interval", "30s")

	v.SetDefault("admin.addr", "127.0.0.1:7420")
}

// Validate rejects settings the sync core cannot run with.
func (c Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxBatchesPerPass <= 0 {
		return fmt.Errorf("sync.max_batches_per_pass must be positive, got %d", c.Sync.MaxBatchesPerPass)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	switch c.Sync.ConflictStrategy {
	case "last_write_wins", "server_wins":
	default:
		return fmt.Errorf("sync.conflict_strategy %q is not supported", c.Sync.ConflictStrategy)
	}
	if c.DB.DataDir == "" {
		return fmt.Errorf("db.data_dir is required")
	}
	return nil
}
