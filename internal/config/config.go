// Package config loads application configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	// DatabasePath is the SQLite replica database location.
	DatabasePath string `mapstructure:"database_path"`

	// TokenDir is where per-account OAuth token files live.
	TokenDir string `mapstructure:"token_dir"`

	// GoogleClientID / GoogleClientSecret identify the OAuth application.
	GoogleClientID     string `mapstructure:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret"`

	// SyncInterval is how often the daemon runs a sync pass.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// Workers bounds per-run calendar fan-out.
	Workers int `mapstructure:"workers"`

	// LogFile, if set, routes daemon logs to a rotating file instead of
	// stderr.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "calmirror.yaml"
	}
	return filepath.Join(home, ".calmirror", "config.yaml")
}

// Load reads configuration from path, falling back to defaults for unset
// keys. Environment variables prefixed CALMIRROR_ override file values
// (e.g. CALMIRROR_DATABASE_PATH). A missing file is not an error; the
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_path", filepath.Join(filepath.Dir(path), "replica.db"))
	v.SetDefault("token_dir", filepath.Dir(path))
	v.SetDefault("sync_interval", "5m")
	v.SetDefault("workers", 4)
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("CALMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	return &cfg, nil
}
