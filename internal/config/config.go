// Package config loads driftnote settings from flags, environment, and
// an optional config file.
//
// Precedence, highest first: command-line flags, DRIFTNOTE_* environment
// variables, the config file, built-in defaults. The config file is
// .driftnote.yaml in the data directory or the home directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the resolved settings for a driftnote session.
type Config struct {
	// Endpoint is the sync backend base URL. Empty disables sync.
	Endpoint string `mapstructure:"endpoint"`

	// Token is the bearer token for the backend.
	Token string `mapstructure:"token"`

	// UserID scopes the realtime subscription.
	UserID string `mapstructure:"user_id"`

	// DataDir holds the local database and device identity.
	DataDir string `mapstructure:"data_dir"`

	// NotesDir is the directory of note files the daemon watches.
	NotesDir string `mapstructure:"notes_dir"`

	// LogFile, when set, routes daemon logs to a rotated file.
	LogFile string `mapstructure:"log_file"`

	// Timing overrides; zero values take the package defaults.
	StoreDebounce time.Duration `mapstructure:"store_debounce"`
	DrainDebounce time.Duration `mapstructure:"drain_debounce"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// DatabasePath returns the location of the local SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "driftnote.db")
}

// SyncEnabled reports whether a backend is configured.
func (c *Config) SyncEnabled() bool {
	return c.Endpoint != "" && c.Token != ""
}

// Load resolves the configuration. v should already carry any flag
// bindings; pass viper.New() when no flags apply.
func Load(v *viper.Viper) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	v.SetDefault("data_dir", filepath.Join(home, ".driftnote"))
	v.SetDefault("notes_dir", filepath.Join(home, "notes"))
	v.SetDefault("user_id", "")
	v.SetDefault("endpoint", "")
	v.SetDefault("token", "")
	v.SetDefault("log_file", "")

	v.SetConfigName(".driftnote")
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString("data_dir"))
	v.AddConfigPath(home)

	v.SetEnvPrefix("DRIFTNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}
