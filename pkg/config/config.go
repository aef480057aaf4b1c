// Package config loads engine configuration from the user's config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

const xdgAppName = "calsync"

// Config carries every tunable the engine exposes.
type Config struct {
	// Calendar is the default calendar name used when a sync request does
	// not name calendars explicitly.
	Calendar string `mapstructure:"calendar"`

	// DatabasePath locates the sqlite sync-state database.
	DatabasePath string `mapstructure:"database_path"`

	// CredentialsDir holds the OAuth client secret and per-owner tokens.
	CredentialsDir string `mapstructure:"credentials_dir"`

	// Workers bounds concurrent per-calendar sync runs.
	Workers int `mapstructure:"workers"`

	// RetryAttempts and RetryBaseDelay shape the API client's backoff.
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// ExcludePatterns are matched (case-insensitive substring) against event
	// titles to keep calendar noise out of the task list.
	ExcludePatterns []string `mapstructure:"exclude_patterns"`

	// RunTimeout bounds a single sync run.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// Dir returns the calsync config directory, honoring XDG_CONFIG_HOME.
func Dir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("error getting user home directory: %w", err)
		}
		if runtime.GOOS == "windows" {
			configHome = filepath.Join(homeDir, "AppData", "Roaming")
		} else {
			configHome = filepath.Join(homeDir, ".config")
		}
	}
	return filepath.Join(configHome, xdgAppName), nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("calendar", "Tasks")
	v.SetDefault("database_path", filepath.Join(dir, "syncstate.db"))
	v.SetDefault("credentials_dir", dir)
	v.SetDefault("workers", 5)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("exclude_patterns", []string{
		"birthday",
		"holiday",
		"(recurring)",
	})
	v.SetDefault("run_timeout", 10*time.Minute)
}

// Load reads calsync.yml from the config directory, creating the directory
// if needed. A missing file yields the defaults.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName(xdgAppName)
	v.SetConfigType("yaml")
	v.SetConfigFile(filepath.Join(dir, xdgAppName+".yml"))
	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Calendar == "" {
		cfg.Calendar = "Tasks"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &cfg, nil
}

// Save writes the config back to calsync.yml.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("calendar", cfg.Calendar)
	v.Set("database_path", cfg.DatabasePath)
	v.Set("credentials_dir", cfg.CredentialsDir)
	v.Set("workers", cfg.Workers)
	v.Set("retry_attempts", cfg.RetryAttempts)
	v.Set("retry_base_delay", cfg.RetryBaseDelay)
	v.Set("exclude_patterns", cfg.ExcludePatterns)
	v.Set("run_timeout", cfg.RunTimeout)
	return v.WriteConfigAs(filepath.Join(dir, xdgAppName+".yml"))
}
