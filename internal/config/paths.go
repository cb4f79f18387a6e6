// Package config resolves hive's state paths, loads the user configuration
// file and per-project settings, and builds the process logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"hive/pkg/protocol"
)

// Paths holds all resolved hive state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.hive or HIVE_HOME
	DBPath      string // hive.db or HIVE_DB_PATH
	PIDPath     string // hive.pid or HIVE_PID_PATH
	LogPath     string // hive.log
	MetricsPath string // metrics.prom
	ConfigPath  string // config.yaml or HIVE_CONFIG
}

// ResolvePaths returns all hive paths, respecting env var overrides.
// Environment variables:
//   - HIVE_HOME: base directory for all hive state (default: ~/.hive)
//   - HIVE_DB_PATH: state database (default: $HIVE_HOME/hive.db)
//   - HIVE_PID_PATH: daemon PID file (default: $HIVE_HOME/hive.pid)
//   - HIVE_CONFIG: configuration file (default: $HIVE_HOME/config.yaml)
//
// Specific env vars override both the default and the HIVE_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:        home,
		DBPath:      resolvePathWithEnv("HIVE_DB_PATH", home, "hive.db"),
		PIDPath:     resolvePathWithEnv("HIVE_PID_PATH", home, "hive.pid"),
		LogPath:     filepath.Join(home, "hive.log"),
		MetricsPath: filepath.Join(home, "metrics.prom"),
		ConfigPath:  resolvePathWithEnv("HIVE_CONFIG", home, "config.yaml"),
	}, nil
}

// EnsureHome creates the home directory and the database directory.
func (p *Paths) EnsureHome() error {
	for _, dir := range []string{p.Home, filepath.Dir(p.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// resolveHome returns the hive home directory from HIVE_HOME or ~/.hive.
func resolveHome() (string, error) {
	if v := os.Getenv("HIVE_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
