package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hive/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config models $HIVE_HOME/config.yaml. Every field is optional.
type Config struct {
	Agent struct {
		Executable       string        `yaml:"executable"`
		Model            string        `yaml:"model"`
		ContextThreshold int           `yaml:"context_threshold"`
		ContextWindow    int64         `yaml:"context_window"`
		StallTimeout     time.Duration `yaml:"stall_timeout"`
	} `yaml:"agent"`
	Queen struct {
		MaxBeesPerComb int           `yaml:"max_bees_per_comb"`
		AssignInterval time.Duration `yaml:"assign_interval"`
	} `yaml:"queen"`
	Validator struct {
		CheckTimeout  time.Duration `yaml:"check_timeout"`
		ReviewTimeout time.Duration `yaml:"review_timeout"`
		DisableReview bool          `yaml:"disable_review"`
	} `yaml:"validator"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.Agent.Executable = "claude"
	c.Agent.ContextThreshold = 70
	c.Agent.ContextWindow = 200_000
	c.Agent.StallTimeout = 10 * time.Minute
	c.Queen.MaxBeesPerComb = 2
	c.Queen.AssignInterval = 30 * time.Second
	c.Validator.CheckTimeout = 5 * time.Minute
	c.Validator.ReviewTimeout = 60 * time.Second
	c.Log.Level = "info"
	c.Metrics.Interval = 15 * time.Second
	return c
}

// Load reads config from path over the defaults. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes over the defaults.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteDefault writes the default configuration to path unless a file is
// already there. It reports whether it wrote one.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // not secret
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Agent.ContextThreshold < 1 || c.Agent.ContextThreshold > 100 {
		return fmt.Errorf("config.agent.context_threshold must be between 1 and 100, got %d", c.Agent.ContextThreshold)
	}
	if c.Agent.ContextWindow < 0 {
		return fmt.Errorf("config.agent.context_window must not be negative")
	}
	if c.Queen.MaxBeesPerComb < 0 {
		return fmt.Errorf("config.queen.max_bees_per_comb must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"agent.stall_timeout":      c.Agent.StallTimeout,
		"queen.assign_interval":    c.Queen.AssignInterval,
		"validator.check_timeout":  c.Validator.CheckTimeout,
		"validator.review_timeout": c.Validator.ReviewTimeout,
		"metrics.interval":         c.Metrics.Interval,
	} {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ProjectFileName is the optional per-repository settings file.
const ProjectFileName = "hive.toml"

// ProjectFile models hive.toml at a repository root. It supplies defaults
// for `hive project add`.
type ProjectFile struct {
	BaseBranch        string `toml:"base_branch"`
	MergePolicy       string `toml:"merge_policy"`
	ValidationCommand string `toml:"validation_command"`
}

// LoadProjectFile reads hive.toml from repo. The bool reports whether the
// file exists.
func LoadProjectFile(repo string) (ProjectFile, bool, error) {
	var pf ProjectFile
	data, err := os.ReadFile(filepath.Join(repo, ProjectFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pf, false, nil
		}
		return pf, false, fmt.Errorf("read %s: %w", ProjectFileName, err)
	}
	if err := toml.Unmarshal(data, &pf); err != nil {
		return pf, true, fmt.Errorf("parse %s: %w", ProjectFileName, err)
	}
	if pf.MergePolicy != "" && !protocol.MergePolicy(pf.MergePolicy).Valid() {
		return pf, true, &protocol.FieldError{Field: "merge_policy", Value: pf.MergePolicy}
	}
	return pf, true, nil
}
