package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the Substrate configuration file.
const FileName = "substrate.toml"

// Find walks up from startDir looking for substrate.toml. It returns the
// absolute path, or "" when no file exists up to the filesystem root.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// Load reads the TOML file at path over the defaults and validates the
// result. Unknown keys are tolerated; TOML syntax errors are not.
func Load(path string) (*Config, error) {
	cfg := NewDefaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = filepath.Dir(path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Dispatch.MaxParallel < 1 {
		return fmt.Errorf("config: dispatch.max_parallel must be >= 1, got %d", c.Dispatch.MaxParallel)
	}
	if c.Implementation.MaxConcurrency < 1 {
		return fmt.Errorf("config: implementation.max_concurrency must be >= 1, got %d", c.Implementation.MaxConcurrency)
	}
	if c.Implementation.MaxReviewCycles < 0 {
		return fmt.Errorf("config: implementation.max_review_cycles must be >= 0, got %d", c.Implementation.MaxReviewCycles)
	}
	if c.Supervisor.StallThresholdSeconds <= 0 {
		return fmt.Errorf("config: supervisor.stall_threshold_seconds must be > 0, got %d", c.Supervisor.StallThresholdSeconds)
	}
	for name, a := range c.Agents {
		if a.Command == "" {
			return fmt.Errorf("config: agents.%s.command is required", name)
		}
	}
	return nil
}

// StatePath returns the absolute hidden state directory for the project.
func (c *Config) StatePath() string {
	return filepath.Join(c.Project.Root, c.Project.StateDir)
}

// StorePath returns the absolute path of the main database file.
func (c *Config) StorePath() string {
	return resolveUnder(c.StatePath(), c.Store.Path)
}

// MonitorPath returns the absolute path of the metrics database file.
func (c *Config) MonitorPath() string {
	return resolveUnder(c.StatePath(), c.Store.MonitorPath)
}

// WorktreesPath returns the root under which per-story worktrees live.
func (c *Config) WorktreesPath() string {
	return filepath.Join(c.StatePath(), "worktrees")
}

// PlansPath returns the approved-plans directory.
func (c *Config) PlansPath() string {
	return filepath.Join(c.StatePath(), "plans")
}

// DeltasPath returns the directory delta documents are written to.
func (c *Config) DeltasPath() string {
	return filepath.Join(c.StatePath(), "deltas")
}

// RunStatePath returns the durable run-state file read by the supervisor.
func (c *Config) RunStatePath() string {
	return filepath.Join(c.StatePath(), "run-state.json")
}

func resolveUnder(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
