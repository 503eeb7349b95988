// Package config loads and validates substrate.toml, the project-level
// configuration for the Substrate pipeline.
package config

import "time"

// Config is the top-level configuration structure mapping to substrate.toml.
type Config struct {
	Project        ProjectConfig          `toml:"project"`
	Store          StoreConfig            `toml:"store"`
	Dispatch       DispatchConfig         `toml:"dispatch"`
	Implementation ImplementationConfig   `toml:"implementation"`
	Supervisor     SupervisorConfig       `toml:"supervisor"`
	Agents         map[string]AgentConfig `toml:"agents"`
}

// ProjectConfig maps to the [project] section.
type ProjectConfig struct {
	// Name identifies the project in logs and delta documents.
	Name string `toml:"name"`

	// Root is the project root directory. The hidden state folder lives
	// directly beneath it.
	Root string `toml:"root"`

	// StateDir is the hidden state folder name (default ".substrate").
	StateDir string `toml:"state_dir"`

	// Pack names the methodology pack to load (default "standard").
	Pack string `toml:"pack"`

	// PackDir optionally points at a directory of pack overrides.
	PackDir string `toml:"pack_dir"`
}

// StoreConfig maps to the [store] section.
type StoreConfig struct {
	// Path is the main database file, relative to the state dir when not
	// absolute (default "substrate.db").
	Path string `toml:"path"`

	// MonitorPath is the write-only metrics database (default "monitor.db").
	MonitorPath string `toml:"monitor_path"`
}

// DispatchConfig maps to the [dispatch] section.
type DispatchConfig struct {
	// Agent is the default agent name used when a task does not name one.
	Agent string `toml:"agent"`

	// Model is the default model identifier passed to the agent CLI.
	Model string `toml:"model"`

	// TimeoutSeconds bounds a single dispatch; 0 means no timeout.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// MaxParallel caps concurrently running dispatches.
	MaxParallel int `toml:"max_parallel"`

	// MaxRetries is the per-dispatch retry budget for transient failures.
	MaxRetries int `toml:"max_retries"`

	// TokenCeiling bounds assembled prompt size in estimated tokens.
	TokenCeiling int `toml:"token_ceiling"`
}

// ImplementationConfig maps to the [implementation] section.
type ImplementationConfig struct {
	// MaxConcurrency caps the number of conflict groups running in parallel.
	MaxConcurrency int `toml:"max_concurrency"`

	// MaxReviewCycles caps review-fix iterations before a story escalates.
	MaxReviewCycles int `toml:"max_review_cycles"`

	// DiffByteCeiling is the diff size above which code-review dispatches
	// receive a stat summary instead of the full diff.
	DiffByteCeiling int `toml:"diff_byte_ceiling"`

	// Modules maps module names to story-key glob patterns for the conflict
	// detector (doublestar syntax, e.g. "10-*").
	Modules map[string][]string `toml:"modules"`
}

// SupervisorConfig maps to the [supervisor] section.
type SupervisorConfig struct {
	// StallThresholdSeconds is the silence window after which a run is
	// considered stalled (default 600).
	StallThresholdSeconds int `toml:"stall_threshold_seconds"`

	// MaxRestarts caps automatic restarts after a stall kill.
	MaxRestarts int `toml:"max_restarts"`

	// HeartbeatSeconds is the pipeline heartbeat interval (default 30).
	HeartbeatSeconds int `toml:"heartbeat_seconds"`

	// TickSeconds is the watchdog polling interval (default 15).
	TickSeconds int `toml:"tick_seconds"`
}

// AgentConfig maps to an [agents.<name>] section.
type AgentConfig struct {
	Command      string   `toml:"command"`
	Model        string   `toml:"model"`
	Args         []string `toml:"args"`
	AllowedTools string   `toml:"allowed_tools"`
}

// StallThreshold returns the stall window as a duration.
func (s SupervisorConfig) StallThreshold() time.Duration {
	return time.Duration(s.StallThresholdSeconds) * time.Second
}

// Heartbeat returns the heartbeat interval as a duration.
func (s SupervisorConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// Tick returns the watchdog polling interval as a duration.
func (s SupervisorConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// DispatchTimeout returns the per-dispatch timeout, 0 meaning unbounded.
func (d DispatchConfig) DispatchTimeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}
