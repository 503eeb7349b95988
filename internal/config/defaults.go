package config

// DefaultModules is the built-in story-key classification table used by the
// conflict detector when [implementation.modules] is absent. Keys are module
// names, values are doublestar glob patterns matched against story keys.
// Stories from the same epic share that epic's module by default.
var DefaultModules = map[string][]string{}

// NewDefaults returns a Config populated with every default value. Loaded
// files overlay these, so absent sections always behave.
func NewDefaults() *Config {
	return &Config{
		Project: ProjectConfig{
			StateDir: ".substrate",
			Pack:     "standard",
		},
		Store: StoreConfig{
			Path:        "substrate.db",
			MonitorPath: "monitor.db",
		},
		Dispatch: DispatchConfig{
			Agent:        "claude",
			MaxParallel:  4,
			MaxRetries:   2,
			TokenCeiling: 24000,
		},
		Implementation: ImplementationConfig{
			MaxConcurrency:  3,
			MaxReviewCycles: 3,
			DiffByteCeiling: 256 * 1024,
			Modules:         map[string][]string{},
		},
		Supervisor: SupervisorConfig{
			StallThresholdSeconds: 600,
			MaxRestarts:           2,
			HeartbeatSeconds:      30,
			TickSeconds:           15,
		},
		Agents: map[string]AgentConfig{},
	}
}
