package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/monitor"
	"github.com/substratehq/substrate/internal/store"
)

// configTemplate seeds a fresh substrate.toml. Values mirror the built-in
// defaults so the file documents what can be tuned.
const configTemplate = `[project]
name = %q
pack = %q

[store]
path = "substrate.db"
monitor_path = "monitor.db"

[dispatch]
agent = "claude"
max_parallel = 4
max_retries = 2
token_ceiling = 24000

[implementation]
max_concurrency = 3
max_review_cycles = 3

[supervisor]
stall_threshold_seconds = 600
max_restarts = 2
heartbeat_seconds = 30

[agents.claude]
command = "claude"
`

func newInitCmd() *cobra.Command {
	var packName string
	var projectRoot string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project for pipeline runs",
		Long: `Create substrate.toml and the hidden state directory, and open a fresh
store so the schema exists before the first run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, packName, projectRoot, force)
		},
	}

	cmd.Flags().StringVar(&packName, "pack", "standard", "Methodology pack to record in the config")
	cmd.Flags().StringVar(&projectRoot, "project-root", ".", "Directory to initialize")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing substrate.toml")
	return cmd
}

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func runInit(cmd *cobra.Command, packName, projectRoot string, force bool) error {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return usagef("resolving project root: %v", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating project root: %w", err)
	}

	cfgPath := filepath.Join(root, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil && !force {
		return usagef("%s already exists (use --force to overwrite)", cfgPath)
	}

	content := fmt.Sprintf(configTemplate, filepath.Base(root), packName)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cfgPath, err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.StatePath(), cfg.PlansPath(), cfg.WorktreesPath(), cfg.DeltasPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// Opening the databases once creates their schemas.
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	if err := st.Close(); err != nil {
		return err
	}
	mon, err := monitor.Open(cfg.MonitorPath())
	if err != nil {
		return err
	}
	if err := mon.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Initialized project in %s\n", root)
	fmt.Fprintf(cmd.ErrOrStderr(), "  config: %s\n", cfgPath)
	fmt.Fprintf(cmd.ErrOrStderr(), "  state:  %s\n", cfg.StatePath())
	return nil
}
