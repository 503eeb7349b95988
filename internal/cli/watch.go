package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/logging"
	"github.com/substratehq/substrate/internal/supervisor"
)

func newWatchCmd() *cobra.Command {
	var statePath string
	var events bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a running pipeline and restart it if it stalls",
		Long: `Run the out-of-band watchdog against the project's run-state file. A run
that goes silent past the stall threshold has its process tree killed and is
resumed, up to the configured restart budget.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, statePath, events)
		},
	}

	cmd.Flags().StringVar(&statePath, "run-state", "", "Run-state file to watch (default: the project's)")
	cmd.Flags().BoolVar(&events, "events", false, "Emit NDJSON events on stdout")
	return cmd
}

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func runWatch(cmd *cobra.Command, statePath string, events bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if statePath == "" {
		statePath = cfg.RunStatePath()
	}

	b := bus.New()
	if events {
		b.OnAll(bus.NDJSONWriter(os.Stdout))
	} else {
		attachWatchPrinter(cmd, b)
	}

	sup := supervisor.New(statePath, cfg.Supervisor,
		supervisor.WithBus(b),
		supervisor.WithLogger(logging.New("supervisor")),
		supervisor.WithResumeCommand([]string{os.Args[0], "resume", "--run-id"}),
	)

	err = sup.Watch(cmd.Context())
	if errors.Is(err, supervisor.ErrMaxRestarts) {
		return exitf(ExitError, "watch: %v", err)
	}
	return err
}

// attachWatchPrinter renders supervisor events as human-readable lines.
func attachWatchPrinter(cmd *cobra.Command, b *bus.Bus) {
	out := cmd.ErrOrStderr()

	b.On(bus.EventSupervisorKill, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.SupervisorKillPayload); ok {
			fmt.Fprintf(out, "%s run %s stalled for %ds, killed %d processes\n",
				styleFail("✗"), p.RunID, p.StalenessSeconds, len(p.PIDs))
		}
	})
	b.On(bus.EventSupervisorRestart, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.SupervisorRestartPayload); ok {
			fmt.Fprintf(out, "%s restarted run %s (attempt %d)\n", styleWarn("↻"), p.RunID, p.Attempt)
		}
	})
	b.On(bus.EventSupervisorAbort, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.SupervisorAbortPayload); ok {
			fmt.Fprintf(out, "%s gave up on run %s after %d attempts\n", styleFail("✗"), p.RunID, p.Attempts)
		}
	})
	b.On(bus.EventSupervisorSummary, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.SupervisorSummaryPayload); ok {
			fmt.Fprintf(out, "%s run %s finished: %d succeeded, %d failed, %d escalated (%ds, %d restarts)\n",
				styleOK("✓"), p.RunID, len(p.Succeeded), len(p.Failed), len(p.Escalated),
				p.ElapsedSeconds, p.Restarts)
		}
	})
}
