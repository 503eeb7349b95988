package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/amend"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/store"
)

func newResumeCmd() *cobra.Command {
	var runID string
	var events bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted pipeline run",
		Long: `Resume a run from its durable state. The orchestrator first greedily
advances past phases whose exit gates already pass, then the driver picks up
at the first phase with real work left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, runID, events)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run to resume (default: latest)")
	cmd.Flags().BoolVar(&events, "events", false, "Emit NDJSON events on stdout")
	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

func runResume(cmd *cobra.Command, runID string, events bool) error {
	rt, err := openRuntime("", events)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	runID, err = resolveRunID(ctx, rt, runID)
	if err != nil {
		return err
	}

	run, err := rt.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == store.StatusCompleted {
		fmt.Fprintf(cmd.ErrOrStderr(), "Run %s is already complete.\n", runID)
		return nil
	}

	// Amendment runs get their parent-decision context rebuilt from the
	// frozen store snapshot before any phase re-runs.
	var contexter *amend.ContextHandler
	if run.ParentRunID != nil {
		concept := phase.DecodeRunConfig(run.Config).Concept
		contexter, err = amend.NewContextHandler(ctx, rt.store, *run.ParentRunID, amend.Options{
			FramingConcept: concept,
		})
		if err != nil {
			return err
		}
	}

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}
	status, err := orch.ResumeRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Resumed run %s at phase %s\n", runID, status.CurrentPhase)

	if err := drive(ctx, rt, orch, runID, driveOpts{contexter: contexter}); err != nil {
		return err
	}

	if contexter != nil {
		if err := finalizeAmendment(ctx, cmd, rt, contexter, runID); err != nil {
			return err
		}
	}
	return nil
}
