package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/amend"
	"github.com/substratehq/substrate/internal/store"
)

func newAmendCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "amend <parent-run-id>",
		Short: "Run an amendment against a completed run",
		Long: `Create an amendment run that revisits a completed parent run with a new
concept. Phase prompts carry the parent's frozen decisions; decisions the
amendment replaces are superseded in place, and completion produces a delta
document describing what changed.`,
		Example: `  auto amend 2f6c1c9a --concept "switch billing to usage-based pricing"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAmend(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.Concept, "concept", "", "Amendment concept text")
	cmd.Flags().StringVar(&flags.ConceptFile, "concept-file", "", "File containing the amendment concept")
	cmd.Flags().BoolVar(&flags.Events, "events", false, "Emit NDJSON events on stdout")
	cmd.Flags().StringSliceVar(&flags.Stories, "stories", nil, "Restrict implementation to the given story keys")
	return cmd
}

func init() {
	rootCmd.AddCommand(newAmendCmd())
}

func runAmend(cmd *cobra.Command, parentID string, flags runFlags) error {
	concept, err := resolveConcept(flags.Concept, flags.ConceptFile)
	if err != nil {
		return err
	}

	rt, err := openRuntime("", flags.Events)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	runID, err := amend.CreateRun(ctx, rt.store, parentID, concept)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return usagef("unknown parent run %q", parentID)
	case errors.Is(err, store.ErrParentNotCompleted):
		return usagef("parent run %s has not completed", parentID)
	case err != nil:
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Started amendment %s of run %s\n", runID, parentID)

	contexter, err := amend.NewContextHandler(ctx, rt.store, parentID, amend.Options{
		FramingConcept: concept,
	})
	if err != nil {
		return err
	}

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}
	if err := drive(ctx, rt, orch, runID, driveOpts{
		contexter: contexter,
		stories:   flags.Stories,
	}); err != nil {
		return err
	}

	return finalizeAmendment(ctx, cmd, rt, contexter, runID)
}

// finalizeAmendment writes the delta document once the amendment run has
// completed. Incomplete runs skip delta generation so a later resume can
// produce it against the full decision set.
func finalizeAmendment(ctx context.Context, cmd *cobra.Command, rt *runtime, h *amend.ContextHandler, runID string) error {
	run, err := rt.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.StatusCompleted {
		rt.logger.Info("amendment not complete, skipping delta", "run_id", runID, "status", run.Status)
		return nil
	}

	doc, err := amend.GenerateDelta(ctx, rt.store, h, runID, amend.DeltaOptions{
		Dispatcher: rt.dispatcher,
		Pack:       rt.pack,
	})
	if err != nil {
		return fmt.Errorf("generating delta document: %w", err)
	}
	path, err := amend.SaveDelta(ctx, rt.store, doc, rt.cfg.DeltasPath())
	if err != nil {
		return fmt.Errorf("saving delta document: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Delta document written to %s\n", path)
	return nil
}
