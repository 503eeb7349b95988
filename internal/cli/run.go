package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/phase"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	Concept     string
	ConceptFile string
	Events      bool
	Stories     []string
	Pack        string
	From        string
	StopAfter   string
	Concurrency int
	Output      string
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a pipeline run from a product concept",
		Long: `Start a new pipeline run and drive it through analysis, planning,
solutioning, and implementation. The concept comes from --concept or
--concept-file; everything the run produces persists in the project store.`,
		Example: `  # Drive a concept end to end
  auto run --concept "a CLI for tracking beehive inspections"

  # Stream NDJSON events for a dashboard
  auto run --concept-file concept.md --events

  # Stop once solutioning has produced stories
  auto run --concept-file concept.md --stop-after solutioning`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Concept, "concept", "", "Product concept text")
	cmd.Flags().StringVar(&flags.ConceptFile, "concept-file", "", "File containing the product concept")
	cmd.Flags().BoolVar(&flags.Events, "events", false, "Emit NDJSON events on stdout")
	cmd.Flags().StringSliceVar(&flags.Stories, "stories", nil, "Restrict implementation to the given story keys")
	cmd.Flags().StringVar(&flags.Pack, "pack", "", "Methodology pack override")
	cmd.Flags().StringVar(&flags.From, "from", "", "Start phase (default: first phase)")
	cmd.Flags().StringVar(&flags.StopAfter, "stop-after", "", "Stop after the named phase completes")
	cmd.Flags().IntVar(&flags.Concurrency, "concurrency", 0, "Override implementation.max_concurrency")
	cmd.Flags().StringVar(&flags.Output, "output-format", "human", "Output format: human or json")

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func runRun(cmd *cobra.Command, flags runFlags) error {
	concept, err := resolveConcept(flags.Concept, flags.ConceptFile)
	if err != nil {
		return err
	}
	if err := validatePhaseFlag("--from", flags.From); err != nil {
		return err
	}
	if err := validatePhaseFlag("--stop-after", flags.StopAfter); err != nil {
		return err
	}
	if flags.Output != "human" && flags.Output != "json" {
		return usagef("--output-format must be human or json, got %q", flags.Output)
	}

	rt, err := openRuntime(flags.Pack, flags.Events)
	if err != nil {
		return err
	}
	defer rt.Close()

	if flags.Concurrency > 0 {
		rt.cfg.Implementation.MaxConcurrency = flags.Concurrency
	}

	orch, err := rt.orchestrator()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runID, err := orch.StartRun(ctx, phase.StartInput{Concept: concept, StartPhase: flags.From})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Started run", runID)

	if err := drive(ctx, rt, orch, runID, driveOpts{
		stopAfter: flags.StopAfter,
		stories:   flags.Stories,
	}); err != nil {
		return err
	}

	return printRunOutcome(cmd, rt, orch, runID, flags.Output)
}

// resolveConcept reads the concept from the flag pair, exactly one of which
// must be set.
func resolveConcept(text, file string) (string, error) {
	switch {
	case text != "" && file != "":
		return "", usagef("--concept and --concept-file are mutually exclusive")
	case text != "":
		return text, nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", usagef("reading concept file: %v", err)
		}
		concept := strings.TrimSpace(string(raw))
		if concept == "" {
			return "", usagef("concept file %s is empty", file)
		}
		return concept, nil
	default:
		return "", usagef("one of --concept or --concept-file is required")
	}
}

func validatePhaseFlag(flag, value string) error {
	if value == "" {
		return nil
	}
	for _, p := range phase.Builtin() {
		if p.Name == value {
			return nil
		}
	}
	return usagef("%s: unknown phase %q", flag, value)
}

func printRunOutcome(cmd *cobra.Command, rt *runtime, orch *phase.Orchestrator, runID, format string) error {
	ctx := cmd.Context()
	if format == "json" {
		return writeStatusJSON(ctx, cmd.OutOrStdout(), rt, runID)
	}
	status, err := orch.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Run %s: %s (phase %s, %d artifacts)\n",
		status.RunID, styledStatus(status.Status), status.CurrentPhase, len(status.Artifacts))
	return nil
}
