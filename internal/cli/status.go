package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/store"
)

// statusPhase is the per-phase slot in the status JSON output.
type statusPhase struct {
	Status string `json:"status"`
}

// statusOutput is the machine-readable status shape.
type statusOutput struct {
	RunID        string                 `json:"run_id"`
	CurrentPhase string                 `json:"current_phase"`
	Status       string                 `json:"status"`
	Phases       map[string]statusPhase `json:"phases"`
	TotalTokens  struct {
		Input   int64   `json:"input"`
		Output  int64   `json:"output"`
		CostUSD float64 `json:"cost_usd"`
	} `json:"total_tokens"`
	DecisionsCount int64 `json:"decisions_count"`
	StoriesCount   int64 `json:"stories_count"`
}

func newStatusCmd() *cobra.Command {
	var runID string
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline run progress",
		Long: `Show the current phase, per-phase completion, token spend, and decision
and story counts for a run. Defaults to the most recent run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, runID, output)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run to inspect (default: latest)")
	cmd.Flags().StringVar(&output, "output-format", "human", "Output format: human or json")
	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func runStatus(cmd *cobra.Command, runID, output string) error {
	if output != "human" && output != "json" {
		return usagef("--output-format must be human or json, got %q", output)
	}

	rt, err := openRuntime("", false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	runID, err = resolveRunID(ctx, rt, runID)
	if err != nil {
		return err
	}

	if output == "json" {
		return writeStatusJSON(ctx, cmd.OutOrStdout(), rt, runID)
	}
	return writeStatusHuman(ctx, cmd.OutOrStdout(), rt, runID)
}

// resolveRunID maps an empty id to the latest run; unknown ids are usage
// errors.
func resolveRunID(ctx context.Context, rt *runtime, runID string) (string, error) {
	if runID == "" {
		run, err := rt.store.LatestRun(ctx)
		if err != nil {
			return "", usagef("no pipeline runs found")
		}
		return run.ID, nil
	}
	if _, err := rt.store.GetPipelineRun(ctx, runID); err != nil {
		return "", usagef("unknown run %q", runID)
	}
	return runID, nil
}

// buildStatus assembles the status output from durable state.
func buildStatus(ctx context.Context, rt *runtime, runID string) (statusOutput, error) {
	run, err := rt.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return statusOutput{}, err
	}

	cfg := phase.DecodeRunConfig(run.Config)
	completed := cfg.CompletedPhases()

	out := statusOutput{
		RunID:        run.ID,
		CurrentPhase: run.CurrentPhase,
		Status:       run.Status,
		Phases:       make(map[string]statusPhase, 4),
	}
	for _, def := range phase.Builtin() {
		out.Phases[def.Name] = statusPhase{Status: phaseStatus(def.Name, run, completed)}
	}

	_, totals, err := rt.store.GetTokenUsageSummary(ctx, runID)
	if err != nil {
		return statusOutput{}, err
	}
	out.TotalTokens.Input = totals.InputTokens
	out.TotalTokens.Output = totals.OutputTokens
	out.TotalTokens.CostUSD = totals.CostUSD

	if out.DecisionsCount, err = rt.store.DecisionCount(ctx, runID); err != nil {
		return statusOutput{}, err
	}
	if out.StoriesCount, err = rt.store.StoryCount(ctx, runID); err != nil {
		return statusOutput{}, err
	}
	return out, nil
}

func phaseStatus(name string, run *store.PipelineRun, completed []string) string {
	switch {
	case run.Status == store.StatusCompleted, lo.Contains(completed, name):
		return "complete"
	case name == run.CurrentPhase && run.Status == store.StatusRunning:
		return "running"
	default:
		return "pending"
	}
}

func writeStatusJSON(ctx context.Context, w io.Writer, rt *runtime, runID string) error {
	out, err := buildStatus(ctx, rt, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeStatusHuman(ctx context.Context, w io.Writer, rt *runtime, runID string) error {
	out, err := buildStatus(ctx, rt, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", styleTitle("Run"), out.RunID)
	fmt.Fprintf(w, "  Status: %s\n", styledStatus(out.Status))
	for _, def := range phase.Builtin() {
		marker := " "
		switch out.Phases[def.Name].Status {
		case "complete":
			marker = styleOK("✓")
		case "running":
			marker = styleWarn("▶")
		}
		fmt.Fprintf(w, "  %s %s\n", marker, def.Name)
	}
	fmt.Fprintf(w, "  Tokens: %d in / %d out ($%.4f)\n",
		out.TotalTokens.Input, out.TotalTokens.Output, out.TotalTokens.CostUSD)
	fmt.Fprintf(w, "  Decisions: %d  Stories: %d\n", out.DecisionsCount, out.StoriesCount)
	return nil
}
