package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Peripheral commands are registered with their interfaces only; each prints
// a pointer at the working alternative until the full command lands.
func newStubCmd(use, short, hint string) *cobra.Command {
	return &cobra.Command{
		Use:    use,
		Short:  short,
		Hidden: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s is not available in this build. %s\n", cmd.Name(), hint)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		newStubCmd("log", "Show the event log for a run", "Use `auto run --events` to stream events live."),
		newStubCmd("retry", "Retry a failed story", "Use `auto resume` to re-drive the run from durable state."),
		newStubCmd("worktrees", "List story worktrees", "Inspect the worktrees directory under the state folder."),
		newStubCmd("merge", "Merge a story worktree manually", "Merges happen automatically on SHIP_IT verdicts."),
		newPlanCmd(),
	)
}

func newPlanCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and manage approved plans",
	}
	for _, sub := range []struct{ use, short string }{
		{"validate", "Validate a plan file"},
		{"list", "List stored plans"},
		{"show", "Show a plan"},
		{"refine", "Refine a plan with an agent"},
		{"diff", "Diff two plan revisions"},
		{"rollback", "Roll a plan back to an earlier revision"},
	} {
		plan.AddCommand(newStubCmd(sub.use, sub.short, "Plans are written to the plans directory by solutioning."))
	}
	return plan
}
