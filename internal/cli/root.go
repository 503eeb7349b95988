// Package cli implements the auto command tree: run, status, resume, init,
// amend, and watch, plus the peripheral stub commands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/substratehq/substrate/internal/logging"
)

// Exit codes follow a fixed taxonomy shared by every subcommand.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitUsage   = 2
	ExitAllFail = 4
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagDir     string
	flagNoColor bool
)

// codedError carries an explicit exit code through RunE returns.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// usagef wraps a validation failure so Execute exits with code 2.
func usagef(format string, args ...any) error {
	return &codedError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

// exitf wraps an error with an explicit exit code.
func exitf(code int, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

// rootCmd is the base command for the pipeline driver.
var rootCmd = &cobra.Command{
	Use:   "auto",
	Short: "Agentic software pipeline driver",
	Long: `auto drives a software concept through analysis, planning, solutioning,
and implementation by orchestrating external coding agents. Run state,
decisions, and artifacts persist in a per-project store so interrupted
pipelines resume from durable state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Env vars back the flags that were not set on the command line.
		if !cmd.Flags().Changed("verbose") && os.Getenv("SUBSTRATE_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("SUBSTRATE_QUIET") != "" {
			flagQuiet = true
		}
		if !cmd.Flags().Changed("no-color") && (os.Getenv("NO_COLOR") != "" || os.Getenv("SUBSTRATE_NO_COLOR") != "") {
			flagNoColor = true
		}

		jsonFormat := os.Getenv("SUBSTRATE_LOG_FORMAT") == "json"
		logging.Setup(flagVerbose, flagQuiet, jsonFormat)

		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return usagef("changing directory to %s: %v", flagDir, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: SUBSTRATE_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: SUBSTRATE_QUIET)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to substrate.toml config file")
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "Override working directory")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output (env: SUBSTRATE_NO_COLOR, NO_COLOR)")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return ExitError
}
