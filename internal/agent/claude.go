package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"
)

// Compile-time check that ClaudeAgent implements Agent.
var _ Agent = (*ClaudeAgent)(nil)

// maxInlinePromptBytes is the threshold above which a prompt is written to a
// temp file instead of being passed directly on the command line.
const maxInlinePromptBytes = 100 * 1024 // 100 KiB

var (
	// reRateLimit matches common rate-limit phrases in agent output.
	reRateLimit = regexp.MustCompile(`(?i)(?:rate limit|too many requests|rate.?limited)`)

	// reResetTime matches "reset in N seconds/minutes/hours" patterns.
	reResetTime = regexp.MustCompile(`(?i)reset\s+(?:in\s+)?(\d+)\s*(seconds?|minutes?|hours?)`)

	// reTryAgain matches "try again in N seconds/minutes/hours" patterns.
	reTryAgain = regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(seconds?|minutes?|hours?)`)
)

// ClaudeAgent is an Agent adapter that executes prompts via the Claude CLI.
// It handles argument construction, subprocess execution, output capture,
// and rate-limit detection.
type ClaudeAgent struct {
	config Config
	logger execLogger
}

// NewClaudeAgent creates a ClaudeAgent with the given configuration and
// logger. The logger may be nil, in which case debug messages are silently
// discarded.
func NewClaudeAgent(config Config, logger execLogger) *ClaudeAgent {
	return &ClaudeAgent{config: config, logger: logger}
}

// Name returns the agent identifier "claude".
func (c *ClaudeAgent) Name() string { return "claude" }

// CheckPrerequisites verifies that the Claude CLI executable can be found on
// the system PATH.
func (c *ClaudeAgent) CheckPrerequisites() error {
	cmd := c.command()
	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("claude CLI not found (looked for %q): %w", cmd, err)
	}
	return nil
}

// Run executes the given prompt using the Claude CLI and returns the
// captured output, exit code, and duration. On context cancellation the
// whole process group is killed. Rate-limit signals in the combined output
// populate RunResult.RateLimit.
func (c *ClaudeAgent) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	cmd, cleanup, err := c.buildCommand(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if c.logger != nil {
		c.logger.Debug("running claude",
			"command", cmd.Path,
			"args", cmd.Args,
			"work_dir", cmd.Dir,
		)
	}

	result, err := runCapture(cmd, "claude")
	if err != nil {
		return nil, err
	}
	result.RateLimit, _ = c.ParseRateLimit(result.Stdout + result.Stderr)
	return result, nil
}

// ParseRateLimit examines agent output for rate-limit signals. It returns a
// populated *RateLimitInfo and true when a rate-limit phrase is detected.
func (c *ClaudeAgent) ParseRateLimit(output string) (*RateLimitInfo, bool) {
	return detectRateLimit(output)
}

// detectRateLimit is shared by all adapters: the phrases the CLIs print are
// close enough that one set of patterns covers them.
func detectRateLimit(output string) (*RateLimitInfo, bool) {
	if !reRateLimit.MatchString(output) {
		return nil, false
	}

	var resetAfter time.Duration
	if m := reResetTime.FindStringSubmatch(output); len(m) == 3 {
		resetAfter = parseResetDuration(m[1], m[2])
	} else if m := reTryAgain.FindStringSubmatch(output); len(m) == 3 {
		resetAfter = parseResetDuration(m[1], m[2])
	}

	return &RateLimitInfo{
		IsLimited:  true,
		ResetAfter: resetAfter,
		Message:    output,
	}, true
}

func (c *ClaudeAgent) command() string {
	if c.config.Command != "" {
		return c.config.Command
	}
	return "claude"
}

// buildCommand constructs the *exec.Cmd for the given RunOpts. Prompt data
// longer than maxInlinePromptBytes is written to a temp file. The returned
// cleanup removes any temp file and is safe to call unconditionally.
func (c *ClaudeAgent) buildCommand(ctx context.Context, opts RunOpts) (*exec.Cmd, func(), error) {
	args := []string{"--permission-mode", "accept", "--print", "--output-format", "json"}
	cleanup := func() {}

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if c.config.AllowedTools != "" {
		args = append(args, "--allowedTools", c.config.AllowedTools)
	}

	args = append(args, c.config.Args...)

	if len(opts.Prompt) > maxInlinePromptBytes {
		f, err := os.CreateTemp("", "substrate-claude-prompt-*.md")
		if err != nil {
			return nil, cleanup, fmt.Errorf("creating prompt file: %w", err)
		}
		if _, err := f.WriteString(opts.Prompt); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, cleanup, fmt.Errorf("writing prompt file: %w", err)
		}
		_ = f.Close()
		name := f.Name()
		cleanup = func() { _ = os.Remove(name) }
		args = append(args, "--prompt-file", name)
	} else if opts.Prompt != "" {
		args = append(args, "--prompt", opts.Prompt)
	}

	cmd := exec.CommandContext(ctx, c.command(), args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcGroup(cmd)

	return cmd, cleanup, nil
}
