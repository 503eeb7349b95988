package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Compile-time check that CommandAgent implements Agent.
var _ Agent = (*CommandAgent)(nil)

// execLogger is the minimal logging interface required by the adapters. It
// accepts a message and structured key-value pairs.
type execLogger interface {
	Debug(msg interface{}, keyvals ...interface{})
}

// CommandAgent is a generic Agent adapter for any coding-agent CLI that
// reads its prompt on stdin and writes results to stdout. Command and extra
// arguments come from the [agents.<name>] configuration section.
type CommandAgent struct {
	name   string
	config Config
	logger execLogger
}

// NewCommandAgent creates an adapter named name around the configured
// command. The logger may be nil, in which case debug messages are silently
// discarded.
func NewCommandAgent(name string, config Config, logger execLogger) *CommandAgent {
	return &CommandAgent{name: name, config: config, logger: logger}
}

// Name returns the configured agent identifier.
func (a *CommandAgent) Name() string { return a.name }

// CheckPrerequisites verifies that the configured executable can be found on
// the system PATH.
func (a *CommandAgent) CheckPrerequisites() error {
	if a.config.Command == "" {
		return fmt.Errorf("agent %q has no command configured", a.name)
	}
	if _, err := exec.LookPath(a.config.Command); err != nil {
		return fmt.Errorf("agent %q CLI not found (looked for %q): %w", a.name, a.config.Command, err)
	}
	return nil
}

// Run executes the prompt by spawning the configured command with the prompt
// on stdin.
func (a *CommandAgent) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	args := append([]string(nil), a.config.Args...)

	model := opts.Model
	if model == "" {
		model = a.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, a.config.Command, args...)
	cmd.Stdin = strings.NewReader(opts.Prompt)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcGroup(cmd)

	if a.logger != nil {
		a.logger.Debug("running agent",
			"agent", a.name,
			"command", a.config.Command,
			"args", args,
			"work_dir", opts.WorkDir,
		)
	}

	result, err := runCapture(cmd, a.name)
	if err != nil {
		return nil, err
	}
	result.RateLimit, _ = a.ParseRateLimit(result.Stdout + result.Stderr)
	return result, nil
}

// ParseRateLimit applies the shared rate-limit heuristics.
func (a *CommandAgent) ParseRateLimit(output string) (*RateLimitInfo, bool) {
	return detectRateLimit(output)
}

// runCapture starts cmd, drains stdout and stderr concurrently, waits for
// exit, and maps a non-zero exit status into RunResult.ExitCode rather than
// an error.
func runCapture(cmd *exec.Cmd, name string) (*RunResult, error) {
	start := time.Now()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	var (
		stdoutBuf bytes.Buffer
		stderrBuf bytes.Buffer
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = stdoutBuf.ReadFrom(stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = stderrBuf.ReadFrom(stderrPipe)
	}()

	if err := cmd.Start(); err != nil {
		// Go closes the write ends of the pipes on Start failure, so ReadFrom
		// returns EOF and the goroutines exit.
		wg.Wait()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	// All output must be drained before Wait closes the pipes.
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("waiting for %s: %w", name, waitErr)
		}
	}

	return &RunResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// parseResetDuration converts a numeric string and a time unit word into a
// time.Duration. Unrecognised units return 0.
func parseResetDuration(amount string, unit string) time.Duration {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return 0
	}

	unit = strings.ToLower(unit)
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(n) * time.Second
	case strings.HasPrefix(unit, "minute"):
		return time.Duration(n) * time.Minute
	case strings.HasPrefix(unit, "hour"):
		return time.Duration(n) * time.Hour
	default:
		return 0
	}
}
