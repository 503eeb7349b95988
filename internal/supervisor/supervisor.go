// Package supervisor implements the out-of-band watchdog: it polls the
// pipeline's run-state file, kills the orchestrator process tree when the
// run stalls, and restarts the run a bounded number of times.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
)

// Watchdog verdicts, one per tick.
const (
	VerdictNoPipeline = "NO_PIPELINE_RUNNING"
	VerdictHealthy    = "RUNNING_HEALTHY"
	VerdictStalled    = "STALLED"
)

// Defaults applied when the config leaves fields zero.
const (
	defaultStallThreshold = 10 * time.Minute
	defaultTick           = 15 * time.Second
	killGrace             = 5 * time.Second
)

// ErrMaxRestarts is returned by Watch when the restart budget is exhausted.
var ErrMaxRestarts = errors.New("max restarts exceeded")

// Classify judges a run state at a point in time. A nil state or a terminal
// status means no pipeline is running.
func Classify(s *RunState, now time.Time, stallThreshold time.Duration) string {
	if s == nil || s.Terminal() {
		return VerdictNoPipeline
	}
	if stallThreshold <= 0 {
		stallThreshold = defaultStallThreshold
	}
	if now.Sub(s.LastEvent) > stallThreshold {
		return VerdictStalled
	}
	return VerdictHealthy
}

// Supervisor watches one run-state file.
type Supervisor struct {
	statePath string
	cfg       config.SupervisorConfig
	events    *bus.Bus
	logger    *log.Logger

	// resumeCmd is the command line spawned to resume a killed run; the run
	// id is appended. Defaults to re-invoking this binary's resume command.
	resumeCmd []string

	// Test seams. Production values are set in New.
	now       func() time.Time
	tick      time.Duration
	collect   func(pid int) []int
	terminate func(pids []int, grace time.Duration)
	spawn     func(ctx context.Context, argv []string) (int, error)

	kills   int
	started time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBus enables supervisor events on b.
func WithBus(b *bus.Bus) Option {
	return func(s *Supervisor) { s.events = b }
}

// WithLogger sets the logger. Nil means silent.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithResumeCommand sets the command line used to restart a stalled run.
func WithResumeCommand(argv []string) Option {
	return func(s *Supervisor) { s.resumeCmd = argv }
}

// New creates a Supervisor for the run-state file at statePath.
func New(statePath string, cfg config.SupervisorConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		statePath: statePath,
		cfg:       cfg,
		resumeCmd: []string{os.Args[0], "resume", "--run"},
		now:       time.Now,
		collect:   processTree,
		terminate: terminateTree,
		spawn:     spawnDetached,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Watch polls the run-state file until the pipeline ends or the restart
// budget runs out. On a healthy tick nothing happens; a stalled tick kills
// the orchestrator tree and resumes the run; a terminal tick emits the final
// summary and returns nil.
func (s *Supervisor) Watch(ctx context.Context) error {
	tick := s.tick
	if tick <= 0 {
		tick = s.cfg.Tick()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	s.started = s.now()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		state, err := LoadRunState(s.statePath)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("reading run state", "err", err)
			}
			continue
		}

		switch Classify(state, s.now(), s.cfg.StallThreshold()) {
		case VerdictHealthy:
			continue

		case VerdictNoPipeline:
			s.summarize(state)
			return nil

		case VerdictStalled:
			if err := s.handleStall(ctx, state); err != nil {
				return err
			}
		}
	}
}

// handleStall kills the orchestrator process tree and either resumes the run
// or gives up when the restart budget is spent.
func (s *Supervisor) handleStall(ctx context.Context, state *RunState) error {
	staleness := int64(s.now().Sub(state.LastEvent).Seconds())
	pids := s.collect(state.PID)
	s.terminate(pids, killGrace)
	s.kills++

	s.emit(bus.EventSupervisorKill, bus.SupervisorKillPayload{
		RunID:            state.RunID,
		Reason:           "stall",
		StalenessSeconds: staleness,
		PIDs:             pids,
	})
	if s.logger != nil {
		s.logger.Warn("killed stalled pipeline",
			"run_id", state.RunID, "staleness_s", staleness, "pids", len(pids))
	}

	if s.kills > s.cfg.MaxRestarts {
		// Attempts counts restarts actually made; the final kill is not one.
		s.emit(bus.EventSupervisorAbort, bus.SupervisorAbortPayload{
			RunID:    state.RunID,
			Reason:   "max_restarts_exceeded",
			Attempts: s.kills - 1,
		})
		return fmt.Errorf("supervisor: run %s: %w", state.RunID, ErrMaxRestarts)
	}

	argv := append(append([]string(nil), s.resumeCmd...), state.RunID)
	pid, err := s.spawn(ctx, argv)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("resume spawn failed", "run_id", state.RunID, "err", err)
		}
		return fmt.Errorf("supervisor: resume %s: %w", state.RunID, err)
	}

	// Push the last-event time forward so the resumed run gets a full stall
	// window before the next verdict.
	state.PID = pid
	state.Restarts = s.kills
	state.Touch(s.now())
	if err := state.Save(s.statePath); err != nil && s.logger != nil {
		s.logger.Warn("updating run state after restart", "err", err)
	}

	s.emit(bus.EventSupervisorRestart, bus.SupervisorRestartPayload{
		RunID:   state.RunID,
		Attempt: s.kills,
	})
	return nil
}

// summarize emits the final supervisor:summary for a finished run.
func (s *Supervisor) summarize(state *RunState) {
	payload := bus.SupervisorSummaryPayload{
		ElapsedSeconds: int64(s.now().Sub(s.started).Seconds()),
		Restarts:       s.kills,
	}
	if state != nil {
		payload.RunID = state.RunID
		payload.Succeeded = state.Succeeded
		payload.Failed = state.Failed
		payload.Escalated = state.Escalated
		if !state.StartedAt.IsZero() {
			payload.ElapsedSeconds = int64(s.now().Sub(state.StartedAt).Seconds())
		}
		payload.Restarts = state.Restarts + s.kills
	}
	s.emit(bus.EventSupervisorSummary, payload)
	if s.logger != nil {
		s.logger.Info("pipeline finished",
			"run_id", payload.RunID,
			"succeeded", len(payload.Succeeded),
			"failed", len(payload.Failed),
			"escalated", len(payload.Escalated),
			"restarts", payload.Restarts,
		)
	}
}

func (s *Supervisor) emit(name string, payload any) {
	if s.events != nil {
		s.events.Emit(name, payload)
	}
}

// spawnDetached starts argv in its own session so the supervisor's exit does
// not take the pipeline down with it.
func spawnDetached(ctx context.Context, argv []string) (int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	detachProc(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap in the background; the child outlives this supervisor loop.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
