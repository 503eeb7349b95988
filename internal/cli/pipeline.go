package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/substratehq/substrate/internal/amend"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/implement"
	"github.com/substratehq/substrate/internal/logging"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/runner"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/supervisor"
	"github.com/substratehq/substrate/internal/worktree"
)

// driveOpts parameterizes one pipeline driving session.
type driveOpts struct {
	// contexter injects parent decisions into prompts; nil for primary runs.
	contexter *amend.ContextHandler

	// stopAfter halts the run after the named phase completes.
	stopAfter string

	// stories restricts the implementation phase to the given story keys.
	stories []string
}

// drive moves a run forward phase by phase until it completes, stops, or
// fails. It keeps the run-state file fresh for the watchdog and emits a
// heartbeat so silence means a genuine stall.
func drive(ctx context.Context, rt *runtime, orch *phase.Orchestrator, runID string, opts driveOpts) error {
	tracker := newRunTracker(rt.cfg.RunStatePath(), runID, rt.logger)
	sub := rt.bus.OnAll(tracker.observe)
	defer rt.bus.Off(sub)
	tracker.begin()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go rt.heartbeat(hbCtx, runID)

	for {
		status, err := orch.GetRunStatus(ctx, runID)
		if err != nil {
			tracker.finish(store.StatusFailed)
			return err
		}
		if status.Status != store.StatusRunning {
			tracker.finish(status.Status)
			if status.Status == store.StatusFailed {
				return exitf(ExitError, "run %s is in state %s", runID, status.Status)
			}
			return nil
		}

		phaseName := status.CurrentPhase
		rt.logger.Info("running phase", "run_id", runID, "phase", phaseName)

		if phaseName == phase.PhaseImplementation {
			if err := rt.runImplementation(ctx, runID, opts); err != nil {
				tracker.finish(store.StatusStopped)
				return err
			}
		} else {
			res, err := runner.RunPhase(ctx, rt.runnerDeps(contexterOrNil(opts.contexter)), runID, phaseName)
			if err != nil {
				rt.markFailed(ctx, runID)
				tracker.finish(store.StatusFailed)
				return err
			}
			if !res.Success() {
				rt.markFailed(ctx, runID)
				tracker.finish(store.StatusFailed)
				return exitf(ExitError, "phase %s failed: %s", phaseName, res.Error)
			}
		}

		if opts.contexter != nil {
			n, err := amend.WritebackPhase(ctx, rt.store, opts.contexter, runID, phaseName, rt.logger)
			if err != nil {
				rt.logger.Warn("supersession writeback", "phase", phaseName, "err", err)
			} else if n > 0 {
				rt.logger.Info("superseded parent decisions", "phase", phaseName, "count", n)
			}
		}

		if opts.stopAfter == phaseName {
			stopped := store.StatusStopped
			if err := rt.store.UpdatePipelineRun(ctx, runID, store.RunPatch{Status: &stopped}); err != nil {
				return err
			}
			tracker.finish(store.StatusStopped)
			rt.logger.Info("stopped after phase", "run_id", runID, "phase", phaseName)
			return nil
		}

		adv, err := orch.AdvancePhase(ctx, runID)
		if err != nil {
			tracker.finish(store.StatusFailed)
			return err
		}
		if !adv.Advanced {
			// Gate failures leave the run untouched and resumable.
			tracker.finish(store.StatusStopped)
			return exitf(ExitError, "phase %s gates failed: %s", adv.Phase, gateSummary(adv.GateFailures))
		}
		if adv.Completed {
			tracker.finish(store.StatusCompleted)
			return nil
		}
	}
}

// runImplementation drives the story orchestrator for the run's stories.
// Partial failure maps to exit 1, every story failing to exit 4.
func (rt *runtime) runImplementation(ctx context.Context, runID string, opts driveOpts) error {
	keys, err := runner.StoryKeys(ctx, rt.store, runID)
	if err != nil {
		return err
	}
	if len(opts.stories) > 0 {
		requested := lo.SliceToMap(opts.stories, func(k string) (string, bool) { return k, true })
		for _, want := range opts.stories {
			if !lo.Contains(keys, want) {
				rt.logger.Warn("requested story not in run", "story_key", want)
			}
		}
		keys = lo.Filter(keys, func(k string, _ int) bool { return requested[k] })
	}

	implOpts := []implement.Option{
		implement.WithBus(rt.bus),
		implement.WithLogger(logging.New("implement")),
	}
	if mgr := rt.worktrees(); mgr != nil {
		implOpts = append(implOpts, implement.WithWorktrees(mgr))
	}

	orch := implement.New(rt.store, rt.dispatcher, rt.pack, runID, rt.cfg.Implementation, implOpts...)
	st, err := orch.Run(ctx, keys)
	if err != nil {
		return err
	}

	total := len(st.Succeeded) + len(st.Failed) + len(st.Escalated)
	if len(st.Failed) == 0 && len(st.Escalated) == 0 {
		return nil
	}
	if len(st.Succeeded) == 0 && total > 0 {
		return exitf(ExitAllFail, "implementation: no story completed (%d failed, %d escalated)",
			len(st.Failed), len(st.Escalated))
	}
	return exitf(ExitError, "implementation: %d/%d stories completed (failed: %s; escalated: %s)",
		len(st.Succeeded), total,
		strings.Join(st.Failed, ", "), strings.Join(st.Escalated, ", "))
}

// worktrees builds a manager rooted at the project when it is a git repo.
// Outside a repo stories run without isolation.
func (rt *runtime) worktrees() *worktree.Manager {
	client, err := worktree.NewClient(rt.cfg.Project.Root)
	if err != nil {
		rt.logger.Debug("git unavailable, running without worktrees", "err", err)
		return nil
	}
	mgr, err := worktree.NewManager(client, rt.cfg.WorktreesPath(),
		worktree.WithBus(rt.bus),
		worktree.WithLogger(logging.New("worktree")),
	)
	if err != nil {
		rt.logger.Warn("worktree manager unavailable", "err", err)
		return nil
	}
	return mgr
}

// heartbeat emits pipeline:heartbeat until ctx is cancelled, so the run-state
// file keeps moving even through long dispatches.
func (rt *runtime) heartbeat(ctx context.Context, runID string) {
	interval := rt.cfg.Supervisor.Heartbeat()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.bus.Emit(bus.EventPipelineHeartbeat, bus.HeartbeatPayload{RunID: runID})
		}
	}
}

func (rt *runtime) markFailed(ctx context.Context, runID string) {
	failed := store.StatusFailed
	if err := rt.store.UpdatePipelineRun(ctx, runID, store.RunPatch{Status: &failed}); err != nil {
		rt.logger.Warn("marking run failed", "run_id", runID, "err", err)
	}
}

// contexterOrNil avoids handing runner.Deps a typed nil interface.
func contexterOrNil(h *amend.ContextHandler) runner.Contexter {
	if h == nil {
		return nil
	}
	return h
}

func gateSummary(failures []phase.GateResult) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		if f.Error != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", f.Gate, f.Error))
		} else {
			parts = append(parts, f.Gate)
		}
	}
	return strings.Join(parts, "; ")
}

// runTracker mirrors pipeline progress into the run-state file the watchdog
// polls. Every bus event counts as progress.
type runTracker struct {
	path   string
	logger *log.Logger

	mu    sync.Mutex
	state supervisor.RunState
}

func newRunTracker(path, runID string, logger *log.Logger) *runTracker {
	t := &runTracker{path: path, logger: logger}
	t.state = supervisor.RunState{
		RunID:     runID,
		Status:    store.StatusRunning,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}
	return t
}

func (t *runTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Touch(time.Now())
	t.save()
}

func (t *runTracker) observe(ev bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := ev.Payload.(bus.OrchestratorCompletePayload); ok {
		t.state.Succeeded = p.Succeeded
		t.state.Failed = p.Failed
		t.state.Escalated = p.Escalated
	}
	t.state.Touch(ev.TS)
	t.save()
}

func (t *runTracker) finish(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = status
	t.state.Touch(time.Now())
	t.save()
}

func (t *runTracker) save() {
	if err := t.state.Save(t.path); err != nil && t.logger != nil {
		t.logger.Warn("writing run state", "err", err)
	}
}
