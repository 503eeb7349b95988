package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Now()
	threshold := time.Minute

	tests := []struct {
		name  string
		state *RunState
		want  string
	}{
		{name: "no state file", state: nil, want: VerdictNoPipeline},
		{name: "completed run", state: &RunState{Status: "completed", LastEvent: now}, want: VerdictNoPipeline},
		{name: "failed run", state: &RunState{Status: "failed", LastEvent: now}, want: VerdictNoPipeline},
		{name: "recent progress", state: &RunState{Status: "running", LastEvent: now.Add(-10 * time.Second)}, want: VerdictHealthy},
		{name: "silence beyond threshold", state: &RunState{Status: "running", LastEvent: now.Add(-2 * time.Minute)}, want: VerdictStalled},
		{name: "silence exactly at threshold", state: &RunState{Status: "running", LastEvent: now.Add(-time.Minute)}, want: VerdictHealthy},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.state, now, threshold))
		})
	}
}

func TestClassify_DefaultThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := &RunState{Status: "running", LastEvent: now.Add(-9 * time.Minute)}
	assert.Equal(t, VerdictHealthy, Classify(s, now, 0))
	s.LastEvent = now.Add(-11 * time.Minute)
	assert.Equal(t, VerdictStalled, Classify(s, now, 0))
}

func TestRunState_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run-state.json")

	missing, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	s := &RunState{
		RunID:     "run-1",
		Status:    "running",
		PID:       1234,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Succeeded: []string{"10-1"},
		Escalated: []string{"10-2"},
		Restarts:  1,
	}
	s.Touch(time.Now())
	require.NoError(t, s.Save(path))

	got, err := LoadRunState(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 1234, got.PID)
	assert.Equal(t, []string{"10-1"}, got.Succeeded)
	assert.False(t, got.Terminal())

	got.Status = "completed"
	assert.True(t, got.Terminal())
}

// watchEnv wires a Supervisor with fast ticks and fake process control.
type watchEnv struct {
	sup   *Supervisor
	bus   *bus.Bus
	path  string
	mu    sync.Mutex
	kills [][]int
	spawn []string
}

func newWatchEnv(t *testing.T, cfg config.SupervisorConfig) *watchEnv {
	t.Helper()
	env := &watchEnv{
		bus:  bus.New(),
		path: filepath.Join(t.TempDir(), "run-state.json"),
	}
	env.sup = New(env.path, cfg, WithBus(env.bus), WithResumeCommand([]string{"substrate", "resume", "--run"}))
	env.sup.tick = 10 * time.Millisecond
	env.sup.collect = func(pid int) []int { return []int{pid, pid + 1} }
	env.sup.terminate = func(pids []int, grace time.Duration) {
		env.mu.Lock()
		env.kills = append(env.kills, pids)
		env.mu.Unlock()
	}
	env.sup.spawn = func(ctx context.Context, argv []string) (int, error) {
		env.mu.Lock()
		env.spawn = append(env.spawn, argv[len(argv)-1])
		env.mu.Unlock()
		return 9999, nil
	}
	return env
}

func (e *watchEnv) on(name string) <-chan bus.Event {
	ch := make(chan bus.Event, 8)
	e.bus.On(name, func(ev bus.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestWatch_SummaryWhenPipelineFinished(t *testing.T) {
	t.Parallel()

	env := newWatchEnv(t, config.SupervisorConfig{StallThresholdSeconds: 600})
	state := &RunState{
		RunID:     "run-1",
		Status:    "completed",
		StartedAt: time.Now().Add(-90 * time.Second),
		Succeeded: []string{"10-1", "10-2"},
		Failed:    nil,
		Escalated: []string{"10-3"},
	}
	state.Touch(time.Now())
	require.NoError(t, state.Save(env.path))

	summary := env.on(bus.EventSupervisorSummary)
	require.NoError(t, env.sup.Watch(context.Background()))

	payload := waitEvent(t, summary).Payload.(bus.SupervisorSummaryPayload)
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, []string{"10-1", "10-2"}, payload.Succeeded)
	assert.Equal(t, []string{"10-3"}, payload.Escalated)
	assert.GreaterOrEqual(t, payload.ElapsedSeconds, int64(89))
	assert.Empty(t, env.kills, "nothing to kill on a clean finish")
}

func TestWatch_KillsAndRestartsStalledRun(t *testing.T) {
	t.Parallel()

	env := newWatchEnv(t, config.SupervisorConfig{StallThresholdSeconds: 1, MaxRestarts: 3})
	state := &RunState{RunID: "run-1", Status: "running", PID: 4242}
	state.LastEvent = time.Now().Add(-time.Hour)
	require.NoError(t, state.Save(env.path))

	killed := env.on(bus.EventSupervisorKill)
	restarted := env.on(bus.EventSupervisorRestart)
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { done <- env.sup.Watch(ctx) }()

	killPayload := waitEvent(t, killed).Payload.(bus.SupervisorKillPayload)
	assert.Equal(t, "run-1", killPayload.RunID)
	assert.Equal(t, "stall", killPayload.Reason)
	assert.Equal(t, []int{4242, 4243}, killPayload.PIDs)
	assert.Greater(t, killPayload.StalenessSeconds, int64(3000))

	restartPayload := waitEvent(t, restarted).Payload.(bus.SupervisorRestartPayload)
	assert.Equal(t, 1, restartPayload.Attempt)

	env.mu.Lock()
	assert.Equal(t, [][]int{{4242, 4243}}, env.kills)
	assert.Equal(t, []string{"run-1"}, env.spawn, "resume command receives the run id")
	env.mu.Unlock()

	// The restart refreshed the state file, so the next verdict is healthy;
	// finishing the run ends the watch.
	updated, err := LoadRunState(env.path)
	require.NoError(t, err)
	assert.Equal(t, 9999, updated.PID)
	assert.Equal(t, 1, updated.Restarts)

	updated.Status = "completed"
	require.NoError(t, updated.Save(env.path))
	require.NoError(t, <-done)
}

func TestWatch_AbortsWhenRestartBudgetSpent(t *testing.T) {
	t.Parallel()

	env := newWatchEnv(t, config.SupervisorConfig{StallThresholdSeconds: 1, MaxRestarts: 1})
	state := &RunState{RunID: "run-1", Status: "running", PID: 4242}
	state.LastEvent = time.Now().Add(-time.Hour)
	require.NoError(t, state.Save(env.path))

	restarted := env.on(bus.EventSupervisorRestart)
	aborted := env.on(bus.EventSupervisorAbort)
	done := make(chan error, 1)
	go func() { done <- env.sup.Watch(context.Background()) }()

	waitEvent(t, restarted)

	// Simulate the resumed run stalling again.
	stale, err := LoadRunState(env.path)
	require.NoError(t, err)
	stale.LastEvent = time.Now().Add(-time.Hour)
	require.NoError(t, stale.Save(env.path))

	payload := waitEvent(t, aborted).Payload.(bus.SupervisorAbortPayload)
	assert.Equal(t, "max_restarts_exceeded", payload.Reason)
	assert.Equal(t, 1, payload.Attempts, "one restart made before giving up")

	err = <-done
	assert.ErrorIs(t, err, ErrMaxRestarts)
}
