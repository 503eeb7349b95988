package implement

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/agent"
	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/pack"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/schema"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	git("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".substrate/\n"), 0o644))
	git("add", "-A")
	git("commit", "-m", "initial commit")
	return dir
}

// The agent writes into its worktree during dev, the review sees that work
// in the diff, and the merged file lands on the main branch.
func TestRun_WorktreeIsolationAndMerge(t *testing.T) {
	t.Parallel()

	repo := initRepo(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "substrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runID, err := st.CreatePipelineRun(context.Background(), store.CreateRunInput{
		Methodology: "standard",
		StartPhase:  phase.PhaseImplementation,
	})
	require.NoError(t, err)

	var reviewPrompt string
	m := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		stdout := "{}"
		switch taskOf(opts.Prompt) {
		case schema.TaskCreateStory:
			stdout = createOK("10-1")
		case schema.TaskDevStory:
			require.NotEmpty(t, opts.WorkDir, "dev runs inside the worktree")
			err := os.WriteFile(filepath.Join(opts.WorkDir, "tasks.go"), []byte("package tasks\n"), 0o644)
			require.NoError(t, err)
			stdout = devOK
		case schema.TaskCodeReview:
			reviewPrompt = opts.Prompt
			stdout = review(schema.VerdictShipIt)
		}
		return &agent.RunResult{Stdout: stdout}, nil
	})
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(m))
	d := dispatch.New(reg, config.DispatchConfig{Agent: "mock", MaxParallel: 1}, dispatch.WithStore(st))

	pk, err := pack.Load("", "")
	require.NoError(t, err)

	b := bus.New()
	var mu sync.Mutex
	var worktreeEvents []string
	b.OnAll(func(ev bus.Event) {
		if strings.HasPrefix(ev.Name, "worktree:") {
			mu.Lock()
			worktreeEvents = append(worktreeEvents, ev.Name)
			mu.Unlock()
		}
	})

	client, err := worktree.NewClient(repo)
	require.NoError(t, err)
	wm, err := worktree.NewManager(client, filepath.Join(repo, ".substrate", "worktrees"), worktree.WithBus(b))
	require.NoError(t, err)

	orch := New(st, d, pk, runID, config.ImplementationConfig{MaxConcurrency: 1, MaxReviewCycles: 2},
		WithBus(b), WithWorktrees(wm))

	status, err := orch.Run(context.Background(), []string{"10-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10-1"}, status.Succeeded)

	assert.Contains(t, reviewPrompt, "tasks.go", "review sees the story's diff")
	assert.FileExists(t, filepath.Join(repo, "tasks.go"), "merged work lands on main")
	assert.Equal(t, []string{
		"worktree:created",
		"worktree:merged",
		"worktree:removed",
	}, worktreeEvents)
}

// A diff beyond the ceiling is replaced by a stat summary and file list.
func TestRun_LargeDiffFallsBackToStatSummary(t *testing.T) {
	t.Parallel()

	repo := initRepo(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "substrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runID, err := st.CreatePipelineRun(context.Background(), store.CreateRunInput{
		Methodology: "standard",
		StartPhase:  phase.PhaseImplementation,
	})
	require.NoError(t, err)

	big := strings.Repeat("x := 1\n", 2000)
	var reviewPrompt string
	m := agent.NewMockAgent("mock").WithRunFunc(func(ctx context.Context, opts agent.RunOpts) (*agent.RunResult, error) {
		stdout := "{}"
		switch taskOf(opts.Prompt) {
		case schema.TaskCreateStory:
			stdout = createOK("10-1")
		case schema.TaskDevStory:
			err := os.WriteFile(filepath.Join(opts.WorkDir, "generated.go"), []byte(big), 0o644)
			require.NoError(t, err)
			stdout = devOK
		case schema.TaskCodeReview:
			reviewPrompt = opts.Prompt
			stdout = review(schema.VerdictShipIt)
		}
		return &agent.RunResult{Stdout: stdout}, nil
	})
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register(m))
	d := dispatch.New(reg, config.DispatchConfig{Agent: "mock", MaxParallel: 1})

	pk, err := pack.Load("", "")
	require.NoError(t, err)

	client, err := worktree.NewClient(repo)
	require.NoError(t, err)
	wm, err := worktree.NewManager(client, filepath.Join(repo, ".substrate", "worktrees"))
	require.NoError(t, err)

	cfg := config.ImplementationConfig{MaxConcurrency: 1, MaxReviewCycles: 2, DiffByteCeiling: 512}
	orch := New(st, d, pk, runID, cfg, WithWorktrees(wm))

	status, err := orch.Run(context.Background(), []string{"10-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10-1"}, status.Succeeded)

	assert.Contains(t, reviewPrompt, "Diff too large to include")
	assert.Contains(t, reviewPrompt, "1 files changed")
	assert.Contains(t, reviewPrompt, "- generated.go")
	assert.NotContains(t, reviewPrompt, "x := 1", "raw diff body is withheld")
}
