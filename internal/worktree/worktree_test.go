package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/bus"
)

// initRepo creates a git repository with one commit and returns its path.
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
	// The state dir holds the worktrees and must stay out of version control.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(".substrate/\n"), 0o644))
	git("add", "-A")
	git("commit", "-m", "initial commit")
	return dir
}

func newManager(t *testing.T, repo string, opts ...Option) (*Manager, *Client) {
	t.Helper()
	client, err := NewClient(repo)
	require.NoError(t, err)
	m, err := NewManager(client, filepath.Join(repo, ".substrate", "worktrees"), opts...)
	require.NoError(t, err)
	return m, client
}

func TestNewClient_RejectsNonRepo(t *testing.T) {
	t.Parallel()

	_, err := NewClient(t.TempDir())
	assert.Error(t, err)
}

func TestManager_CreateDiffMergeRemove(t *testing.T) {
	t.Parallel()

	repo := initRepo(t)
	b := bus.New()
	var events []string
	b.OnAll(func(ev bus.Event) { events = append(events, ev.Name) })

	m, client := newManager(t, repo, WithBus(b))
	ctx := context.Background()

	wt, err := m.Create(ctx, "t1", "10-1")
	require.NoError(t, err)
	assert.DirExists(t, wt.Path)
	assert.Equal(t, filepath.Join(repo, ".substrate", "worktrees", "task-t1"), wt.Path)

	// Work happens inside the worktree.
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "tasks.go"), []byte("package tasks\n"), 0o644))

	diff, stats, err := m.Diff(ctx, wt)
	require.NoError(t, err)
	assert.Contains(t, diff, "tasks.go")
	assert.Equal(t, 1, stats.FilesChanged)

	require.NoError(t, m.Merge(ctx, wt))
	require.NoError(t, m.Remove(ctx, wt))

	// The merged file is visible on the main branch.
	assert.FileExists(t, filepath.Join(repo, "tasks.go"))
	assert.NoDirExists(t, wt.Path)

	branch, err := client.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	assert.Equal(t, []string{
		bus.EventWorktreeCreated,
		bus.EventTaskReady,
		bus.EventWorktreeMerged,
		bus.EventWorktreeRemoved,
	}, events)
}

func TestManager_MergeConflict(t *testing.T) {
	t.Parallel()

	repo := initRepo(t)
	b := bus.New()
	var conflicts int
	b.On(bus.EventWorktreeConflict, func(bus.Event) { conflicts++ })

	m, client := newManager(t, repo, WithBus(b))
	ctx := context.Background()

	wt, err := m.Create(ctx, "t1", "10-1")
	require.NoError(t, err)

	// Diverge: same file edited on main and in the worktree.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# main edit\n"), 0o644))
	_, err = client.CommitAll(ctx, "main edit")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "README.md"), []byte("# story edit\n"), 0o644))

	err = m.Merge(ctx, wt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, 1, conflicts)

	// The aborted merge leaves the main tree clean.
	dirty, err := client.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestClient_DiffStatParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   DiffStats
	}{
		{
			name:   "full summary",
			output: " a.go | 10 +++---\n b.go | 2 +\n 2 files changed, 9 insertions(+), 3 deletions(-)\n",
			want:   DiffStats{FilesChanged: 2, Insertions: 9, Deletions: 3},
		},
		{
			name:   "insertions only",
			output: " a.go | 5 +++++\n 1 file changed, 5 insertions(+)\n",
			want:   DiffStats{FilesChanged: 1, Insertions: 5},
		},
		{
			name:   "empty diff",
			output: "",
			want:   DiffStats{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseDiffStat(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}
