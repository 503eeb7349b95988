package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsApply(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
[project]
name = "demo"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, ".substrate", cfg.Project.StateDir)
	assert.Equal(t, dir, cfg.Project.Root, "root defaults to the config file's directory")
	assert.Equal(t, 3, cfg.Implementation.MaxConcurrency)
	assert.Equal(t, 600, cfg.Supervisor.StallThresholdSeconds)
	assert.Equal(t, "claude", cfg.Dispatch.Agent)
}

func TestLoad_OverridesAndPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
[project]
root = "/srv/proj"
state_dir = ".pipeline"

[store]
path = "main.db"

[implementation]
max_concurrency = 5
max_review_cycles = 2

[implementation.modules]
auth = ["10-*", "11-*"]

[agents.claude]
command = "claude"
model = "claude-sonnet"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/srv/proj", ".pipeline"), cfg.StatePath())
	assert.Equal(t, filepath.Join("/srv/proj", ".pipeline", "main.db"), cfg.StorePath())
	assert.Equal(t, filepath.Join("/srv/proj", ".pipeline", "worktrees"), cfg.WorktreesPath())
	assert.Equal(t, filepath.Join("/srv/proj", ".pipeline", "run-state.json"), cfg.RunStatePath())
	assert.Equal(t, 5, cfg.Implementation.MaxConcurrency)
	assert.Equal(t, []string{"10-*", "11-*"}, cfg.Implementation.Modules["auth"])
	assert.Equal(t, "claude-sonnet", cfg.Agents["claude"].Model)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			name: "zero concurrency",
			content: `
[implementation]
max_concurrency = 0
`,
			wantIn: "max_concurrency",
		},
		{
			name: "agent without command",
			content: `
[agents.codex]
model = "o3"
`,
			wantIn: "agents.codex.command",
		},
		{
			name: "bad stall threshold",
			content: `
[supervisor]
stall_threshold_seconds = -1
`,
			wantIn: "stall_threshold_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantIn)
		})
	}
}

func TestFind_WalksUp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := writeConfig(t, root, "[project]\nname = \"x\"\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestFind_NotFound(t *testing.T) {
	t.Parallel()

	found, err := Find(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, found)
}
