package pack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_StandardPack(t *testing.T) {
	t.Parallel()

	p, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, p.Name())

	for _, task := range []string{
		"analysis", "planning", "solutioning",
		"create-story", "dev-story", "code-review", "fix",
		"impact-analysis",
	} {
		assert.True(t, p.Has(task), "standard pack should define %s", task)
		tmpl, err := p.Template(task)
		require.NoError(t, err)
		assert.NotEmpty(t, tmpl)
	}

	_, err = p.Template("deploy")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestLoad_OverrideDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analysis.md"), []byte("custom {{concept}}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.md"), []byte("ship {{target}}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	p, err := Load(DefaultName, dir)
	require.NoError(t, err)

	tmpl, err := p.Template("analysis")
	require.NoError(t, err)
	assert.Equal(t, "custom {{concept}}", tmpl)

	assert.True(t, p.Has("deploy"), "override dir can add new tasks")
	assert.True(t, p.Has("planning"), "embedded templates survive the overlay")
	assert.False(t, p.Has("notes"))
}

func TestLoad_CustomPackNeedsDir(t *testing.T) {
	t.Parallel()

	_, err := Load("bespoke", "")
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analysis.md"), []byte("x"), 0o644))

	p, err := Load("bespoke", dir)
	require.NoError(t, err)
	assert.Equal(t, "bespoke", p.Name())
	assert.Equal(t, []string{"analysis"}, p.Tasks())
}

func TestLoad_Manifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manifest := `name = "lean"
description = "Lightweight methodology"

[gates]
planning = ["prd", "roadmap"]
solutioning = ["architecture"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analysis.md"), []byte("lean {{concept}}"), 0o644))

	p, err := Load(DefaultName, dir)
	require.NoError(t, err)

	assert.Equal(t, "lean", p.Name(), "manifest name overrides the configured one")
	assert.Equal(t, "Lightweight methodology", p.Description())
	assert.Equal(t, []string{"prd", "roadmap"}, p.Gates()["planning"])
	assert.Equal(t, []string{"architecture"}, p.Gates()["solutioning"])
	assert.Empty(t, p.Gates()["analysis"])
}

func TestLoad_NoManifest(t *testing.T) {
	t.Parallel()

	p, err := Load("", "")
	require.NoError(t, err)
	assert.Empty(t, p.Description())
	assert.Nil(t, p.Gates())
}
