package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), "text %q", tt.text)
	}
}

func TestAssemble_FitsWithoutShedding(t *testing.T) {
	t.Parallel()

	got, err := Assemble("{{goal}}\n\n{{notes}}", []Section{
		{Name: "goal", Content: "build a task tracker", Priority: PriorityRequired},
		{Name: "notes", Content: "keep it small", Priority: PriorityOptional},
	}, 1000)
	require.NoError(t, err)

	assert.False(t, got.Truncated)
	assert.Contains(t, got.Prompt, "build a task tracker")
	assert.Contains(t, got.Prompt, "keep it small")
	assert.Equal(t, []string{"goal", "notes"}, got.Sections)
	assert.Equal(t, EstimateTokens(got.Prompt), got.TokenCount)
}

func TestAssemble_ShedsOptionalFirst(t *testing.T) {
	t.Parallel()

	required := strings.Repeat("r", 200)
	optional := strings.Repeat("o", 4000)

	got, err := Assemble("{{core}}\n{{extras}}", []Section{
		{Name: "core", Content: required, Priority: PriorityRequired},
		{Name: "extras", Content: optional, Priority: PriorityOptional},
	}, 100)
	require.NoError(t, err)

	assert.True(t, got.Truncated)
	assert.NotContains(t, got.Prompt, "oooo")
	assert.Contains(t, got.Prompt, required, "required content survives intact")
	assert.Equal(t, []string{"core"}, got.Sections)
	assert.LessOrEqual(t, got.TokenCount, 100)
}

func TestAssemble_TruncatesImportantWithMarker(t *testing.T) {
	t.Parallel()

	required := strings.Repeat("r", 100)
	important := strings.Repeat("i", 4000)

	got, err := Assemble("{{core}}\n{{context}}", []Section{
		{Name: "core", Content: required, Priority: PriorityRequired},
		{Name: "context", Content: important, Priority: PriorityImportant},
	}, 200)
	require.NoError(t, err)

	assert.True(t, got.Truncated)
	assert.Contains(t, got.Prompt, required)
	assert.Contains(t, got.Prompt, TruncationMarker)
	assert.LessOrEqual(t, got.TokenCount, 200)
	assert.Contains(t, got.Sections, "context", "truncated sections still count as included")
}

func TestAssemble_RequiredNeverCut(t *testing.T) {
	t.Parallel()

	// Required content alone exceeds the ceiling. It must stay intact even
	// though the result is over budget.
	required := strings.Repeat("r", 2000)

	got, err := Assemble("{{core}}", []Section{
		{Name: "core", Content: required, Priority: PriorityRequired},
	}, 10)
	require.NoError(t, err)

	assert.Contains(t, got.Prompt, required)
	assert.Greater(t, got.TokenCount, 10)
}

func TestAssemble_UnknownPlaceholderRendersEmpty(t *testing.T) {
	t.Parallel()

	got, err := Assemble("a{{missing}}b", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "ab", got.Prompt)
	assert.Empty(t, got.Sections)
}

func TestAssemble_RejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := Assemble("{{a}}", []Section{{Name: "a", Content: "x", Priority: "critical"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid priority")

	_, err = Assemble("{{a}}", []Section{
		{Name: "a", Content: "x", Priority: PriorityRequired},
		{Name: "a", Content: "y", Priority: PriorityOptional},
	}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate section")
}

func TestJoinSections_RoundTripsThroughRender(t *testing.T) {
	t.Parallel()

	sections := []Section{
		{Name: "goal", Content: "ship it"},
		{Name: "constraints", Content: "no regressions"},
	}
	tmpl := JoinSections(sections)
	out, err := Render(tmpl, sections)
	require.NoError(t, err)

	assert.Contains(t, out, "## goal")
	assert.Contains(t, out, "ship it")
	assert.Contains(t, out, "## constraints")
	assert.Contains(t, out, "no regressions")
}
