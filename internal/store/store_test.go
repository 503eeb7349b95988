package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "substrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createRun(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.CreatePipelineRun(context.Background(), CreateRunInput{
		Methodology: "standard",
		StartPhase:  "analysis",
	})
	require.NoError(t, err)
	return id
}

func strptr(v string) *string { return &v }

func TestCreatePipelineRun_Defaults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	id := createRun(t, s)

	run, err := s.GetPipelineRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, "analysis", run.CurrentPhase)
	assert.Nil(t, run.ParentRunID)
}

func TestCreatePipelineRun_ParentMustBeCompleted(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	parent := createRun(t, s)

	_, err := s.CreatePipelineRun(ctx, CreateRunInput{
		Methodology: "standard",
		StartPhase:  "analysis",
		ParentRunID: &parent,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParentNotCompleted)

	require.NoError(t, s.UpdatePipelineRun(ctx, parent, RunPatch{Status: strptr(StatusCompleted)}))

	child, err := s.CreatePipelineRun(ctx, CreateRunInput{
		Methodology: "standard",
		StartPhase:  "analysis",
		ParentRunID: &parent,
	})
	require.NoError(t, err)

	got, err := s.GetPipelineRun(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, got.ParentRunID)
	assert.Equal(t, parent, *got.ParentRunID)
}

func TestUpdatePipelineRun_EmptyPatchIsNoOp(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	id := createRun(t, s)

	require.NoError(t, s.UpdatePipelineRun(ctx, id, RunPatch{}))

	run, err := s.GetPipelineRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestUpdatePipelineRun_UnknownRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.UpdatePipelineRun(context.Background(), "run-missing", RunPatch{Status: strptr(StatusFailed)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecision_WriteThenReadBack(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	id, err := s.CreateDecision(ctx, DecisionInput{
		PipelineRunID: run,
		Phase:         "analysis",
		Category:      "architecture",
		Key:           "database",
		Value:         "MySQL",
		Rationale:     "existing ops experience",
	})
	require.NoError(t, err)

	got, err := s.GetDecisionByKey(ctx, run, "analysis", "database")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "MySQL", got.Value)
	assert.Nil(t, got.SupersededBy)
}

func TestSupersedeDecision(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	parent := createRun(t, s)
	origID, err := s.CreateDecision(ctx, DecisionInput{
		PipelineRunID: parent, Phase: "analysis", Category: "architecture",
		Key: "database", Value: "MySQL",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdatePipelineRun(ctx, parent, RunPatch{Status: strptr(StatusCompleted)}))

	child, err := s.CreatePipelineRun(ctx, CreateRunInput{
		Methodology: "standard", StartPhase: "analysis", ParentRunID: &parent,
	})
	require.NoError(t, err)
	newID, err := s.CreateDecision(ctx, DecisionInput{
		PipelineRunID: child, Phase: "analysis", Category: "architecture",
		Key: "database", Value: "PostgreSQL",
	})
	require.NoError(t, err)

	require.NoError(t, s.SupersedeDecision(ctx, origID, newID))

	// Superseding twice is a recoverable error.
	err = s.SupersedeDecision(ctx, origID, newID)
	assert.ErrorIs(t, err, ErrAlreadySuperseded)

	// The superseded row disappears from active reads.
	active, err := s.GetActiveDecisions(ctx, DecisionFilter{PipelineRunID: parent})
	require.NoError(t, err)
	assert.Empty(t, active)

	// For all active decisions, superseded_by is null.
	activeChild, err := s.GetActiveDecisions(ctx, DecisionFilter{PipelineRunID: child})
	require.NoError(t, err)
	require.Len(t, activeChild, 1)
	assert.Nil(t, activeChild[0].SupersededBy)
}

func TestSupersedeDecision_SameRunRejected(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	a, err := s.CreateDecision(ctx, DecisionInput{
		PipelineRunID: run, Phase: "planning", Category: "scope", Key: "k", Value: "v1",
	})
	require.NoError(t, err)
	b, err := s.CreateDecision(ctx, DecisionInput{
		PipelineRunID: run, Phase: "planning", Category: "scope", Key: "k", Value: "v2",
	})
	require.NoError(t, err)

	err = s.SupersedeDecision(ctx, a, b)
	assert.ErrorIs(t, err, ErrSameRunSupersede)
}

func TestGetActiveDecisions_Filters(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	for _, d := range []DecisionInput{
		{PipelineRunID: run, Phase: "analysis", Category: "scope", Key: "goal", Value: "g"},
		{PipelineRunID: run, Phase: "solutioning", Category: "story", Key: "1-1", Value: "Create Task"},
		{PipelineRunID: run, Phase: "solutioning", Category: "architecture", Key: "language", Value: "TypeScript"},
	} {
		_, err := s.CreateDecision(ctx, d)
		require.NoError(t, err)
	}

	byPhase, err := s.GetActiveDecisions(ctx, DecisionFilter{PipelineRunID: run, Phase: "solutioning"})
	require.NoError(t, err)
	assert.Len(t, byPhase, 2)

	byCategory, err := s.GetActiveDecisions(ctx, DecisionFilter{PipelineRunID: run, Category: "story"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "1-1", byCategory[0].Key)

	stories, err := s.StoryCount(ctx, run)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stories)

	total, err := s.DecisionCount(ctx, run)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestRegisterArtifact_AndGateLookup(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.GetArtifactByTypeForRun(ctx, run, ArtifactProductBrief)
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := s.RegisterArtifact(ctx, ArtifactInput{
		PipelineRunID: run,
		Phase:         "analysis",
		Type:          ArtifactProductBrief,
		Path:          "store://" + run + "/analysis/product-brief",
		Content:       []byte("# Product Brief\n"),
		Summary:       "brief for demo",
	})
	require.NoError(t, err)

	got, err := s.GetArtifactByTypeForRun(ctx, run, ArtifactProductBrief)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, []byte("# Product Brief\n"), got.Content)
	assert.NotEmpty(t, got.ContentHash, "content hash recorded when content supplied")

	all, err := s.GetArtifactsByRun(ctx, run)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTokenUsage_SummaryAggregates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	rows := []TokenUsage{
		{PipelineRunID: run, Phase: "analysis", Agent: "claude", InputTokens: 100, OutputTokens: 50, Cost: 0.01},
		{PipelineRunID: run, Phase: "analysis", Agent: "claude", InputTokens: 200, OutputTokens: 100, Cost: 0.02},
		{PipelineRunID: run, Phase: "planning", Agent: "claude", InputTokens: 10, OutputTokens: 5, Cost: 0.001},
	}
	for _, r := range rows {
		require.NoError(t, s.AddTokenUsage(ctx, r))
	}

	summary, totals, err := s.GetTokenUsageSummary(ctx, run)
	require.NoError(t, err)
	require.Len(t, summary, 2, "aggregated by (phase, agent)")

	assert.Equal(t, "analysis", summary[0].Phase)
	assert.EqualValues(t, 300, summary[0].InputTokens)
	assert.EqualValues(t, 150, summary[0].OutputTokens)

	assert.EqualValues(t, 310, totals.InputTokens)
	assert.EqualValues(t, 155, totals.OutputTokens)
	assert.InDelta(t, 0.031, totals.CostUSD, 1e-9)
}

func TestRequirementsAndConstraints(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	_, err := s.CreateRequirement(ctx, RequirementInput{
		PipelineRunID: run,
		Source:        "prd",
		Type:          RequirementFunctional,
		Description:   "create tasks with title",
		Priority:      PriorityMust,
	})
	require.NoError(t, err)

	reqs, err := s.GetRequirementsByRun(ctx, run)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, RequirementActive, reqs[0].Status)

	_, err = s.CreateConstraint(ctx, ConstraintInput{
		PipelineRunID: run,
		Category:      "platform",
		Description:   "must run on SQLite",
		Source:        "brief",
	})
	require.NoError(t, err)

	cons, err := s.GetConstraintsByRun(ctx, run)
	require.NoError(t, err)
	assert.Len(t, cons, 1)
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	createRun(t, s)
	second := createRun(t, s)

	latest, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)
}
