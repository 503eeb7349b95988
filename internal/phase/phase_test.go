package phase

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/store"
)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "substrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := New(st, opts...)
	require.NoError(t, RegisterBuiltin(o))
	return o, st
}

func registerArtifact(t *testing.T, st *store.Store, runID, phaseName, artifactType string) {
	t.Helper()
	_, err := st.RegisterArtifact(context.Background(), store.ArtifactInput{
		PipelineRunID: runID,
		Phase:         phaseName,
		Type:          artifactType,
		Path:          "store://" + runID + "/" + phaseName + "/" + artifactType,
		Content:       []byte("content of " + artifactType),
	})
	require.NoError(t, err)
}

func startRun(t *testing.T, o *Orchestrator, concept string) string {
	t.Helper()
	runID, err := o.StartRun(context.Background(), StartInput{Concept: concept})
	require.NoError(t, err)
	return runID
}

func TestStartRun_InitialHistory(t *testing.T) {
	t.Parallel()

	o, st := newTestOrchestrator(t)
	runID := startRun(t, o, "a task tracker")

	run, err := st.GetPipelineRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAnalysis, run.CurrentPhase)

	cfg := DecodeRunConfig(run.Config)
	assert.Equal(t, "a task tracker", cfg.Concept)
	require.Len(t, cfg.PhaseHistory, 1)
	assert.Equal(t, PhaseAnalysis, cfg.PhaseHistory[0].Phase)
	assert.Nil(t, cfg.PhaseHistory[0].CompletedAt)
}

func TestStartRun_UnknownPhase(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t)
	_, err := o.StartRun(context.Background(), StartInput{Concept: "x", StartPhase: "deploy"})
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestAdvancePhase_GateFailureLeavesRunUntouched(t *testing.T) {
	t.Parallel()

	o, st := newTestOrchestrator(t)
	runID := startRun(t, o, "x")

	res, err := o.AdvancePhase(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	assert.Equal(t, PhaseAnalysis, res.Phase)
	require.Len(t, res.GateFailures, 1)
	assert.Contains(t, res.GateFailures[0].Error, "product-brief")

	run, err := st.GetPipelineRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, PhaseAnalysis, run.CurrentPhase)
	assert.Equal(t, store.StatusRunning, run.Status)
}

func TestAdvancePhase_AllGatesReported(t *testing.T) {
	t.Parallel()

	o, st := newTestOrchestrator(t)
	runID := startRun(t, o, "x")
	registerArtifact(t, st, runID, PhaseAnalysis, store.ArtifactProductBrief)
	registerArtifact(t, st, runID, PhasePlanning, store.ArtifactPRD)

	_, err := o.AdvancePhase(context.Background(), runID)
	require.NoError(t, err)
	_, err = o.AdvancePhase(context.Background(), runID)
	require.NoError(t, err)

	// Solutioning has two artifact exit gates plus the readiness check;
	// both artifact gates must be reported together.
	res, err := o.AdvancePhase(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, res.Advanced)
	require.Len(t, res.GateFailures, 2)
	assert.Contains(t, res.GateFailures[0].Error, "architecture")
	assert.Contains(t, res.GateFailures[1].Error, "stories")
}

func TestAdvancePhase_TransitionUpdatesHistory(t *testing.T) {
	t.Parallel()

	o, st := newTestOrchestrator(t)
	runID := startRun(t, o, "x")
	registerArtifact(t, st, runID, PhaseAnalysis, store.ArtifactProductBrief)

	var entered []string
	o.phases[o.index[PhasePlanning]].OnEnter = func(ctx context.Context, id string) error {
		entered = append(entered, id)
		return nil
	}

	res, err := o.AdvancePhase(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, PhasePlanning, res.Phase)
	assert.Equal(t, []string{runID}, entered)

	run, err := st.GetPipelineRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, run.CurrentPhase)

	cfg := DecodeRunConfig(run.Config)
	require.Len(t, cfg.PhaseHistory, 2)
	assert.NotNil(t, cfg.PhaseHistory[0].CompletedAt)
	assert.Equal(t, PhasePlanning, cfg.PhaseHistory[1].Phase)
	assert.Nil(t, cfg.PhaseHistory[1].CompletedAt)
	assert.Equal(t, []string{PhaseAnalysis}, cfg.CompletedPhases())
}

func TestAdvancePhase_LastPhaseCompletesRun(t *testing.T) {
	t.Parallel()

	b := bus.New()
	var completes int
	b.On(bus.EventPipelineComplete, func(bus.Event) { completes++ })

	o, st := newTestOrchestrator(t, WithBus(b))
	runID := startRun(t, o, "x")
	ctx := context.Background()

	registerArtifact(t, st, runID, PhaseAnalysis, store.ArtifactProductBrief)
	registerArtifact(t, st, runID, PhasePlanning, store.ArtifactPRD)
	registerArtifact(t, st, runID, PhaseSolutioning, store.ArtifactArchitecture)
	registerArtifact(t, st, runID, PhaseSolutioning, store.ArtifactStories)
	registerArtifact(t, st, runID, PhaseImplementation, store.ArtifactImplementationComplete)

	for i := 0; i < 3; i++ {
		res, err := o.AdvancePhase(ctx, runID)
		require.NoError(t, err)
		require.True(t, res.Advanced, "advance %d", i)
	}

	res, err := o.AdvancePhase(ctx, runID)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, completes)

	run, err := st.GetPipelineRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)

	status, err := o.GetRunStatus(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		PhaseAnalysis, PhasePlanning, PhaseSolutioning, PhaseImplementation,
	}, status.CompletedPhases)
}

func TestResumeRun_GreedyAdvance(t *testing.T) {
	t.Parallel()

	o, st := newTestOrchestrator(t)
	runID := startRun(t, o, "x")
	ctx := context.Background()

	// Artifacts for analysis and planning already exist; the run crashed
	// while still marked as being in analysis.
	registerArtifact(t, st, runID, PhaseAnalysis, store.ArtifactProductBrief)
	registerArtifact(t, st, runID, PhasePlanning, store.ArtifactPRD)
	failedStatus := store.StatusFailed
	require.NoError(t, st.UpdatePipelineRun(ctx, runID, store.RunPatch{Status: &failedStatus}))

	status, err := o.ResumeRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, status.Status)
	assert.Equal(t, PhaseSolutioning, status.CurrentPhase)
	assert.Equal(t, []string{PhaseAnalysis, PhasePlanning}, status.CompletedPhases)
}

func TestGetRunStatus_UnknownRun(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t)
	_, err := o.GetRunStatus(context.Background(), "run-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	cfg := RunConfig{
		Concept: "demo",
		PhaseHistory: []HistoryEntry{
			{Phase: "analysis", StartedAt: now, CompletedAt: &now, GateResults: []GateResult{
				{Gate: "artifact:product-brief", Passed: true},
			}},
			{Phase: "planning", StartedAt: now, GateResults: []GateResult{}},
		},
	}

	got := DecodeRunConfig(EncodeRunConfig(cfg))
	assert.Equal(t, cfg, got)
}

func TestDecodeRunConfig_LegacyAndInvalid(t *testing.T) {
	t.Parallel()

	legacy, err := json.Marshal([]HistoryEntry{{Phase: "analysis", StartedAt: time.Now().UTC()}})
	require.NoError(t, err)

	cfg := DecodeRunConfig(string(legacy))
	require.Len(t, cfg.PhaseHistory, 1)
	assert.Equal(t, "analysis", cfg.PhaseHistory[0].Phase)
	assert.Empty(t, cfg.Concept)

	assert.Equal(t, RunConfig{}, DecodeRunConfig("not json"))
	assert.Equal(t, RunConfig{}, DecodeRunConfig(""))
}

func TestSolutioningReadiness(t *testing.T) {
	t.Parallel()

	_, st := newTestOrchestrator(t)
	ctx := context.Background()
	runID, err := st.CreatePipelineRun(ctx, store.CreateRunInput{Methodology: "standard", StartPhase: PhaseSolutioning})
	require.NoError(t, err)

	_, err = st.CreateRequirement(ctx, store.RequirementInput{
		PipelineRunID: runID,
		Source:        "prd",
		Type:          store.RequirementFunctional,
		Description:   "create tasks with a title and due date",
		Priority:      store.PriorityMust,
	})
	require.NoError(t, err)
	_, err = st.CreateRequirement(ctx, store.RequirementInput{
		PipelineRunID: runID,
		Source:        "prd",
		Type:          store.RequirementFunctional,
		Description:   "export weekly reports",
		Priority:      store.PriorityShould,
	})
	require.NoError(t, err)

	_, err = st.CreateDecision(ctx, store.DecisionInput{
		PipelineRunID: runID, Phase: PhaseSolutioning, Category: "story",
		Key: "10-1", Value: "Create Task",
	})
	require.NoError(t, err)

	gate := SolutioningReadiness()
	err = gate.Check(ctx, st, runID)
	require.Error(t, err, "the export requirement has no covering story")
	assert.Contains(t, err.Error(), "export weekly reports")

	_, err = st.CreateDecision(ctx, store.DecisionInput{
		PipelineRunID: runID, Phase: PhaseSolutioning, Category: "story",
		Key: "11-1", Value: "Export weekly report",
	})
	require.NoError(t, err)

	assert.NoError(t, gate.Check(ctx, st, runID))
}

func TestKeywords(t *testing.T) {
	t.Parallel()

	got := keywords("Users must be able to create tasks with a title")
	assert.Equal(t, []string{"create", "tasks", "title"}, got)
}
