package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/store"
)

// solutioningPayload is the agent's solutioning result.
type solutioningPayload struct {
	Result       string `json:"result"`
	Reason       string `json:"reason"`
	Architecture string `json:"architecture"`
	Stories      []struct {
		Key   string `json:"key"`
		Title string `json:"title"`
	} `json:"stories"`
	Decisions []decisionPayload `json:"decisions"`
}

// Solutioning designs the architecture and cuts the PRD into stories. Each
// story becomes a decision with category "story"; the architecture and the
// story list are registered as artifacts. Without a prd artifact it fails
// with missing_prd and dispatches nothing.
func Solutioning(ctx context.Context, deps Deps, runID string) (Result, error) {
	prd, err := artifactContent(ctx, deps, runID, store.ArtifactPRD)
	if notFound(err) {
		return failure(ErrMissingPRD, dispatch.TokenEstimate{}), nil
	}
	if err != nil {
		return Result{}, err
	}

	decisions, err := deps.Store.GetActiveDecisions(ctx, store.DecisionFilter{PipelineRunID: runID})
	if err != nil {
		return Result{}, err
	}
	amendment, err := amendmentSection(ctx, deps, runID, phase.PhaseSolutioning)
	if err != nil {
		return Result{}, err
	}

	res, err := dispatchTask(ctx, deps, dispatch.Request{
		TaskType: phase.PhaseSolutioning,
		RunID:    runID,
		Phase:    phase.PhaseSolutioning,
		Sections: []prompt.Section{
			{Name: "prd", Content: prd, Priority: prompt.PriorityRequired},
			{Name: "decisions", Content: formatDecisions(decisions), Priority: prompt.PriorityImportant},
			{Name: "amendment-context", Content: amendment, Priority: prompt.PriorityImportant},
		},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Status != dispatch.StatusCompleted {
		return failure(ErrDispatchFailed, res.TokenEstimate), nil
	}

	var payload solutioningPayload
	if err := decodePayload(res, &payload); err != nil {
		return failure(ErrBadPayload, res.TokenEstimate), nil
	}
	if payload.Result != ResultSuccess || payload.Architecture == "" || len(payload.Stories) == 0 {
		if deps.Logger != nil {
			deps.Logger.Warn("solutioning agent failed", "run_id", runID, "reason", payload.Reason)
		}
		return failure(ErrAgentFailed, res.TokenEstimate), nil
	}

	for _, s := range payload.Stories {
		if s.Key == "" {
			continue
		}
		_, err := deps.Store.CreateDecision(ctx, store.DecisionInput{
			PipelineRunID: runID,
			Phase:         phase.PhaseSolutioning,
			Category:      "story",
			Key:           s.Key,
			Value:         s.Title,
		})
		if err != nil {
			return Result{}, err
		}
	}
	if err := persistDecisions(ctx, deps, runID, phase.PhaseSolutioning, payload.Decisions); err != nil {
		return Result{}, err
	}

	_, err = deps.Store.RegisterArtifact(ctx, store.ArtifactInput{
		PipelineRunID: runID,
		Phase:         phase.PhaseSolutioning,
		Type:          store.ArtifactArchitecture,
		Path:          "store://" + runID + "/solutioning/architecture",
		Content:       []byte(payload.Architecture),
		Summary:       "architecture document",
	})
	if err != nil {
		return Result{}, err
	}

	storyList, err := json.Marshal(payload.Stories)
	if err != nil {
		return Result{}, fmt.Errorf("runner: encoding story list: %w", err)
	}
	_, err = deps.Store.RegisterArtifact(ctx, store.ArtifactInput{
		PipelineRunID: runID,
		Phase:         phase.PhaseSolutioning,
		Type:          store.ArtifactStories,
		Path:          "store://" + runID + "/solutioning/stories",
		Content:       storyList,
		Summary:       fmt.Sprintf("%d stories", len(payload.Stories)),
	})
	if err != nil {
		return Result{}, err
	}

	if deps.Logger != nil {
		deps.Logger.Info("solutioning complete", "run_id", runID, "stories", len(payload.Stories))
	}
	return Result{Result: ResultSuccess, TokenUsage: res.TokenEstimate}, nil
}

// StoryKeys reads the story keys recorded for a run, in creation order.
func StoryKeys(ctx context.Context, st *store.Store, runID string) ([]string, error) {
	stories, err := st.GetActiveDecisions(ctx, store.DecisionFilter{
		PipelineRunID: runID,
		Category:      "story",
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(stories))
	for _, s := range stories {
		keys = append(keys, s.Key)
	}
	return keys, nil
}

// formatDecisions renders decisions as "category/key: value" lines for
// prompt context.
func formatDecisions(decisions []store.Decision) string {
	var b strings.Builder
	for _, d := range decisions {
		fmt.Fprintf(&b, "- %s/%s: %s\n", d.Category, d.Key, d.Value)
	}
	return b.String()
}
