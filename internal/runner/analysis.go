package runner

import (
	"context"

	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/store"
)

// analysisPayload is the agent's analysis result.
type analysisPayload struct {
	Result       string            `json:"result"`
	Reason       string            `json:"reason"`
	ProductBrief string            `json:"product_brief"`
	Decisions    []decisionPayload `json:"decisions"`
}

// Analysis turns the run's concept into a product brief. It fails with
// missing_concept when the run has no concept text, and registers the
// product-brief artifact only on success.
func Analysis(ctx context.Context, deps Deps, runID string) (Result, error) {
	conceptText, err := concept(ctx, deps, runID)
	if err != nil {
		return Result{}, err
	}
	if conceptText == "" {
		return failure(ErrMissingConcept, dispatch.TokenEstimate{}), nil
	}

	amendment, err := amendmentSection(ctx, deps, runID, phase.PhaseAnalysis)
	if err != nil {
		return Result{}, err
	}

	res, err := dispatchTask(ctx, deps, dispatch.Request{
		TaskType: phase.PhaseAnalysis,
		RunID:    runID,
		Phase:    phase.PhaseAnalysis,
		Sections: []prompt.Section{
			{Name: "concept", Content: conceptText, Priority: prompt.PriorityRequired},
			{Name: "amendment-context", Content: amendment, Priority: prompt.PriorityImportant},
		},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Status != dispatch.StatusCompleted {
		return failure(ErrDispatchFailed, res.TokenEstimate), nil
	}

	var payload analysisPayload
	if err := decodePayload(res, &payload); err != nil {
		return failure(ErrBadPayload, res.TokenEstimate), nil
	}
	if payload.Result != ResultSuccess || payload.ProductBrief == "" {
		if deps.Logger != nil {
			deps.Logger.Warn("analysis agent failed", "run_id", runID, "reason", payload.Reason)
		}
		return failure(ErrAgentFailed, res.TokenEstimate), nil
	}

	if err := persistDecisions(ctx, deps, runID, phase.PhaseAnalysis, payload.Decisions); err != nil {
		return Result{}, err
	}

	_, err = deps.Store.RegisterArtifact(ctx, store.ArtifactInput{
		PipelineRunID: runID,
		Phase:         phase.PhaseAnalysis,
		Type:          store.ArtifactProductBrief,
		Path:          "store://" + runID + "/analysis/product-brief",
		Content:       []byte(payload.ProductBrief),
		Summary:       "product brief",
	})
	if err != nil {
		return Result{}, err
	}

	if deps.Logger != nil {
		deps.Logger.Info("analysis complete", "run_id", runID, "decisions", len(payload.Decisions))
	}
	return Result{Result: ResultSuccess, TokenUsage: res.TokenEstimate}, nil
}
