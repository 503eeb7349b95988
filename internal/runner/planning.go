package runner

import (
	"context"

	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/store"
)

// planningPayload is the agent's planning result.
type planningPayload struct {
	Result       string            `json:"result"`
	Reason       string            `json:"reason"`
	PRD          string            `json:"prd"`
	Requirements []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	} `json:"requirements"`
	Constraints []struct {
		Category    string `json:"category"`
		Description string `json:"description"`
	} `json:"constraints"`
	Decisions []decisionPayload `json:"decisions"`
}

// Planning turns the product brief into a PRD plus typed requirements and
// constraints. Without a product-brief artifact it fails immediately with
// missing_product_brief and dispatches nothing, keeping the exit gate shut.
func Planning(ctx context.Context, deps Deps, runID string) (Result, error) {
	brief, err := artifactContent(ctx, deps, runID, store.ArtifactProductBrief)
	if notFound(err) {
		return failure(ErrMissingProductBrief, dispatch.TokenEstimate{}), nil
	}
	if err != nil {
		return Result{}, err
	}

	conceptText, err := concept(ctx, deps, runID)
	if err != nil {
		return Result{}, err
	}
	amendment, err := amendmentSection(ctx, deps, runID, phase.PhasePlanning)
	if err != nil {
		return Result{}, err
	}

	res, err := dispatchTask(ctx, deps, dispatch.Request{
		TaskType: phase.PhasePlanning,
		RunID:    runID,
		Phase:    phase.PhasePlanning,
		Sections: []prompt.Section{
			{Name: "concept", Content: conceptText, Priority: prompt.PriorityRequired},
			{Name: "product-brief", Content: brief, Priority: prompt.PriorityRequired},
			{Name: "amendment-context", Content: amendment, Priority: prompt.PriorityImportant},
		},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Status != dispatch.StatusCompleted {
		return failure(ErrDispatchFailed, res.TokenEstimate), nil
	}

	var payload planningPayload
	if err := decodePayload(res, &payload); err != nil {
		return failure(ErrBadPayload, res.TokenEstimate), nil
	}
	if payload.Result != ResultSuccess || payload.PRD == "" {
		if deps.Logger != nil {
			deps.Logger.Warn("planning agent failed", "run_id", runID, "reason", payload.Reason)
		}
		return failure(ErrAgentFailed, res.TokenEstimate), nil
	}

	for _, r := range payload.Requirements {
		if r.Description == "" {
			continue
		}
		reqType := r.Type
		if reqType != store.RequirementNonFunctional {
			reqType = store.RequirementFunctional
		}
		priority := r.Priority
		if priority == "" {
			priority = store.PriorityShould
		}
		_, err := deps.Store.CreateRequirement(ctx, store.RequirementInput{
			PipelineRunID: runID,
			Source:        "prd",
			Type:          reqType,
			Description:   r.Description,
			Priority:      priority,
		})
		if err != nil {
			return Result{}, err
		}
	}

	for _, c := range payload.Constraints {
		if c.Description == "" {
			continue
		}
		_, err := deps.Store.CreateConstraint(ctx, store.ConstraintInput{
			PipelineRunID: runID,
			Category:      c.Category,
			Description:   c.Description,
			Source:        "planning",
		})
		if err != nil {
			return Result{}, err
		}
	}

	if err := persistDecisions(ctx, deps, runID, phase.PhasePlanning, payload.Decisions); err != nil {
		return Result{}, err
	}

	_, err = deps.Store.RegisterArtifact(ctx, store.ArtifactInput{
		PipelineRunID: runID,
		Phase:         phase.PhasePlanning,
		Type:          store.ArtifactPRD,
		Path:          "store://" + runID + "/planning/prd",
		Content:       []byte(payload.PRD),
		Summary:       "product requirements document",
	})
	if err != nil {
		return Result{}, err
	}

	if deps.Logger != nil {
		deps.Logger.Info("planning complete",
			"run_id", runID,
			"requirements", len(payload.Requirements),
			"constraints", len(payload.Constraints),
		)
	}
	return Result{Result: ResultSuccess, TokenUsage: res.TokenEstimate}, nil
}
