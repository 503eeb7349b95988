// Package runner implements the phase runners for analysis, planning, and
// solutioning: each loads prior decisions, dispatches a structured agent
// task, persists the typed results, and registers the phase's artifact.
//
// The implementation phase has its own orchestrator and does not live here.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/pack"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/store"
)

// Runner outcome values, shared with the sub-agent result enum.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Named failure codes a runner reports without dispatching.
const (
	ErrMissingConcept      = "missing_concept"
	ErrMissingProductBrief = "missing_product_brief"
	ErrMissingPRD          = "missing_prd"
	ErrDispatchFailed      = "dispatch_failed"
	ErrAgentFailed         = "agent_failed"
	ErrBadPayload          = "bad_payload"
)

// Contexter supplies the amendment context text injected into prompts of
// runs that have a parent.
type Contexter interface {
	ContextForPhase(ctx context.Context, runID, phaseName string) (string, error)
}

// Deps carries the collaborators every runner needs.
type Deps struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Bus        *bus.Bus
	Pack       *pack.Pack
	Logger     *log.Logger

	// Context is optional; nil disables amendment context injection.
	Context Contexter
}

// Result is the outcome of one phase runner invocation.
type Result struct {
	// Result is success or failed.
	Result string

	// Error is a named failure code when Result is failed.
	Error string

	// TokenUsage sums the token estimates across the runner's dispatches.
	TokenUsage dispatch.TokenEstimate
}

// Success reports whether the runner completed its phase.
func (r Result) Success() bool { return r.Result == ResultSuccess }

func failure(code string, usage dispatch.TokenEstimate) Result {
	return Result{Result: ResultFailed, Error: code, TokenUsage: usage}
}

// RunPhase runs the named phase for runID. Unknown phase names are an error;
// a failed Result with a named code is not.
func RunPhase(ctx context.Context, deps Deps, runID, phaseName string) (Result, error) {
	switch phaseName {
	case phase.PhaseAnalysis:
		return Analysis(ctx, deps, runID)
	case phase.PhasePlanning:
		return Planning(ctx, deps, runID)
	case phase.PhaseSolutioning:
		return Solutioning(ctx, deps, runID)
	default:
		return Result{}, fmt.Errorf("runner: no runner for phase %q", phaseName)
	}
}

// decisionPayload is the shape agents use to report decisions.
type decisionPayload struct {
	Category  string `json:"category"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Rationale string `json:"rationale"`
}

// concept loads the concept text from the run's config blob.
func concept(ctx context.Context, deps Deps, runID string) (string, error) {
	run, err := deps.Store.GetPipelineRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return phase.DecodeRunConfig(run.Config).Concept, nil
}

// amendmentSection returns the amendment context text for runs with a
// parent, or empty for primary runs.
func amendmentSection(ctx context.Context, deps Deps, runID, phaseName string) (string, error) {
	if deps.Context == nil {
		return "", nil
	}
	run, err := deps.Store.GetPipelineRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.ParentRunID == nil {
		return "", nil
	}
	return deps.Context.ContextForPhase(ctx, runID, phaseName)
}

// artifactContent loads an artifact body, or store.ErrNotFound.
func artifactContent(ctx context.Context, deps Deps, runID, artifactType string) (string, error) {
	a, err := deps.Store.GetArtifactByTypeForRun(ctx, runID, artifactType)
	if err != nil {
		return "", err
	}
	return string(a.Content), nil
}

// dispatchTask sends one agent task and waits for its result.
func dispatchTask(ctx context.Context, deps Deps, req dispatch.Request) (dispatch.Result, error) {
	tmpl, err := deps.Pack.Template(req.TaskType)
	if err != nil {
		return dispatch.Result{}, err
	}
	req.Template = tmpl

	h, err := deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return dispatch.Result{}, err
	}
	return h.Result(), nil
}

// persistDecisions writes the agent's reported decisions for the phase.
func persistDecisions(ctx context.Context, deps Deps, runID, phaseName string, decisions []decisionPayload) error {
	for _, d := range decisions {
		if d.Key == "" {
			continue
		}
		category := d.Category
		if category == "" {
			category = "general"
		}
		_, err := deps.Store.CreateDecision(ctx, store.DecisionInput{
			PipelineRunID: runID,
			Phase:         phaseName,
			Category:      category,
			Key:           d.Key,
			Value:         d.Value,
			Rationale:     d.Rationale,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// decodePayload unmarshals a dispatch payload, mapping JSON errors to the
// bad_payload code.
func decodePayload(res dispatch.Result, v any) error {
	if err := json.Unmarshal(res.Parsed, v); err != nil {
		return fmt.Errorf("%s: %w", ErrBadPayload, err)
	}
	return nil
}

// notFound reports whether err is the store's missing-row error.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
