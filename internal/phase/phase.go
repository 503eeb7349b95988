// Package phase drives a pipeline run through an ordered sequence of phases
// guarded by entry and exit gates.
//
// Gates check durable state (artifacts, decisions) rather than in-memory
// progress, so a crashed run can be resumed by re-deriving the current phase
// from what the store already holds.
package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/store"
)

// Built-in phase names, in pipeline order.
const (
	PhaseAnalysis       = "analysis"
	PhasePlanning       = "planning"
	PhaseSolutioning    = "solutioning"
	PhaseImplementation = "implementation"
)

// ErrUnknownPhase is returned when a run references a phase that was never
// registered.
var ErrUnknownPhase = errors.New("unknown phase")

// ErrDuplicatePhase is returned by RegisterPhase for a repeated name.
var ErrDuplicatePhase = errors.New("phase already registered")

// Gate is a named check against durable run state. A nil error means the
// gate passes; the error message becomes the reported failure.
type Gate struct {
	Name  string
	Check func(ctx context.Context, st *store.Store, runID string) error
}

// Definition describes one phase. OnEnter and OnExit are optional; errors
// they return are logged but never block a transition.
type Definition struct {
	Name        string
	Description string
	EntryGates  []Gate
	ExitGates   []Gate
	OnEnter     func(ctx context.Context, runID string) error
	OnExit      func(ctx context.Context, runID string) error
}

// AdvanceResult reports the outcome of AdvancePhase.
type AdvanceResult struct {
	// Advanced is true when the run moved to the next phase or completed.
	Advanced bool

	// Phase is the run's current phase after the call.
	Phase string

	// Completed is true when the run advanced past the final phase.
	Completed bool

	// GateFailures holds the failing gate results when Advanced is false.
	GateFailures []GateResult
}

// RunStatus is the external view of a run.
type RunStatus struct {
	RunID           string
	CurrentPhase    string
	Status          string
	CompletedPhases []string
	Artifacts       []store.Artifact
}

// StartInput parameterizes StartRun.
type StartInput struct {
	// Concept is the product concept text driving the run.
	Concept string

	// StartPhase defaults to the first registered phase.
	StartPhase string

	// ParentRunID marks the run as an amendment of a completed parent.
	ParentRunID *string
}

// Orchestrator owns the phase sequence and moves runs along it.
type Orchestrator struct {
	st          *store.Store
	phases      []Definition
	index       map[string]int
	methodology string
	events      *bus.Bus
	logger      *log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus enables pipeline lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.events = b }
}

// WithLogger sets the logger. Nil means silent.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMethodology names the methodology recorded on new runs.
func WithMethodology(name string) Option {
	return func(o *Orchestrator) { o.methodology = name }
}

// New creates an Orchestrator with an empty phase sequence.
func New(st *store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		st:          st,
		index:       make(map[string]int),
		methodology: "standard",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterPhase appends a phase definition to the sequence.
func (o *Orchestrator) RegisterPhase(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register phase: empty name")
	}
	if _, exists := o.index[def.Name]; exists {
		return fmt.Errorf("register phase %q: %w", def.Name, ErrDuplicatePhase)
	}
	o.index[def.Name] = len(o.phases)
	o.phases = append(o.phases, def)
	return nil
}

// Phases returns the registered phase names in order.
func (o *Orchestrator) Phases() []string {
	names := make([]string, len(o.phases))
	for i, p := range o.phases {
		names[i] = p.Name
	}
	return names
}

// StartRun creates a new pipeline run positioned at the start phase and
// emits pipeline:start.
func (o *Orchestrator) StartRun(ctx context.Context, in StartInput) (string, error) {
	if len(o.phases) == 0 {
		return "", fmt.Errorf("start run: no phases registered")
	}

	start := in.StartPhase
	if start == "" {
		start = o.phases[0].Name
	}
	if _, ok := o.index[start]; !ok {
		return "", fmt.Errorf("start run: %w %q", ErrUnknownPhase, start)
	}

	cfg := RunConfig{
		Concept:      in.Concept,
		PhaseHistory: []HistoryEntry{OpenEntry(start)},
	}

	runID, err := o.st.CreatePipelineRun(ctx, store.CreateRunInput{
		Methodology: o.methodology,
		StartPhase:  start,
		ParentRunID: in.ParentRunID,
		Config:      EncodeRunConfig(cfg),
	})
	if err != nil {
		return "", err
	}

	if o.logger != nil {
		o.logger.Info("run started", "run_id", runID, "phase", start)
	}
	o.emit(bus.EventPipelineStart, bus.PipelinePayload{RunID: runID, Phase: start})
	return runID, nil
}

// AdvancePhase evaluates the current phase's exit gates and, when present,
// the next phase's entry gates. All gates run; failures are reported
// together and leave the run untouched. On success the phase history is
// closed and reopened, current_phase moves, and the transition callbacks
// fire. Advancing past the final phase completes the run.
func (o *Orchestrator) AdvancePhase(ctx context.Context, runID string) (AdvanceResult, error) {
	run, err := o.st.GetPipelineRun(ctx, runID)
	if err != nil {
		return AdvanceResult{}, err
	}

	idx, ok := o.index[run.CurrentPhase]
	if !ok {
		return AdvanceResult{}, fmt.Errorf("advance %s: %w %q", runID, ErrUnknownPhase, run.CurrentPhase)
	}
	current := o.phases[idx]

	exitResults := o.evaluate(ctx, runID, current.ExitGates)
	if failures := failed(exitResults); len(failures) > 0 {
		return AdvanceResult{Phase: current.Name, GateFailures: failures}, nil
	}

	last := idx == len(o.phases)-1
	var next *Definition
	if !last {
		next = &o.phases[idx+1]
		entryResults := o.evaluate(ctx, runID, next.EntryGates)
		if failures := failed(entryResults); len(failures) > 0 {
			return AdvanceResult{Phase: current.Name, GateFailures: failures}, nil
		}
	}

	cfg := DecodeRunConfig(run.Config)
	now := time.Now().UTC()
	if n := len(cfg.PhaseHistory); n > 0 && cfg.PhaseHistory[n-1].CompletedAt == nil {
		cfg.PhaseHistory[n-1].CompletedAt = &now
		cfg.PhaseHistory[n-1].GateResults = exitResults
	}

	patch := store.RunPatch{}
	result := AdvanceResult{Advanced: true}

	if last {
		completed := store.StatusCompleted
		patch.Status = &completed
		result.Phase = current.Name
		result.Completed = true
	} else {
		cfg.PhaseHistory = append(cfg.PhaseHistory, HistoryEntry{
			Phase:       next.Name,
			StartedAt:   now,
			GateResults: []GateResult{},
		})
		patch.CurrentPhase = &next.Name
		result.Phase = next.Name
	}

	blob := EncodeRunConfig(cfg)
	patch.Config = &blob
	if err := o.st.UpdatePipelineRun(ctx, runID, patch); err != nil {
		return AdvanceResult{}, err
	}

	o.runCallback(ctx, runID, current.Name, "exit", current.OnExit)
	if next != nil {
		o.runCallback(ctx, runID, next.Name, "enter", next.OnEnter)
	}

	if result.Completed {
		if o.logger != nil {
			o.logger.Info("run completed", "run_id", runID)
		}
		o.emit(bus.EventPipelineComplete, bus.PipelinePayload{
			RunID: runID, Phase: current.Name, Status: store.StatusCompleted,
		})
	} else if o.logger != nil {
		o.logger.Info("phase advanced", "run_id", runID, "from", current.Name, "to", result.Phase)
	}

	return result, nil
}

// GetRunStatus returns the external view of a run, including the artifacts
// registered so far.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	run, err := o.st.GetPipelineRun(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	artifacts, err := o.st.GetArtifactsByRun(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}

	cfg := DecodeRunConfig(run.Config)
	return RunStatus{
		RunID:           run.ID,
		CurrentPhase:    run.CurrentPhase,
		Status:          run.Status,
		CompletedPhases: cfg.CompletedPhases(),
		Artifacts:       artifacts,
	}, nil
}

// ResumeRun flips the run's status back to running, then greedily advances:
// while the current phase's exit gates pass and the run is not at the final
// phase, it moves forward without invoking any phase runner. This
// re-synchronizes current_phase with the durable artifact state.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (RunStatus, error) {
	running := store.StatusRunning
	if err := o.st.UpdatePipelineRun(ctx, runID, store.RunPatch{Status: &running}); err != nil {
		return RunStatus{}, err
	}

	for {
		run, err := o.st.GetPipelineRun(ctx, runID)
		if err != nil {
			return RunStatus{}, err
		}
		idx, ok := o.index[run.CurrentPhase]
		if !ok {
			return RunStatus{}, fmt.Errorf("resume %s: %w %q", runID, ErrUnknownPhase, run.CurrentPhase)
		}
		if idx == len(o.phases)-1 {
			break
		}
		if len(failed(o.evaluate(ctx, runID, o.phases[idx].ExitGates))) > 0 {
			break
		}
		res, err := o.AdvancePhase(ctx, runID)
		if err != nil {
			return RunStatus{}, err
		}
		if !res.Advanced {
			// The next phase's entry gates are holding the run back.
			break
		}
	}

	if o.logger != nil {
		o.logger.Info("run resumed", "run_id", runID)
	}
	return o.GetRunStatus(ctx, runID)
}

// evaluate runs every gate and collects all results; no short-circuiting.
func (o *Orchestrator) evaluate(ctx context.Context, runID string, gates []Gate) []GateResult {
	results := make([]GateResult, 0, len(gates))
	for _, g := range gates {
		r := GateResult{Gate: g.Name, Passed: true}
		if err := g.Check(ctx, o.st, runID); err != nil {
			r.Passed = false
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

func (o *Orchestrator) runCallback(ctx context.Context, runID, phaseName, kind string, fn func(context.Context, string) error) {
	if fn == nil {
		return
	}
	if err := fn(ctx, runID); err != nil && o.logger != nil {
		o.logger.Warn("phase callback failed", "run_id", runID, "phase", phaseName, "callback", kind, "error", err)
	}
}

func (o *Orchestrator) emit(name string, payload any) {
	if o.events != nil {
		o.events.Emit(name, payload)
	}
}

func failed(results []GateResult) []GateResult {
	var out []GateResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
