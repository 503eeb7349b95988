// Package amend implements amendment runs: a completed pipeline is re-run
// under a new framing concept, parent decisions are superseded rather than
// deleted, and a delta document records what changed.
package amend

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/store"
)

// PhaseName is the phase recorded on amendment-level artifacts such as the
// delta document.
const PhaseName = "amendment"

// CreateRun creates a child pipeline run of parentID framed by concept. The
// store rejects parents that are not completed with ErrParentNotCompleted.
// The run starts at analysis with an open history entry, so the phase
// orchestrator can resume it like any other run.
func CreateRun(ctx context.Context, st *store.Store, parentID, concept string) (string, error) {
	runID, err := st.CreatePipelineRun(ctx, store.CreateRunInput{
		Methodology: "standard",
		StartPhase:  phase.PhaseAnalysis,
		ParentRunID: &parentID,
		Config: phase.EncodeRunConfig(phase.RunConfig{
			Concept:      concept,
			PhaseHistory: []phase.HistoryEntry{phase.OpenEntry(phase.PhaseAnalysis)},
		}),
	})
	if err != nil {
		return "", fmt.Errorf("amend: create run under %s: %w", parentID, err)
	}
	return runID, nil
}

// WritebackPhase supersedes parent decisions shadowed by the amendment run's
// decisions for one phase: a parent decision matches when its
// (phase, category, key) triple equals an amendment decision's. Per-row
// errors are logged and skipped; the iteration always completes. Returns the
// number of decisions superseded.
func WritebackPhase(ctx context.Context, st *store.Store, h *ContextHandler, amendRunID, phaseName string, logger *log.Logger) (int, error) {
	amended, err := st.GetActiveDecisions(ctx, store.DecisionFilter{
		PipelineRunID: amendRunID,
		Phase:         phaseName,
	})
	if err != nil {
		return 0, fmt.Errorf("amend: writeback %s: %w", phaseName, err)
	}

	superseded := 0
	for _, d := range amended {
		parent, ok := h.match(phaseName, d.Category, d.Key)
		if !ok {
			continue
		}
		if err := st.SupersedeDecision(ctx, parent.ID, d.ID); err != nil {
			if logger != nil {
				logger.Warn("supersession skipped",
					"parent_decision", parent.ID,
					"amend_decision", d.ID,
					"err", err,
				)
			}
			continue
		}
		h.LogSupersession(SupersessionEntry{
			ParentID:    parent.ID,
			AmendmentID: d.ID,
			Phase:       phaseName,
			Category:    d.Category,
			Key:         d.Key,
		})
		superseded++
	}
	return superseded, nil
}
