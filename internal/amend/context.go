package amend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/substratehq/substrate/internal/store"
)

// NoPriorDecisions is the fixed marker returned by ContextForPhase when the
// snapshot holds nothing for that phase.
const NoPriorDecisions = "No prior decisions recorded for this phase."

// Options configures a ContextHandler.
type Options struct {
	// FramingConcept is the amendment's new framing, prepended to every
	// phase context block.
	FramingConcept string

	// PhaseFilter restricts the snapshot to the named phases. Empty means
	// all phases.
	PhaseFilter []string
}

// SupersessionEntry records one parent decision superseded during the
// amendment run.
type SupersessionEntry struct {
	ParentID    string
	AmendmentID string
	Phase       string
	Category    string
	Key         string
}

// ContextHandler carries a frozen snapshot of the parent run's active
// decisions through an amendment run. The snapshot is taken eagerly at
// construction; later store writes do not alter it. Safe for concurrent use.
type ContextHandler struct {
	parentRunID string
	opts        Options
	snapshot    []store.Decision

	mu  sync.Mutex
	log []SupersessionEntry
}

// NewContextHandler snapshots the parent run's active decisions, optionally
// filtered to opts.PhaseFilter.
func NewContextHandler(ctx context.Context, st *store.Store, parentRunID string, opts Options) (*ContextHandler, error) {
	decisions, err := st.LoadParentRunDecisions(ctx, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("amend: snapshot parent %s: %w", parentRunID, err)
	}
	if len(opts.PhaseFilter) > 0 {
		decisions = lo.Filter(decisions, func(d store.Decision, _ int) bool {
			return lo.Contains(opts.PhaseFilter, d.Phase)
		})
	}
	return &ContextHandler{
		parentRunID: parentRunID,
		opts:        opts,
		snapshot:    decisions,
	}, nil
}

// ParentRunID returns the run the snapshot was taken from.
func (h *ContextHandler) ParentRunID() string { return h.parentRunID }

// ParentDecisions returns a copy of the frozen snapshot.
func (h *ContextHandler) ParentDecisions() []store.Decision {
	return append([]store.Decision(nil), h.snapshot...)
}

// ContextForPhase renders the snapshot's decisions for phaseName as a
// human-readable block, prefixed with the framing concept. It satisfies the
// phase runners' Contexter interface; runID identifies the amendment run and
// does not affect the snapshot.
func (h *ContextHandler) ContextForPhase(ctx context.Context, runID, phaseName string) (string, error) {
	scoped := lo.Filter(h.snapshot, func(d store.Decision, _ int) bool {
		return d.Phase == phaseName
	})

	var b strings.Builder
	b.WriteString("This run amends a previous pipeline run.\n")
	if h.opts.FramingConcept != "" {
		fmt.Fprintf(&b, "New framing: %s\n", h.opts.FramingConcept)
	}
	b.WriteString("\n")

	if len(scoped) == 0 {
		b.WriteString(NoPriorDecisions)
		return b.String(), nil
	}

	fmt.Fprintf(&b, "Decisions from the parent run's %s phase:\n", phaseName)
	for _, d := range scoped {
		fmt.Fprintf(&b, "- %s/%s: %s", d.Category, d.Key, d.Value)
		if d.Rationale != "" {
			fmt.Fprintf(&b, " (%s)", d.Rationale)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRevisit these in light of the new framing; restate any that still hold.")
	return b.String(), nil
}

// SupersessionLog returns a copy of the supersessions observed so far.
func (h *ContextHandler) SupersessionLog() []SupersessionEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SupersessionEntry(nil), h.log...)
}

// LogSupersession appends one entry to the in-memory supersession log.
func (h *ContextHandler) LogSupersession(e SupersessionEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, e)
}

// match finds the snapshot decision with the given triple, if any.
func (h *ContextHandler) match(phaseName, category, key string) (store.Decision, bool) {
	return lo.Find(h.snapshot, func(d store.Decision) bool {
		return d.Phase == phaseName && d.Category == category && d.Key == key
	})
}
