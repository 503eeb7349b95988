package phase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/substratehq/substrate/internal/store"
)

// RequireArtifact builds a gate that passes when the run has an artifact of
// the given type.
func RequireArtifact(artifactType string) Gate {
	return Gate{
		Name: "artifact:" + artifactType,
		Check: func(ctx context.Context, st *store.Store, runID string) error {
			_, err := st.GetArtifactByTypeForRun(ctx, runID, artifactType)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("missing %s artifact", artifactType)
			}
			return err
		},
	}
}

// stopwords are skipped when extracting requirement keywords.
var stopwords = map[string]bool{
	"with": true, "that": true, "this": true, "from": true, "into": true,
	"must": true, "should": true, "will": true, "able": true, "have": true,
	"when": true, "then": true, "they": true, "their": true, "them": true,
	"user": true, "users": true, "system": true, "allow": true, "allows": true,
	"support": true, "supports": true, "provide": true, "provides": true,
}

// SolutioningReadiness is the solutioning exit gate: every active functional
// requirement must share at least one meaningful keyword with some story.
// This is the operational proxy for "stories cover requirements".
func SolutioningReadiness() Gate {
	return Gate{
		Name: "solutioning-readiness",
		Check: func(ctx context.Context, st *store.Store, runID string) error {
			reqs, err := st.GetRequirementsByRun(ctx, runID)
			if err != nil {
				return err
			}
			stories, err := st.GetActiveDecisions(ctx, store.DecisionFilter{
				PipelineRunID: runID,
				Category:      "story",
			})
			if err != nil {
				return err
			}

			corpus := strings.ToLower(strings.Join(lo.Map(stories, func(d store.Decision, _ int) string {
				return d.Value + " " + d.Rationale
			}), " "))

			var uncovered []string
			for _, req := range reqs {
				if req.Type != store.RequirementFunctional || req.Status != store.RequirementActive {
					continue
				}
				if !covered(req.Description, corpus) {
					uncovered = append(uncovered, req.Description)
				}
			}
			if len(uncovered) > 0 {
				return fmt.Errorf("stories do not cover %d requirement(s): %s",
					len(uncovered), strings.Join(uncovered, "; "))
			}
			return nil
		},
	}
}

// covered reports whether any meaningful keyword of the requirement
// description appears in the story corpus. Requirements with no meaningful
// keywords count as covered.
func covered(description, corpus string) bool {
	words := keywords(description)
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		if strings.Contains(corpus, w) {
			return true
		}
	}
	return false
}

// keywords extracts lowercased words of four letters or more, minus
// stopwords.
func keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 4 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// Builtin returns the standard four-phase sequence with its gates.
func Builtin() []Definition {
	return []Definition{
		{
			Name:        PhaseAnalysis,
			Description: "Turn the concept into a product brief",
			ExitGates:   []Gate{RequireArtifact(store.ArtifactProductBrief)},
		},
		{
			Name:        PhasePlanning,
			Description: "Turn the brief into a PRD with requirements",
			EntryGates:  []Gate{RequireArtifact(store.ArtifactProductBrief)},
			ExitGates:   []Gate{RequireArtifact(store.ArtifactPRD)},
		},
		{
			Name:        PhaseSolutioning,
			Description: "Design the architecture and cut stories",
			EntryGates:  []Gate{RequireArtifact(store.ArtifactPRD)},
			ExitGates: []Gate{
				RequireArtifact(store.ArtifactArchitecture),
				RequireArtifact(store.ArtifactStories),
				SolutioningReadiness(),
			},
		},
		{
			Name:        PhaseImplementation,
			Description: "Drive every story through dev and review",
			EntryGates: []Gate{
				RequireArtifact(store.ArtifactArchitecture),
				RequireArtifact(store.ArtifactStories),
				SolutioningReadiness(),
			},
			ExitGates: []Gate{RequireArtifact(store.ArtifactImplementationComplete)},
		},
	}
}

// RegisterBuiltin registers the standard sequence on o.
func RegisterBuiltin(o *Orchestrator) error {
	for _, def := range Builtin() {
		if err := o.RegisterPhase(def); err != nil {
			return err
		}
	}
	return nil
}
