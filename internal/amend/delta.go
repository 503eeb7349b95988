package amend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/pack"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/store"
)

// Impact confidence levels.
const (
	ConfidenceHigh   = "HIGH"
	ConfidenceMedium = "MEDIUM"
	ConfidenceLow    = "LOW"
)

// minSummaryWords is the executive summary's word-count floor.
const minSummaryWords = 20

// ImpactFinding is one agent-reported consequence of the amendment.
type ImpactFinding struct {
	Confidence  string `json:"confidence"`
	Description string `json:"description"`
}

// ImpactAnalysis groups findings by confidence.
type ImpactAnalysis struct {
	High   []string `json:"high"`
	Medium []string `json:"medium"`
	Low    []string `json:"low"`
}

// DeltaDocument summarizes what an amendment run changed relative to its
// parent.
type DeltaDocument struct {
	AmendmentRunID      string           `json:"amendment_run_id"`
	ParentRunID         string           `json:"parent_run_id"`
	GeneratedAt         time.Time        `json:"generated_at"`
	ExecutiveSummary    string           `json:"executive_summary"`
	NewDecisions        []store.Decision `json:"new_decisions"`
	SupersededDecisions []store.Decision `json:"superseded_decisions"`
	NewStories          []store.Decision `json:"new_stories"`
	Impact              *ImpactAnalysis  `json:"impact,omitempty"`
	Recommendations     []string         `json:"recommendations"`
}

// DeltaOptions configures GenerateDelta. Dispatcher and Pack together enable
// the impact-analysis dispatch; leaving either nil skips it.
type DeltaOptions struct {
	Dispatcher *dispatch.Dispatcher
	Pack       *pack.Pack
}

// GenerateDelta builds the delta document for an amendment run. New
// decisions are the amendment run's decisions absent from the parent
// snapshot; superseded decisions are parent snapshot rows whose ids appear
// in the handler's supersession log.
func GenerateDelta(ctx context.Context, st *store.Store, h *ContextHandler, amendRunID string, opts DeltaOptions) (*DeltaDocument, error) {
	amended, err := st.GetActiveDecisions(ctx, store.DecisionFilter{PipelineRunID: amendRunID})
	if err != nil {
		return nil, fmt.Errorf("amend: delta for %s: %w", amendRunID, err)
	}

	parentIDs := lo.SliceToMap(h.ParentDecisions(), func(d store.Decision) (string, struct{}) {
		return d.ID, struct{}{}
	})
	newDecisions := lo.Filter(amended, func(d store.Decision, _ int) bool {
		_, inParent := parentIDs[d.ID]
		return !inParent
	})

	supersededIDs := lo.SliceToMap(h.SupersessionLog(), func(e SupersessionEntry) (string, struct{}) {
		return e.ParentID, struct{}{}
	})
	superseded := lo.Filter(h.ParentDecisions(), func(d store.Decision, _ int) bool {
		_, ok := supersededIDs[d.ID]
		return ok
	})

	stories := lo.Filter(newDecisions, func(d store.Decision, _ int) bool {
		return d.Category == "story"
	})

	doc := &DeltaDocument{
		AmendmentRunID:      amendRunID,
		ParentRunID:         h.ParentRunID(),
		GeneratedAt:         time.Now().UTC(),
		NewDecisions:        newDecisions,
		SupersededDecisions: superseded,
		NewStories:          stories,
	}
	doc.ExecutiveSummary = executiveSummary(doc, h.opts.FramingConcept)
	doc.Recommendations = recommendations(doc)

	if opts.Dispatcher != nil && opts.Pack != nil {
		impact, err := runImpactAnalysis(ctx, opts, h, doc)
		if err == nil {
			doc.Impact = impact
		}
		// A failed impact dispatch degrades to a document without the
		// optional section.
	}
	return doc, nil
}

// executiveSummary always embeds both run ids and clears the word floor.
func executiveSummary(doc *DeltaDocument, framing string) string {
	s := fmt.Sprintf(
		"Amendment run %s revises the outcome of parent run %s: "+
			"it records %d new decisions, supersedes %d decisions carried over "+
			"from the parent, and introduces %d new stories into the backlog.",
		doc.AmendmentRunID, doc.ParentRunID,
		len(doc.NewDecisions), len(doc.SupersededDecisions), len(doc.NewStories),
	)
	if framing != "" {
		s += " The amendment reframes the original concept as: " + framing
	}
	return s
}

func recommendations(doc *DeltaDocument) []string {
	var recs []string
	if len(doc.SupersededDecisions) > 0 {
		recs = append(recs, "Review implementation work that depended on the superseded decisions.")
	}
	if len(doc.NewStories) > 0 {
		recs = append(recs, "Schedule the new stories through the implementation phase.")
	}
	if len(doc.SupersededDecisions) == 0 && len(doc.NewDecisions) > 0 {
		recs = append(recs, "The amendment is purely additive; no parent work is invalidated.")
	}
	return recs
}

// impactPayload is the agent's impact-analysis result.
type impactPayload struct {
	Result   string          `json:"result"`
	Findings []ImpactFinding `json:"findings"`
}

func runImpactAnalysis(ctx context.Context, opts DeltaOptions, h *ContextHandler, doc *DeltaDocument) (*ImpactAnalysis, error) {
	tmpl, err := opts.Pack.Template("impact-analysis")
	if err != nil {
		return nil, err
	}

	var changes strings.Builder
	for _, d := range doc.NewDecisions {
		fmt.Fprintf(&changes, "- new %s/%s/%s: %s\n", d.Phase, d.Category, d.Key, d.Value)
	}
	for _, d := range doc.SupersededDecisions {
		fmt.Fprintf(&changes, "- superseded %s/%s/%s: %s\n", d.Phase, d.Category, d.Key, d.Value)
	}

	var parents strings.Builder
	for _, d := range h.ParentDecisions() {
		fmt.Fprintf(&parents, "- %s/%s/%s: %s\n", d.Phase, d.Category, d.Key, d.Value)
	}

	handle, err := opts.Dispatcher.Dispatch(ctx, dispatch.Request{
		TaskType: "impact-analysis",
		Template: tmpl,
		Sections: []prompt.Section{
			{Name: "parent-decisions", Content: parents.String(), Priority: prompt.PriorityImportant},
			{Name: "changes", Content: changes.String(), Priority: prompt.PriorityRequired},
		},
		RunID: doc.AmendmentRunID,
		Phase: PhaseName,
	})
	if err != nil {
		return nil, err
	}
	res := handle.Result()
	if res.Status != dispatch.StatusCompleted {
		return nil, fmt.Errorf("amend: impact dispatch %s", res.Status)
	}

	var payload impactPayload
	if err := json.Unmarshal(res.Parsed, &payload); err != nil {
		return nil, err
	}

	impact := &ImpactAnalysis{}
	for _, f := range payload.Findings {
		switch strings.ToUpper(f.Confidence) {
		case ConfidenceHigh:
			impact.High = append(impact.High, f.Description)
		case ConfidenceMedium:
			impact.Medium = append(impact.Medium, f.Description)
		default:
			impact.Low = append(impact.Low, f.Description)
		}
	}
	return impact, nil
}

// FormatMarkdown renders the delta document with a fixed section order.
// Empty sections render an explicit "none" placeholder.
func FormatMarkdown(doc *DeltaDocument) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Amendment Delta: %s\n\n", doc.AmendmentRunID)
	fmt.Fprintf(&b, "Parent run: %s  \n", doc.ParentRunID)
	fmt.Fprintf(&b, "Generated: %s\n\n", doc.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Executive Summary\n\n")
	b.WriteString(doc.ExecutiveSummary + "\n\n")

	writeDecisionSection(&b, "New Decisions", doc.NewDecisions)
	writeDecisionSection(&b, "Superseded Decisions", doc.SupersededDecisions)
	writeDecisionSection(&b, "New Stories", doc.NewStories)

	b.WriteString("## Impact Analysis\n\n")
	if doc.Impact == nil {
		b.WriteString("none\n\n")
	} else {
		writeImpactGroup(&b, ConfidenceHigh, doc.Impact.High)
		writeImpactGroup(&b, ConfidenceMedium, doc.Impact.Medium)
		writeImpactGroup(&b, ConfidenceLow, doc.Impact.Low)
		b.WriteString("\n")
	}

	b.WriteString("## Recommendations\n\n")
	if len(doc.Recommendations) == 0 {
		b.WriteString("none\n")
	} else {
		for _, r := range doc.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

func writeDecisionSection(b *strings.Builder, title string, decisions []store.Decision) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(decisions) == 0 {
		b.WriteString("none\n\n")
		return
	}
	for _, d := range decisions {
		fmt.Fprintf(b, "- **%s/%s/%s**: %s", d.Phase, d.Category, d.Key, d.Value)
		if d.Rationale != "" {
			fmt.Fprintf(b, " (%s)", d.Rationale)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeImpactGroup(b *strings.Builder, confidence string, findings []string) {
	if len(findings) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s confidence\n\n", confidence)
	for _, f := range findings {
		fmt.Fprintf(b, "- %s\n", f)
	}
}

// ValidateDeltaDocument checks the summary word floor, the embedded run ids,
// and the presence of both run identifiers on the document itself.
func ValidateDeltaDocument(doc *DeltaDocument) error {
	if doc.AmendmentRunID == "" || doc.ParentRunID == "" {
		return fmt.Errorf("amend: delta document missing run identifiers")
	}
	if n := len(strings.Fields(doc.ExecutiveSummary)); n < minSummaryWords {
		return fmt.Errorf("amend: executive summary has %d words, need at least %d", n, minSummaryWords)
	}
	if !strings.Contains(doc.ExecutiveSummary, doc.AmendmentRunID) ||
		!strings.Contains(doc.ExecutiveSummary, doc.ParentRunID) {
		return fmt.Errorf("amend: executive summary must name both run ids")
	}
	return nil
}

// SaveDelta writes the formatted document under dir and registers it as the
// amendment run's delta-document artifact. Returns the file path.
func SaveDelta(ctx context.Context, st *store.Store, doc *DeltaDocument, dir string) (string, error) {
	if err := ValidateDeltaDocument(doc); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("amend: delta dir: %w", err)
	}

	rendered := FormatMarkdown(doc)
	path := filepath.Join(dir, "delta-"+doc.AmendmentRunID+".md")
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return "", fmt.Errorf("amend: write delta: %w", err)
	}

	_, err := st.RegisterArtifact(ctx, store.ArtifactInput{
		PipelineRunID: doc.AmendmentRunID,
		Phase:         PhaseName,
		Type:          store.ArtifactDeltaDocument,
		Path:          path,
		Content:       []byte(rendered),
		Summary: fmt.Sprintf("%d new, %d superseded, %d stories",
			len(doc.NewDecisions), len(doc.SupersededDecisions), len(doc.NewStories)),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
