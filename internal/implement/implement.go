// Package implement drives the implementation phase: every story runs
// through create-story, dev-story, and code-review dispatches, with fix
// cycles until the review verdict allows landing or the cycle cap escalates
// the story. Conflict groups run in parallel; stories within a group run
// strictly serially.
package implement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/substrate/internal/bus"
	"github.com/substratehq/substrate/internal/config"
	"github.com/substratehq/substrate/internal/conflict"
	"github.com/substratehq/substrate/internal/dispatch"
	"github.com/substratehq/substrate/internal/pack"
	"github.com/substratehq/substrate/internal/phase"
	"github.com/substratehq/substrate/internal/prompt"
	"github.com/substratehq/substrate/internal/schema"
	"github.com/substratehq/substrate/internal/store"
	"github.com/substratehq/substrate/internal/worktree"
)

// Orchestrator states.
const (
	StateIdle     = "IDLE"
	StateRunning  = "RUNNING"
	StateComplete = "COMPLETE"
)

// Story phases. The three rightmost are terminal.
const (
	StoryPending         = "PENDING"
	StoryInStoryCreation = "IN_STORY_CREATION"
	StoryInDev           = "IN_DEV"
	StoryInReview        = "IN_REVIEW"
	StoryInFix           = "IN_FIX"
	StoryComplete        = "COMPLETE"
	StoryEscalated       = "ESCALATED"
	StoryFailed          = "FAILED"
)

// Escalation and failure reasons.
const (
	ReasonNoStoryFile     = "create-story-no-file"
	ReasonCreateFailed    = "create-story-failed"
	ReasonDevFailed       = "dev-story-failed"
	ReasonMaxReviewCycles = "max_review_cycles"
	ReasonMergeConflict   = "merge_conflict"
	ReasonDispatch        = "dispatch_error"
)

// ErrAlreadyRunning is returned by Run while a previous Run is in flight.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// StoryState is the orchestrator's record for one story.
type StoryState struct {
	Key          string `json:"key"`
	Phase        string `json:"phase"`
	StoryFile    string `json:"story_file,omitempty"`
	LastVerdict  string `json:"last_verdict,omitempty"`
	ReviewCycles int    `json:"review_cycles"`
	Reason       string `json:"reason,omitempty"`
}

// Terminal reports whether the story has reached a terminal phase.
func (s StoryState) Terminal() bool {
	return s.Phase == StoryComplete || s.Phase == StoryEscalated || s.Phase == StoryFailed
}

// Status is a snapshot of an orchestrator run.
type Status struct {
	State     string                `json:"state"`
	Stories   map[string]StoryState `json:"stories"`
	Succeeded []string              `json:"succeeded"`
	Failed    []string              `json:"failed"`
	Escalated []string              `json:"escalated"`
}

// Orchestrator runs the per-story state machine for one pipeline run. A
// single Orchestrator drives a single run; Run is exclusive.
type Orchestrator struct {
	st       *store.Store
	d        *dispatch.Dispatcher
	pk       *pack.Pack
	cfg      config.ImplementationConfig
	detector *conflict.Detector
	runID    string

	events    *bus.Bus
	logger    *log.Logger
	worktrees *worktree.Manager

	// mergeMu serializes merges back into the main branch.
	mergeMu sync.Mutex

	mu      sync.Mutex
	state   string
	stories map[string]*StoryState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBus enables lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) { o.events = b }
}

// WithLogger sets the logger. Nil means silent.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithWorktrees enables per-story git worktrees through m. Without it,
// stories run in the dispatcher's default working directory and reviews see
// no diff.
func WithWorktrees(m *worktree.Manager) Option {
	return func(o *Orchestrator) { o.worktrees = m }
}

// New creates an Orchestrator for runID. The conflict detector is built from
// the module table in cfg.
func New(st *store.Store, d *dispatch.Dispatcher, pk *pack.Pack, runID string, cfg config.ImplementationConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		st:       st,
		d:        d,
		pk:       pk,
		cfg:      cfg,
		detector: conflict.NewDetector(cfg.Modules),
		runID:    runID,
		state:    StateIdle,
		stories:  make(map[string]*StoryState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives every story to a terminal phase. It is exclusive: a call while
// running or after completion returns the current status without starting
// new work. An empty key list completes immediately. The
// implementation-complete artifact is registered only when every story lands
// COMPLETE.
func (o *Orchestrator) Run(ctx context.Context, storyKeys []string) (Status, error) {
	o.mu.Lock()
	switch o.state {
	case StateRunning:
		st := o.snapshotLocked()
		o.mu.Unlock()
		return st, ErrAlreadyRunning
	case StateComplete:
		st := o.snapshotLocked()
		o.mu.Unlock()
		return st, nil
	}
	o.state = StateRunning
	for _, key := range storyKeys {
		o.stories[key] = &StoryState{Key: key, Phase: StoryPending}
	}
	o.mu.Unlock()

	if len(storyKeys) == 0 {
		return o.finish(ctx), nil
	}

	titles, err := o.storyTitles(ctx)
	if err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return Status{}, err
	}
	architecture := o.architecture(ctx)

	groups := o.detector.DetectGroups(storyKeys)
	limit := o.cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			for _, key := range group {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.runStory(gctx, key, titles[key], architecture)
			}
			return nil
		})
	}
	runErr := g.Wait()

	status := o.finish(ctx)
	return status, runErr
}

// Status returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// finish settles the terminal state, registers the completion artifact when
// every story landed, and emits orchestrator:complete.
func (o *Orchestrator) finish(ctx context.Context) Status {
	o.mu.Lock()
	o.state = StateComplete
	status := o.snapshotLocked()
	o.mu.Unlock()

	allComplete := true
	for _, st := range status.Stories {
		if st.Phase != StoryComplete {
			allComplete = false
			break
		}
	}
	// Stories left PENDING by a cancelled run must keep the gate closed even
	// though they appear in neither Failed nor Escalated.
	if allComplete {
		content, _ := json.Marshal(status)
		_, err := o.st.RegisterArtifact(ctx, store.ArtifactInput{
			PipelineRunID: o.runID,
			Phase:         phase.PhaseImplementation,
			Type:          store.ArtifactImplementationComplete,
			Path:          "store://" + o.runID + "/implementation/complete",
			Content:       content,
			Summary:       fmt.Sprintf("%d stories complete", len(status.Succeeded)),
		})
		if err != nil && o.logger != nil {
			o.logger.Error("registering completion artifact", "err", err)
		}
	}

	o.emit(bus.EventOrchestratorComplete, bus.OrchestratorCompletePayload{
		RunID:     o.runID,
		Total:     len(status.Stories),
		Succeeded: status.Succeeded,
		Failed:    status.Failed,
		Escalated: status.Escalated,
	})
	if o.logger != nil {
		o.logger.Info("implementation complete",
			"run_id", o.runID,
			"total", len(status.Stories),
			"succeeded", len(status.Succeeded),
			"failed", len(status.Failed),
			"escalated", len(status.Escalated),
		)
	}
	return status
}

// runStory walks one story through the state machine to a terminal phase.
// Errors never propagate; they settle the story as ESCALATED or FAILED.
func (o *Orchestrator) runStory(ctx context.Context, key, title, architecture string) {
	o.setPhase(key, StoryInStoryCreation)

	res := o.dispatchTask(ctx, schema.TaskCreateStory, key, "", []prompt.Section{
		{Name: "story-key", Content: key, Priority: prompt.PriorityRequired},
		{Name: "epic-id", Content: epicID(key), Priority: prompt.PriorityRequired},
		{Name: "story-title", Content: title, Priority: prompt.PriorityRequired},
		{Name: "architecture", Content: architecture, Priority: prompt.PriorityImportant},
	})
	if res.Status != dispatch.StatusCompleted || res.ParseError != nil {
		o.fail(key, ReasonDispatch)
		return
	}
	created, err := schema.DecodeCreateStory(res.Parsed)
	if err != nil {
		o.fail(key, ReasonDispatch)
		return
	}
	if created.StoryFile == "" {
		o.escalate(key, ReasonNoStoryFile, ReasonNoStoryFile)
		return
	}
	if created.Result != schema.ResultSuccess {
		o.escalate(key, ReasonCreateFailed, ReasonCreateFailed)
		return
	}
	o.setStoryFile(key, created.StoryFile)

	wt := o.createWorktree(ctx, key)
	workDir := ""
	if wt != nil {
		workDir = wt.Path
	}

	o.setPhase(key, StoryInDev)
	res = o.dispatchTask(ctx, schema.TaskDevStory, key, workDir, []prompt.Section{
		{Name: "story-key", Content: key, Priority: prompt.PriorityRequired},
		{Name: "story-file", Content: created.StoryFile, Priority: prompt.PriorityRequired},
		{Name: "notes", Content: "", Priority: prompt.PriorityOptional},
	})
	if res.Status != dispatch.StatusCompleted || res.ParseError != nil {
		o.fail(key, ReasonDispatch)
		return
	}
	dev, err := schema.DecodeDevStory(res.Parsed)
	if err != nil {
		o.fail(key, ReasonDispatch)
		return
	}
	if dev.Result != schema.ResultSuccess {
		o.escalate(key, ReasonDevFailed, ReasonDevFailed)
		return
	}

	o.reviewLoop(ctx, key, created.StoryFile, workDir, wt)
}

// reviewLoop runs code-review and fix dispatches until a landing verdict or
// the cycle cap.
func (o *Orchestrator) reviewLoop(ctx context.Context, key, storyFile, workDir string, wt *worktree.Worktree) {
	cycles := 0
	for {
		o.setPhase(key, StoryInReview)
		res := o.dispatchTask(ctx, schema.TaskCodeReview, key, workDir, []prompt.Section{
			{Name: "story-key", Content: key, Priority: prompt.PriorityRequired},
			{Name: "story-file", Content: storyFile, Priority: prompt.PriorityRequired},
			{Name: "diff", Content: o.reviewInput(ctx, wt), Priority: prompt.PriorityImportant},
		})
		if res.Status != dispatch.StatusCompleted || res.ParseError != nil {
			o.fail(key, ReasonDispatch)
			return
		}
		review, err := schema.DecodeCodeReview(res.Parsed)
		if err != nil {
			o.fail(key, ReasonDispatch)
			return
		}
		o.setVerdict(key, review.Verdict, cycles)

		switch review.Verdict {
		case schema.VerdictShipIt, schema.VerdictNeedsMinorFixes:
			o.land(ctx, key, wt)
			return
		case schema.VerdictNeedsMajorRework:
			if cycles >= o.cfg.MaxReviewCycles {
				o.escalate(key, review.Verdict, ReasonMaxReviewCycles)
				return
			}
		}

		o.setPhase(key, StoryInFix)
		res = o.dispatchTask(ctx, schema.TaskFix, key, workDir, []prompt.Section{
			{Name: "story-key", Content: key, Priority: prompt.PriorityRequired},
			{Name: "story-file", Content: storyFile, Priority: prompt.PriorityRequired},
			{Name: "issues", Content: formatIssues(review.IssueList), Priority: prompt.PriorityRequired},
		})
		if res.Status != dispatch.StatusCompleted || res.ParseError != nil {
			o.fail(key, ReasonDispatch)
			return
		}
		fix, err := schema.DecodeDevStory(res.Parsed)
		if err != nil {
			o.fail(key, ReasonDispatch)
			return
		}
		if fix.Result != schema.ResultSuccess {
			o.escalate(key, ReasonDevFailed, ReasonDevFailed)
			return
		}
		cycles++
		o.setVerdict(key, review.Verdict, cycles)
	}
}

// land completes the story, merging its worktree back first when one exists.
func (o *Orchestrator) land(ctx context.Context, key string, wt *worktree.Worktree) {
	if wt != nil {
		o.mergeMu.Lock()
		err := o.worktrees.Merge(ctx, wt)
		o.mergeMu.Unlock()
		if err != nil {
			if o.logger != nil {
				o.logger.Error("merging story branch", "story", key, "err", err)
			}
			o.escalate(key, ReasonMergeConflict, ReasonMergeConflict)
			return
		}
		if err := o.worktrees.Remove(ctx, wt); err != nil && o.logger != nil {
			o.logger.Warn("removing worktree", "story", key, "err", err)
		}
	}

	o.setPhase(key, StoryComplete)
	o.emit(bus.EventStoryDone, bus.StoryPayload{
		RunID:    o.runID,
		StoryKey: key,
		Phase:    StoryComplete,
	})
}

// reviewInput returns the diff to review, falling back to a stat summary
// plus changed-file list when the full diff exceeds the byte ceiling.
func (o *Orchestrator) reviewInput(ctx context.Context, wt *worktree.Worktree) string {
	if wt == nil || o.worktrees == nil {
		return ""
	}
	diff, stats, err := o.worktrees.Diff(ctx, wt)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("computing review diff", "story", wt.StoryKey, "err", err)
		}
		return ""
	}
	if o.cfg.DiffByteCeiling <= 0 || len(diff) <= o.cfg.DiffByteCeiling {
		return diff
	}

	files, err := o.worktrees.ChangedFiles(ctx, wt)
	if err != nil {
		files = nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Diff too large to include (%d bytes).\n", len(diff))
	fmt.Fprintf(&b, "%d files changed, %d insertions(+), %d deletions(-)\n",
		stats.FilesChanged, stats.Insertions, stats.Deletions)
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

// createWorktree makes a worktree for the story when a manager is wired.
// Failures are logged and the story proceeds without isolation.
func (o *Orchestrator) createWorktree(ctx context.Context, key string) *worktree.Worktree {
	if o.worktrees == nil {
		return nil
	}
	wt, err := o.worktrees.Create(ctx, uuid.NewString()[:8], key)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("creating worktree", "story", key, "err", err)
		}
		return nil
	}
	return wt
}

// dispatchTask sends one sub-phase dispatch and waits for its result.
func (o *Orchestrator) dispatchTask(ctx context.Context, taskType, storyKey, workDir string, sections []prompt.Section) dispatch.Result {
	tmpl, err := o.pk.Template(taskType)
	if err != nil {
		return dispatch.Result{Status: dispatch.StatusFailed}
	}
	h, err := o.d.Dispatch(ctx, dispatch.Request{
		TaskType: taskType,
		Template: tmpl,
		Sections: sections,
		WorkDir:  workDir,
		RunID:    o.runID,
		Phase:    phase.PhaseImplementation,
		StoryKey: storyKey,
	})
	if err != nil {
		if o.logger != nil {
			o.logger.Error("dispatch failed", "task", taskType, "story", storyKey, "err", err)
		}
		return dispatch.Result{Status: dispatch.StatusFailed}
	}
	return h.Result()
}

// storyTitles maps story keys to their recorded titles.
func (o *Orchestrator) storyTitles(ctx context.Context) (map[string]string, error) {
	decisions, err := o.st.GetActiveDecisions(ctx, store.DecisionFilter{
		PipelineRunID: o.runID,
		Category:      "story",
	})
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(decisions))
	for _, d := range decisions {
		titles[d.Key] = d.Value
	}
	return titles, nil
}

// architecture returns the architecture document, or empty when missing.
func (o *Orchestrator) architecture(ctx context.Context) string {
	a, err := o.st.GetArtifactByTypeForRun(ctx, o.runID, store.ArtifactArchitecture)
	if err != nil {
		return ""
	}
	return string(a.Content)
}

func (o *Orchestrator) setPhase(key, phaseName string) {
	o.mu.Lock()
	if s, ok := o.stories[key]; ok {
		s.Phase = phaseName
	}
	o.mu.Unlock()

	o.emit(bus.EventStoryPhase, bus.StoryPayload{
		RunID:    o.runID,
		StoryKey: key,
		Phase:    phaseName,
	})
}

func (o *Orchestrator) setStoryFile(key, file string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stories[key]; ok {
		s.StoryFile = file
	}
}

func (o *Orchestrator) setVerdict(key, verdict string, cycles int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stories[key]; ok {
		s.LastVerdict = verdict
		s.ReviewCycles = cycles
	}
}

// escalate parks the story in ESCALATED and emits
// orchestrator:story-escalated.
func (o *Orchestrator) escalate(key, lastVerdict, reason string) {
	o.mu.Lock()
	if s, ok := o.stories[key]; ok {
		s.Phase = StoryEscalated
		s.LastVerdict = lastVerdict
		s.Reason = reason
	}
	o.mu.Unlock()

	o.emit(bus.EventStoryPhase, bus.StoryPayload{
		RunID: o.runID, StoryKey: key, Phase: StoryEscalated,
	})
	o.emit(bus.EventStoryEscalated, bus.StoryEscalatedPayload{
		RunID:       o.runID,
		StoryKey:    key,
		LastVerdict: lastVerdict,
		Reason:      reason,
	})
	if o.logger != nil {
		o.logger.Warn("story escalated", "story", key, "verdict", lastVerdict, "reason", reason)
	}
}

// fail parks the story in FAILED after a dispatch or persistence error.
func (o *Orchestrator) fail(key, reason string) {
	o.mu.Lock()
	if s, ok := o.stories[key]; ok {
		s.Phase = StoryFailed
		s.Reason = reason
	}
	o.mu.Unlock()

	o.emit(bus.EventStoryPhase, bus.StoryPayload{
		RunID: o.runID, StoryKey: key, Phase: StoryFailed,
	})
	if o.logger != nil {
		o.logger.Error("story failed", "story", key, "reason", reason)
	}
}

// snapshotLocked copies the state under o.mu.
func (o *Orchestrator) snapshotLocked() Status {
	st := Status{
		State:   o.state,
		Stories: make(map[string]StoryState, len(o.stories)),
	}
	for key, s := range o.stories {
		st.Stories[key] = *s
		switch s.Phase {
		case StoryComplete:
			st.Succeeded = append(st.Succeeded, key)
		case StoryEscalated:
			st.Escalated = append(st.Escalated, key)
		case StoryFailed:
			st.Failed = append(st.Failed, key)
		}
	}
	sort.Strings(st.Succeeded)
	sort.Strings(st.Escalated)
	sort.Strings(st.Failed)
	return st
}

func (o *Orchestrator) emit(name string, payload any) {
	if o.events != nil {
		o.events.Emit(name, payload)
	}
}

// formatIssues renders review findings for the fix prompt.
func formatIssues(issues []schema.Issue) string {
	if len(issues) == 0 {
		return "No issue details were provided; re-read the review notes in the story file."
	}
	var b strings.Builder
	for _, i := range issues {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", i.Severity, i.File, i.Desc)
	}
	return b.String()
}

// epicID is the first dash-separated segment of a story key.
func epicID(storyKey string) string {
	if i := strings.Index(storyKey, "-"); i > 0 {
		return storyKey[:i]
	}
	return storyKey
}
