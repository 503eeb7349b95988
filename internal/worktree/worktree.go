// Package worktree manages per-story git worktrees: each story gets an
// isolated working copy on its own branch, merged back when the story lands.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/substratehq/substrate/internal/bus"
)

// ErrMergeConflict is returned by Merge when a story branch does not apply
// cleanly. The merge is aborted before returning.
var ErrMergeConflict = errors.New("merge conflict")

// Worktree is one story's isolated working copy.
type Worktree struct {
	TaskID   string
	StoryKey string
	Path     string
	Branch   string

	// Base is the commit the worktree branched from; diffs are computed
	// against it.
	Base string
}

// Manager creates, merges, and removes story worktrees under a common root.
type Manager struct {
	git    *Client
	root   string
	events *bus.Bus
	logger *log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus enables worktree lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.events = b }
}

// WithLogger sets the logger. Nil means silent.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager whose worktrees live under root. The git
// client must be rooted in the repository the worktrees branch from.
func NewManager(git *Client, root string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("worktree root: %w", err)
	}
	m := &Manager{git: git, root: root}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create makes a worktree for the story at <root>/task-<taskID> on a fresh
// branch, and emits worktree:created followed by task:ready.
func (m *Manager) Create(ctx context.Context, taskID, storyKey string) (*Worktree, error) {
	base, err := m.git.HeadCommit(ctx)
	if err != nil {
		return nil, err
	}

	wt := &Worktree{
		TaskID:   taskID,
		StoryKey: storyKey,
		Path:     filepath.Join(m.root, "task-"+taskID),
		Branch:   "story/" + storyKey + "-" + taskID,
		Base:     base,
	}

	if err := m.git.WorktreeAdd(ctx, wt.Path, wt.Branch); err != nil {
		m.emit(bus.EventWorktreeConflict, bus.WorktreePayload{
			StoryKey: storyKey, TaskID: taskID, Error: err.Error(),
		})
		return nil, err
	}

	if m.logger != nil {
		m.logger.Debug("worktree created", "story", storyKey, "path", wt.Path, "branch", wt.Branch)
	}
	m.emit(bus.EventWorktreeCreated, bus.WorktreePayload{
		StoryKey: storyKey, TaskID: taskID, Path: wt.Path, Branch: wt.Branch,
	})
	m.emit(bus.EventTaskReady, bus.WorktreePayload{
		StoryKey: storyKey, TaskID: taskID, Path: wt.Path,
	})
	return wt, nil
}

// Merge commits any outstanding changes in the worktree and merges its
// branch into the repository's current branch. On conflict the merge is
// aborted, worktree:conflict is emitted, and ErrMergeConflict is returned;
// the worktree stays in place for inspection.
func (m *Manager) Merge(ctx context.Context, wt *Worktree) error {
	inTree := m.git.At(wt.Path)
	if _, err := inTree.CommitAll(ctx, "story "+wt.StoryKey); err != nil {
		return err
	}

	if err := m.git.Merge(ctx, wt.Branch); err != nil {
		if errors.Is(err, ErrMergeConflict) {
			m.emit(bus.EventWorktreeConflict, bus.WorktreePayload{
				StoryKey: wt.StoryKey, TaskID: wt.TaskID, Branch: wt.Branch, Error: err.Error(),
			})
		}
		return err
	}

	m.emit(bus.EventWorktreeMerged, bus.WorktreePayload{
		StoryKey: wt.StoryKey, TaskID: wt.TaskID, Branch: wt.Branch,
	})
	return nil
}

// Diff returns the unified diff of the worktree against its base, with
// aggregate stats. Uncommitted work is committed first so it shows up.
func (m *Manager) Diff(ctx context.Context, wt *Worktree) (string, *DiffStats, error) {
	inTree := m.git.At(wt.Path)
	if _, err := inTree.CommitAll(ctx, "wip: story "+wt.StoryKey); err != nil {
		return "", nil, err
	}
	diff, err := inTree.DiffUnified(ctx, wt.Base)
	if err != nil {
		return "", nil, err
	}
	stats, err := inTree.DiffStat(ctx, wt.Base)
	if err != nil {
		return "", nil, err
	}
	return diff, stats, nil
}

// ChangedFiles returns the paths the worktree changed relative to its base.
func (m *Manager) ChangedFiles(ctx context.Context, wt *Worktree) ([]string, error) {
	return m.git.At(wt.Path).DiffNames(ctx, wt.Base)
}

// Remove deletes the worktree and its branch, and emits worktree:removed.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	if err := m.git.WorktreeRemove(ctx, wt.Path); err != nil {
		return err
	}
	// Branch deletion is best-effort; a merged branch may already be gone.
	_ = m.git.DeleteBranch(ctx, wt.Branch)

	m.emit(bus.EventWorktreeRemoved, bus.WorktreePayload{
		StoryKey: wt.StoryKey, TaskID: wt.TaskID, Path: wt.Path,
	})
	return nil
}

func (m *Manager) emit(name string, payload any) {
	if m.events != nil {
		m.events.Emit(name, payload)
	}
}
