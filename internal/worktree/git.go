package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Client wraps the git CLI operations the worktree manager needs. All
// methods shell out to the git binary.
type Client struct {
	// WorkDir is the working directory for git commands. If empty, commands
	// run in the current directory.
	WorkDir string

	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// NewClient creates a Client rooted at workDir and verifies that git is
// installed and workDir is inside a repository.
func NewClient(workDir string) (*Client, error) {
	c := &Client{WorkDir: workDir, GitBin: "git"}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("git: not a git repository or git not installed: %w", err)
	}
	return c, nil
}

// At returns a copy of the client running in a different directory. Used to
// address an individual worktree.
func (c *Client) At(dir string) *Client {
	return &Client{WorkDir: dir, GitBin: c.GitBin}
}

// CurrentBranch returns the name of the current branch. Returns an error in
// a detached HEAD state.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: current branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", fmt.Errorf("git: current branch: detached HEAD state")
	}
	return branch, nil
}

// HeadCommit returns the short SHA of the current HEAD commit.
func (c *Client) HeadCommit(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git: head commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// WorktreeAdd creates a new worktree at path on a fresh branch cut from the
// current HEAD.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch string) error {
	if _, err := c.run(ctx, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return fmt.Errorf("git: worktree add %q: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes the worktree at path, discarding local changes.
func (c *Client) WorktreeRemove(ctx context.Context, path string) error {
	if _, err := c.run(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("git: worktree remove %q: %w", path, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("git: delete branch %q: %w", branch, err)
	}
	return nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (c *Client) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git: status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message. Returns
// false without error when there is nothing to commit.
func (c *Client) CommitAll(ctx context.Context, message string) (bool, error) {
	dirty, err := c.HasUncommittedChanges(ctx)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return false, fmt.Errorf("git: add: %w", err)
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("git: commit: %w", err)
	}
	return true, nil
}

// Merge merges branch into the current branch with a merge commit. Returns
// ErrMergeConflict after aborting when the merge does not apply cleanly.
func (c *Client) Merge(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "merge", "--no-ff", "--no-edit", branch); err != nil {
		_, _ = c.run(ctx, "merge", "--abort")
		return fmt.Errorf("git: merge %q: %w: %w", branch, ErrMergeConflict, err)
	}
	return nil
}

// DiffUnified returns the full unified diff between base and HEAD.
func (c *Client) DiffUnified(ctx context.Context, base string) (string, error) {
	out, err := c.run(ctx, "diff", base+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("git: diff from %q: %w", base, err)
	}
	return out, nil
}

// DiffStats summarises the number of changed files and line counts.
type DiffStats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// DiffStat returns aggregate change statistics between base and HEAD.
func (c *Client) DiffStat(ctx context.Context, base string) (*DiffStats, error) {
	out, err := c.run(ctx, "diff", "--stat", base+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("git: diff stat from %q: %w", base, err)
	}
	stats, err := parseDiffStat(out)
	if err != nil {
		return nil, fmt.Errorf("git: diff stat parse: %w", err)
	}
	return stats, nil
}

// DiffNames returns the paths changed between base and HEAD.
func (c *Client) DiffNames(ctx context.Context, base string) ([]string, error) {
	out, err := c.run(ctx, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("git: diff names from %q: %w", base, err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// parseDiffStat parses the summary line produced by `git diff --stat`.
// Example summary lines:
//
//	"3 files changed, 45 insertions(+), 12 deletions(-)"
//	"1 file changed, 5 insertions(+)"
func parseDiffStat(output string) (*DiffStats, error) {
	stats := &DiffStats{}
	lines := strings.Split(strings.TrimSpace(output), "\n")

	// The summary line is the last non-empty line.
	var summary string
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			summary = strings.TrimSpace(lines[i])
			break
		}
	}
	if summary == "" || !strings.Contains(summary, "changed") {
		return stats, nil
	}

	for _, seg := range strings.Split(summary, ", ") {
		seg = strings.TrimSpace(seg)
		switch {
		case strings.Contains(seg, "file"):
			n, err := parseLeadingInt(seg)
			if err != nil {
				return nil, fmt.Errorf("parsing files changed %q: %w", seg, err)
			}
			stats.FilesChanged = n
		case strings.Contains(seg, "insertion"):
			n, err := parseLeadingInt(seg)
			if err != nil {
				return nil, fmt.Errorf("parsing insertions %q: %w", seg, err)
			}
			stats.Insertions = n
		case strings.Contains(seg, "deletion"):
			n, err := parseLeadingInt(seg)
			if err != nil {
				return nil, fmt.Errorf("parsing deletions %q: %w", seg, err)
			}
			stats.Deletions = n
		}
	}
	return stats, nil
}

// parseLeadingInt extracts the leading integer from a string like
// "3 files changed".
func parseLeadingInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	spaceIdx := strings.IndexByte(s, ' ')
	if spaceIdx < 0 {
		return 0, fmt.Errorf("no space found in %q", s)
	}
	return strconv.Atoi(s[:spaceIdx])
}

// run executes a git command and returns stdout. stderr is included in the
// error when the command fails; some commands write to stderr on success, in
// which case stderr stands in for empty stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	bin := c.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.WorkDir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderrBuf.String()))
		}
		return "", err
	}

	stdout := stdoutBuf.String()
	if stdout == "" && stderrBuf.Len() > 0 {
		return stderrBuf.String(), nil
	}
	return stdout, nil
}
