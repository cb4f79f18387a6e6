// Package merge applies a comb's merge policy to a finished bee branch.
//
// auto_merge rebases the bee branch onto the comb's base branch inside the
// cell and fast-forwards the base branch in the primary repository, so the
// commits land with the same hashes they had on the branch. pr_branch pushes
// the branch to a remote for review. Merges are serialized per Coordinator.
package merge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"hive/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	Branch string // bee branch, e.g. "hive/bee-..."
	Cell   string // path to the bee's worktree
	Repo   string // primary repository; derived from the cell when empty
	Base   string // branch to land on; default "main"
	BeeID  string // for error context
}

func (o Opts) base() string {
	if o.Base == "" {
		return "main"
	}
	return o.Base
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA string
}

// ConflictError is returned when a rebase stops on conflicts. The rebase
// has been aborted; the branch and cell are untouched.
type ConflictError struct {
	Files []string
	BeeID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on bee %s: conflicting files: %s",
		e.BeeID, strings.Join(e.Files, ", "))
}

// ErrNotFastForward is returned when the base branch has diverged from the
// rebased bee branch in a way a fast-forward cannot resolve.
var ErrNotFastForward = errors.New("base branch cannot be fast-forwarded")

// Coordinator serializes merge operations behind a mutex so only one merge
// per repository set runs at a time.
type Coordinator struct {
	mu  sync.Mutex
	git GitRunner

	// abortMu protects activeCell for concurrent access from Abort().
	abortMu    sync.Mutex
	activeCell string
}

// NewCoordinator creates a Coordinator with the given GitRunner. A nil
// runner uses ExecGitRunner.
func NewCoordinator(git GitRunner) *Coordinator {
	if git == nil {
		git = &ExecGitRunner{}
	}
	return &Coordinator{git: git}
}

// Merge lands opts.Branch on the base branch:
//  1. skip if the branch has nothing the base lacks
//  2. git rebase <base> <branch> in the cell; on conflict abort and return *ConflictError
//  3. fast-forward the base in the primary repository
//
// When the primary repository has the base checked out, step 3 is
// "git merge --ff-only"; otherwise the ref is moved with update-ref after
// an ancestry check so the primary working tree is never disturbed.
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setActive(opts.Cell)
	defer c.setActive("")

	base := opts.base()

	merged, sha, checkErr := c.isBranchMerged(ctx, opts)
	if checkErr == nil && merged {
		return &Result{CommitSHA: sha}, nil
	}

	_, stderr, err := c.git.Run(ctx, opts.Cell, "rebase", base, opts.Branch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		return nil, c.handleRebaseFailure(ctx, opts, stderr)
	}

	repo, err := c.primaryRepo(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := c.fastForward(ctx, repo, base, opts.Branch); err != nil {
		return nil, err
	}

	stdout, _, err := c.git.Run(ctx, repo, "rev-parse", base)
	if err != nil {
		return nil, fmt.Errorf("rev-parse %s failed: %w", base, err)
	}
	return &Result{CommitSHA: strings.TrimSpace(stdout)}, nil
}

func (c *Coordinator) setActive(cell string) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.activeCell = cell
}

// primaryRepo returns opts.Repo, or derives it from the cell's git common dir.
func (c *Coordinator) primaryRepo(ctx context.Context, opts Opts) (string, error) {
	if opts.Repo != "" {
		return opts.Repo, nil
	}
	commonDir, _, err := c.git.Run(ctx, opts.Cell, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("failed to get git common dir: %w", err)
	}
	commonDir = strings.TrimSpace(commonDir)
	repo := strings.TrimSuffix(strings.TrimRight(commonDir, "/"), "/.git")
	if repo == commonDir {
		return "", fmt.Errorf("cannot derive primary repo from common dir %q", commonDir)
	}
	return repo, nil
}

func (c *Coordinator) fastForward(ctx context.Context, repo, base, branch string) error {
	head, _, err := c.git.Run(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("read primary HEAD: %w", err)
	}
	if strings.TrimSpace(head) == base {
		if _, stderr, err := c.git.Run(ctx, repo, "merge", "--ff-only", branch); err != nil {
			return fmt.Errorf("ff-only merge of %s failed (%s): %w", branch, strings.TrimSpace(stderr), ErrNotFastForward)
		}
		return nil
	}

	if _, _, err := c.git.Run(ctx, repo, "merge-base", "--is-ancestor", base, branch); err != nil {
		return fmt.Errorf("%s is not an ancestor of %s: %w", base, branch, ErrNotFastForward)
	}
	tip, _, err := c.git.Run(ctx, repo, "rev-parse", branch)
	if err != nil {
		return fmt.Errorf("rev-parse %s: %w", branch, err)
	}
	if _, stderr, err := c.git.Run(ctx, repo, "update-ref", "refs/heads/"+base, strings.TrimSpace(tip)); err != nil {
		return fmt.Errorf("update %s: %s: %w", base, strings.TrimSpace(stderr), err)
	}
	return nil
}

// isBranchMerged checks whether every commit on the branch is already
// reachable from the base.
func (c *Coordinator) isBranchMerged(ctx context.Context, opts Opts) (merged bool, commitSHA string, err error) {
	base := opts.base()
	out, _, err := c.git.Run(ctx, opts.Cell, "rev-list", "--count", base+".."+opts.Branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count failed: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	diffOut, _, diffErr := c.git.Run(ctx, opts.Cell, "diff", base+".."+opts.Branch)
	if diffErr != nil || strings.TrimSpace(diffOut) != "" {
		return false, "", nil //nolint:nilerr // fail-open: proceed to rebase
	}
	sha, _, err := c.git.Run(ctx, opts.Cell, "rev-parse", base)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s failed: %w", base, err)
	}
	return true, strings.TrimSpace(sha), nil
}

// handleRebaseFailure aborts the in-progress rebase and returns a
// ConflictError with the conflicting paths.
func (c *Coordinator) handleRebaseFailure(ctx context.Context, opts Opts, rebaseStderr string) error {
	_, _, _ = c.git.Run(ctx, opts.Cell, "rebase", "--abort")
	return &ConflictError{
		Files: parseConflictFiles(rebaseStderr),
		BeeID: opts.BeeID,
	}
}

// Abort runs a best-effort "git rebase --abort" in the cell of an
// in-progress merge. It uses a fresh context because the caller's is
// usually cancelled at shutdown.
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	cell := c.activeCell
	c.abortMu.Unlock()
	if cell == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, cell, "rebase", "--abort")
}

// PublishOpts describes a branch push for review.
type PublishOpts struct {
	Cell   string
	Branch string
	Remote string // default "origin"
}

// Publish pushes the bee branch to the remote and sets its upstream.
func (c *Coordinator) Publish(ctx context.Context, opts PublishOpts) error {
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	if _, stderr, err := c.git.Run(ctx, opts.Cell, "push", "--set-upstream", remote, opts.Branch); err != nil {
		return fmt.Errorf("push %s to %s: %s: %w", opts.Branch, remote, strings.TrimSpace(stderr), err)
	}
	return nil
}

// CommitPending commits any uncommitted work in dir so it survives cell
// removal. It reports whether a commit was made.
func (c *Coordinator) CommitPending(ctx context.Context, dir, message string) (bool, error) {
	status, _, err := c.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, stderr, err := c.git.Run(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("git add: %s: %w", strings.TrimSpace(stderr), err)
	}
	if _, stderr, err := c.git.Run(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return false, fmt.Errorf("git commit: %s: %w", strings.TrimSpace(stderr), err)
	}
	return true, nil
}

// Apply runs the merge policy. Manual is a no-op. It returns the merge
// result for auto_merge and nil otherwise.
func (c *Coordinator) Apply(ctx context.Context, policy protocol.MergePolicy, opts Opts) (*Result, error) {
	switch policy {
	case protocol.MergeAuto:
		return c.Merge(ctx, opts)
	case protocol.MergePRBranch:
		return nil, c.Publish(ctx, PublishOpts{Cell: opts.Cell, Branch: opts.Branch})
	case protocol.MergeManual, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}
}

// conflictPattern matches git's CONFLICT output lines, e.g.
//
//	CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
