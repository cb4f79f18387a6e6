// Package cell manages isolated workspaces: one git worktree per bee, on a
// dedicated branch, sharing the comb's object store. The control directory
// (.hive/) is kept out of every cell with a sparse checkout.
package cell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"hive/pkg/protocol"
	"hive/pkg/store"
)

// Reasons carried by CreateError.
const (
	ReasonProjectNotFound = "project_not_found"
	ReasonCellExists      = "cell_exists"
	ReasonBranchCollision = "branch_collision"
	ReasonGitFailed       = "git_failed"
	ReasonInvalidBee      = "invalid_bee"
)

// CreateError reports why a cell could not be created. Creation is never
// retried; the bee that asked for the cell crashes instead.
type CreateError struct {
	BeeID  string
	CombID string
	Reason string
	Err    error
}

func (e *CreateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("create cell for bee %s: %s", e.BeeID, e.Reason)
	}
	return fmt.Sprintf("create cell for bee %s: %s: %v", e.BeeID, e.Reason, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// excludeEntries are appended to the repository's info/exclude so neither
// the cells directory nor generated hook settings show up as changes.
var excludeEntries = []string{"/" + protocol.HiveDir + "/", protocol.HookSettingsFile} //nolint:gochecknoglobals // fixed list

// Manager creates and reclaims cells.
type Manager struct {
	store  *store.Store
	runner CommandRunner
	log    *slog.Logger
}

// NewManager returns a Manager. A nil runner uses ExecCommandRunner and a
// nil logger uses slog.Default().
func NewManager(st *store.Store, runner CommandRunner, log *slog.Logger) *Manager {
	if runner == nil {
		runner = &ExecCommandRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: st, runner: runner, log: log}
}

// Path returns the worktree directory for a bee in a comb rooted at repo.
func Path(repo, beeID string) string {
	return filepath.Join(repo, protocol.HiveDir, protocol.CellsDir, beeID)
}

// Branch returns the git branch used by a bee.
func Branch(beeID string) string {
	return protocol.BranchPrefix + beeID
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := m.runner.Run(ctx, "git", append([]string{"-C", dir}, args...)...)
	return strings.TrimSpace(string(out)), err
}

// Create makes a new active cell for beeID inside the comb's repository.
func (m *Manager) Create(ctx context.Context, beeID, combID string) (protocol.Cell, error) {
	fail := func(reason string, err error) (protocol.Cell, error) {
		return protocol.Cell{}, &CreateError{BeeID: beeID, CombID: combID, Reason: reason, Err: err}
	}
	if err := protocol.ValidateID(beeID); err != nil {
		return fail(ReasonInvalidBee, err)
	}
	comb, err := m.store.GetComb(ctx, combID)
	if err != nil {
		return fail(ReasonProjectNotFound, err)
	}
	if existing, err := m.store.ActiveCellForBee(ctx, beeID); err == nil {
		return fail(ReasonCellExists, fmt.Errorf("active cell %s", existing.ID))
	} else if !errors.Is(err, protocol.ErrNotFound) {
		return fail(ReasonGitFailed, err)
	}

	repo := comb.Path
	path := Path(repo, beeID)
	branch := Branch(beeID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail(ReasonGitFailed, fmt.Errorf("create cells dir: %w", err))
	}
	if _, err := m.git(ctx, repo, "worktree", "add", "--no-checkout", "-b", branch, path, comb.BaseBranch); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fail(ReasonBranchCollision, err)
		}
		return fail(ReasonGitFailed, err)
	}

	cleanup := func() {
		_, _ = m.git(ctx, repo, "worktree", "remove", "--force", path)
		_ = os.RemoveAll(path)
		_, _ = m.git(ctx, repo, "worktree", "prune")
	}

	steps := [][]string{
		{"sparse-checkout", "set", "--no-cone", "/*", "!/" + protocol.HiveDir + "/"},
		{"checkout", branch},
	}
	for _, args := range steps {
		if _, err := m.git(ctx, path, args...); err != nil {
			cleanup()
			return fail(ReasonGitFailed, err)
		}
	}

	if err := m.ensureExcludes(ctx, repo); err != nil {
		m.log.Warn("could not write local excludes", "comb_id", combID, "error", err)
	}

	baseSHA, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		cleanup()
		return fail(ReasonGitFailed, err)
	}

	cell, err := m.store.CreateCell(ctx, protocol.Cell{
		BeeID:   beeID,
		CombID:  combID,
		Path:    path,
		Branch:  branch,
		BaseSHA: baseSHA,
	})
	if err != nil {
		cleanup()
		if errors.Is(err, store.ErrActiveCellExists) {
			return fail(ReasonCellExists, err)
		}
		return fail(ReasonGitFailed, err)
	}
	m.log.Info("cell created", "cell_id", cell.ID, "bee_id", beeID, "branch", branch, "path", path)
	return cell, nil
}

// ensureExcludes appends the hive entries to the shared info/exclude file.
func (m *Manager) ensureExcludes(ctx context.Context, repo string) error {
	common, err := m.git(ctx, repo, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	if common == "" {
		common = ".git"
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(repo, common)
	}
	excludePath := filepath.Join(common, "info", "exclude")

	existing, err := os.ReadFile(excludePath) //nolint:gosec // path derived from git
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", excludePath, err)
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}
	var add []string
	for _, e := range excludeEntries {
		if !have[e] {
			add = append(add, e)
		}
	}
	if len(add) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // path derived from git
	if err != nil {
		return fmt.Errorf("open %s: %w", excludePath, err)
	}
	defer f.Close()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + strings.Join(add, "\n") + "\n"); err != nil {
		return fmt.Errorf("write %s: %w", excludePath, err)
	}
	return nil
}

// Remove deletes the cell's worktree and records the removal time. The
// branch is kept so finished work stays reachable. Removing an already
// removed cell is a no-op.
func (m *Manager) Remove(ctx context.Context, cellID string) error {
	cell, err := m.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}
	if cell.RemovedAt != nil {
		return nil
	}

	repo := filepath.Dir(filepath.Dir(filepath.Dir(cell.Path)))
	if comb, err := m.store.GetComb(ctx, cell.CombID); err == nil {
		repo = comb.Path
	}

	if _, err := m.git(ctx, repo, "worktree", "remove", "--force", cell.Path); err != nil {
		m.log.Warn("worktree remove failed, deleting directory", "cell_id", cellID, "error", err)
		if rmErr := os.RemoveAll(cell.Path); rmErr != nil {
			return fmt.Errorf("remove cell dir %s: %w", cell.Path, rmErr)
		}
		_, _ = m.git(ctx, repo, "worktree", "prune")
	}

	if err := m.store.MarkCellRemoved(ctx, cellID); err != nil {
		return err
	}
	m.log.Info("cell removed", "cell_id", cellID, "bee_id", cell.BeeID)
	return nil
}

// MarkMerged records that the cell's branch landed on the base branch.
func (m *Manager) MarkMerged(ctx context.Context, cellID string) error {
	return m.store.MarkCellMerged(ctx, cellID)
}

// Prune reconciles a comb's cells after a crash: git's worktree bookkeeping
// is pruned, directories with no active cell are deleted, and active cells
// whose directory vanished are marked removed. It returns how many
// directories and records it cleaned.
func (m *Manager) Prune(ctx context.Context, combID string) (int, error) {
	comb, err := m.store.GetComb(ctx, combID)
	if err != nil {
		return 0, err
	}
	_, _ = m.git(ctx, comb.Path, "worktree", "prune")

	active, err := m.store.ListCells(ctx, combID, protocol.CellActive)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(active))
	cleaned := 0
	for _, c := range active {
		if _, err := os.Stat(c.Path); os.IsNotExist(err) {
			if err := m.store.MarkCellRemoved(ctx, c.ID); err != nil {
				return cleaned, err
			}
			cleaned++
			continue
		}
		keep[filepath.Clean(c.Path)] = true
	}

	cellsDir := filepath.Join(comb.Path, protocol.HiveDir, protocol.CellsDir)
	entries, err := os.ReadDir(cellsDir)
	if err != nil {
		return cleaned, nil //nolint:nilerr // missing dir means nothing to prune
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(cellsDir, entry.Name())
		if keep[filepath.Clean(dir)] {
			continue
		}
		_, _ = m.git(ctx, comb.Path, "worktree", "remove", "--force", dir)
		_ = os.RemoveAll(dir)
		cleaned++
	}
	if cleaned > 0 {
		m.log.Info("pruned cells", "comb_id", combID, "count", cleaned)
	}
	return cleaned, nil
}
