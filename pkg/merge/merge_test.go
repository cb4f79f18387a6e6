package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hive/pkg/protocol"
)

// --- Mock GitRunner ---

type call struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

// mockGitRunner records calls and returns pre-configured results.
// Results are consumed in order; if exhausted, returns empty success.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   []call
	results []mockResult
}

func (m *mockGitRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call{Dir: dir, Args: args})

	if len(m.results) == 0 {
		return "", "", nil
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.Stdout, r.Stderr, r.Err
}

func (m *mockGitRunner) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

// funcGitRunner delegates Run to a user-supplied function.
type funcGitRunner struct {
	fn func(ctx context.Context, dir string, args ...string) (string, string, error)
}

func (f *funcGitRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	return f.fn(ctx, dir, args...)
}

func assertArgs(t *testing.T, c call, expectedDir string, expectedArgs ...string) {
	t.Helper()
	if c.Dir != expectedDir {
		t.Errorf("expected dir %q, got %q", expectedDir, c.Dir)
	}
	if strings.Join(c.Args, " ") != strings.Join(expectedArgs, " ") {
		t.Errorf("expected args %v, got %v", expectedArgs, c.Args)
	}
}

func testOpts() Opts {
	return Opts{
		Branch: "hive/bee-abc",
		Cell:   "/repo/.hive/cells/bee-abc",
		Repo:   "/repo",
		Base:   "main",
		BeeID:  "bee-abc",
	}
}

// --- Tests ---

func TestMerge_RebaseAndFastForwardCheckedOutBase(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "2\n"},            // rev-list --count
			{},                         // rebase
			{Stdout: "main\n"},         // rev-parse --abbrev-ref HEAD
			{},                         // merge --ff-only
			{Stdout: "abc123def456\n"}, // rev-parse main
		},
	}
	coord := NewCoordinator(mock)
	opts := testOpts()

	result, err := coord.Merge(context.Background(), opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.CommitSHA != "abc123def456" {
		t.Fatalf("commit sha: got %q, want %q", result.CommitSHA, "abc123def456")
	}

	calls := mock.getCalls()
	if len(calls) != 5 {
		t.Fatalf("expected 5 git calls, got %d: %v", len(calls), calls)
	}
	assertArgs(t, calls[0], opts.Cell, "rev-list", "--count", "main..hive/bee-abc")
	assertArgs(t, calls[1], opts.Cell, "rebase", "main", "hive/bee-abc")
	assertArgs(t, calls[2], "/repo", "rev-parse", "--abbrev-ref", "HEAD")
	assertArgs(t, calls[3], "/repo", "merge", "--ff-only", "hive/bee-abc")
	assertArgs(t, calls[4], "/repo", "rev-parse", "main")
}

func TestMerge_UpdatesRefWhenBaseNotCheckedOut(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "1\n"},         // rev-list --count
			{},                      // rebase
			{Stdout: "feature-x\n"}, // rev-parse --abbrev-ref HEAD
			{},                      // merge-base --is-ancestor
			{Stdout: "tip999\n"},    // rev-parse branch
			{},                      // update-ref
			{Stdout: "tip999\n"},    // rev-parse main
		},
	}
	coord := NewCoordinator(mock)

	result, err := coord.Merge(context.Background(), testOpts())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.CommitSHA != "tip999" {
		t.Fatalf("commit sha: got %q", result.CommitSHA)
	}
	calls := mock.getCalls()
	assertArgs(t, calls[3], "/repo", "merge-base", "--is-ancestor", "main", "hive/bee-abc")
	assertArgs(t, calls[5], "/repo", "update-ref", "refs/heads/main", "tip999")
}

func TestMerge_DivergedBaseIsNotFastForward(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "1\n"},
			{},
			{Stdout: "main\n"},
			{Stderr: "fatal: Not possible to fast-forward, aborting.", Err: errors.New("exit status 128")},
		},
	}
	_, err := NewCoordinator(mock).Merge(context.Background(), testOpts())
	if !errors.Is(err, ErrNotFastForward) {
		t.Fatalf("expected ErrNotFastForward, got %v", err)
	}
}

func TestMerge_AlreadyMergedSkipsRebase(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "0\n"},      // rev-list --count
			{Stdout: ""},         // diff main..branch
			{Stdout: "base42\n"}, // rev-parse main
		},
	}
	result, err := NewCoordinator(mock).Merge(context.Background(), testOpts())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.CommitSHA != "base42" {
		t.Fatalf("commit sha: got %q", result.CommitSHA)
	}
	for _, c := range mock.getCalls() {
		if c.Args[0] == "rebase" {
			t.Fatalf("rebase should be skipped, calls: %v", mock.getCalls())
		}
	}
}

func TestMerge_RebaseConflict_ReturnsConflictError(t *testing.T) {
	conflictStderr := `CONFLICT (content): Merge conflict in src/main.go
CONFLICT (content): Merge conflict in pkg/util.go
error: could not apply abc123... some commit`

	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "1\n"},
			{Stderr: conflictStderr, Err: errors.New("exit status 1")},
			{}, // rebase --abort
		},
	}
	opts := testOpts()
	_, err := NewCoordinator(mock).Merge(context.Background(), opts)

	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if ce.BeeID != "bee-abc" {
		t.Fatalf("bee id: got %q", ce.BeeID)
	}
	if len(ce.Files) != 2 || ce.Files[0] != "src/main.go" || ce.Files[1] != "pkg/util.go" {
		t.Fatalf("files: got %v", ce.Files)
	}
	calls := mock.getCalls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d", len(calls))
	}
	assertArgs(t, calls[2], opts.Cell, "rebase", "--abort")
}

func TestMerge_DerivesRepoFromCommonDir(t *testing.T) {
	mock := &mockGitRunner{
		results: []mockResult{
			{Stdout: "1\n"},
			{},
			{Stdout: "/home/me/project/.git\n"}, // rev-parse --git-common-dir
			{Stdout: "main\n"},
			{},
			{Stdout: "sha\n"},
		},
	}
	opts := testOpts()
	opts.Repo = ""
	if _, err := NewCoordinator(mock).Merge(context.Background(), opts); err != nil {
		t.Fatalf("merge: %v", err)
	}
	calls := mock.getCalls()
	assertArgs(t, calls[2], opts.Cell, "rev-parse", "--git-common-dir")
	assertArgs(t, calls[3], "/home/me/project", "rev-parse", "--abbrev-ref", "HEAD")
}

func TestMerge_DefaultBaseIsMain(t *testing.T) {
	mock := &mockGitRunner{}
	opts := testOpts()
	opts.Base = ""
	_, _ = NewCoordinator(mock).Merge(context.Background(), opts)
	assertArgs(t, mock.getCalls()[0], opts.Cell, "rev-list", "--count", "main..hive/bee-abc")
}

func TestMerge_ContextCancelledDuringRebase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &funcGitRunner{fn: func(_ context.Context, _ string, args ...string) (string, string, error) {
		if args[0] == "rebase" {
			cancel()
			return "", "", errors.New("signal: killed")
		}
		return "1\n", "", nil
	}}
	_, err := NewCoordinator(runner).Merge(ctx, testOpts())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		t.Fatal("cancellation must not be reported as a conflict")
	}
}

func TestMerge_LockPreventsConcurrentMerges(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	runner := &funcGitRunner{fn: func(_ context.Context, _ string, args ...string) (string, string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		switch {
		case args[0] == "rev-list":
			return "1\n", "", nil
		case len(args) == 3 && args[1] == "--abbrev-ref":
			return "main\n", "", nil
		}
		return "sha\n", "", nil
	}}
	coord := NewCoordinator(runner)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := testOpts()
			opts.Branch = fmt.Sprintf("hive/bee-%d", i)
			if _, err := coord.Merge(context.Background(), opts); err != nil {
				t.Errorf("merge %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if maxInFlight.Load() != 1 {
		t.Fatalf("git calls overlapped: max in flight %d", maxInFlight.Load())
	}
}

func TestCoordinatorAbortOnCancel(t *testing.T) {
	rebaseStarted := make(chan struct{})
	unblockRebase := make(chan struct{})
	abortCalled := make(chan string, 1)

	runner := &funcGitRunner{fn: func(_ context.Context, dir string, args ...string) (string, string, error) {
		if len(args) >= 2 && args[0] == "rebase" && args[1] == "--abort" {
			select {
			case abortCalled <- dir:
			default:
			}
			return "", "", nil
		}
		if args[0] == "rebase" {
			close(rebaseStarted)
			<-unblockRebase
			return "", "", errors.New("interrupted")
		}
		return "1\n", "", nil
	}}
	coord := NewCoordinator(runner)

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.Merge(context.Background(), testOpts())
		errCh <- err
	}()

	<-rebaseStarted
	coord.Abort()

	select {
	case dir := <-abortCalled:
		if dir != testOpts().Cell {
			t.Fatalf("expected abort in cell, got %s", dir)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected git rebase --abort to be called")
	}

	close(unblockRebase)
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("merge did not return after abort")
	}
}

func TestCoordinatorAbort_NoMergeInProgress(t *testing.T) {
	mock := &mockGitRunner{}
	NewCoordinator(mock).Abort()
	if calls := mock.getCalls(); len(calls) != 0 {
		t.Fatalf("expected no git calls when no merge in progress, got %d", len(calls))
	}
}

func TestPublish_PushesWithUpstream(t *testing.T) {
	mock := &mockGitRunner{}
	err := NewCoordinator(mock).Publish(context.Background(), PublishOpts{Cell: "/c", Branch: "hive/bee-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	assertArgs(t, mock.getCalls()[0], "/c", "push", "--set-upstream", "origin", "hive/bee-1")
}

func TestPublish_ReportsPushFailure(t *testing.T) {
	mock := &mockGitRunner{results: []mockResult{{Stderr: "fatal: no remote", Err: errors.New("exit status 128")}}}
	err := NewCoordinator(mock).Publish(context.Background(), PublishOpts{Cell: "/c", Branch: "b", Remote: "upstream"})
	if err == nil || !strings.Contains(err.Error(), "no remote") {
		t.Fatalf("expected push error with stderr, got %v", err)
	}
}

func TestCommitPending(t *testing.T) {
	t.Run("clean tree", func(t *testing.T) {
		mock := &mockGitRunner{}
		committed, err := NewCoordinator(mock).CommitPending(context.Background(), "/c", "msg")
		if err != nil || committed {
			t.Fatalf("clean tree: got committed=%v err=%v", committed, err)
		}
		if n := len(mock.getCalls()); n != 1 {
			t.Fatalf("expected only git status, got %d calls", n)
		}
	})
	t.Run("dirty tree", func(t *testing.T) {
		mock := &mockGitRunner{results: []mockResult{{Stdout: " M a.go\n"}}}
		committed, err := NewCoordinator(mock).CommitPending(context.Background(), "/c", "bee work")
		if err != nil || !committed {
			t.Fatalf("dirty tree: got committed=%v err=%v", committed, err)
		}
		calls := mock.getCalls()
		assertArgs(t, calls[1], "/c", "add", "-A")
		assertArgs(t, calls[2], "/c", "commit", "--no-verify", "-m", "bee work")
	})
}

func TestApply_Policies(t *testing.T) {
	tests := []struct {
		policy   protocol.MergePolicy
		firstCmd string
		wantErr  bool
	}{
		{protocol.MergeManual, "", false},
		{protocol.MergePRBranch, "push", false},
		{protocol.MergeAuto, "rev-list", false},
		{"squash", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			mock := &mockGitRunner{results: []mockResult{{Stdout: "0\n"}}}
			_, err := NewCoordinator(mock).Apply(context.Background(), tt.policy, testOpts())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: got %v, wantErr %v", err, tt.wantErr)
			}
			calls := mock.getCalls()
			if tt.firstCmd == "" {
				if len(calls) != 0 {
					t.Fatalf("expected no git calls, got %v", calls)
				}
				return
			}
			if len(calls) == 0 || calls[0].Args[0] != tt.firstCmd {
				t.Fatalf("first command: got %v, want %s", calls, tt.firstCmd)
			}
		})
	}
}

func TestConflictError_ErrorInterface(t *testing.T) {
	err := &ConflictError{Files: []string{"a.go", "b.go"}, BeeID: "bee-test"}
	msg := err.Error()
	if !strings.Contains(msg, "bee-test") {
		t.Errorf("error message should contain bee ID, got: %s", msg)
	}
	if !strings.Contains(msg, "a.go") || !strings.Contains(msg, "b.go") {
		t.Errorf("error message should contain conflicting files, got: %s", msg)
	}
}

func TestParseConflictFiles(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		expected []string
	}{
		{"no conflicts", "error: something else", nil},
		{"empty", "", nil},
		{"single", "CONFLICT (content): Merge conflict in README.md", []string{"README.md"}},
		{"add/add", "CONFLICT (add/add): Merge conflict in new.go\nCONFLICT (content): Merge conflict in  spaced.go ", []string{"new.go", "spaced.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseConflictFiles(tt.stderr)
			if strings.Join(got, ",") != strings.Join(tt.expected, ",") {
				t.Fatalf("got %v, want %v", got, tt.expected)
			}
		})
	}
}

// --- Real git ---

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
		"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestMerge_RealRepoPreservesCommitHash(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	gitCmd(t, repo, "init", "-q", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, repo, "add", ".")
	gitCmd(t, repo, "commit", "-q", "-m", "init")

	cell := filepath.Join(t.TempDir(), "cell")
	gitCmd(t, repo, "worktree", "add", "-q", "-b", "hive/bee-x", cell, "main")
	if err := os.WriteFile(filepath.Join(cell, "b.txt"), []byte("b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GIT_AUTHOR_NAME", "t")
	t.Setenv("GIT_AUTHOR_EMAIL", "t@t")
	t.Setenv("GIT_COMMITTER_NAME", "t")
	t.Setenv("GIT_COMMITTER_EMAIL", "t@t")

	coord := NewCoordinator(nil)
	ctx := context.Background()
	committed, err := coord.CommitPending(ctx, cell, "bee work")
	if err != nil || !committed {
		t.Fatalf("commit pending: committed=%v err=%v", committed, err)
	}
	branchTip := gitCmd(t, cell, "rev-parse", "HEAD")

	result, err := coord.Merge(ctx, Opts{Branch: "hive/bee-x", Cell: cell, Repo: repo, Base: "main", BeeID: "bee-x"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if result.CommitSHA != branchTip {
		t.Fatalf("main should land on the bee commit: got %s, want %s", result.CommitSHA, branchTip)
	}
	if got := gitCmd(t, repo, "rev-parse", "main"); got != branchTip {
		t.Fatalf("main: got %s, want %s", got, branchTip)
	}
}
