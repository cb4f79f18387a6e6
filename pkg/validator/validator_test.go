package validator //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hive/pkg/agent"
	"hive/pkg/protocol"
)

// --- Mock infrastructure ---

type runCall struct {
	dir  string
	name string
	args []string
}

// mockRunner answers commands through respond and records every call.
type mockRunner struct {
	mu      sync.Mutex
	calls   []runCall
	respond func(ctx context.Context, name string, args []string) (string, error)
}

func (m *mockRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, runCall{dir: dir, name: name, args: args})
	m.mu.Unlock()
	if m.respond == nil {
		return "", nil
	}
	return m.respond(ctx, name, args)
}

func (m *mockRunner) getCalls() []runCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// mockProcess replays events, then optionally hangs until stopped.
type mockProcess struct {
	events  chan agent.Event
	stops   atomic.Int32
	stopped chan struct{}
	once    sync.Once
}

func newMockProcess(lines string, hang bool) *mockProcess {
	evs := agent.ParseChunk([]byte(lines))
	p := &mockProcess{events: make(chan agent.Event, len(evs)), stopped: make(chan struct{})}
	for _, ev := range evs {
		p.events <- ev
	}
	if !hang {
		close(p.events)
	}
	return p
}

func (p *mockProcess) Events() <-chan agent.Event { return p.events }

func (p *mockProcess) Stop() error {
	p.stops.Add(1)
	p.once.Do(func() { close(p.stopped) })
	return nil
}

type mockSpawner struct {
	mu      sync.Mutex
	prompts []string
	proc    *mockProcess
	err     error
	panics  bool
}

func (m *mockSpawner) Spawn(_ context.Context, _, prompt string) (Process, error) {
	if m.panics {
		panic("spawner exploded")
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.proc, nil
}

func resultLine(text string) string {
	b, _ := json.Marshal(map[string]any{"type": "result", "subtype": "success", "result": text})
	return string(b) + "\n"
}

func gitDiff(diff string) func(context.Context, string, []string) (string, error) {
	return func(_ context.Context, name string, _ []string) (string, error) {
		if name == "git" {
			return diff, nil
		}
		return "", nil
	}
}

var (
	testJob  = protocol.Job{ID: "job-1", Title: "Add retry to client"}
	testComb = protocol.Comb{ID: "comb-1", Path: "/nonexistent/repo", BaseBranch: "main"}
	testCell = protocol.Cell{ID: "cell-1", Path: "/repo/.hive/cells/bee-1", BaseSHA: "abc123"}
)

// --- Tests ---

func TestValidate_PassingReview(t *testing.T) {
	proc := newMockProcess(resultLine(`Looks good. {"verdict": "pass", "reasoning": "ok", "issues": []}`), false)
	sp := &mockSpawner{proc: proc}
	v := New(&mockRunner{respond: gitDiff("+retry\n")}, sp, Config{}, nil)

	verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict != VerdictPass {
		t.Fatalf("verdict: got %q, want %q", verdict, VerdictPass)
	}
	if !strings.Contains(sp.prompts[0], "+retry") || !strings.Contains(sp.prompts[0], "Add retry to client") {
		t.Fatalf("prompt should embed job and diff:\n%s", sp.prompts[0])
	}
	if proc.stops.Load() == 0 {
		t.Fatal("review process should be stopped after the result")
	}
}

func TestValidate_FailingReview(t *testing.T) {
	reply := `{"verdict":"fail","reasoning":"no tests","issues":["client.go:10 missing backoff"]}`
	sp := &mockSpawner{proc: newMockProcess(resultLine(reply), false)}
	v := New(&mockRunner{respond: gitDiff("+x\n")}, sp, Config{}, nil)

	_, err := v.Validate(context.Background(), testJob, testComb, testCell)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if ve.Reason != protocol.ReasonValidationFailed || ve.Reasoning != "no tests" {
		t.Fatalf("error: got %+v", ve)
	}
	if len(ve.Issues) != 1 || ve.Issues[0] != "client.go:10 missing backoff" {
		t.Fatalf("issues: got %v", ve.Issues)
	}
}

func TestValidate_EmptyDiffSkipsWithoutSpawning(t *testing.T) {
	sp := &mockSpawner{proc: newMockProcess("", false)}
	v := New(&mockRunner{respond: gitDiff("  \n")}, sp, Config{}, nil)

	verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
	if err != nil || verdict != VerdictSkip {
		t.Fatalf("got (%q, %v), want skip", verdict, err)
	}
	if len(sp.prompts) != 0 {
		t.Fatal("reviewer must not be spawned for an empty diff")
	}
}

func TestValidate_ReviewTimeoutStopsProcessAndSkips(t *testing.T) {
	proc := newMockProcess(`{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}`+"\n", true)
	sp := &mockSpawner{proc: proc}
	v := New(&mockRunner{respond: gitDiff("+x\n")}, sp, Config{ReviewTimeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
	if err != nil || verdict != VerdictSkip {
		t.Fatalf("got (%q, %v), want skip", verdict, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout was not honoured")
	}
	select {
	case <-proc.stopped:
	default:
		t.Fatal("timed-out reviewer must be stopped")
	}
}

func TestValidate_UnparseableReviewSkips(t *testing.T) {
	for _, out := range []string{"APPROVED", `{"reasoning":"no verdict"}`, `{"verdict":"maybe"}`, `{"verdict": `} {
		sp := &mockSpawner{proc: newMockProcess(resultLine(out), false)}
		v := New(&mockRunner{respond: gitDiff("+x\n")}, sp, Config{}, nil)
		verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
		if err != nil || verdict != VerdictSkip {
			t.Errorf("output %q: got (%q, %v), want skip", out, verdict, err)
		}
	}
}

func TestValidate_SpawnFailureSkips(t *testing.T) {
	sp := &mockSpawner{err: agent.ErrNotFound}
	v := New(&mockRunner{respond: gitDiff("+x\n")}, sp, Config{}, nil)
	verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
	if err != nil || verdict != VerdictSkip {
		t.Fatalf("got (%q, %v), want skip", verdict, err)
	}
}

func TestValidate_PanicDegradesToSkip(t *testing.T) {
	sp := &mockSpawner{panics: true}
	v := New(&mockRunner{respond: gitDiff("+x\n")}, sp, Config{}, nil)
	verdict, err := v.Validate(context.Background(), testJob, testComb, testCell)
	if err != nil || verdict != VerdictSkip {
		t.Fatalf("got (%q, %v), want skip", verdict, err)
	}
}

func TestValidate_CustomCommandFailureTruncated(t *testing.T) {
	long := strings.Repeat("E", 2000)
	runner := &mockRunner{respond: func(_ context.Context, name string, _ []string) (string, error) {
		if name == "sh" {
			return long, errors.New("exit status 1")
		}
		return "", nil
	}}
	comb := testComb
	comb.ValidationCommand = "make test"
	v := New(runner, nil, Config{}, nil)

	_, err := v.Validate(context.Background(), testJob, comb, testCell)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || ve.Reason != protocol.ReasonCustomValidationFailed {
		t.Fatalf("expected custom validation failure, got %v", err)
	}
	if len(ve.Output) != MaxCheckOutput {
		t.Fatalf("output length: got %d, want %d", len(ve.Output), MaxCheckOutput)
	}

	var sh runCall
	for _, c := range runner.getCalls() {
		if c.name == "sh" {
			sh = c
		}
	}
	if sh.dir != testCell.Path || strings.Join(sh.args, " ") != "-c make test" {
		t.Fatalf("custom check call: got %+v", sh)
	}
}

func TestValidate_CustomCommandTimeout(t *testing.T) {
	runner := &mockRunner{respond: func(ctx context.Context, name string, _ []string) (string, error) {
		if name != "sh" {
			return "", nil
		}
		<-ctx.Done()
		return "partial", ctx.Err()
	}}
	comb := testComb
	comb.ValidationCommand = "sleep 600"
	v := New(runner, nil, Config{CheckTimeout: 20 * time.Millisecond}, nil)

	_, err := v.Validate(context.Background(), testJob, comb, testCell)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Output, "timed out") {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestValidate_CustomCommandTimeoutKillsChildren(t *testing.T) {
	comb := testComb
	comb.ValidationCommand = "sleep 5 | cat"
	cell := testCell
	cell.Path = t.TempDir()
	v := New(nil, nil, Config{CheckTimeout: 200 * time.Millisecond}, nil)

	start := time.Now()
	_, err := v.Validate(context.Background(), testJob, comb, cell)
	elapsed := time.Since(start)

	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Output, "timed out") {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("check_timeout not honored: took %s", elapsed)
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "sh", "-c", "echo out; echo err >&2; exit 3")
	if err == nil {
		t.Fatal("expected exit error")
	}
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("output = %q", out)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("日本語", 2); got != "日本" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestAgentSpawner_ReviewerIsReadOnly(t *testing.T) {
	s := AgentSpawner{Options: agent.Options{Model: "sonnet", SettingsPath: "/cell/.claude/settings.local.json"}}
	args := s.reviewOptions().Args(agent.Headless, "review")
	joined := strings.Join(args, " ")

	if strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Fatalf("reviewer bypasses permissions: %v", args)
	}
	if !strings.Contains(joined, "--permission-mode "+agent.PermissionPlan) {
		t.Errorf("reviewer not in plan mode: %v", args)
	}
	if strings.Contains(joined, "--settings") {
		t.Errorf("reviewer must not inherit a bee's settings file: %v", args)
	}
	for _, tool := range []string{"Edit", "Write", "MultiEdit"} {
		if !strings.Contains(joined, "--disallowedTools") || !strings.Contains(joined[strings.Index(joined, "--disallowedTools"):], tool) {
			t.Errorf("reviewer may use %s: %v", tool, args)
		}
	}
	if !strings.Contains(joined, "sonnet") {
		t.Errorf("base options dropped: %v", args)
	}
}

func TestValidate_CustomErrorWinsOverReviewError(t *testing.T) {
	runner := &mockRunner{respond: func(_ context.Context, name string, _ []string) (string, error) {
		if name == "sh" {
			return "lint failed", errors.New("exit status 2")
		}
		return "+x\n", nil
	}}
	sp := &mockSpawner{proc: newMockProcess(resultLine(`{"verdict":"fail","reasoning":"bad"}`), false)}
	comb := testComb
	comb.ValidationCommand = "make lint"
	v := New(runner, sp, Config{}, nil)

	_, err := v.Validate(context.Background(), testJob, comb, testCell)
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) || ve.Reason != protocol.ReasonCustomValidationFailed {
		t.Fatalf("expected custom failure first, got %v", err)
	}
}

func TestValidate_CustomPassNoReviewer(t *testing.T) {
	comb := testComb
	comb.ValidationCommand = "true"
	v := New(&mockRunner{}, nil, Config{}, nil)
	verdict, err := v.Validate(context.Background(), testJob, comb, testCell)
	if err != nil || verdict != VerdictSkip {
		t.Fatalf("got (%q, %v), want skip from the disabled review", verdict, err)
	}
}

func TestDiff_Fallbacks(t *testing.T) {
	runner := &mockRunner{respond: func(_ context.Context, _ string, args []string) (string, error) {
		if len(args) == 2 && args[1] == "HEAD" {
			return "+uncommitted\n", nil
		}
		return "", errors.New("bad revision")
	}}
	v := New(runner, nil, Config{}, nil)
	if got := v.diff(context.Background(), testCell); got != "+uncommitted\n" {
		t.Fatalf("diff: got %q", got)
	}
	calls := runner.getCalls()
	want := []string{"diff abc123", "diff HEAD~1 HEAD", "diff HEAD"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(calls))
	}
	for i, c := range calls {
		if strings.Join(c.args, " ") != want[i] {
			t.Errorf("attempt %d: got %q, want %q", i, strings.Join(c.args, " "), want[i])
		}
	}
}

func TestParseReview_LastVerdictWins(t *testing.T) {
	out := `Format: {"verdict": "pass"}` + "\nFinal answer:\n" + `{"verdict": "fail", "reasoning": "r"}`
	_, err := parseReview(out)
	if err == nil {
		t.Fatal("expected the final verdict (fail) to win")
	}
}

func TestBuildReviewPrompt_TruncatedDiffAndBase(t *testing.T) {
	p := buildReviewPrompt(reviewOpts{JobTitle: "t", BaseBranch: "develop", Diff: truncate(strings.Repeat("x", 9000), MaxDiff)})
	if !strings.Contains(p, "develop") {
		t.Fatal("prompt should name the base branch")
	}
	if strings.Count(p, "x") < MaxDiff || strings.Contains(p, strings.Repeat("x", MaxDiff+1)) {
		t.Fatal("diff should be truncated to the bound")
	}
}
