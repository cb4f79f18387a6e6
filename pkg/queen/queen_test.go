package queen //nolint:testpackage // white-box tests reach the loop internals

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hive/pkg/comb"
	"hive/pkg/protocol"
	"hive/pkg/store"
	"hive/pkg/waggle"
)

// fakeSupervisor records launches; launched bees count as running until
// finish is called.
type fakeSupervisor struct {
	mu        sync.Mutex
	launched  []protocol.Bee
	running   map[string]protocol.Bee
	stopped   []string
	paused    []string
	resumed   []string
	launchErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{running: make(map[string]protocol.Bee)}
}

func (f *fakeSupervisor) Launch(rec protocol.Bee) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, rec)
	f.running[rec.ID] = rec
	return nil
}

func (f *fakeSupervisor) Stop(_, beeID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[beeID]; !ok {
		return fmt.Errorf("stop %s: %w", beeID, comb.ErrNotRunning)
	}
	f.stopped = append(f.stopped, beeID)
	return nil
}

func (f *fakeSupervisor) Pause(_, beeID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[beeID]; !ok {
		return fmt.Errorf("pause %s: %w", beeID, comb.ErrNotRunning)
	}
	f.paused = append(f.paused, beeID)
	return nil
}

func (f *fakeSupervisor) Resume(_ context.Context, _, beeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, beeID)
	return nil
}

func (f *fakeSupervisor) Running(_, beeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[beeID]
	return ok
}

func (f *fakeSupervisor) CombActive(combID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.running {
		if b.CombID == combID {
			n++
		}
	}
	return n
}

func (f *fakeSupervisor) finish(beeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, beeID)
}

func (f *fakeSupervisor) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

type fakeCells struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeCells) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type env struct {
	st    *store.Store
	bus   *waggle.Bus
	sup   *fakeSupervisor
	cells *fakeCells
	comb  protocol.Comb
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "hive.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := st.CreateComb(context.Background(), protocol.Comb{Name: "app", Path: "/tmp/app"})
	if err != nil {
		t.Fatalf("create comb: %v", err)
	}
	return &env{st: st, bus: waggle.New(st, nil), sup: newFakeSupervisor(), cells: &fakeCells{}, comb: c}
}

func (e *env) queen(cfg Config) *Queen {
	return New(Deps{Store: e.st, Bus: e.bus, Supervisor: e.sup, Cells: e.cells}, cfg)
}

// start runs q's full loop until the test ends.
func start(t *testing.T, q *Queen) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("run: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *env) jobStatus(t *testing.T, id string) protocol.JobStatus {
	t.Helper()
	j, err := e.st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j.Status
}

func (e *env) questStatus(t *testing.T, id string) protocol.QuestStatus {
	t.Helper()
	q, err := e.st.GetQuest(context.Background(), id)
	if err != nil {
		t.Fatalf("get quest: %v", err)
	}
	return q.Status
}

func mustCreateJob(t *testing.T, q *Queen, spec JobSpec) protocol.Job {
	t.Helper()
	j, err := q.CreateJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("create job %q: %v", spec.Title, err)
	}
	return j
}

func TestCreateJob_Dependencies(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, err := q.CreateQuest(ctx, "login", e.comb.ID)
	if err != nil {
		t.Fatalf("create quest: %v", err)
	}
	if quest.Status != protocol.QuestPending {
		t.Fatalf("quest status: got %q", quest.Status)
	}
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{a.ID}})
	if b.Status != protocol.JobPending || len(b.DependsOn) != 1 {
		t.Fatalf("job b: %+v", b)
	}

	_, err = q.CreateJob(ctx, JobSpec{Title: "c", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{"job-missing"}})
	var depErr *protocol.InvalidDependencyError
	if !errors.As(err, &depErr) || depErr.Reason != "missing" {
		t.Fatalf("missing dependency: got %v", err)
	}

	other, _ := e.st.CreateComb(ctx, protocol.Comb{Name: "other", Path: "/tmp/other"})
	_, err = q.CreateJob(ctx, JobSpec{Title: "d", QuestID: quest.ID, CombID: other.ID})
	if !errors.Is(err, protocol.ErrProjectMismatch) {
		t.Fatalf("project mismatch: got %v", err)
	}

	_, err = q.CreateJob(ctx, JobSpec{Title: "e", QuestID: "quest-nope", CombID: e.comb.ID})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("missing quest: got %v", err)
	}
}

func TestFindCycle(t *testing.T) {
	tests := []struct {
		name  string
		graph map[string][]string
		want  bool
	}{
		{"no deps", map[string][]string{"n": nil}, false},
		{"chain", map[string][]string{"n": {"a"}, "a": {"b"}, "b": nil}, false},
		{"diamond", map[string][]string{"n": {"a", "b"}, "a": {"c"}, "b": {"c"}}, false},
		{"self", map[string][]string{"n": {"n"}}, true},
		{"back edge", map[string][]string{"n": {"a"}, "a": {"b"}, "b": {"n"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := findCycle(tt.graph, "n"); got != tt.want {
				t.Fatalf("findCycle: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignJob(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{a.ID}})

	if _, err := q.AssignJob(ctx, b.ID); !errors.Is(err, protocol.ErrBlocked) {
		t.Fatalf("assign with pending dependency: got %v, want ErrBlocked", err)
	}
	if _, err := q.AssignJob(ctx, "job-missing"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("assign missing: got %v, want ErrNotFound", err)
	}

	beeID, err := q.AssignJob(ctx, a.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := e.jobStatus(t, a.ID); got != protocol.JobAssigned {
		t.Fatalf("job status: got %q", got)
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestActive {
		t.Fatalf("quest status: got %q", got)
	}
	if e.sup.launchCount() != 1 || e.sup.launched[0].ID != beeID || e.sup.launched[0].JobID != a.ID {
		t.Fatalf("launched: %+v", e.sup.launched)
	}
	if _, err := q.AssignJob(ctx, a.ID); !errors.Is(err, protocol.ErrAlreadyAssigned) {
		t.Fatalf("second assign: got %v, want ErrAlreadyAssigned", err)
	}
}

func TestAssignJob_LaunchFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.sup.launchErr = comb.ErrClosed
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	if _, err := q.AssignJob(ctx, a.ID); !errors.Is(err, comb.ErrClosed) {
		t.Fatalf("assign: got %v", err)
	}
	if got := e.jobStatus(t, a.ID); got != protocol.JobPending {
		t.Fatalf("job should return to pending, got %q", got)
	}
	bees, _ := e.st.ListBees(ctx, e.comb.ID, protocol.BeeStopped)
	if len(bees) != 1 {
		t.Fatalf("discarded bee should be stopped, got %d", len(bees))
	}
}

func TestAssignNext_OrderAndReadiness(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{a.ID}})
	c := mustCreateJob(t, q, JobSpec{Title: "c", QuestID: quest.ID, CombID: e.comb.ID})

	if _, err := q.AssignNext(ctx, e.comb.ID); err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if _, err := q.AssignNext(ctx, e.comb.ID); err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if e.jobStatus(t, a.ID) != protocol.JobAssigned || e.jobStatus(t, c.ID) != protocol.JobAssigned {
		t.Fatal("a then c should be assigned; b waits on a")
	}
	if _, err := q.AssignNext(ctx, e.comb.ID); !errors.Is(err, ErrNoReadyJob) {
		t.Fatalf("nothing ready: got %v", err)
	}
	if e.jobStatus(t, b.ID) != protocol.JobPending {
		t.Fatal("b must stay pending")
	}
}

func TestHandleCompletion_QuestLifecycle(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID})
	for _, id := range []string{a.ID, b.ID} {
		if _, err := q.AssignJob(ctx, id); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	if err := q.HandleCompletion(ctx, a.ID, protocol.OutcomeDone, ""); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestActive {
		t.Fatalf("quest with a job in flight: got %q", got)
	}
	// Duplicate delivery with a different outcome changes nothing.
	if err := q.HandleCompletion(ctx, a.ID, protocol.OutcomeFailed, "late"); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}
	if got := e.jobStatus(t, a.ID); got != protocol.JobDone {
		t.Fatalf("job a: got %q, want done", got)
	}
	if err := q.HandleCompletion(ctx, b.ID, protocol.OutcomeDone, ""); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestCompleted {
		t.Fatalf("quest: got %q, want completed", got)
	}
	if err := q.HandleCompletion(ctx, a.ID, "exploded", ""); err == nil {
		t.Fatal("unknown outcome should be rejected")
	}
}

func TestFailureBlocksDependentsAndRetryUnblocks(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{a.ID}})
	c := mustCreateJob(t, q, JobSpec{Title: "c", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{b.ID}})
	if _, err := q.AssignJob(ctx, a.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := q.HandleCompletion(ctx, a.ID, protocol.OutcomeFailed, "tests failed"); err != nil {
		t.Fatalf("fail a: %v", err)
	}
	for _, id := range []string{b.ID, c.ID} {
		if got := e.jobStatus(t, id); got != protocol.JobBlocked {
			t.Fatalf("dependent %s: got %q, want blocked", id, got)
		}
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestFailed {
		t.Fatalf("quest: got %q, want failed", got)
	}
	if _, err := q.AssignJob(ctx, b.ID); !errors.Is(err, protocol.ErrBlocked) {
		t.Fatalf("assign blocked job: got %v", err)
	}

	if err := q.RetryJob(ctx, a.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if got := e.jobStatus(t, id); got != protocol.JobPending {
			t.Fatalf("job %s after retry: got %q, want pending", id, got)
		}
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestActive {
		t.Fatalf("quest after retry: got %q, want active", got)
	}
	if err := q.RetryJob(ctx, a.ID); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Fatalf("retry pending job: got %v", err)
	}
}

func TestCancelQuest(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b := mustCreateJob(t, q, JobSpec{Title: "b", QuestID: quest.ID, CombID: e.comb.ID})
	beeID, err := q.AssignJob(ctx, a.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := q.CancelQuest(ctx, quest.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := e.jobStatus(t, b.ID); got != protocol.JobFailed {
		t.Fatalf("unstarted job: got %q, want failed", got)
	}
	if len(e.sup.stopped) != 1 || e.sup.stopped[0] != beeID {
		t.Fatalf("running bee should be stopped: %v", e.sup.stopped)
	}
	// The stopped bee's completion arrives later; the quest stays cancelled.
	if err := q.HandleCompletion(ctx, a.ID, protocol.OutcomeDone, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := e.questStatus(t, quest.ID); got != protocol.QuestCancelled {
		t.Fatalf("quest: got %q, want cancelled", got)
	}
	if err := q.RetryJob(ctx, b.ID); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Fatalf("retry in cancelled quest: got %v", err)
	}
}

func TestEscalationForwardedToOperator(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	sub := e.bus.Subscribe(protocol.TopicOperator)
	defer sub.Close()

	if err := q.HandleEscalation(context.Background(), "bee-1", "stuck on flaky test"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	select {
	case w := <-sub.C():
		if w.Subject != protocol.SubjectEscalation || w.Body != "stuck on flaky test" || w.Meta()[protocol.MetaBeeID] != "bee-1" {
			t.Fatalf("operator waggle: %+v", w)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no operator waggle")
	}
}

func TestStopBee_NotRunning(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	beeID, err := q.AssignJob(ctx, a.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.st.SetBeeCell(ctx, beeID, "cell-1"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	e.sup.finish(beeID)

	if err := q.StopBee(ctx, beeID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	b, _ := e.st.GetBee(ctx, beeID)
	if b.Status != protocol.BeeStopped {
		t.Fatalf("bee: got %q, want stopped", b.Status)
	}
	if got := e.jobStatus(t, a.ID); got != protocol.JobFailed {
		t.Fatalf("job: got %q, want failed", got)
	}
	if len(e.cells.removed) != 1 || e.cells.removed[0] != "cell-1" {
		t.Fatalf("cell removal: %v", e.cells.removed)
	}
	if err := q.StopBee(ctx, beeID); !errors.Is(err, protocol.ErrInvalidTransition) {
		t.Fatalf("second stop: got %v", err)
	}
}

func TestPauseAndResumeBee(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	a := mustCreateJob(t, q, JobSpec{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	beeID, _ := q.AssignJob(ctx, a.ID)

	if err := q.PauseBee(ctx, beeID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if len(e.sup.paused) != 1 {
		t.Fatalf("paused: %v", e.sup.paused)
	}
	var te *protocol.TransitionError
	if err := q.ResumeBee(ctx, beeID); !errors.As(err, &te) {
		t.Fatalf("resume a starting bee: got %v", err)
	}

	// Simulate the bee reaching paused.
	for _, to := range []protocol.BeeStatus{protocol.BeeWorking, protocol.BeePaused} {
		if _, err := e.st.TransitionBee(ctx, beeID, to); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if err := q.ResumeBee(ctx, beeID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(e.sup.resumed) != 1 || e.sup.resumed[0] != beeID {
		t.Fatalf("resumed: %v", e.sup.resumed)
	}
}

func TestRun_ReplaysUnreadCompletions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Record work while no queen is consuming.
	quest, _ := e.st.CreateQuest(ctx, "q", e.comb.ID)
	j, _ := e.st.CreateJob(ctx, protocol.Job{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b, _ := e.st.CreateBee(ctx, e.comb.ID, j.ID)
	_ = e.st.AssignJob(ctx, j.ID, b.ID)
	for _, to := range []protocol.BeeStatus{protocol.BeeWorking, protocol.BeeIdle} {
		_, _ = e.st.TransitionBee(ctx, b.ID, to)
	}
	w, err := e.bus.Send(ctx, waggle.Envelope{
		From: b.ID, To: protocol.TopicQueen, Subject: protocol.SubjectJobDone,
		Metadata: map[string]string{protocol.MetaJobID: j.ID, protocol.MetaOutcome: string(protocol.OutcomeDone), protocol.MetaCombID: e.comb.ID},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	q := e.queen(Config{})
	start(t, q)

	waitFor(t, "replayed completion", func() bool { return e.jobStatus(t, j.ID) == protocol.JobDone })
	waitFor(t, "waggle marked read", func() bool {
		got, err := e.st.GetWaggle(ctx, w.ID)
		return err == nil && got.Read
	})
	if got := e.questStatus(t, quest.ID); got != protocol.QuestCompleted {
		t.Fatalf("quest: got %q, want completed", got)
	}
}

func TestRun_CrashesOrphanedBees(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	quest, _ := e.st.CreateQuest(ctx, "q", e.comb.ID)
	j, _ := e.st.CreateJob(ctx, protocol.Job{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b, _ := e.st.CreateBee(ctx, e.comb.ID, j.ID)
	_ = e.st.AssignJob(ctx, j.ID, b.ID)

	q := e.queen(Config{})
	start(t, q)

	waitFor(t, "orphan crashed", func() bool {
		got, err := e.st.GetBee(ctx, b.ID)
		return err == nil && got.Status == protocol.BeeCrashed
	})
	waitFor(t, "orphan job failed", func() bool { return e.jobStatus(t, j.ID) == protocol.JobFailed })
}

func TestRun_KeepsPausedBeesResumable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	quest, _ := e.st.CreateQuest(ctx, "q", e.comb.ID)
	j, _ := e.st.CreateJob(ctx, protocol.Job{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	b, _ := e.st.CreateBee(ctx, e.comb.ID, j.ID)
	_ = e.st.AssignJob(ctx, j.ID, b.ID)
	for _, to := range []protocol.BeeStatus{protocol.BeeWorking, protocol.BeePaused} {
		if _, err := e.st.TransitionBee(ctx, b.ID, to); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	q := e.queen(Config{})
	start(t, q)

	// API calls are served only after startup recovery has run.
	if err := q.ResumeBee(ctx, b.ID); err != nil {
		t.Fatalf("resume after restart: %v", err)
	}
	if len(e.sup.resumed) != 1 || e.sup.resumed[0] != b.ID {
		t.Fatalf("resumed: %v", e.sup.resumed)
	}
	got, err := e.st.GetBee(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.BeePaused {
		t.Errorf("bee status = %q, want paused", got.Status)
	}
	if status := e.jobStatus(t, j.ID); status == protocol.JobFailed {
		t.Errorf("paused bee's job was failed on restart")
	}
}

func TestRun_CompletionUnblocksDependentAssignment(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	start(t, q)
	ctx := context.Background()

	quest, _ := q.CreateQuest(ctx, "q", e.comb.ID)
	j1 := mustCreateJob(t, q, JobSpec{Title: "schema", QuestID: quest.ID, CombID: e.comb.ID})
	j2 := mustCreateJob(t, q, JobSpec{Title: "api", QuestID: quest.ID, CombID: e.comb.ID, DependsOn: []string{j1.ID}})

	if _, err := q.AssignJob(ctx, j2.ID); !errors.Is(err, protocol.ErrBlocked) {
		t.Fatalf("assign before dependency is done: got %v, want ErrBlocked", err)
	}
	beeID, err := q.AssignJob(ctx, j1.ID)
	if err != nil {
		t.Fatalf("assign %s: %v", j1.ID, err)
	}

	w, err := e.bus.Send(ctx, waggle.Envelope{
		From: beeID, To: protocol.TopicQueen, Subject: protocol.SubjectJobDone,
		Metadata: map[string]string{protocol.MetaJobID: j1.ID, protocol.MetaOutcome: string(protocol.OutcomeDone), protocol.MetaCombID: e.comb.ID},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "dependency done", func() bool { return e.jobStatus(t, j1.ID) == protocol.JobDone })
	waitFor(t, "completion consumed", func() bool {
		got, err := e.st.GetWaggle(ctx, w.ID)
		return err == nil && got.Read
	})

	if _, err := q.AssignJob(ctx, j2.ID); err != nil {
		t.Fatalf("assign after dependency is done: %v", err)
	}
	if got := e.jobStatus(t, j2.ID); got != protocol.JobAssigned {
		t.Fatalf("dependent job status: got %q, want assigned", got)
	}
	if e.sup.launchCount() != 2 {
		t.Fatalf("launches = %d, want 2", e.sup.launchCount())
	}
}

func TestRun_CommandsAndAutoAssign(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{MaxBeesPerComb: 1, AssignInterval: time.Hour})
	ctx := context.Background()
	quest, _ := e.st.CreateQuest(ctx, "q", e.comb.ID)
	a, _ := e.st.CreateJob(ctx, protocol.Job{Title: "a", QuestID: quest.ID, CombID: e.comb.ID})
	bj, _ := e.st.CreateJob(ctx, protocol.Job{Title: "b", QuestID: quest.ID, CombID: e.comb.ID})

	ops := e.bus.Subscribe(protocol.TopicOperator)
	defer ops.Close()
	start(t, q)

	// Startup auto-assign fills the comb's single slot with the oldest job.
	waitFor(t, "first auto-assign", func() bool { return e.sup.launchCount() == 1 })
	if e.sup.launched[0].JobID != a.ID {
		t.Fatalf("first launch: got job %s, want %s", e.sup.launched[0].JobID, a.ID)
	}

	// An explicit command ignores the cap.
	if _, err := e.bus.Send(ctx, waggle.Envelope{
		From: "cli", To: protocol.TopicQueen, Subject: protocol.SubjectCommand,
		Metadata: map[string]string{protocol.MetaOp: string(protocol.DirectiveAssign), protocol.MetaTarget: bj.ID},
	}); err != nil {
		t.Fatalf("send command: %v", err)
	}
	select {
	case w := <-ops.C():
		if w.Body != "ok" || w.Meta()[protocol.MetaBeeID] == "" {
			t.Fatalf("command result: %+v", w)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command result")
	}

	// A malformed command is reported, not applied.
	_, _ = e.bus.Send(ctx, waggle.Envelope{
		From: "cli", To: protocol.TopicQueen, Subject: protocol.SubjectCommand,
		Metadata: map[string]string{protocol.MetaOp: "explode", protocol.MetaTarget: bj.ID},
	})
	select {
	case w := <-ops.C():
		if w.Meta()["error"] == "" {
			t.Fatalf("expected error result: %+v", w)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command result")
	}

	// A completion frees the slot; the next pending job is picked up.
	c, _ := q.CreateJob(ctx, JobSpec{Title: "c", QuestID: quest.ID, CombID: e.comb.ID})
	first := e.sup.launched[0]
	e.sup.finish(first.ID)
	e.sup.finish(e.sup.launched[1].ID)
	if _, err := e.bus.Send(ctx, waggle.Envelope{
		From: first.ID, To: protocol.TopicQueen, Subject: protocol.SubjectJobDone,
		Metadata: map[string]string{protocol.MetaJobID: a.ID, protocol.MetaCombID: e.comb.ID, protocol.MetaOutcome: "done"},
	}); err != nil {
		t.Fatalf("send completion: %v", err)
	}
	waitFor(t, "auto-assign after completion", func() bool { return e.jobStatus(t, c.ID) == protocol.JobAssigned })
}

func TestAPIAfterStop(t *testing.T) {
	e := newEnv(t)
	q := e.queen(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = q.Serve(ctx); close(done) }()
	cancel()
	<-done
	if _, err := q.CreateQuest(context.Background(), "late", ""); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}
}
