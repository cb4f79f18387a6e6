// Package bee implements the worker state machine. A Bee owns exactly one
// job: it obtains a cell, writes the agent's hook settings, spawns a
// headless agent inside the cell, relays the agent's stream as waggles, and
// on exit validates and lands the work before reporting to the queen.
//
// Every state change is persisted in the store first and then announced as
// a "status" waggle on the comb topic.
package bee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"hive/pkg/agent"
	"hive/pkg/hooks"
	"hive/pkg/merge"
	"hive/pkg/metrics"
	"hive/pkg/protocol"
	"hive/pkg/store"
	"hive/pkg/validator"
	"hive/pkg/waggle"
)

// Defaults.
const (
	DefaultContextThreshold = 70
	DefaultContextWindow    = 200_000
	DefaultContextPoll      = 5 * time.Second
	DefaultStallTimeout     = 10 * time.Minute
	maxProgressBody         = 4000
)

// Process is a running agent. *agent.Handle satisfies it.
type Process interface {
	Events() <-chan agent.Event
	Done() <-chan struct{}
	PID() int
	ExitCode() int
	Stop() error
}

// Spawner starts headless agents.
type Spawner interface {
	Spawn(ctx context.Context, workdir, prompt string, opts agent.Options) (Process, error)
}

// AgentSpawner runs the real agent executable.
type AgentSpawner struct{}

// Spawn implements Spawner.
func (AgentSpawner) Spawn(ctx context.Context, workdir, prompt string, opts agent.Options) (Process, error) {
	h, err := agent.Spawn(ctx, workdir, agent.Headless, prompt, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Cells manages the bee's worktree. *cell.Manager satisfies it.
type Cells interface {
	Create(ctx context.Context, beeID, combID string) (protocol.Cell, error)
	Remove(ctx context.Context, cellID string) error
	MarkMerged(ctx context.Context, cellID string) error
}

// Validator checks finished work. *validator.Validator satisfies it.
type Validator interface {
	Validate(ctx context.Context, job protocol.Job, comb protocol.Comb, cell protocol.Cell) (validator.Verdict, error)
}

// Merger lands finished work. *merge.Coordinator satisfies it.
type Merger interface {
	CommitPending(ctx context.Context, dir, message string) (bool, error)
	Apply(ctx context.Context, policy protocol.MergePolicy, opts merge.Opts) (*merge.Result, error)
}

// Deps are the collaborators a bee needs. Validator and Merger are
// optional; without them work is reported as done unvalidated and left on
// its branch.
type Deps struct {
	Store     *store.Store
	Bus       *waggle.Bus
	Cells     Cells
	Spawner   Spawner
	Validator Validator
	Merger    Merger
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Config tunes bee behaviour. Zero values use the defaults.
type Config struct {
	Binary           string        // hive binary named in hook commands; default "hive"
	HomeDir          string        // hive home; context_pct lives under <home>/bees/<id>/
	Agent            agent.Options // base options for every spawn
	ContextThreshold int           // percent of ContextWindow that triggers a pause
	ContextWindow    int64
	ContextPoll      time.Duration
	StallTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "hive"
	}
	if c.ContextThreshold <= 0 {
		c.ContextThreshold = DefaultContextThreshold
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.ContextPoll <= 0 {
		c.ContextPoll = DefaultContextPoll
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	return c
}

type request int

const (
	reqNone request = iota
	reqPause
	reqStop
)

// Bee drives one bee record through its lifecycle.
type Bee struct {
	ID     string
	CombID string
	JobID  string

	deps Deps
	cfg  Config
	log  *slog.Logger

	mu      sync.Mutex
	proc    Process
	req     request
	reqWhy  string
	cell    protocol.Cell
	session string
}

// New returns a Bee for an existing bee record.
func New(rec protocol.Bee, deps Deps, cfg Config) *Bee {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bee{
		ID:     rec.ID,
		CombID: rec.CombID,
		JobID:  rec.JobID,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		log:    log.With("bee_id", rec.ID, "job_id", rec.JobID),
	}
}

// Cell returns the cell the bee is working in, once obtained.
func (b *Bee) Cell() protocol.Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cell
}

// Stop asks the bee to terminate. The agent is killed and the bee ends in
// the stopped state with its cell removed.
func (b *Bee) Stop(reason string) { b.request(reqStop, reason) }

// Pause asks the bee to hand off. The agent is killed and the bee ends in
// the paused state with its cell and agent session retained.
func (b *Bee) Pause(reason string) { b.request(reqPause, reason) }

func (b *Bee) request(r request, why string) {
	b.mu.Lock()
	if r > b.req {
		b.req, b.reqWhy = r, why
	}
	proc := b.proc
	b.mu.Unlock()
	if proc != nil {
		_ = proc.Stop()
	}
}

func (b *Bee) pending() (request, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.req, b.reqWhy
}

// Run executes the job. It returns once the bee has reached a resting
// state (idle, paused, stopped or crashed). The returned error is non-nil
// only when that final state could not be recorded.
func (b *Bee) Run(ctx context.Context) error {
	// Final bookkeeping must survive cancellation of the run context.
	bg := context.WithoutCancel(ctx)

	rec, err := b.deps.Store.GetBee(bg, b.ID)
	if err != nil {
		return fmt.Errorf("load bee: %w", err)
	}
	job, err := b.deps.Store.GetJob(bg, b.JobID)
	if err != nil {
		return b.crash(bg, fmt.Sprintf("load job: %v", err))
	}
	comb, err := b.deps.Store.GetComb(bg, b.CombID)
	if err != nil {
		return b.crash(bg, fmt.Sprintf("load comb: %v", err))
	}
	b.session = rec.SessionID

	cell, resumed, err := b.obtainCell(ctx, rec)
	if err != nil {
		return b.crash(bg, fmt.Sprintf("cell: %v", err))
	}
	b.mu.Lock()
	b.cell = cell
	b.mu.Unlock()

	if req, why := b.pending(); req == reqStop || ctx.Err() != nil {
		return b.stopped(bg, cell, firstNonEmpty(why, "stopped before start"))
	}

	settings, err := hooks.Write(cell.Path, hooks.ForBee(b.cfg.Binary, b.ID, cell.Path))
	if err != nil {
		return b.crashWithCell(bg, cell, fmt.Sprintf("hook settings: %v", err))
	}

	opts := b.cfg.Agent
	opts.SettingsPath = settings
	opts.Logger = b.log
	if resumed && b.session != "" {
		opts.ResumeSession = b.session
	}
	prompt := BuildPrompt(PromptParams{Job: job, Comb: comb, Cell: cell, Resume: resumed})

	started := time.Now()
	proc, err := b.deps.Spawner.Spawn(ctx, cell.Path, prompt, opts)
	if err != nil {
		return b.crashWithCell(bg, cell, fmt.Sprintf("spawn agent: %v", err))
	}
	b.mu.Lock()
	b.proc = proc
	req := b.req
	b.mu.Unlock()

	if err := b.deps.Store.SetBeeProcess(bg, b.ID, proc.PID(), ""); err != nil {
		b.log.Warn("record pid failed", "error", err)
	}
	if err := b.deps.Store.MarkJobRunning(bg, job.ID, b.ID); err != nil {
		_ = proc.Stop()
		<-proc.Done()
		return b.crashWithCell(bg, cell, fmt.Sprintf("mark job running: %v", err))
	}
	if err := b.transition(bg, protocol.BeeWorking, ""); err != nil {
		_ = proc.Stop()
		<-proc.Done()
		return err
	}
	if req != reqNone {
		_ = proc.Stop()
	}

	b.stream(ctx, proc)
	<-proc.Done()
	code := proc.ExitCode()
	b.deps.Metrics.AgentRuntime(time.Since(started))
	_ = b.deps.Store.SetBeeProcess(bg, b.ID, 0, "")

	req, why := b.pending()
	switch {
	case req == reqStop || (ctx.Err() != nil && req != reqPause):
		return b.stopped(bg, cell, firstNonEmpty(why, "stopped"))
	case req == reqPause:
		return b.paused(bg, why)
	case code == 0:
		return b.finish(bg, job, comb, cell)
	default:
		return b.crashWithCell(bg, cell, fmt.Sprintf("agent exited with code %d", code))
	}
}

// obtainCell reuses the bee's active cell when resuming, else creates one.
func (b *Bee) obtainCell(ctx context.Context, rec protocol.Bee) (protocol.Cell, bool, error) {
	if rec.CellID != "" {
		c, err := b.deps.Store.ActiveCellForBee(ctx, b.ID)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, protocol.ErrNotFound) {
			return protocol.Cell{}, false, err
		}
	}
	c, err := b.deps.Cells.Create(ctx, b.ID, b.CombID)
	if err != nil {
		return protocol.Cell{}, false, err
	}
	if err := b.deps.Store.SetBeeCell(ctx, b.ID, c.ID); err != nil {
		return protocol.Cell{}, false, err
	}
	// A resumed bee whose cell vanished still resumes its agent session.
	return c, rec.CellID != "" || rec.SessionID != "", nil
}

// stream consumes agent events until the stream closes.
func (b *Bee) stream(ctx context.Context, proc Process) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pctPath := ContextFile(b.cfg.HomeDir, b.ID)
	high := make(chan int, 1)
	if b.cfg.HomeDir != "" {
		go watchContext(watchCtx, pctPath, b.cfg.ContextThreshold, b.cfg.ContextPoll, high, b.log)
	}

	stall := time.NewTimer(b.cfg.StallTimeout)
	defer stall.Stop()
	escalated := false

	events := proc.Events()
	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			_ = proc.Stop()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(b.cfg.StallTimeout)
			b.handleEvent(ctx, proc, ev, pctPath)
		case pct := <-high:
			b.log.Info("context threshold exceeded, pausing", "context_pct", pct)
			b.Pause(fmt.Sprintf("context at %d%%", pct))
		case <-stall.C:
			if !escalated {
				escalated = true
				b.escalate(ctx, fmt.Sprintf("no agent output for %s", b.cfg.StallTimeout))
			}
		}
	}
}

func (b *Bee) handleEvent(ctx context.Context, proc Process, ev agent.Event, pctPath string) {
	bg := context.WithoutCancel(ctx)
	switch ev.Type {
	case agent.KindSystem:
		if ev.SessionID != "" && ev.SessionID != b.session {
			b.session = ev.SessionID
			if err := b.deps.Store.SetBeeProcess(bg, b.ID, proc.PID(), ev.SessionID); err != nil {
				b.log.Warn("record session failed", "error", err)
			}
		}
	case agent.KindAssistant:
		if tokens, ok := agent.ContextTokens(ev); ok && b.cfg.HomeDir != "" {
			pct := int(tokens * 100 / b.cfg.ContextWindow)
			if err := writeContextPct(pctPath, pct); err != nil {
				b.log.Debug("write context_pct failed", "error", err)
			}
		}
		if text := ev.Text(); text != "" {
			b.send(bg, b.ID, protocol.SubjectProgress, truncate(text, maxProgressBody), nil)
		}
	case agent.KindResult:
		b.recordCost(bg, ev)
	}
}

func (b *Bee) recordCost(ctx context.Context, ev agent.Event) {
	c := agent.ExtractCost(ev)
	if c == nil {
		return
	}
	rec := protocol.CostRecord{
		BeeID:            b.ID,
		InputTokens:      c.InputTokens,
		OutputTokens:     c.OutputTokens,
		CacheReadTokens:  c.CacheReadTokens,
		CacheWriteTokens: c.CacheWriteTokens,
		Model:            c.Model,
	}
	if c.CostUSD != nil {
		rec.CostUSD = *c.CostUSD
	}
	stored, err := b.deps.Store.InsertCost(ctx, rec)
	if err != nil {
		b.log.Warn("record cost failed", "error", err)
		return
	}
	b.deps.Metrics.Cost(stored)
	b.send(ctx, protocol.TopicCosts, protocol.SubjectCost, "", map[string]string{
		protocol.MetaBeeID:  b.ID,
		protocol.MetaJobID:  b.JobID,
		protocol.MetaCombID: b.CombID,
		"cost_id":           stored.ID,
		"cost_usd":          strconv.FormatFloat(stored.CostUSD, 'f', -1, 64),
		"input_tokens":      strconv.FormatInt(stored.InputTokens, 10),
		"output_tokens":     strconv.FormatInt(stored.OutputTokens, 10),
		"model":             stored.Model,
	})
}

// finish handles a clean agent exit: commit, validate, land, report.
func (b *Bee) finish(ctx context.Context, job protocol.Job, comb protocol.Comb, cell protocol.Cell) error {
	outcome, reason := protocol.OutcomeDone, ""
	extra := map[string]string{}

	if b.deps.Merger != nil {
		if _, err := b.deps.Merger.CommitPending(ctx, cell.Path, commitMessage(job, b.ID)); err != nil {
			return b.crashWithCell(ctx, cell, fmt.Sprintf("commit work: %v", err))
		}
	}

	verdict := validator.VerdictSkip
	if b.deps.Validator != nil {
		v, err := b.deps.Validator.Validate(ctx, job, comb, cell)
		if err != nil {
			outcome, reason = protocol.OutcomeFailed, err.Error()
			var ve *protocol.ValidationError
			if errors.As(err, &ve) {
				b.deps.Metrics.Validation(ve.Reason)
			}
		} else {
			verdict = v
			b.deps.Metrics.Validation(string(v))
		}
	}
	extra["verdict"] = string(verdict)

	merged := false
	if outcome == protocol.OutcomeDone && b.deps.Merger != nil {
		res, err := b.deps.Merger.Apply(ctx, comb.MergePolicy, merge.Opts{
			Branch: cell.Branch,
			Cell:   cell.Path,
			Repo:   comb.Path,
			Base:   comb.BaseBranch,
			BeeID:  b.ID,
		})
		b.deps.Metrics.Merge(comb.MergePolicy, err == nil)
		switch {
		case err != nil:
			outcome, reason = protocol.OutcomeFailed, fmt.Sprintf("merge: %v", err)
		case res != nil:
			merged = true
			extra["commit"] = res.CommitSHA
		}
	}

	b.complete(ctx, outcome, reason, extra)

	if merged {
		if err := b.deps.Cells.MarkMerged(ctx, cell.ID); err != nil {
			b.log.Warn("mark cell merged failed", "cell_id", cell.ID, "error", err)
		}
	}
	if err := b.deps.Cells.Remove(ctx, cell.ID); err != nil {
		b.log.Warn("remove cell failed", "cell_id", cell.ID, "error", err)
	}
	return b.transition(ctx, protocol.BeeIdle, reason)
}

func (b *Bee) paused(ctx context.Context, why string) error {
	return b.transition(ctx, protocol.BeePaused, why)
}

func (b *Bee) stopped(ctx context.Context, cell protocol.Cell, why string) error {
	if err := b.transition(ctx, protocol.BeeStopped, why); err != nil {
		return err
	}
	b.complete(ctx, protocol.OutcomeFailed, why, nil)
	if cell.ID != "" {
		if err := b.deps.Cells.Remove(ctx, cell.ID); err != nil {
			b.log.Warn("remove cell failed", "cell_id", cell.ID, "error", err)
		}
	}
	return nil
}

// Crash records an unrecoverable failure: the bee becomes crashed, its cell
// is kept for inspection, and the job is reported failed.
func (b *Bee) Crash(ctx context.Context, reason string) error {
	return b.crash(context.WithoutCancel(ctx), reason)
}

func (b *Bee) crashWithCell(ctx context.Context, cell protocol.Cell, reason string) error {
	b.log.Warn("bee crashed, cell retained", "cell", cell.Path, "reason", reason)
	return b.crash(ctx, reason)
}

func (b *Bee) crash(ctx context.Context, reason string) error {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc != nil {
		_ = proc.Stop()
	}
	err := b.transition(ctx, protocol.BeeCrashed, reason)
	var te *protocol.TransitionError
	if errors.As(err, &te) && !te.From.Live() {
		// Already resting; nothing left to report.
		return nil
	}
	b.complete(ctx, protocol.OutcomeFailed, reason, nil)
	return err
}

// complete publishes the job outcome to the queen.
func (b *Bee) complete(ctx context.Context, outcome protocol.Outcome, reason string, extra map[string]string) {
	meta := map[string]string{
		protocol.MetaJobID:   b.JobID,
		protocol.MetaBeeID:   b.ID,
		protocol.MetaCombID:  b.CombID,
		protocol.MetaOutcome: string(outcome),
	}
	if reason != "" {
		meta[protocol.MetaReason] = reason
	}
	for k, v := range extra {
		meta[k] = v
	}
	subject := protocol.SubjectJobDone
	if outcome == protocol.OutcomeFailed {
		subject = protocol.SubjectJobFailed
	}
	b.send(ctx, protocol.TopicQueen, subject, reason, meta)
}

func (b *Bee) escalate(ctx context.Context, reason string) {
	b.log.Warn("escalating", "reason", reason)
	b.send(context.WithoutCancel(ctx), protocol.TopicQueen, protocol.SubjectEscalation, reason, map[string]string{
		protocol.MetaBeeID:  b.ID,
		protocol.MetaJobID:  b.JobID,
		protocol.MetaCombID: b.CombID,
		protocol.MetaReason: reason,
	})
}

// transition persists the new state and then broadcasts it.
func (b *Bee) transition(ctx context.Context, to protocol.BeeStatus, reason string) error {
	from, err := b.deps.Store.TransitionBee(ctx, b.ID, to)
	if err != nil {
		return fmt.Errorf("bee %s -> %s: %w", b.ID, to, err)
	}
	b.deps.Metrics.BeeTransition(to)
	b.log.Info("bee transition", "from", from, "to", to, "reason", reason)
	meta := map[string]string{
		protocol.MetaBeeID:  b.ID,
		protocol.MetaJobID:  b.JobID,
		protocol.MetaCombID: b.CombID,
		protocol.MetaStatus: string(to),
		"from":              string(from),
	}
	if reason != "" {
		meta[protocol.MetaReason] = reason
	}
	b.send(ctx, protocol.TopicComb(b.CombID), protocol.SubjectStatus, "", meta)
	return nil
}

func (b *Bee) send(ctx context.Context, to, subject, body string, meta map[string]string) {
	if _, err := b.deps.Bus.Send(ctx, waggle.Envelope{
		From: b.ID, To: to, Subject: subject, Body: body, Metadata: meta,
	}); err != nil {
		b.log.Warn("waggle send failed", "to", to, "subject", subject, "error", err)
	}
}

func commitMessage(job protocol.Job, beeID string) string {
	return fmt.Sprintf("%s\n\nhive job %s (bee %s)", job.Title, job.ID, beeID)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// truncate cuts s to n characters without splitting a rune.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
