// Package queen is the coordinator. A single goroutine owns every
// coordination mutation: API calls are shipped to it over a channel, and
// completion, escalation and command waggles addressed to the queen topic
// are consumed on the same goroutine, so no two decisions interleave.
package queen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hive/pkg/metrics"
	"hive/pkg/protocol"
	"hive/pkg/store"
	"hive/pkg/waggle"
)

var (
	// ErrStopped is returned when the queen's loop is not running.
	ErrStopped = errors.New("queen is not running")
	// ErrNoSupervisor is returned by operations that need to start or
	// address bees when the queen was built without a supervisor.
	ErrNoSupervisor = errors.New("no bee supervisor attached")
	// ErrNoReadyJob is returned by AssignNext when nothing is assignable.
	ErrNoReadyJob = errors.New("no ready job")
)

// DefaultAssignInterval is how often auto-assign re-checks every comb.
const DefaultAssignInterval = 30 * time.Second

// Supervisor starts and addresses bee goroutines. *comb.Registry
// satisfies it.
type Supervisor interface {
	Launch(rec protocol.Bee) error
	Stop(combID, beeID, reason string) error
	Pause(combID, beeID, reason string) error
	Resume(ctx context.Context, combID, beeID string) error
	Running(combID, beeID string) bool
	CombActive(combID string) int
}

// CellRemover reclaims the cell of a bee stopped while not running.
// *cell.Manager satisfies it.
type CellRemover interface {
	Remove(ctx context.Context, cellID string) error
}

// Config tunes the queen.
type Config struct {
	// MaxBeesPerComb caps concurrent bees per comb for auto-assign. Zero
	// disables auto-assign; jobs are then assigned only on request.
	MaxBeesPerComb int
	AssignInterval time.Duration
}

// Deps are the queen's collaborators. Supervisor and Cells may be nil for
// a queen that only records quests and jobs.
type Deps struct {
	Store      *store.Store
	Bus        *waggle.Bus
	Supervisor Supervisor
	Cells      CellRemover
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type call struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Queen coordinates quests, jobs and bees.
type Queen struct {
	st    *store.Store
	bus   *waggle.Bus
	sup   Supervisor
	cells CellRemover
	m     *metrics.Metrics
	log   *slog.Logger
	cfg   Config

	calls chan call
	done  chan struct{}
}

// New returns a queen. Call Run (or Serve) before using the API.
func New(deps Deps, cfg Config) *Queen {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.AssignInterval <= 0 {
		cfg.AssignInterval = DefaultAssignInterval
	}
	return &Queen{
		st:    deps.Store,
		bus:   deps.Bus,
		sup:   deps.Supervisor,
		cells: deps.Cells,
		m:     deps.Metrics,
		log:   log.With("component", "queen"),
		cfg:   cfg,
		calls: make(chan call),
		done:  make(chan struct{}),
	}
}

// Run is the full coordinator loop. It first crashes bees left live by a
// previous run, then replays unread queen waggles in order, and from then
// on serves API calls, consumes queen waggles and auto-assigns jobs until
// ctx is cancelled.
func (q *Queen) Run(ctx context.Context) error {
	defer close(q.done)

	sub := q.bus.Subscribe(protocol.TopicQueen)
	defer sub.Close()

	if err := q.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover bees: %w", err)
	}
	seen, err := q.replay(ctx)
	if err != nil {
		return fmt.Errorf("replay waggles: %w", err)
	}
	q.autoAssignAll(ctx)

	var tick <-chan time.Time
	if q.cfg.MaxBeesPerComb > 0 {
		t := time.NewTicker(q.cfg.AssignInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-q.calls:
			c.reply <- c.fn(ctx)
		case w := <-sub.C():
			if _, dup := seen[w.ID]; dup {
				delete(seen, w.ID)
				continue
			}
			q.consume(ctx, w)
		case <-tick:
			q.autoAssignAll(ctx)
		}
	}
}

// Serve runs only the request loop: no replay, no waggle consumption and
// no auto-assign. The CLI uses it to record quests and jobs while a
// daemon may be running.
func (q *Queen) Serve(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-q.calls:
			c.reply <- c.fn(ctx)
		}
	}
}

// do runs fn on the queen goroutine and returns its error.
func (q *Queen) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := call{fn: fn, reply: make(chan error, 1)}
	select {
	case q.calls <- c:
	case <-q.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replay handles unread queen waggles oldest first. It returns the IDs it
// handled so that live deliveries of the same rows can be skipped.
func (q *Queen) replay(ctx context.Context) (map[string]struct{}, error) {
	pending, err := q.st.UnreadFor(ctx, protocol.TopicQueen)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(pending))
	for _, sw := range pending {
		seen[sw.Waggle.ID] = struct{}{}
		q.consume(ctx, sw.Waggle)
	}
	if len(pending) > 0 {
		q.log.Info("replayed queen waggles", "count", len(pending))
	}
	return seen, nil
}

// consume dispatches one queen-topic waggle and marks it read. Malformed
// messages are logged and dropped.
func (q *Queen) consume(ctx context.Context, w protocol.Waggle) {
	meta := w.Meta()
	switch w.Subject {
	case protocol.SubjectJobDone, protocol.SubjectJobFailed:
		outcome := protocol.Outcome(meta[protocol.MetaOutcome])
		if outcome == "" {
			outcome = protocol.OutcomeDone
			if w.Subject == protocol.SubjectJobFailed {
				outcome = protocol.OutcomeFailed
			}
		}
		if err := q.handleCompletion(ctx, meta[protocol.MetaJobID], outcome, meta[protocol.MetaReason]); err != nil {
			q.log.Warn("completion dropped", "waggle_id", w.ID, "job_id", meta[protocol.MetaJobID], "error", err)
		}
		q.autoAssign(ctx, meta[protocol.MetaCombID])
	case protocol.SubjectEscalation:
		reason := meta[protocol.MetaReason]
		if reason == "" {
			reason = w.Body
		}
		if err := q.handleEscalation(ctx, meta[protocol.MetaBeeID], reason); err != nil {
			q.log.Warn("escalation dropped", "waggle_id", w.ID, "error", err)
		}
	case protocol.SubjectCommand:
		q.applyCommand(ctx, w)
	default:
		q.log.Debug("ignoring waggle", "waggle_id", w.ID, "subject", w.Subject)
	}
	if err := q.bus.MarkRead(context.WithoutCancel(ctx), w.ID); err != nil {
		q.log.Warn("mark read failed", "waggle_id", w.ID, "error", err)
	}
}

// recoverOrphans crashes bees recorded as live that no goroutine owns.
// Their agents died with the previous daemon; their cells are kept. Paused
// bees hold no process and stay resumable.
func (q *Queen) recoverOrphans(ctx context.Context) error {
	if q.sup == nil {
		return nil
	}
	bees, err := q.st.ListBees(ctx, "", protocol.BeeStarting, protocol.BeeWorking)
	if err != nil {
		return err
	}
	for _, b := range bees {
		if q.sup.Running(b.CombID, b.ID) {
			continue
		}
		if _, err := q.st.TransitionBee(ctx, b.ID, protocol.BeeCrashed); err != nil {
			q.log.Warn("crash orphaned bee failed", "bee_id", b.ID, "error", err)
			continue
		}
		q.m.BeeTransition(protocol.BeeCrashed)
		q.log.Warn("orphaned bee crashed", "bee_id", b.ID, "job_id", b.JobID, "pid", b.PID)
		q.announce(ctx, b, protocol.BeeCrashed, "orphaned by restart")
		if b.JobID != "" {
			if err := q.handleCompletion(ctx, b.JobID, protocol.OutcomeFailed, "bee orphaned by restart"); err != nil {
				q.log.Warn("fail orphaned job", "job_id", b.JobID, "error", err)
			}
		}
	}
	return nil
}

// announce broadcasts a bee state change made by the queen itself.
func (q *Queen) announce(ctx context.Context, b protocol.Bee, to protocol.BeeStatus, reason string) {
	q.send(ctx, protocol.TopicComb(b.CombID), protocol.SubjectStatus, "", map[string]string{
		protocol.MetaBeeID:  b.ID,
		protocol.MetaJobID:  b.JobID,
		protocol.MetaCombID: b.CombID,
		protocol.MetaStatus: string(to),
		protocol.MetaReason: reason,
		"from":              string(b.Status),
	})
}

func (q *Queen) send(ctx context.Context, to, subject, body string, meta map[string]string) {
	if _, err := q.bus.Send(context.WithoutCancel(ctx), waggle.Envelope{
		From: protocol.TopicQueen, To: to, Subject: subject, Body: body, Metadata: meta,
	}); err != nil {
		q.log.Warn("waggle send failed", "to", to, "subject", subject, "error", err)
	}
}
