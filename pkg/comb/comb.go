// Package comb supervises the bees of one project. Each Comb is a fault
// isolation boundary: bees run on their own goroutines under the comb's
// context, a panicking bee is recovered and recorded as crashed, and
// nothing that happens inside one comb reaches another comb or the queen.
package comb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"hive/pkg/bee"
	"hive/pkg/protocol"
)

var (
	// ErrClosed is returned by Launch after Shutdown has begun.
	ErrClosed = errors.New("comb is shut down")
	// ErrRunning is returned when a bee is launched twice.
	ErrRunning = errors.New("bee already running")
	// ErrNotRunning is returned when addressing a bee this comb is not running.
	ErrNotRunning = errors.New("bee not running")
)

// running tracks one bee goroutine.
type running struct {
	bee    *bee.Bee
	cancel context.CancelFunc
	done   chan struct{}
}

// Comb supervises the bees of a single project.
type Comb struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	deps   bee.Deps
	cfg    bee.Config
	log    *slog.Logger

	mu     sync.Mutex
	bees   map[string]*running
	closed bool
}

func newComb(parent context.Context, id string, deps bee.Deps, cfg bee.Config, log *slog.Logger) *Comb {
	ctx, cancel := context.WithCancel(parent)
	return &Comb{
		ID:     id,
		ctx:    ctx,
		cancel: cancel,
		deps:   deps,
		cfg:    cfg,
		log:    log.With("comb_id", id),
		bees:   make(map[string]*running),
	}
}

// Launch starts rec on its own goroutine. The bee record must already
// exist in the store with its job assigned.
func (c *Comb) Launch(rec protocol.Bee) error {
	if rec.CombID != c.ID {
		return fmt.Errorf("launch bee %s: belongs to comb %s, not %s: %w", rec.ID, rec.CombID, c.ID, protocol.ErrProjectMismatch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.bees[rec.ID]; ok {
		return fmt.Errorf("launch bee %s: %w", rec.ID, ErrRunning)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	r := &running{
		bee:    bee.New(rec, c.deps, c.cfg),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.bees[rec.ID] = r
	c.deps.Metrics.LiveBees(c.ID, len(c.bees))
	go c.run(ctx, r)
	return nil
}

// Resume moves a paused bee back to starting and launches it again. The
// bee keeps its job, its cell if still active, and its agent session.
func (c *Comb) Resume(ctx context.Context, beeID string) error {
	rec, err := c.deps.Store.GetBee(ctx, beeID)
	if err != nil {
		return err
	}
	if _, err := c.deps.Store.TransitionBee(ctx, beeID, protocol.BeeStarting); err != nil {
		return fmt.Errorf("resume bee %s: %w", beeID, err)
	}
	rec.Status = protocol.BeeStarting
	return c.Launch(rec)
}

func (c *Comb) run(ctx context.Context, r *running) {
	defer func() {
		r.cancel()
		c.mu.Lock()
		delete(c.bees, r.bee.ID)
		n := len(c.bees)
		c.mu.Unlock()
		c.deps.Metrics.LiveBees(c.ID, n)
		close(r.done)
	}()
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("bee panicked", "bee_id", r.bee.ID, "panic", p)
			if err := r.bee.Crash(ctx, fmt.Sprintf("panic: %v", p)); err != nil {
				c.log.Error("record crash failed", "bee_id", r.bee.ID, "error", err)
			}
		}
	}()
	if err := r.bee.Run(ctx); err != nil {
		c.log.Error("bee run failed", "bee_id", r.bee.ID, "error", err)
	}
}

func (c *Comb) lookup(beeID string) (*running, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.bees[beeID]
	return r, ok
}

// Stop asks a running bee to terminate.
func (c *Comb) Stop(beeID, reason string) error {
	r, ok := c.lookup(beeID)
	if !ok {
		return fmt.Errorf("stop %s: %w", beeID, ErrNotRunning)
	}
	r.bee.Stop(reason)
	return nil
}

// Pause asks a running bee to hand off, keeping its cell and session.
func (c *Comb) Pause(beeID, reason string) error {
	r, ok := c.lookup(beeID)
	if !ok {
		return fmt.Errorf("pause %s: %w", beeID, ErrNotRunning)
	}
	r.bee.Pause(reason)
	return nil
}

// Running reports whether the comb has a goroutine for beeID.
func (c *Comb) Running(beeID string) bool {
	_, ok := c.lookup(beeID)
	return ok
}

// Done returns a channel closed once beeID's goroutine has exited. It is
// already closed for bees that are not running.
func (c *Comb) Done(beeID string) <-chan struct{} {
	if r, ok := c.lookup(beeID); ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ActiveCount returns the number of bee goroutines still running.
func (c *Comb) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bees)
}

// Shutdown stops every bee concurrently and waits for them to reach a
// resting state, or for ctx to expire. Launch fails afterwards.
func (c *Comb) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	bees := make([]*running, 0, len(c.bees))
	for _, r := range c.bees {
		bees = append(bees, r)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, r := range bees {
		g.Go(func() error {
			r.bee.Stop("shutdown")
			select {
			case <-r.done:
				return nil
			case <-ctx.Done():
				r.cancel()
				return fmt.Errorf("bee %s: %w", r.bee.ID, ctx.Err())
			}
		})
	}
	err := g.Wait()
	c.cancel()
	if err != nil {
		return fmt.Errorf("shutdown comb %s: %w", c.ID, err)
	}
	return nil
}
