package comb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"hive/pkg/bee"
	"hive/pkg/protocol"
)

// Registry creates one Comb per project on first use.
type Registry struct {
	ctx  context.Context
	deps bee.Deps
	cfg  bee.Config
	log  *slog.Logger

	mu     sync.Mutex
	combs  map[string]*Comb
	closed bool
}

// NewRegistry returns a registry whose combs live under ctx. deps and cfg
// are handed to every bee.
func NewRegistry(ctx context.Context, deps bee.Deps, cfg bee.Config) *Registry {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		ctx:   ctx,
		deps:  deps,
		cfg:   cfg,
		log:   log,
		combs: make(map[string]*Comb),
	}
}

// For returns the comb for combID, creating it if needed.
func (r *Registry) For(combID string) (*Comb, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	c, ok := r.combs[combID]
	if !ok {
		c = newComb(r.ctx, combID, r.deps, r.cfg, r.log)
		r.combs[combID] = c
	}
	return c, nil
}

// Lookup returns an existing comb without creating one.
func (r *Registry) Lookup(combID string) (*Comb, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.combs[combID]
	return c, ok
}

// Launch starts rec in its project's comb.
func (r *Registry) Launch(rec protocol.Bee) error {
	c, err := r.For(rec.CombID)
	if err != nil {
		return err
	}
	return c.Launch(rec)
}

// Stop asks a running bee to terminate.
func (r *Registry) Stop(combID, beeID, reason string) error {
	c, ok := r.Lookup(combID)
	if !ok {
		return fmt.Errorf("stop %s: %w", beeID, ErrNotRunning)
	}
	return c.Stop(beeID, reason)
}

// Pause asks a running bee to hand off.
func (r *Registry) Pause(combID, beeID, reason string) error {
	c, ok := r.Lookup(combID)
	if !ok {
		return fmt.Errorf("pause %s: %w", beeID, ErrNotRunning)
	}
	return c.Pause(beeID, reason)
}

// Resume relaunches a paused bee in its comb.
func (r *Registry) Resume(ctx context.Context, combID, beeID string) error {
	c, err := r.For(combID)
	if err != nil {
		return err
	}
	return c.Resume(ctx, beeID)
}

// Running reports whether beeID has a live goroutine in combID.
func (r *Registry) Running(combID, beeID string) bool {
	c, ok := r.Lookup(combID)
	return ok && c.Running(beeID)
}

// CombActive returns the number of running bees in one comb.
func (r *Registry) CombActive(combID string) int {
	c, ok := r.Lookup(combID)
	if !ok {
		return 0
	}
	return c.ActiveCount()
}

// ActiveCount returns the number of running bees across all combs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	combs := make([]*Comb, 0, len(r.combs))
	for _, c := range r.combs {
		combs = append(combs, c)
	}
	r.mu.Unlock()

	n := 0
	for _, c := range combs {
		n += c.ActiveCount()
	}
	return n
}

// Shutdown shuts every comb down concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	combs := make([]*Comb, 0, len(r.combs))
	for _, c := range r.combs {
		combs = append(combs, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range combs {
		g.Go(func() error { return c.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutdown combs: %w", err)
	}
	return nil
}
