package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"hive/internal/config"
	"hive/pkg/protocol"
	"hive/pkg/queen"
	"hive/pkg/store"
	"hive/pkg/waggle"

	"github.com/mattn/go-isatty"
)

// operatorSender is the sender name on waggles written by the CLI.
const operatorSender = "operator"

// app bundles what most commands need: resolved paths, the user config,
// an open store and a bus over it.
type app struct {
	paths *config.Paths
	cfg   *config.Config
	st    *store.Store
	bus   *waggle.Bus
	log   *slog.Logger
}

// openApp resolves paths, loads config and opens the state database.
// Callers must Close the result.
func openApp(ctx context.Context, stderr io.Writer) (*app, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureHome(); err != nil {
		return nil, err
	}
	log := config.NewLogger(stderr, cfg.Log.Level)

	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{
		paths: paths,
		cfg:   cfg,
		st:    st,
		bus:   waggle.New(st, log),
		log:   log,
	}, nil
}

func (a *app) Close() error {
	return a.st.Close()
}

// withQueen runs fn against a request-only queen, so quest and job
// creation go through the same checks as in the daemon.
func (a *app) withQueen(ctx context.Context, fn func(q *queen.Queen) error) error {
	q := queen.New(queen.Deps{Store: a.st, Bus: a.bus, Logger: a.log}, queen.Config{})
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	return fn(q)
}

// sendCommand writes an operator directive to the queen topic. A running
// daemon picks it up through its relay; otherwise it is applied on the
// next daemon start.
func (a *app) sendCommand(ctx context.Context, op protocol.Directive, target string) (protocol.Waggle, error) {
	if !protocol.HasPrefix(target, op.TargetKind()) {
		return protocol.Waggle{}, fmt.Errorf("%s expects a %s id, got %q", op, op.TargetKind(), target)
	}
	return a.bus.Send(ctx, waggle.Envelope{
		From:    operatorSender,
		To:      protocol.TopicQueen,
		Subject: protocol.SubjectCommand,
		Body:    fmt.Sprintf("%s %s", op, target),
		Metadata: map[string]string{
			protocol.MetaOp:     string(op),
			protocol.MetaTarget: target,
		},
	})
}

// runCommand sends a directive and reports whether a daemon is there to
// apply it now.
func runCommand(ctx context.Context, w, stderr io.Writer, op protocol.Directive, target string) error {
	a, err := openApp(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	msg, err := a.sendCommand(ctx, op, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s queued (%s)\n", op, target, msg.ID)

	state, _, err := pidFile(a.paths.PIDPath).state()
	if err == nil && state != daemonRunning {
		fmt.Fprintln(w, "daemon is not running; the command will apply on the next `hive run`")
	}
	return nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
