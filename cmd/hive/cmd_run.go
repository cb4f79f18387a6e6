package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"hive/internal/config"
	"hive/pkg/agent"
	"hive/pkg/bee"
	"hive/pkg/cell"
	"hive/pkg/comb"
	"hive/pkg/merge"
	"hive/pkg/metrics"
	"hive/pkg/queen"
	"hive/pkg/store"
	"hive/pkg/validator"
	"hive/pkg/waggle"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long bees get to stop after SIGTERM.
const shutdownTimeout = 30 * time.Second

// newRunCmd creates the "hive run" subcommand.
func newRunCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the hive daemon (queen, combs, relay, metrics)",
		Long: `Runs the coordinator in the foreground until SIGINT or SIGTERM.
Logs go to $HIVE_HOME/hive.log as JSON; --foreground logs text to stderr instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			if err := paths.EnsureHome(); err != nil {
				return err
			}

			var log *slog.Logger
			if foreground {
				log = config.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level)
			} else {
				l, f, err := config.OpenDaemonLog(paths.LogPath, cfg.Log.Level)
				if err != nil {
					return err
				}
				defer f.Close()
				log = l
			}

			pf := pidFile(paths.PIDPath)
			if err := pf.acquire(os.Getpid()); err != nil {
				return err
			}
			defer func() { _ = pf.release() }()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "hive daemon running (PID %d), logs in %s\n", os.Getpid(), paths.LogPath)
			return runDaemon(ctx, paths, cfg, log)
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "log to stderr instead of the log file")

	return cmd
}

// runDaemon wires the store, bus, combs and queen and blocks until ctx is
// cancelled. Bees are then stopped before the store closes.
func runDaemon(ctx context.Context, paths *config.Paths, cfg *config.Config, log *slog.Logger) error {
	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	bus := waggle.New(st, log.With("component", "waggle"))
	bus.SetMetrics(m)

	cells := cell.NewManager(st, nil, log.With("component", "cell"))
	pruneCells(ctx, st, cells, log)

	agentOpts := agent.Options{
		Executable: cfg.Agent.Executable,
		Model:      cfg.Agent.Model,
		Logger:     log.With("component", "agent"),
	}
	val := validator.New(nil, validator.AgentSpawner{Options: agentOpts}, validator.Config{
		CheckTimeout:  cfg.Validator.CheckTimeout,
		ReviewTimeout: cfg.Validator.ReviewTimeout,
		DisableReview: cfg.Validator.DisableReview,
	}, log.With("component", "validator"))

	binary, err := os.Executable()
	if err != nil {
		binary = "hive"
	}

	// Combs outlive ctx so that shutdown can stop bees in order.
	combCtx, cancelCombs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCombs()
	reg := comb.NewRegistry(combCtx, bee.Deps{
		Store:     st,
		Bus:       bus,
		Cells:     cells,
		Spawner:   bee.AgentSpawner{},
		Validator: val,
		Merger:    merge.NewCoordinator(&merge.ExecGitRunner{}),
		Metrics:   m,
		Logger:    log,
	}, bee.Config{
		Binary:           binary,
		HomeDir:          paths.Home,
		Agent:            agentOpts,
		ContextThreshold: cfg.Agent.ContextThreshold,
		ContextWindow:    cfg.Agent.ContextWindow,
		StallTimeout:     cfg.Agent.StallTimeout,
	})

	q := queen.New(queen.Deps{
		Store:      st,
		Bus:        bus,
		Supervisor: reg,
		Cells:      cells,
		Metrics:    m,
		Logger:     log,
	}, queen.Config{
		MaxBeesPerComb: cfg.Queen.MaxBeesPerComb,
		AssignInterval: cfg.Queen.AssignInterval,
	})

	g, gctx := errgroup.WithContext(ctx)

	// The relay's high-water mark must be fixed before the queen replays,
	// or a command written in between would be missed.
	relayDone, err := bus.StartRelay(gctx, 0)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	g.Go(func() error { return <-relayDone })
	g.Go(func() error {
		m.Export(gctx, paths.MetricsPath, cfg.Metrics.Interval, log)
		return nil
	})
	g.Go(func() error { return q.Run(gctx) })

	log.Info("daemon started", "pid", os.Getpid(), "db", paths.DBPath, "max_bees_per_comb", cfg.Queen.MaxBeesPerComb)
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Warn("bee shutdown incomplete", "error", err)
	}
	log.Info("daemon stopped")
	return runErr
}

// pruneCells reconciles every comb's cells with the filesystem.
func pruneCells(ctx context.Context, st *store.Store, cells *cell.Manager, log *slog.Logger) {
	combs, err := st.ListCombs(ctx)
	if err != nil {
		log.Warn("list combs for prune failed", "error", err)
		return
	}
	for _, c := range combs {
		if _, err := cells.Prune(ctx, c.ID); err != nil {
			log.Warn("prune cells failed", "comb_id", c.ID, "error", err)
		}
	}
}
