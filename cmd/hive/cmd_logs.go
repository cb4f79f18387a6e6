package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"hive/internal/config"
	"hive/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	bee     string
	job     string
	topic   string
	subject string
	since   time.Duration
	tail    int
	follow  bool
}

// newLogsCmd creates the "hive logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [bee-id]",
		Short: "Query and tail the message log",
		Long:  "Displays waggles from the state database, oldest first.\nOptionally filter by bee, job, topic or subject and follow new messages.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.bee = args[0]
			}

			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer reader.Close()

			w := cmd.OutOrStdout()
			last, err := printLogs(cmd.Context(), reader, w, cfg)
			if err != nil {
				return err
			}
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, cfg, last)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.job, "job", "", "only messages tagged with this job")
	cmd.Flags().StringVar(&cfg.topic, "topic", "", "only messages addressed to this topic")
	cmd.Flags().StringVar(&cfg.subject, "subject", "", "only messages with this subject")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only messages newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent messages to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new messages every 1s")

	return cmd
}

func (c logsConfig) opts() eventlog.QueryOpts {
	opts := eventlog.QueryOpts{BeeID: c.bee, JobID: c.job, Topic: c.topic, Subject: c.subject}
	if c.since > 0 {
		after := time.Now().Add(-c.since)
		opts.After = &after
	}
	return opts
}

// printLogs shows the last cfg.tail matching entries oldest first and
// returns the highest sequence printed.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig) (int64, error) {
	opts := cfg.opts()
	opts.Limit = cfg.tail
	entries, err := r.Query(ctx, opts)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		if !cfg.follow {
			fmt.Fprintln(w, "no messages found")
		}
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		formatEntry(w, e)
	}
	return entries[len(entries)-1].Seq, nil
}

// followLogs prints entries after seq until ctx is cancelled.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig, seq int64) error {
	opts := cfg.opts()
	opts.AfterSeq = seq
	for e := range r.Follow(ctx, opts, time.Second) {
		formatEntry(w, e)
	}
	return nil
}

// formatEntry prints one entry as a single line.
func formatEntry(w io.Writer, e eventlog.Entry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-14s %s -> %s", e.CreatedAt.Local().Format("15:04:05"), orDash(e.Subject), e.From, e.To)
	if body := oneLine(e.Body, 100); body != "" {
		fmt.Fprintf(&b, "  %s", body)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Metadata[k])
		}
		fmt.Fprintf(&b, "  [%s]", strings.Join(parts, " "))
	}
	fmt.Fprintln(w, b.String())
}
