package main

import (
	"context"
	"fmt"
	"io"

	"hive/pkg/protocol"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "hive status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, project, job and bee summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			state, pid, err := pidFile(a.paths.PIDPath).state()
			if err != nil {
				return err
			}
			printDaemonLine(w, state, pid)
			return printStatus(ctx, a.st, w)
		},
	}
}

func printDaemonLine(w io.Writer, state daemonState, pid int) {
	switch state {
	case daemonRunning:
		fmt.Fprintf(w, "%s running (PID %d)\n", heading(w, "daemon:"), pid)
	case daemonStale:
		fmt.Fprintf(w, "%s not running (stale PID file)\n", heading(w, "daemon:"))
	default:
		fmt.Fprintf(w, "%s not running\n", heading(w, "daemon:"))
	}
}

// jobColumns is the order of job status counts in the status table.
var jobColumns = []protocol.JobStatus{ //nolint:gochecknoglobals // fixed display order
	protocol.JobPending, protocol.JobAssigned, protocol.JobRunning,
	protocol.JobDone, protocol.JobFailed, protocol.JobBlocked,
}

// printStatus writes one row per project plus cost and inbox totals.
func printStatus(ctx context.Context, st *store.Store, w io.Writer) error {
	combs, err := st.ListCombs(ctx)
	if err != nil {
		return err
	}

	headers := []string{"PROJECT", "POLICY", "BEES LIVE", "PAUSED", "CRASHED"}
	for _, s := range jobColumns {
		headers = append(headers, string(s))
	}
	rows := make([][]string, 0, len(combs))
	for _, c := range combs {
		bees, err := st.ListBees(ctx, c.ID)
		if err != nil {
			return err
		}
		var live, paused, crashed int
		for _, b := range bees {
			switch {
			case b.Status.Live():
				live++
			case b.Status == protocol.BeePaused:
				paused++
			case b.Status == protocol.BeeCrashed:
				crashed++
			}
		}
		jobs, err := st.ListJobs(ctx, store.JobFilter{CombID: c.ID})
		if err != nil {
			return err
		}
		counts := make(map[protocol.JobStatus]int)
		for _, j := range jobs {
			counts[j.Status]++
		}
		row := []string{c.Name, string(c.MergePolicy), fmt.Sprint(live), fmt.Sprint(paused), fmt.Sprint(crashed)}
		for _, s := range jobColumns {
			row = append(row, fmt.Sprint(counts[s]))
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, heading(w, "projects"))
	renderTable(w, headers, rows)

	totals, err := st.CostTotals(ctx, "")
	if err != nil {
		return err
	}
	unread, err := st.ListWaggles(ctx, protocol.TopicOperator, 0, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s $%.4f over %d result(s), %d in / %d out tokens\n",
		heading(w, "cost:"), totals.CostUSD, totals.Records, totals.InputTokens, totals.OutputTokens)
	fmt.Fprintf(w, "%s %d unread operator message(s)", heading(w, "inbox:"), len(unread))
	if len(unread) > 0 {
		fmt.Fprint(w, " (hive waggle list operator --unread)")
	}
	fmt.Fprintln(w)
	return nil
}
