package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"hive/internal/config"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "hive stop" subcommand.
func newStopCmd() *cobra.Command {
	var (
		force bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the hive daemon",
		Long:  "Sends SIGTERM to the daemon and waits for it to exit. Running bees are\nstopped and their jobs fail; retry them with `hive job retry` after the next start.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			pf := pidFile(paths.PIDPath)

			state, pid, err := pf.state()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch state {
			case daemonStopped:
				fmt.Fprintln(w, "daemon is not running")
				return nil
			case daemonStale:
				fmt.Fprintln(w, "removing stale PID file")
				return pf.release()
			}

			if !force && isTerminal(os.Stdin) && !confirm(cmd.InOrStdin(), w, fmt.Sprintf("stop daemon (PID %d) and every running bee?", pid)) {
				fmt.Fprintln(w, "aborted")
				return nil
			}
			if pid, err = pf.terminate(); err != nil {
				return err
			}
			fmt.Fprintf(w, "sent SIGTERM to daemon (PID %d)\n", pid)
			if wait <= 0 {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := waitExit(ctx, pid, 200*time.Millisecond); err != nil {
				return err
			}
			fmt.Fprintln(w, "daemon stopped")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "y", false, "do not ask for confirmation")
	cmd.Flags().DurationVar(&wait, "wait", shutdownTimeout+5*time.Second, "how long to wait for the daemon to exit (0 = do not wait)")

	return cmd
}

// confirm asks a yes/no question and reports whether the answer was yes.
func confirm(in io.Reader, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s [y/N] ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
