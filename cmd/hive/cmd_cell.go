package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"hive/pkg/cell"
	"hive/pkg/protocol"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// newCellCmd creates the "hive cell" command group.
func newCellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cell",
		Short: "Manage bee worktrees (cells)",
	}
	cmd.AddCommand(newCellListCmd(), newCellRmCmd(), newCellPruneCmd())
	return cmd
}

func newCellListCmd() *cobra.Command {
	var (
		project string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			combID, err := resolveCombID(ctx, a.st, project)
			if err != nil {
				return err
			}
			cs := protocol.CellStatus(status)
			if status != "" && !cs.Valid() {
				return &protocol.FieldError{Field: "status", Value: status}
			}
			return printCells(ctx, a.st, cmd.OutOrStdout(), combID, cs)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only cells of this project")
	cmd.Flags().StringVarP(&status, "status", "s", "", "active, merged or removed")

	return cmd
}

func printCells(ctx context.Context, st *store.Store, w io.Writer, combID string, status protocol.CellStatus) error {
	cells, err := st.ListCells(ctx, combID, status)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(cells))
	for _, c := range cells {
		rows = append(rows, []string{c.ID, c.BeeID, string(c.Status), c.Branch, c.Path})
	}
	renderTable(w, []string{"ID", "BEE", "STATUS", "BRANCH", "PATH"}, rows)
	return nil
}

// errCellInUse is returned when removing the cell of a live bee.
var errCellInUse = errors.New("cell is in use by a live bee")

func newCellRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <cell-id>",
		Short: "Remove a cell's worktree (e.g. one kept after a crash)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := removeCell(ctx, a.st, cell.NewManager(a.st, nil, a.log), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

// cellRemover is the part of cell.Manager used by removeCell.
type cellRemover interface {
	Remove(ctx context.Context, cellID string) error
}

func removeCell(ctx context.Context, st *store.Store, m cellRemover, cellID string) error {
	c, err := st.GetCell(ctx, cellID)
	if err != nil {
		return err
	}
	if b, err := st.GetBee(ctx, c.BeeID); err == nil && (b.Status.Live() || b.Status == protocol.BeePaused) {
		return fmt.Errorf("%s: %w (bee %s is %s)", cellID, errCellInUse, b.ID, b.Status)
	}
	return m.Remove(ctx, cellID)
}

func newCellPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <project>",
		Short: "Reconcile cell directories and records for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			// The daemon prunes on start; pruning under it could race a
			// cell being created.
			if state, pid, _ := pidFile(a.paths.PIDPath).state(); state == daemonRunning {
				return fmt.Errorf("daemon is running (PID %d); run `hive stop` first", pid)
			}
			c, err := a.st.ResolveComb(ctx, args[0])
			if err != nil {
				return err
			}
			n, err := cell.NewManager(a.st, nil, a.log).Prune(ctx, c.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d cell(s) in %s\n", n, c.Name)
			return nil
		},
	}
}
