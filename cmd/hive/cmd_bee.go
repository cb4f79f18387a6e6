package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"hive/pkg/protocol"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// newBeeCmd creates the "hive bee" command group.
func newBeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bee",
		Short: "Inspect and control bees",
	}
	cmd.AddCommand(
		newBeeListCmd(),
		newBeeDirectiveCmd(protocol.DirectiveStop, "Stop a bee; its job fails"),
		newBeeDirectiveCmd(protocol.DirectivePause, "Pause a bee, keeping its job and cell"),
		newBeeDirectiveCmd(protocol.DirectiveResume, "Resume a paused bee"),
	)
	return cmd
}

func newBeeListCmd() *cobra.Command {
	var (
		project string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bees with their cost so far",
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
			var statuses []protocol.BeeStatus
			for _, s := range strings.Split(status, ",") {
				if s = strings.TrimSpace(s); s == "" {
					continue
				}
				bs := protocol.BeeStatus(s)
				if !bs.Valid() {
					return &protocol.FieldError{Field: "status", Value: s}
				}
				statuses = append(statuses, bs)
			}
			return printBees(ctx, a.st, cmd.OutOrStdout(), combID, statuses...)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only bees of this project")
	cmd.Flags().StringVarP(&status, "status", "s", "", "comma-separated statuses, e.g. working,paused")

	return cmd
}

func printBees(ctx context.Context, st *store.Store, w io.Writer, combID string, statuses ...protocol.BeeStatus) error {
	bees, err := st.ListBees(ctx, combID, statuses...)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(bees))
	for _, b := range bees {
		totals, err := st.CostTotals(ctx, b.ID)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			b.ID, string(b.Status), orDash(b.JobID), orDash(b.CellID),
			fmt.Sprintf("%d/%d", totals.InputTokens, totals.OutputTokens),
			fmt.Sprintf("$%.4f", totals.CostUSD),
			formatTime(b.UpdatedAt),
		})
	}
	renderTable(w, []string{"ID", "STATUS", "JOB", "CELL", "TOKENS IN/OUT", "COST", "UPDATED"}, rows)
	return nil
}

func newBeeDirectiveCmd(op protocol.Directive, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(op) + " <bee-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), op, args[0])
		},
	}
}
