package main

import (
	"context"
	"fmt"
	"io"

	"hive/pkg/protocol"
	"hive/pkg/queen"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// newQuestCmd creates the "hive quest" command group.
func newQuestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quest",
		Short: "Manage quests (groups of jobs)",
	}
	cmd.AddCommand(newQuestCreateCmd(), newQuestListCmd(), newQuestCancelCmd())
	return cmd
}

func newQuestCreateCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a pending quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return a.withQueen(ctx, func(q *queen.Queen) error {
				quest, err := q.CreateQuest(ctx, args[0], combID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), quest.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project name or ID the quest belongs to")

	return cmd
}

func newQuestListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quests",
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
			return printQuests(ctx, a.st, cmd.OutOrStdout(), combID)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only quests of this project")

	return cmd
}

func printQuests(ctx context.Context, st *store.Store, w io.Writer, combID string) error {
	quests, err := st.ListQuests(ctx, combID)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(quests))
	for _, q := range quests {
		jobs, err := st.ListJobs(ctx, store.JobFilter{QuestID: q.ID})
		if err != nil {
			return err
		}
		done := 0
		for _, j := range jobs {
			if j.Status == protocol.JobDone {
				done++
			}
		}
		rows = append(rows, []string{q.ID, q.Name, string(q.Status), orDash(q.CombID), fmt.Sprintf("%d/%d", done, len(jobs)), formatTime(q.UpdatedAt)})
	}
	renderTable(w, []string{"ID", "NAME", "STATUS", "PROJECT", "DONE", "UPDATED"}, rows)
	return nil
}

func newQuestCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <quest-id>",
		Short: "Cancel a quest and stop its bees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), protocol.DirectiveCancel, args[0])
		},
	}
}

// resolveCombID maps a project name or ID to its ID. An empty ref stays empty.
func resolveCombID(ctx context.Context, st *store.Store, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	c, err := st.ResolveComb(ctx, ref)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}
