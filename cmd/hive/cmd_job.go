package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"hive/pkg/protocol"
	"hive/pkg/queen"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// newJobCmd creates the "hive job" command group.
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}
	cmd.AddCommand(newJobCreateCmd(), newJobListCmd(), newJobAssignCmd(), newJobRetryCmd())
	return cmd
}

// jobCreateFlags holds flags for job create.
type jobCreateFlags struct {
	quest       string
	project     string
	title       string
	description string
	deps        []string
}

func newJobCreateCmd() *cobra.Command {
	var f jobCreateFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending job in a quest",
		Long:  "Creates a job. The project defaults to the quest's project.\nDependencies must be jobs of the same project and may not form a cycle.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			spec, err := jobSpec(ctx, a.st, f)
			if err != nil {
				return err
			}
			return a.withQueen(ctx, func(q *queen.Queen) error {
				job, err := q.CreateJob(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&f.quest, "quest", "q", "", "quest ID (required)")
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project name or ID (default: the quest's project)")
	cmd.Flags().StringVarP(&f.title, "title", "t", "", "job title (required)")
	cmd.Flags().StringVarP(&f.description, "description", "d", "", "instructions for the bee")
	cmd.Flags().StringSliceVar(&f.deps, "dep", nil, "job ID this job depends on (repeatable)")
	_ = cmd.MarkFlagRequired("quest")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

// jobSpec resolves the project for a new job.
func jobSpec(ctx context.Context, st *store.Store, f jobCreateFlags) (queen.JobSpec, error) {
	spec := queen.JobSpec{
		Title:       f.title,
		Description: f.description,
		QuestID:     f.quest,
		DependsOn:   f.deps,
	}
	combID, err := resolveCombID(ctx, st, f.project)
	if err != nil {
		return spec, err
	}
	if combID == "" {
		quest, err := st.GetQuest(ctx, f.quest)
		if err != nil {
			return spec, err
		}
		if quest.CombID == "" {
			return spec, fmt.Errorf("quest %s has no project; pass --project", quest.ID)
		}
		combID = quest.CombID
	}
	spec.CombID = combID
	return spec, nil
}

// jobListFlags holds flags for job list.
type jobListFlags struct {
	project string
	quest   string
	status  string
}

func newJobListCmd() *cobra.Command {
	var f jobListFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			filter, err := jobFilter(ctx, a.st, f)
			if err != nil {
				return err
			}
			return printJobs(ctx, a.st, cmd.OutOrStdout(), filter)
		},
	}

	cmd.Flags().StringVarP(&f.project, "project", "p", "", "only jobs of this project")
	cmd.Flags().StringVarP(&f.quest, "quest", "q", "", "only jobs of this quest")
	cmd.Flags().StringVarP(&f.status, "status", "s", "", "comma-separated statuses, e.g. pending,blocked")

	return cmd
}

func jobFilter(ctx context.Context, st *store.Store, f jobListFlags) (store.JobFilter, error) {
	combID, err := resolveCombID(ctx, st, f.project)
	if err != nil {
		return store.JobFilter{}, err
	}
	filter := store.JobFilter{CombID: combID, QuestID: f.quest}
	for _, s := range strings.Split(f.status, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		status := protocol.JobStatus(s)
		if !status.Valid() {
			return filter, &protocol.FieldError{Field: "status", Value: s}
		}
		filter.Status = append(filter.Status, status)
	}
	return filter, nil
}

func printJobs(ctx context.Context, st *store.Store, w io.Writer, filter store.JobFilter) error {
	jobs, err := st.ListJobs(ctx, filter)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID, j.Title, string(j.Status), orDash(j.BeeID),
			orDash(strings.Join(j.DependsOn, ",")), orDash(j.Reason),
		})
	}
	renderTable(w, []string{"ID", "TITLE", "STATUS", "BEE", "DEPENDS ON", "REASON"}, rows)
	return nil
}

func newJobAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <job-id>",
		Short: "Assign a pending job to a new bee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), protocol.DirectiveAssign, args[0])
		},
	}
}

func newJobRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed or blocked job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), protocol.DirectiveRetry, args[0])
		},
	}
}
