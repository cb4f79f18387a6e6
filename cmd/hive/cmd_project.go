package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"hive/internal/config"
	"hive/pkg/protocol"
	"hive/pkg/store"

	"github.com/spf13/cobra"
)

// projectFlags holds the settable fields for project add and set.
type projectFlags struct {
	repoURL  string
	policy   string
	validate string
	base     string
}

// newProjectCmd creates the "hive project" command group.
func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"comb"},
		Short:   "Manage projects (combs)",
	}
	cmd.AddCommand(newProjectAddCmd(), newProjectListCmd(), newProjectSetCmd())
	return cmd
}

func newProjectAddCmd() *cobra.Command {
	var f projectFlags

	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register a git repository as a project",
		Long: `Registers a local git repository. Settings not given as flags are read
from hive.toml at the repository root when present:

  base_branch = "main"
  merge_policy = "auto_merge"   # manual | auto_merge | pr_branch
  validation_command = "go test ./..."`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := addProject(cmd.Context(), a.st, args[0], args[1], f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added project %s (%s) policy=%s base=%s\n", c.Name, c.ID, c.MergePolicy, c.BaseBranch)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.repoURL, "repo-url", "", "upstream repository URL")
	cmd.Flags().StringVar(&f.policy, "merge-policy", "", "manual, auto_merge or pr_branch")
	cmd.Flags().StringVar(&f.validate, "validate", "", "shell command run in the cell after each job")
	cmd.Flags().StringVar(&f.base, "base", "", "base branch (default main)")

	return cmd
}

// addProject merges hive.toml with explicit flags and creates the comb.
func addProject(ctx context.Context, st *store.Store, name, path string, f projectFlags, changed func(string) bool) (protocol.Comb, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return protocol.Comb{}, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return protocol.Comb{}, fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return protocol.Comb{}, fmt.Errorf("project path %s is not a directory", abs)
	}

	pf, _, err := config.LoadProjectFile(abs)
	if err != nil {
		return protocol.Comb{}, err
	}

	c := protocol.Comb{
		Name:              name,
		Path:              abs,
		RepoURL:           f.repoURL,
		MergePolicy:       protocol.MergePolicy(pf.MergePolicy),
		ValidationCommand: pf.ValidationCommand,
		BaseBranch:        pf.BaseBranch,
	}
	if changed("merge-policy") {
		c.MergePolicy = protocol.MergePolicy(f.policy)
	}
	if changed("validate") {
		c.ValidationCommand = f.validate
	}
	if changed("base") {
		c.BaseBranch = f.base
	}
	return st.CreateComb(ctx, c)
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return printProjects(cmd.Context(), a.st, cmd.OutOrStdout())
		},
	}
}

func printProjects(ctx context.Context, st *store.Store, w io.Writer) error {
	combs, err := st.ListCombs(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(combs))
	for _, c := range combs {
		rows = append(rows, []string{c.ID, c.Name, c.Path, string(c.MergePolicy), c.BaseBranch, orDash(c.ValidationCommand)})
	}
	renderTable(w, []string{"ID", "NAME", "PATH", "POLICY", "BASE", "VALIDATE"}, rows)
	return nil
}

func newProjectSetCmd() *cobra.Command {
	var f projectFlags

	cmd := &cobra.Command{
		Use:   "set <project>",
		Short: "Change a project's merge policy or validation command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("merge-policy") && !cmd.Flags().Changed("validate") {
				return fmt.Errorf("nothing to change: pass --merge-policy or --validate")
			}
			a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.st.ResolveComb(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var set store.CombSettings
			if cmd.Flags().Changed("merge-policy") {
				p := protocol.MergePolicy(f.policy)
				set.MergePolicy = &p
			}
			if cmd.Flags().Changed("validate") {
				set.ValidationCommand = &f.validate
			}
			c, err = a.st.UpdateCombSettings(cmd.Context(), c.ID, set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s: policy=%s validate=%s\n", c.Name, c.MergePolicy, orDash(c.ValidationCommand))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.policy, "merge-policy", "", "manual, auto_merge or pr_branch")
	cmd.Flags().StringVar(&f.validate, "validate", "", "validation command (empty string clears it)")

	return cmd
}
