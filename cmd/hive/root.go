package main

import (
	"fmt"

	"hive/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root hive command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hive",
		Short:         "Hive agent orchestrator",
		Long:          "hive runs coding agents (bees) in isolated git worktrees (cells),\none project (comb) at a time, coordinated by a single queen.",
		Version:       fmt.Sprintf("hive %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newProjectCmd(),
		newQuestCmd(),
		newJobCmd(),
		newBeeCmd(),
		newCellCmd(),
		newWaggleCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newRunCmd(),
		newStopCmd(),
		newQueenCmd(),
		newHookCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "hive version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hive version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			if rev := appversion.Revision(); rev != "" {
				fmt.Fprintf(w, "hive %s (%s)\n", appversion.String(), rev)
				return
			}
			fmt.Fprintf(w, "hive %s\n", appversion.String())
		},
	}
}
