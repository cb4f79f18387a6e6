package main

import (
	"fmt"

	"hive/internal/config"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "hive init" subcommand.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the hive home, default config and state database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()

			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := paths.EnsureHome(); err != nil {
				return err
			}
			wrote, err := config.WriteDefault(paths.ConfigPath)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(w, "wrote default config to %s\n", paths.ConfigPath)
			} else {
				fmt.Fprintf(w, "config already exists at %s\n", paths.ConfigPath)
			}

			a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(w, "state database ready at %s\n", a.paths.DBPath)
			return nil
		},
	}
}
