package main

import (
	"fmt"
	"os"
	"path/filepath"

	"hive/pkg/agent"
	"hive/pkg/hooks"

	"github.com/spf13/cobra"
)

// queenPrompt opens an interactive queen session.
const queenPrompt = `You are the hive queen. Read the session context, then help the operator
break work into quests and jobs with the hive CLI. Do not edit files.`

// newQueenCmd creates the "hive queen" subcommand.
func newQueenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queen",
		Short: "Open an interactive coordinator session in the agent",
		Long:  "Starts the agent attached to this terminal with read-only queen permissions.\nThe session can inspect and steer the hive through the CLI.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			binary, err := os.Executable()
			if err != nil {
				binary = "hive"
			}
			dir := filepath.Join(a.paths.Home, "queen")
			settings := hooks.ForQueen(binary, "queen")
			if err := hooks.Validate(hooks.RoleQueen, dir, settings); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create queen dir: %w", err)
			}
			path, err := hooks.Write(dir, settings)
			if err != nil {
				return err
			}

			h, err := agent.Spawn(cmd.Context(), dir, agent.Interactive, queenPrompt, agent.Options{
				Executable:   a.cfg.Agent.Executable,
				Model:        a.cfg.Agent.Model,
				SettingsPath: path,
				Logger:       a.log,
			})
			if err != nil {
				return err
			}
			if code := h.Wait(); code != 0 {
				return fmt.Errorf("agent exited with code %d", code)
			}
			return nil
		},
	}
}
