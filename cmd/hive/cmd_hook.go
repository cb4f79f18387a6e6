package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"hive/pkg/agent"
	"hive/pkg/hooks"
	"hive/pkg/protocol"
	"hive/pkg/store"
	"hive/pkg/waggle"

	"github.com/spf13/cobra"
)

// hookInput is the JSON document the agent writes to a hook's stdin.
type hookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Source         string `json:"source"`
	StopHookActive bool   `json:"stop_hook_active"`
}

// hookOutput is the JSON a SessionStart hook prints to add context.
type hookOutput struct {
	HookSpecificOutput struct {
		HookEventName     string `json:"hookEventName"`
		AdditionalContext string `json:"additionalContext"`
	} `json:"hookSpecificOutput"`
}

// newHookCmd creates the "hive hook" command group invoked by agent hooks.
func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Entry points for agent session hooks",
		Hidden: true,
	}
	cmd.AddCommand(newHookSubCmd("session-start", hooks.EventSessionStart), newHookSubCmd("stop", hooks.EventStop))
	return cmd
}

func newHookSubCmd(use, event string) *cobra.Command {
	var beeID, queenID string

	cmd := &cobra.Command{
		Use:   use,
		Short: "Handle the agent's " + event + " hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (beeID == "") == (queenID == "") {
				return fmt.Errorf("exactly one of --bee or --queen is required")
			}
			in := readHookInput(cmd.InOrStdin())

			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if beeID != "" {
				return handleBeeHook(ctx, a.st, a.bus, cmd.OutOrStdout(), event, beeID, in)
			}
			return handleQueenHook(ctx, a.st, a.bus, cmd.OutOrStdout(), event, queenID, in)
		},
	}

	cmd.Flags().StringVar(&beeID, string(hooks.RoleBee), "", "bee the session belongs to")
	cmd.Flags().StringVar(&queenID, string(hooks.RoleQueen), "", "queen session name")

	return cmd
}

// readHookInput decodes stdin. Missing or malformed input yields zero values.
func readHookInput(r io.Reader) hookInput {
	var in hookInput
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return in
	}
	_ = json.Unmarshal(data, &in)
	return in
}

// handleBeeHook records the session event on the bee's topic and, at
// session start, hands the agent its job brief.
func handleBeeHook(ctx context.Context, st *store.Store, bus *waggle.Bus, w io.Writer, event, beeID string, in hookInput) error {
	b, err := st.GetBee(ctx, beeID)
	if err != nil {
		return err
	}
	meta := map[string]string{
		protocol.MetaBeeID: b.ID,
		protocol.MetaJobID: b.JobID,
		"event":            event,
	}
	if in.SessionID != "" {
		meta["session_id"] = in.SessionID
	}
	if _, err := bus.Send(ctx, waggle.Envelope{
		From:     b.ID,
		To:       b.ID,
		Subject:  protocol.SubjectSession,
		Body:     event,
		Metadata: meta,
	}); err != nil {
		return err
	}

	if event != hooks.EventSessionStart {
		return nil
	}
	brief, err := beeBrief(ctx, st, b)
	if err != nil {
		return err
	}
	return writeHookContext(w, event, brief)
}

// beeBrief is the context injected at the start of a bee's session.
func beeBrief(ctx context.Context, st *store.Store, b protocol.Bee) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are hive bee %s.\n", b.ID)
	if b.JobID != "" {
		j, err := st.GetJob(ctx, b.JobID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "Your job is %s: %s\n", j.ID, j.Title)
	}
	if b.CellID != "" {
		if c, err := st.GetCell(ctx, b.CellID); err == nil {
			fmt.Fprintf(&sb, "Work only inside %s on branch %s.\n", c.Path, c.Branch)
		}
	}
	sb.WriteString("Commit your changes with git when the job is complete. Do not push.\n")
	return sb.String(), nil
}

// handleQueenHook gives an interactive queen session a status summary at
// start and reports the session's token usage when it stops.
func handleQueenHook(ctx context.Context, st *store.Store, bus *waggle.Bus, w io.Writer, event, queenID string, in hookInput) error {
	if event == hooks.EventStop {
		return recordSessionUsage(ctx, bus, queenID, in)
	}
	if event != hooks.EventSessionStart {
		return nil
	}
	jobs, err := st.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}
	counts := make(map[protocol.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	unread, err := st.ListWaggles(ctx, protocol.TopicOperator, 0, true)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("You are the hive queen. You coordinate; you never edit files.\n")
	fmt.Fprintf(&sb, "Jobs: %d pending, %d running, %d blocked, %d failed, %d done.\n",
		counts[protocol.JobPending], counts[protocol.JobRunning]+counts[protocol.JobAssigned],
		counts[protocol.JobBlocked], counts[protocol.JobFailed], counts[protocol.JobDone])
	fmt.Fprintf(&sb, "Unread operator messages: %d.\n", len(unread))
	sb.WriteString("Use `hive status`, `hive quest`, `hive job` and `hive bee` to plan and steer work.\n")
	return writeHookContext(w, event, sb.String())
}

// recordSessionUsage publishes the token usage of an interactive session on
// the costs topic. Cost records belong to bees, so the queen's usage is only
// reported as a waggle. Missing transcripts are ignored.
func recordSessionUsage(ctx context.Context, bus *waggle.Bus, queenID string, in hookInput) error {
	if in.TranscriptPath == "" {
		return nil
	}
	f, err := os.Open(in.TranscriptPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	usage, err := agent.TranscriptUsage(f)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"queen":              queenID,
		"input_tokens":       strconv.FormatInt(usage.InputTokens, 10),
		"output_tokens":      strconv.FormatInt(usage.OutputTokens, 10),
		"cache_read_tokens":  strconv.FormatInt(usage.CacheReadTokens, 10),
		"cache_write_tokens": strconv.FormatInt(usage.CacheWriteTokens, 10),
		"model":              usage.Model,
	}
	if in.SessionID != "" {
		meta["session_id"] = in.SessionID
	}
	_, err = bus.Send(ctx, waggle.Envelope{
		From:     protocol.TopicQueen,
		To:       protocol.TopicCosts,
		Subject:  protocol.SubjectCost,
		Body:     "interactive session usage",
		Metadata: meta,
	})
	return err
}

func writeHookContext(w io.Writer, event, text string) error {
	var out hookOutput
	out.HookSpecificOutput.HookEventName = event
	out.HookSpecificOutput.AdditionalContext = text
	return json.NewEncoder(w).Encode(out)
}
