package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"hive/pkg/store"
	"hive/pkg/waggle"

	"github.com/spf13/cobra"
)

// newWaggleCmd creates the "hive waggle" command group.
func newWaggleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "waggle",
		Aliases: []string{"msg"},
		Short:   "Read and send bus messages",
	}
	cmd.AddCommand(newWaggleListCmd(), newWaggleSendCmd(), newWaggleReadCmd())
	return cmd
}

func newWaggleListCmd() *cobra.Command {
	var (
		unread bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list [topic]",
		Short: "List messages, newest first",
		Long:  "Lists messages addressed to topic (queen, operator, costs, comb:<id>, <bee-id>),\nor to every topic when none is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var topic string
			if len(args) == 1 {
				topic = args[0]
			}
			return printWaggles(ctx, a.bus, cmd.OutOrStdout(), topic, limit, unread)
		},
	}

	cmd.Flags().BoolVarP(&unread, "unread", "u", false, "only unread messages")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of messages (0 = all)")

	return cmd
}

func printWaggles(ctx context.Context, bus *waggle.Bus, w io.Writer, topic string, limit int, unread bool) error {
	msgs, err := bus.List(ctx, topic, limit, unread)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		read := ""
		if !m.Read {
			read = "*"
		}
		rows = append(rows, []string{read, m.ID, formatTime(m.CreatedAt), m.From, m.To, orDash(m.Subject), oneLine(m.Body, 60)})
	}
	renderTable(w, []string{"", "ID", "TIME", "FROM", "TO", "SUBJECT", "BODY"}, rows)
	return nil
}

func newWaggleSendCmd() *cobra.Command {
	var (
		to      string
		subject string
		meta    []string
	)

	cmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Send a message as the operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.bus.Send(ctx, waggle.Envelope{
				From:     operatorSender,
				To:       to,
				Subject:  subject,
				Body:     args[0],
				Metadata: metadata,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient topic (required)")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "message subject")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// parseMeta turns key=value pairs into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func newWaggleReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <waggle-id>",
		Short: "Show a message and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return readWaggle(ctx, a.st, a.bus, cmd.OutOrStdout(), args[0])
		},
	}
}

func readWaggle(ctx context.Context, st *store.Store, bus *waggle.Bus, w io.Writer, id string) error {
	m, err := st.GetWaggle(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s  %s\n", heading(w, m.ID), formatTime(m.CreatedAt))
	fmt.Fprintf(w, "from:    %s\nto:      %s\nsubject: %s\n", m.From, m.To, orDash(m.Subject))
	meta := m.Meta()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, meta[k])
	}
	if m.Body != "" {
		fmt.Fprintf(w, "\n%s\n", m.Body)
	}
	return bus.MarkRead(ctx, id)
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
