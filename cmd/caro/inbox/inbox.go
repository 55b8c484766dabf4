package inboxcmd

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"caro/cmd/caro/cmdutil"
	"caro/cmd/caro/ui"
	"caro/internal/server"

	"github.com/spf13/cobra"
)

// Cmd returns "caro inbox". serverFlag points at the root --server value.
func Cmd(serverFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect inbox entries on a running server",
	}
	cmd.AddCommand(listCmd(serverFlag))
	cmd.AddCommand(showCmd(serverFlag))
	return cmd
}

func listCmd(serverFlag *string) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inbox entries in arrival order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, err := cmdutil.Operator(*serverFlag)
			if err != nil {
				return err
			}
			entries, err := op.List(cmd.Context(), state)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.Muted("no entries"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table(
				[]string{"SEQ", "STATE", "ATTEMPTS", "SIZE", "ARRIVED", "LABELS", "LAST ERROR"},
				rows(entries)))
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only list entries in this state (pending, in_progress, done, failed)")
	return cmd
}

func rows(entries []server.Entry) [][]string {
	out := make([][]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, []string{
			strconv.FormatUint(e.Seq, 10),
			ui.State(e.State),
			strconv.Itoa(e.Attempts),
			strconv.Itoa(e.Size),
			e.ArrivedAt.Local().Format(time.DateTime),
			labels(e),
			truncate(e.LastError, 48),
		})
	}
	return out
}

func showCmd(serverFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <seq>",
		Short: "Show one inbox entry with its detection result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("seq must be an unsigned integer: %q", args[0])
			}
			op, err := cmdutil.Operator(*serverFlag)
			if err != nil {
				return err
			}
			e, err := op.Entry(cmd.Context(), seq)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("Seq", strconv.FormatUint(e.Seq, 10)),
				ui.KV("State", ui.State(e.State)),
				ui.KV("Attempts", strconv.Itoa(e.Attempts)),
				ui.KV("Size", strconv.Itoa(e.Size)),
				ui.KV("Checksum", e.Checksum),
				ui.KV("Captured", e.CapturedAt.Local().Format(time.RFC3339)),
				ui.KV("Arrived", e.ArrivedAt.Local().Format(time.RFC3339)),
				ui.KV("Updated", e.UpdatedAt.Local().Format(time.RFC3339)),
				ui.KV("Last error", cmp.Or(e.LastError, "-")),
			))
			if e.Result == nil || len(e.Result.Labels) == 0 {
				return nil
			}
			var lrows [][]string
			for _, l := range e.Result.Labels {
				lrows = append(lrows, []string{
					l.Class,
					strconv.FormatFloat(l.Confidence, 'f', 2, 64),
					fmt.Sprintf("%.0f,%.0f %.0fx%.0f", l.Box.X, l.Box.Y, l.Box.W, l.Box.H),
				})
			}
			fmt.Fprintln(out, ui.Table([]string{"CLASS", "CONFIDENCE", "BOX"}, lrows))
			return nil
		},
	}
}

func labels(e server.Entry) string {
	if e.Result == nil {
		return "-"
	}
	if len(e.Result.Labels) == 0 {
		return "none"
	}
	classes := make([]string, 0, len(e.Result.Labels))
	for _, l := range e.Result.Labels {
		classes = append(classes, l.Class)
	}
	return strings.Join(classes, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
