package lifecyclecmd

import (
	"cmp"
	"fmt"
	"io"
	"strconv"
	"time"

	"caro/cmd/caro/cmdutil"
	"caro/cmd/caro/ui"
	"caro/internal/server"

	"github.com/spf13/cobra"
)

// Cmd returns "caro lifecycle". serverFlag points at the root --server value.
func Cmd(serverFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Inspect or reset the detector instance lifecycle",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the lifecycle phase and inbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, err := cmdutil.Operator(*serverFlag)
			if err != nil {
				return err
			}
			st, err := op.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear a failed lifecycle so provisioning can start again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, err := cmdutil.Operator(*serverFlag)
			if err != nil {
				return err
			}
			st, err := op.Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("lifecycle reset, phase %s", st.Lifecycle.PhaseName))
			return nil
		},
	})
	return cmd
}

func printStatus(w io.Writer, st server.StatusResponse) {
	l := st.Lifecycle
	instance := "-"
	if l.Instance.ID != "" {
		instance = fmt.Sprintf("%s (%s)", l.Instance.ID, l.Instance.Address)
	}
	fmt.Fprint(w, ui.KeyValues("  ",
		ui.KV("Phase", ui.State(l.PhaseName)),
		ui.KV("Since", l.Since.Local().Format(time.RFC3339)),
		ui.KV("Instance", instance),
		ui.KV("In flight", strconv.Itoa(l.InFlight)),
		ui.KV("Ready retries", strconv.Itoa(l.ReadyRetries)),
		ui.KV("Health failures", strconv.Itoa(l.HealthFailures)),
		ui.KV("Last error", cmp.Or(l.LastError, "-")),
	))
	fmt.Fprint(w, ui.KeyValues("  ",
		ui.KV("Pending", strconv.Itoa(st.Inbox["pending"])),
		ui.KV("In progress", strconv.Itoa(st.Inbox["in_progress"])),
		ui.KV("Done", strconv.Itoa(st.Inbox["done"])),
		ui.KV("Failed", strconv.Itoa(st.Inbox["failed"])),
	))
	if l.Alert {
		fmt.Fprintln(w, ui.ErrorMsg("lifecycle failed: run `caro lifecycle reset` once the cause is fixed"))
	}
}
