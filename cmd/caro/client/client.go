package clientcmd

import (
	"os"
	"os/signal"
	"syscall"

	"caro/cmd/caro/cmdutil"
	"caro/config"
	"caro/internal/client"

	"github.com/spf13/cobra"
)

// Cmd returns "caro client".
func Cmd(envFile *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Capture frames from the capture folder and deliver them to the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logs, err := cmdutil.Bootstrap(config.ModeClient, *envFile, *debug)
			if err != nil {
				return err
			}
			defer logs.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return client.Run(ctx, cfg)
		},
	}
}
