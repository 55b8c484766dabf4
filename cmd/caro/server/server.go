package servercmd

import (
	"os"
	"os/signal"
	"syscall"

	"caro/cmd/caro/cmdutil"
	"caro/config"
	"caro/internal/server"

	"github.com/spf13/cobra"
)

// Cmd returns "caro server". envFile and debug point at the root persistent
// flag values.
func Cmd(envFile *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the inbox, instance lifecycle and detection dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logs, err := cmdutil.Bootstrap(config.ModeServer, *envFile, *debug)
			if err != nil {
				return err
			}
			defer logs.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv, err := server.Open(ctx, cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx, cfg.InboxEndpoint)
		},
	}
}
