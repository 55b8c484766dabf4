package main

import (
	"fmt"
	"os"

	clientcmd "caro/cmd/caro/client"
	"caro/cmd/caro/cmdutil"
	inboxcmd "caro/cmd/caro/inbox"
	lifecyclecmd "caro/cmd/caro/lifecycle"
	servercmd "caro/cmd/caro/server"
	"caro/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug      bool
		envFile    string
		serverAddr string
	)

	root := &cobra.Command{
		Use:           "caro",
		Short:         "Capture frames on a rover and run object detection on demand",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			_, err := logging.Configure(logging.Options{Console: level})
			return err
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "YAML file of CARO_* settings (default $XDG_CONFIG_HOME/caro/caro.yaml)")
	root.PersistentFlags().StringVar(&serverAddr, "server", "", "Server address for operator commands (default $CARO_INBOX_ENDPOINT or "+cmdutil.DefaultServer+")")

	root.AddCommand(servercmd.Cmd(&envFile, &debug))
	root.AddCommand(clientcmd.Cmd(&envFile, &debug))
	root.AddCommand(inboxcmd.Cmd(&serverAddr))
	root.AddCommand(lifecyclecmd.Cmd(&serverAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cmdutil.ExitCode(err))
	}
}
