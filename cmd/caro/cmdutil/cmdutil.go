package cmdutil

import (
	"errors"
	"io"
	"os"
	"strings"

	"caro"
	"caro/config"
	"caro/internal/logging"
	"caro/internal/server"
)

// DefaultServer is used by operator commands when neither --server nor
// CARO_INBOX_ENDPOINT is set.
const DefaultServer = "127.0.0.1:8080"

// Exit codes.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr *caro.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfig
	}
	return ExitError
}

// Bootstrap loads the configuration for mode and routes logging to its log
// file. The console only shows errors unless debug is set. The returned
// closer flushes the log file.
func Bootstrap(mode config.Mode, envFile string, debug bool) (*config.Config, io.Closer, error) {
	cfg, err := config.Load(mode, envFile)
	if err != nil {
		return nil, nil, err
	}
	level := logging.LevelError
	if debug {
		level = logging.LevelDebug
	}
	closer, err := logging.Configure(logging.Options{Console: level, File: cfg.LogFile})
	if err != nil {
		return nil, nil, err
	}
	return cfg, closer, nil
}

// ServerAddr resolves the operator target: an explicit flag wins over the
// environment.
func ServerAddr(flag string) string {
	if s := strings.TrimSpace(flag); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(config.KeyInboxEndpoint)); s != "" {
		return s
	}
	return DefaultServer
}

// Operator returns a client for the server selected by flag.
func Operator(flag string) (*server.OperatorClient, error) {
	return server.NewOperatorClient(ServerAddr(flag))
}
