// Package remote drives a pre-provisioned detector host over ssh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUnreachable marks an ssh run that failed to connect, as opposed to a
// remote script that ran and failed.
var ErrUnreachable = errors.New("ssh connection failed")

// sshConnectExit is the status ssh itself exits with on connection errors.
const sshConnectExit = 255

type SSHOptions struct {
	Port           int
	KeyPath        string
	ConnectTimeout int // seconds
}

// Runner executes script on target and returns its trimmed output.
type Runner func(ctx context.Context, target string, opts SSHOptions, script string) (string, error)

// RunScript pipes script into `sh -s` on target.
func RunScript(ctx context.Context, target string, opts SSHOptions, script string) (string, error) {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if opts.ConnectTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(opts.ConnectTimeout))
	}
	if opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(opts.Port))
	}
	if strings.TrimSpace(opts.KeyPath) != "" {
		args = append(args, "-i", opts.KeyPath)
	}
	args = append(args, target, "sh", "-s")

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == sshConnectExit {
			err = fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		if output == "" {
			return "", fmt.Errorf("ssh %s failed: %w", target, err)
		}
		return "", fmt.Errorf("ssh %s failed: %w: %s", target, err, output)
	}
	return output, nil
}
