package cmdutil

import (
	"errors"
	"fmt"
	"testing"

	"caro"
)

func TestExitCode(t *testing.T) {
	cfgErr := &caro.ConfigError{}
	cfgErr.Add("CARO_LOGFILE", "required")

	testCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "config", err: cfgErr, want: ExitConfig},
		{name: "wrapped config", err: fmt.Errorf("load: %w", cfgErr), want: ExitConfig},
		{name: "other", err: errors.New("listen: address in use"), want: ExitError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	t.Setenv("CARO_INBOX_ENDPOINT", "")
	if got := ServerAddr(""); got != DefaultServer {
		t.Fatalf("ServerAddr(\"\") = %q, want %q", got, DefaultServer)
	}
	t.Setenv("CARO_INBOX_ENDPOINT", "http://10.0.0.5:8080")
	if got := ServerAddr(""); got != "http://10.0.0.5:8080" {
		t.Fatalf("ServerAddr(\"\") = %q, want env value", got)
	}
	if got := ServerAddr(" 10.0.0.9:80 "); got != "10.0.0.9:80" {
		t.Fatalf("ServerAddr(flag) = %q, want flag value", got)
	}
}
