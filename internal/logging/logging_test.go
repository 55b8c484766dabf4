package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: " WARN ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLevel(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestFanoutRespectsPerHandlerLevel(t *testing.T) {
	var quiet, verbose bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	log := slog.New(h).With("component", "test")

	log.Debug("frame spooled", "seq", 1)
	log.Error("provisioning failed", "alert", true)

	if strings.Contains(quiet.String(), "frame spooled") {
		t.Fatalf("error-level handler got debug record: %q", quiet.String())
	}
	if !strings.Contains(quiet.String(), "provisioning failed") {
		t.Fatalf("error-level handler missing error record: %q", quiet.String())
	}
	if !strings.Contains(verbose.String(), "frame spooled") || !strings.Contains(verbose.String(), "component=test") {
		t.Fatalf("debug handler output = %q", verbose.String())
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("fanout should be enabled at debug when any handler is")
	}
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	if _, err := Configure(Options{Console: "shout"}); err == nil {
		t.Fatal("Configure() expected error for invalid level")
	}
}
