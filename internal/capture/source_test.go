package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Capture) Capture {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("source closed early")
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a capture")
	}
	return Capture{}
}

func TestFolderSourceEmitsExistingThenNewFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "frame-0001.jpg")
	if err := os.WriteFile(old, []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	ch, err := NewFolderSource(dir, 20*time.Millisecond).Frames(ctx)
	if err != nil {
		t.Fatalf("Frames() error = %v", err)
	}

	first := receive(t, ch)
	if string(first.Payload) != "existing" {
		t.Fatalf("first capture = %q, want existing", first.Payload)
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("file removed before it was spooled: %v", err)
	}
	first.finish(nil)
	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("emitted file still present: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "frame.jpg.tmp"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "frame-0002.jpg"), []byte("fresh"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := receive(t, ch)
	if string(c.Payload) != "fresh" {
		t.Fatalf("second capture = %q, want fresh", c.Payload)
	}
	if c.CapturedAt.IsZero() {
		t.Fatal("CapturedAt not set")
	}

	cancel()
	for range ch {
	}
	if _, err := os.Stat(filepath.Join(dir, "frame.jpg.tmp")); err != nil {
		t.Fatalf("ignored file was touched: %v", err)
	}
}

func TestFolderSourceRetriesUnspooledFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	src := NewFolderSource(dir, 20*time.Millisecond)
	src.retryDelay = 40 * time.Millisecond
	ch, err := src.Frames(ctx)
	if err != nil {
		t.Fatalf("Frames() error = %v", err)
	}

	c := receive(t, ch)
	c.finish(errors.New("database or disk is full"))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed after a failed spool: %v", err)
	}

	again := receive(t, ch)
	if string(again.Payload) != "frame" {
		t.Fatalf("retried capture = %q, want frame", again.Payload)
	}
	again.finish(nil)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("spooled file still present: %v", err)
	}
}

func TestIgnored(t *testing.T) {
	tests := map[string]bool{
		"frame.jpg":          false,
		"/tmp/cap/frame.png": false,
		".frame.jpg":         true,
		"frame.jpg.tmp":      true,
		"frame.jpg.part":     true,
	}
	for name, want := range tests {
		if got := ignored(name); got != want {
			t.Errorf("ignored(%q) = %v, want %v", name, got, want)
		}
	}
}
