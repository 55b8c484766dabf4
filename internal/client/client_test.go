package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"caro"
	"caro/config"
	"caro/internal/adapter/sqlite"
	"caro/internal/inbox"
	"caro/internal/transfer"
)

func TestRunDeliversDroppedFiles(t *testing.T) {
	q := inbox.New(10)
	ts := httptest.NewServer(transfer.NewHandler(q))
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	folder := filepath.Join(dir, "captures")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folder, "0001.jpg"), []byte("jpeg-one"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Mode:          config.ModeClient,
		InboxEndpoint: ts.URL,
		Client: config.Client{
			CaptureFolder:      folder,
			SpoolPath:          filepath.Join(dir, "spool.db"),
			SpoolCapacity:      8,
			SendRetryBudget:    3,
			SendBackoffInitial: time.Millisecond,
			SendBackoffMax:     5 * time.Millisecond,
			SendTimeout:        time.Second,
		},
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	deadline := time.Now().Add(10 * time.Second)
	for q.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("PendingCount() = %d, want 1", q.PendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	entries := q.List(nil)
	if got := string(entries[0].Frame.Payload); got != "jpeg-one" {
		t.Fatalf("payload = %q, want jpeg-one", got)
	}
	if entries[0].Frame.Checksum != caro.ChecksumOf([]byte("jpeg-one")) {
		t.Fatal("checksum not carried through")
	}

	store, err := sqlite.OpenSpool(cfg.Client.SpoolPath)
	if err != nil {
		t.Fatalf("OpenSpool() error = %v", err)
	}
	defer store.Close()
	for {
		n, err := store.Count(t.Context())
		if err != nil {
			t.Fatalf("spool Count() error = %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("spool Count() = %d, want 0 after delivery", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunRejectsBadEndpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Mode:          config.ModeClient,
		InboxEndpoint: "http://",
		Client: config.Client{
			CaptureFolder: filepath.Join(dir, "captures"),
			SpoolPath:     filepath.Join(dir, "spool.db"),
		},
	}
	if err := Run(t.Context(), cfg); err == nil {
		t.Fatal("Run() error = nil, want endpoint error")
	}
}
