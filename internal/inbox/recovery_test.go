package inbox_test

import (
	"path/filepath"
	"testing"
	"time"

	"caro"
	"caro/internal/adapter/sqlite"
	"caro/internal/inbox"
)

func TestOpenRecoversAfterRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inbox.db")
	ctx := t.Context()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	store, err := sqlite.OpenInbox(path)
	if err != nil {
		t.Fatalf("OpenInbox() error = %v", err)
	}
	q, err := inbox.Open(ctx, store, 0)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := uint64(1); i <= 4; i++ {
		if err := q.Enqueue(ctx, caro.NewFrame(i, at, []byte{byte(i)})); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	// 1 done, 2 in flight when the process dies, 3 requeued, 4 untouched.
	e1, _, _ := q.DequeueNext(ctx)
	result := &caro.DetectionResult{
		Seq:        e1.Seq(),
		DetectedAt: at.Add(time.Second),
		Labels:     []caro.Label{{Class: "person", Confidence: 0.8}},
	}
	if err := q.Mark(ctx, e1.Seq(), caro.EntryDone, result, nil); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if _, _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	e3, _, _ := q.DequeueNext(ctx)
	if err := q.Requeue(ctx, e3.Seq(), nil); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	store, err = sqlite.OpenInbox(path)
	if err != nil {
		t.Fatalf("OpenInbox() reopen error = %v", err)
	}
	defer store.Close()
	q, err = inbox.Open(ctx, store, 0)
	if err != nil {
		t.Fatalf("Open() after restart error = %v", err)
	}

	if got := q.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() after restart = %d, want 3", got)
	}
	e, ok := q.Entry(1)
	if !ok || e.State != caro.EntryDone {
		t.Fatalf("entry 1 after restart = %+v, want done", e)
	}
	if e.Result == nil || len(e.Result.Labels) != 1 || e.Result.Labels[0].Class != "person" {
		t.Fatalf("entry 1 Result after restart = %+v, want the stored person label", e.Result)
	}

	var order []uint64
	for {
		e, ok, err := q.DequeueNext(ctx)
		if err != nil {
			t.Fatalf("DequeueNext() error = %v", err)
		}
		if !ok {
			break
		}
		order = append(order, e.Seq())
		if err := e.Frame.Verify(); err != nil {
			t.Fatalf("recovered frame %d Verify() error = %v", e.Seq(), err)
		}
	}
	want := []uint64{3, 2, 4}
	if len(order) != len(want) {
		t.Fatalf("order after restart = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order after restart = %v, want %v", order, want)
		}
	}

	if err := q.Enqueue(ctx, caro.NewFrame(1, at, []byte{1})); err == nil {
		t.Fatal("Enqueue() of a finished seq after restart expected ErrDuplicate")
	}
}
