package inbox

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"caro"
)

func frame(seq uint64, payload string) caro.Frame {
	return caro.NewFrame(seq, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), []byte(payload))
}

func result(seq uint64) *caro.DetectionResult {
	return &caro.DetectionResult{Seq: seq, Labels: []caro.Label{{Class: "rock", Confidence: 0.8}}}
}

func mustEnqueue(t *testing.T, q *Queue, f caro.Frame) {
	t.Helper()
	if err := q.Enqueue(t.Context(), f); err != nil {
		t.Fatalf("Enqueue(%d) error = %v", f.Seq, err)
	}
}

func mustDequeue(t *testing.T, q *Queue) caro.InboxEntry {
	t.Helper()
	e, ok, err := q.DequeueNext(t.Context())
	if err != nil {
		t.Fatalf("DequeueNext() error = %v", err)
	}
	if !ok {
		t.Fatal("DequeueNext() returned nothing, want an entry")
	}
	return e
}

func TestAllFramesReachDoneExactlyOnce(t *testing.T) {
	t.Parallel()
	const n = 100
	q := New(0)
	ctx := t.Context()

	for i := uint64(1); i <= n; i++ {
		mustEnqueue(t, q, frame(i, fmt.Sprintf("frame-%d", i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok, err := q.DequeueNext(ctx)
				if err != nil {
					t.Errorf("DequeueNext() error = %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[e.Seq()]++
				mu.Unlock()
				if err := q.Mark(ctx, e.Seq(), caro.EntryDone, result(e.Seq()), nil); err != nil {
					t.Errorf("Mark(%d) error = %v", e.Seq(), err)
				}
			}
		}()
	}
	wg.Wait()

	for seq, count := range seen {
		if count != 1 {
			t.Errorf("seq %d dequeued %d times, want 1", seq, count)
		}
	}
	done := caro.EntryDone
	entries := q.List(&done)
	if len(entries) != n {
		t.Fatalf("done entries = %d, want %d", len(entries), n)
	}
	results := make(map[uint64]bool, n)
	for _, e := range entries {
		if e.Result == nil {
			t.Fatalf("entry %d done without result", e.Seq())
		}
		results[e.Result.Seq] = true
	}
	if len(results) != n {
		t.Fatalf("distinct result seqs = %d, want %d", len(results), n)
	}
	if got := q.Count(caro.EntryPending) + q.Count(caro.EntryInProgress); got != 0 {
		t.Fatalf("active entries = %d, want 0", got)
	}
}

func TestConcurrentDequeueNeverReturnsSameEntry(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	for i := uint64(1); i <= 20; i++ {
		mustEnqueue(t, q, frame(i, "x"))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken = make(map[uint64]bool)
		dups  []uint64
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok, err := q.DequeueNext(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				if taken[e.Seq()] {
					dups = append(dups, e.Seq())
				}
				taken[e.Seq()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dups) > 0 {
		t.Fatalf("entries handed out twice while in progress: %v", dups)
	}
	if got := q.Count(caro.EntryInProgress); got != 20 {
		t.Fatalf("in progress = %d, want 20", got)
	}
}

func TestEnqueueRejectsCorruptPayload(t *testing.T) {
	t.Parallel()
	q := New(0)

	f := frame(1, "original")
	f.Payload = []byte("tampered")
	err := q.Enqueue(t.Context(), f)
	if !errors.Is(err, caro.ErrChecksumMismatch) {
		t.Fatalf("Enqueue() error = %v, want ErrChecksumMismatch", err)
	}
	if _, ok := q.Entry(1); ok {
		t.Fatal("corrupt frame created an inbox entry")
	}
	if got := q.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
}

func TestEnqueueDuplicateAndConflict(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	mustEnqueue(t, q, frame(1, "a"))

	if err := q.Enqueue(ctx, frame(1, "a")); !errors.Is(err, caro.ErrDuplicate) {
		t.Fatalf("Enqueue() same payload error = %v, want ErrDuplicate", err)
	}
	if err := q.Enqueue(ctx, frame(1, "b")); !errors.Is(err, caro.ErrSequenceConflict) {
		t.Fatalf("Enqueue() other payload error = %v, want ErrSequenceConflict", err)
	}
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}

	// Still a duplicate after the entry has finished.
	e := mustDequeue(t, q)
	if err := q.Mark(ctx, e.Seq(), caro.EntryDone, result(1), nil); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if err := q.Enqueue(ctx, frame(1, "a")); !errors.Is(err, caro.ErrDuplicate) {
		t.Fatalf("Enqueue() after done error = %v, want ErrDuplicate", err)
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	t.Parallel()
	q := New(2)
	ctx := t.Context()
	mustEnqueue(t, q, frame(1, "a"))
	mustEnqueue(t, q, frame(2, "b"))

	if err := q.Enqueue(ctx, frame(3, "c")); !errors.Is(err, caro.ErrBackpressure) {
		t.Fatalf("Enqueue() error = %v, want ErrBackpressure", err)
	}

	// In-progress work still occupies capacity.
	e := mustDequeue(t, q)
	if err := q.Enqueue(ctx, frame(3, "c")); !errors.Is(err, caro.ErrBackpressure) {
		t.Fatalf("Enqueue() with one in progress error = %v, want ErrBackpressure", err)
	}
	if err := q.Mark(ctx, e.Seq(), caro.EntryDone, result(e.Seq()), nil); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	mustEnqueue(t, q, frame(3, "c"))
}

func TestDequeueFollowsArrivalNotSequence(t *testing.T) {
	t.Parallel()
	q := New(0)
	for _, seq := range []uint64{5, 2, 9} {
		mustEnqueue(t, q, frame(seq, "x"))
	}
	for _, want := range []uint64{5, 2, 9} {
		if got := mustDequeue(t, q).Seq(); got != want {
			t.Fatalf("DequeueNext() = %d, want %d", got, want)
		}
	}
	if _, ok, _ := q.DequeueNext(t.Context()); ok {
		t.Fatal("DequeueNext() on empty queue returned an entry")
	}
}

func TestRequeueGoesToFrontAndCountsAttempt(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	mustEnqueue(t, q, frame(1, "a"))
	mustEnqueue(t, q, frame(2, "b"))

	e := mustDequeue(t, q)
	if err := q.Requeue(ctx, e.Seq(), errors.New("timeout")); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	got := mustDequeue(t, q)
	if got.Seq() != 1 {
		t.Fatalf("DequeueNext() after requeue = %d, want 1", got.Seq())
	}
	if got.Attempts != 1 || got.LastError != "timeout" {
		t.Fatalf("requeued entry = attempts %d, last error %q", got.Attempts, got.LastError)
	}

	if err := q.Release(ctx, got.Seq()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got = mustDequeue(t, q)
	if got.Seq() != 1 || got.Attempts != 1 {
		t.Fatalf("released entry = seq %d attempts %d, want seq 1 attempts 1", got.Seq(), got.Attempts)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	mustEnqueue(t, q, frame(1, "a"))
	mustEnqueue(t, q, frame(2, "b"))

	done := mustDequeue(t, q)
	if err := q.Mark(ctx, done.Seq(), caro.EntryDone, result(1), nil); err != nil {
		t.Fatalf("Mark(done) error = %v", err)
	}
	failed := mustDequeue(t, q)
	if err := q.Mark(ctx, failed.Seq(), caro.EntryFailed, nil, errors.New("boom")); err != nil {
		t.Fatalf("Mark(failed) error = %v", err)
	}

	for _, seq := range []uint64{1, 2} {
		if err := q.Mark(ctx, seq, caro.EntryFailed, nil, nil); !errors.Is(err, caro.ErrInvalidTransition) {
			t.Errorf("Mark(%d) on terminal error = %v, want ErrInvalidTransition", seq, err)
		}
		if err := q.Requeue(ctx, seq, nil); !errors.Is(err, caro.ErrInvalidTransition) {
			t.Errorf("Requeue(%d) on terminal error = %v, want ErrInvalidTransition", seq, err)
		}
	}

	e, _ := q.Entry(2)
	if e.State != caro.EntryFailed || e.LastError != "boom" || e.Frame.Payload != nil {
		t.Fatalf("failed entry = %+v, want failed with last error and released payload", e)
	}
	if err := q.Mark(ctx, 3, caro.EntryDone, result(3), nil); !errors.Is(err, caro.ErrNotFound) {
		t.Fatalf("Mark() unknown seq error = %v, want ErrNotFound", err)
	}
}

func TestMarkValidatesArguments(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	mustEnqueue(t, q, frame(1, "a"))
	e := mustDequeue(t, q)

	if err := q.Mark(ctx, e.Seq(), caro.EntryPending, nil, nil); !errors.Is(err, caro.ErrInvalidTransition) {
		t.Fatalf("Mark(pending) error = %v, want ErrInvalidTransition", err)
	}
	if err := q.Mark(ctx, e.Seq(), caro.EntryDone, nil, nil); err == nil {
		t.Fatal("Mark(done) without result expected error")
	}
	if got, _ := q.Entry(1); got.State != caro.EntryInProgress {
		t.Fatalf("State = %v, want in_progress after rejected marks", got.State)
	}
}

func TestDequeueBatchRespectsLimits(t *testing.T) {
	t.Parallel()
	q := New(0)
	ctx := t.Context()
	for i := uint64(1); i <= 5; i++ {
		mustEnqueue(t, q, frame(i, "1234567890"))
	}

	batch, err := q.DequeueBatch(ctx, 3, 0)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("DequeueBatch(count 3) = %d entries", len(batch))
	}

	batch, err = q.DequeueBatch(ctx, 10, 15)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(batch) != 1 || batch[0].Seq() != 4 {
		t.Fatalf("DequeueBatch(bytes 15) = %+v, want only seq 4", batch)
	}

	batch, err = q.DequeueBatch(ctx, 10, 1)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("DequeueBatch(bytes 1) = %d entries, want the oversized head", len(batch))
	}
}

func TestNotifyFiresOnEnqueue(t *testing.T) {
	t.Parallel()
	q := New(0)
	ch := q.Notify()
	select {
	case <-ch:
		t.Fatal("Notify() channel closed before any enqueue")
	default:
	}
	mustEnqueue(t, q, frame(1, "a"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Notify() channel not closed after enqueue")
	}
}

func TestFlushReleasesInProgress(t *testing.T) {
	t.Parallel()
	q := New(0)
	mustEnqueue(t, q, frame(1, "a"))
	mustDequeue(t, q)

	if err := q.Flush(t.Context()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after flush = %d, want 1", got)
	}
	e, _ := q.Entry(1)
	if e.Attempts != 0 {
		t.Fatalf("Attempts after flush = %d, want 0", e.Attempts)
	}
}
