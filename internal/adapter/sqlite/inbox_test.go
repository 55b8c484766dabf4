package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"caro"
)

func openTestInbox(t *testing.T) *InboxStore {
	t.Helper()
	s, err := OpenInbox(filepath.Join(t.TempDir(), "inbox", "inbox.db"))
	if err != nil {
		t.Fatalf("OpenInbox() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(seq uint64, arrival int64, payload string) caro.InboxEntry {
	at := time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC)
	return caro.InboxEntry{
		Frame:        caro.NewFrame(seq, at, []byte(payload)),
		ArrivalOrder: arrival,
		QueuePos:     arrival,
		State:        caro.EntryPending,
		ArrivedAt:    at,
		UpdatedAt:    at,
	}
}

func loadEntry(t *testing.T, s *InboxStore, seq uint64) caro.InboxEntry {
	t.Helper()
	entries, err := s.Load(t.Context())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, e := range entries {
		if e.Seq() == seq {
			return e
		}
	}
	t.Fatalf("Load() has no entry %d", seq)
	return caro.InboxEntry{}
}

func TestInboxStoreInsertAndLoad(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	for i, e := range []caro.InboxEntry{testEntry(7, 1, "a"), testEntry(3, 2, "b")} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load() returned %d entries, want 2", len(got))
	}
	if got[0].Seq() != 7 || got[1].Seq() != 3 {
		t.Fatalf("Load() order = [%d %d], want [7 3] (arrival order)", got[0].Seq(), got[1].Seq())
	}
	if err := got[0].Frame.Verify(); err != nil {
		t.Fatalf("loaded frame Verify() error = %v", err)
	}
	if !got[0].Frame.CapturedAt.Equal(testEntry(7, 1, "a").Frame.CapturedAt) {
		t.Fatalf("CapturedAt = %v, want round trip", got[0].Frame.CapturedAt)
	}
}

func TestInboxStoreDuplicateInsertFails(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	if err := s.Insert(ctx, testEntry(1, 1, "a")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Insert(ctx, testEntry(1, 2, "a")); err == nil {
		t.Fatal("Insert() expected primary key error for repeated seq")
	}
}

func TestInboxStoreDoneReleasesPayloadAndStoresResult(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	e := testEntry(5, 1, "frame-5")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	e.State = caro.EntryDone
	e.Attempts = 1
	e.Result = &caro.DetectionResult{
		Seq:        5,
		DetectedAt: time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
		Labels:     []caro.Label{{Class: "rock", Confidence: 0.91, Box: caro.Box{X: 10, Y: 20, W: 4, H: 5}}},
	}
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := loadEntry(t, s, 5)
	if got.State != caro.EntryDone {
		t.Fatalf("State = %v, want done", got.State)
	}
	if got.Frame.Payload != nil {
		t.Fatalf("Payload = %q, want released", got.Frame.Payload)
	}
	if got.Result == nil || len(got.Result.Labels) != 1 || got.Result.Labels[0].Class != "rock" {
		t.Fatalf("Result = %+v, want one rock label", got.Result)
	}
	if got.Result.Labels[0].Box.W != 4 {
		t.Fatalf("Box = %+v, want W=4", got.Result.Labels[0].Box)
	}
}

func TestInboxStoreKeepsFailureDetails(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	for i := uint64(1); i <= 3; i++ {
		if err := s.Insert(ctx, testEntry(i, int64(i), "x")); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	failed := testEntry(2, 2, "x")
	failed.State = caro.EntryFailed
	failed.Attempts = 3
	failed.LastError = "detector invocation failed: timeout"
	if err := s.Update(ctx, failed); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := loadEntry(t, s, 2)
	if got.State != caro.EntryFailed || got.LastError != failed.LastError || got.Attempts != 3 {
		t.Fatalf("failed entry = %+v, want state, attempts and last error kept", got)
	}
	if got.Result != nil {
		t.Fatalf("failed entry Result = %+v, want nil", got.Result)
	}
	if other := loadEntry(t, s, 1); other.State != caro.EntryPending {
		t.Fatalf("entry 1 State = %v, want pending", other.State)
	}
}

func TestInboxStoreResetInProgress(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	e := testEntry(1, 1, "x")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	e.State = caro.EntryInProgress
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	n, err := s.ResetInProgress(ctx, time.Now())
	if err != nil {
		t.Fatalf("ResetInProgress() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetInProgress() = %d, want 1", n)
	}
	got := loadEntry(t, s, 1)
	if got.State != caro.EntryPending {
		t.Fatalf("State = %v, want pending", got.State)
	}
	if got.Frame.Payload == nil {
		t.Fatal("Payload released for a non-terminal entry")
	}
}

func TestInboxStoreMissingEntry(t *testing.T) {
	t.Parallel()
	s := openTestInbox(t)
	ctx := t.Context()

	if err := s.Update(ctx, testEntry(42, 1, "x")); !errors.Is(err, caro.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestInboxStoreReopenKeepsEntries(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inbox.db")
	ctx := t.Context()

	s, err := OpenInbox(path)
	if err != nil {
		t.Fatalf("OpenInbox() error = %v", err)
	}
	if err := s.Insert(ctx, testEntry(9, 1, "persist")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenInbox(path)
	if err != nil {
		t.Fatalf("OpenInbox() reopen error = %v", err)
	}
	defer s.Close()
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || string(got[0].Frame.Payload) != "persist" {
		t.Fatalf("Load() after reopen = %+v", got)
	}
}
