package caro

import (
	"errors"
	"testing"
	"time"
)

func TestFrameVerify(t *testing.T) {
	f := NewFrame(7, time.Unix(1700000000, 0), []byte("jpeg bytes"))
	if err := f.Verify(); err != nil {
		t.Fatalf("Verify() error = %v, want nil", err)
	}

	f.Payload = []byte("jpeg bytez")
	err := f.Verify()
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Verify() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestChecksumFromBytes(t *testing.T) {
	want := ChecksumOf([]byte("x"))
	got, err := ChecksumFromBytes(want[:])
	if err != nil {
		t.Fatalf("ChecksumFromBytes() error = %v", err)
	}
	if got != want {
		t.Fatalf("ChecksumFromBytes() = %s, want %s", got, want)
	}

	if _, err := ChecksumFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("ChecksumFromBytes() expected error for short input")
	}
}

func TestEntryStateRoundTrip(t *testing.T) {
	for _, st := range []EntryState{EntryPending, EntryInProgress, EntryDone, EntryFailed} {
		got, ok := ParseEntryState(st.String())
		if !ok || got != st {
			t.Errorf("ParseEntryState(%q) = %v, %v", st.String(), got, ok)
		}
	}
	if _, ok := ParseEntryState("bogus"); ok {
		t.Error("ParseEntryState(bogus) ok = true, want false")
	}
	if !EntryDone.Terminal() || !EntryFailed.Terminal() || EntryPending.Terminal() || EntryInProgress.Terminal() {
		t.Error("Terminal() classification wrong")
	}
}

func TestDetectionResultFilter(t *testing.T) {
	r := DetectionResult{Seq: 1, Labels: []Label{
		{Class: "person", Confidence: 0.9},
		{Class: "dog", Confidence: 0.7},
		{Class: "person", Confidence: 0.6},
	}}

	got := r.Filter("person")
	if len(got.Labels) != 2 {
		t.Fatalf("Filter(person) kept %d labels, want 2", len(got.Labels))
	}
	if len(r.Labels) != 3 {
		t.Fatalf("Filter mutated receiver: %d labels", len(r.Labels))
	}
	if all := r.Filter(""); len(all.Labels) != 3 {
		t.Fatalf("Filter(\"\") kept %d labels, want 3", len(all.Labels))
	}
}

func TestConfigError(t *testing.T) {
	var ce ConfigError
	if ce.OrNil() != nil {
		t.Fatal("empty ConfigError.OrNil() should be nil")
	}
	ce.Add("CARO_LOGFILE", "required")
	ce.Add("CARO_SPOOL_CAPACITY", "must be positive")

	err := ce.OrNil()
	var target *ConfigError
	if !errors.As(err, &target) {
		t.Fatalf("OrNil() = %v, want *ConfigError", err)
	}
	keys := target.Keys()
	if len(keys) != 2 || keys[0] != "CARO_LOGFILE" || keys[1] != "CARO_SPOOL_CAPACITY" {
		t.Fatalf("Keys() = %v", keys)
	}
}
