package caro

import "time"

// EntryState is the position of an inbox entry in its lifecycle.
type EntryState uint8

const (
	EntryPending EntryState = iota
	EntryInProgress
	EntryDone
	EntryFailed
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryInProgress:
		return "in_progress"
	case EntryDone:
		return "done"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s EntryState) Terminal() bool {
	return s == EntryDone || s == EntryFailed
}

// ParseEntryState is the inverse of EntryState.String.
func ParseEntryState(s string) (EntryState, bool) {
	for _, st := range []EntryState{EntryPending, EntryInProgress, EntryDone, EntryFailed} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// InboxEntry is a frame held by the inbox queue together with its dispatch state.
type InboxEntry struct {
	Frame        Frame
	ArrivalOrder int64
	// QueuePos orders pending entries for dispatch. It starts equal to
	// ArrivalOrder and drops below every other position on requeue.
	QueuePos     int64
	State        EntryState
	Attempts     int
	LastError    string
	Result       *DetectionResult
	ArrivedAt    time.Time
	UpdatedAt    time.Time
}

// Seq is shorthand for e.Frame.Seq.
func (e InboxEntry) Seq() uint64 {
	return e.Frame.Seq
}

// DeadLetter is a frame the capture agent gave up delivering.
type DeadLetter struct {
	Frame    Frame
	Attempts int
	Reason   string
	At       time.Time
}
