package server

import (
	"time"

	"caro"
	"caro/internal/lifecycle"
)

// Operator endpoints served next to the frame inbox.
const (
	StatusPath  = "/v1/status"
	ResetPath   = "/v1/lifecycle/reset"
	InboxPath   = "/v1/inbox"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Lifecycle lifecycle.Status `json:"lifecycle"`
	Inbox     map[string]int   `json:"inbox"`
}

// Entry is the operator view of an inbox entry. Payloads are never returned.
type Entry struct {
	Seq        uint64                `json:"seq"`
	State      string                `json:"state"`
	Size       int                   `json:"size"`
	Checksum   string                `json:"checksum"`
	CapturedAt time.Time             `json:"captured_at"`
	ArrivedAt  time.Time             `json:"arrived_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"last_error,omitempty"`
	Result     *caro.DetectionResult `json:"result,omitempty"`
}

func entryView(e caro.InboxEntry) Entry {
	return Entry{
		Seq:        e.Seq(),
		State:      e.State.String(),
		Size:       len(e.Frame.Payload),
		Checksum:   e.Frame.Checksum.String(),
		CapturedAt: e.Frame.CapturedAt,
		ArrivedAt:  e.ArrivedAt,
		UpdatedAt:  e.UpdatedAt,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		Result:     e.Result,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}
