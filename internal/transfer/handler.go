package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"caro"
	"caro/internal/metrics"
)

// Path is the frame submission route.
const Path = "/v1/frames"

// Response statuses.
const (
	StatusAck       = "ack"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Rejection reasons.
const (
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonSequenceConflict = "sequence_conflict"
	ReasonMalformed        = "malformed"
	ReasonBackpressure     = "backpressure"
	ReasonInternal         = "internal"
)

// Response is the JSON body returned for every submission.
type Response struct {
	Status string `json:"status"`
	Seq    uint64 `json:"seq,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Inbox accepts verified frames.
type Inbox interface {
	Enqueue(ctx context.Context, f caro.Frame) error
}

const defaultMaxBody = 64 << 20

// Handler serves POST /v1/frames.
type Handler struct {
	inbox   Inbox
	maxBody int64
	metrics *metrics.Server
	log     *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxBody caps the accepted request size.
func WithMaxBody(n int64) HandlerOption {
	return func(h *Handler) { h.maxBody = n }
}

// WithServerMetrics counts rejections into m.
func WithServerMetrics(m *metrics.Server) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(inbox Inbox, opts ...HandlerOption) *Handler {
	h := &Handler{
		inbox:   inbox,
		maxBody: defaultMaxBody,
		log:     slog.With("component", "transfer"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reply(w, http.StatusMethodNotAllowed, Response{Status: StatusRejected, Reason: ReasonMalformed, Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.reject(w, http.StatusUnprocessableEntity, 0, ReasonMalformed, err)
		return
	}
	f, err := Decode(body)
	if err != nil {
		h.reject(w, http.StatusUnprocessableEntity, 0, ReasonMalformed, err)
		return
	}

	err = h.inbox.Enqueue(r.Context(), f)
	switch {
	case err == nil:
		h.reply(w, http.StatusOK, Response{Status: StatusAck, Seq: f.Seq})
	case errors.Is(err, caro.ErrDuplicate):
		h.log.Debug("duplicate frame acknowledged", "seq", f.Seq)
		h.reply(w, http.StatusOK, Response{Status: StatusDuplicate, Seq: f.Seq})
	case errors.Is(err, caro.ErrChecksumMismatch):
		h.reject(w, http.StatusUnprocessableEntity, f.Seq, ReasonChecksumMismatch, err)
	case errors.Is(err, caro.ErrSequenceConflict):
		h.reject(w, http.StatusUnprocessableEntity, f.Seq, ReasonSequenceConflict, err)
	case errors.Is(err, caro.ErrBackpressure):
		w.Header().Set("Retry-After", "1")
		h.reject(w, http.StatusServiceUnavailable, f.Seq, ReasonBackpressure, err)
	default:
		h.log.Error("enqueue frame failed", "seq", f.Seq, "err", err)
		h.reject(w, http.StatusInternalServerError, f.Seq, ReasonInternal, err)
	}
}

func (h *Handler) reject(w http.ResponseWriter, code int, seq uint64, reason string, err error) {
	if h.metrics != nil {
		h.metrics.InboxRejected.WithLabelValues(reason).Inc()
	}
	if reason != ReasonBackpressure {
		h.log.Warn("frame rejected", "seq", seq, "reason", reason, "err", err)
	}
	h.reply(w, code, Response{Status: StatusRejected, Seq: seq, Reason: reason, Error: err.Error()})
}

func (h *Handler) reply(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Debug("write transfer response failed", "err", err)
	}
}
