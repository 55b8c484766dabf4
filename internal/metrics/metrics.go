package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"caro"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caro"

// Registry owns the Prometheus registry exposed at /metrics.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates an empty registry with the Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &Registry{reg: reg}
}

// Registerer returns the underlying registerer.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Handler returns the Prometheus HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve exposes the registry on ln at /metrics until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

// ListenAndServe is Serve on a new TCP listener bound to addr.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Client holds capture-side collectors.
type Client struct {
	// SpoolEvicted is the explicit data-loss signal: frames dropped because the spool was full.
	SpoolEvicted      prometheus.Counter
	SpoolDeadLettered prometheus.Counter
	// CaptureLost counts captures the spool rejected that no source can emit again.
	CaptureLost       prometheus.Counter
	SpoolDepth        prometheus.Gauge
	FramesSent        prometheus.Counter
	SendFailures      *prometheus.CounterVec
}

// NewClient registers capture-side collectors with reg. A nil reg uses a
// private registry, which is what tests and library callers without a
// /metrics endpoint want.
func NewClient(reg prometheus.Registerer) *Client {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Client{
		SpoolEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_evicted_total",
			Help:      "Frames evicted from a full spool before delivery",
		}),
		SpoolDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_dead_letter_total",
			Help:      "Frames moved to the dead-letter log after exhausting the retry budget",
		}),
		CaptureLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_lost_total",
			Help:      "Captures lost because the spool could not store them",
		}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spool_depth",
			Help:      "Frames waiting in the spool",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames acknowledged by the inbox",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed delivery attempts by reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(c.SpoolEvicted, c.SpoolDeadLettered, c.CaptureLost, c.SpoolDepth, c.FramesSent, c.SendFailures)
	return c
}

// Server holds detection-side collectors.
type Server struct {
	InboxRejected     *prometheus.CounterVec
	DetectDuration    prometheus.Histogram
	DetectFailures    prometheus.Counter
	ProvisionAttempts prometheus.Counter
	LifecyclePhase    prometheus.Gauge
	LifecycleAlert    prometheus.Gauge

	reg prometheus.Registerer
}

// NewServer registers detection-side collectors with reg. A nil reg uses a
// private registry.
func NewServer(reg prometheus.Registerer) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		InboxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_rejected_total",
			Help:      "Frames rejected by the inbox by reason",
		}, []string{"reason"}),
		DetectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Detector call latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		DetectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_failures_total",
			Help:      "Failed detector calls",
		}),
		ProvisionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_attempts_total",
			Help:      "Create-instance requests issued",
		}),
		LifecyclePhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_phase",
			Help:      "Instance lifecycle phase (0=stopped 1=provisioning 2=ready 3=draining 4=failed)",
		}),
		LifecycleAlert: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_alert",
			Help:      "1 when the lifecycle needs operator intervention",
		}),
		reg: reg,
	}
	reg.MustRegister(s.InboxRejected, s.DetectDuration, s.DetectFailures, s.ProvisionAttempts, s.LifecyclePhase, s.LifecycleAlert)
	return s
}

// WatchInbox exposes per-state entry counts read from count on every scrape.
func (s *Server) WatchInbox(count func(caro.EntryState) int) {
	for _, st := range []caro.EntryState{caro.EntryPending, caro.EntryInProgress, caro.EntryDone, caro.EntryFailed} {
		s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "inbox_entries",
			Help:        "Inbox entries by state",
			ConstLabels: prometheus.Labels{"state": st.String()},
		}, func() float64 { return float64(count(st)) }))
	}
}

// SetPhase records the lifecycle phase and raises the alert gauge on failure.
func (s *Server) SetPhase(p caro.Phase) {
	s.LifecyclePhase.Set(float64(p))
	if p == caro.PhaseFailed {
		s.LifecycleAlert.Set(1)
	} else {
		s.LifecycleAlert.Set(0)
	}
}
