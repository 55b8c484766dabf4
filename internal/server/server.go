// Package server is the detection-side composition root. It serves the frame
// inbox and the operator endpoints and runs the instance lifecycle and the
// detection dispatcher beside them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"caro"
	"caro/config"
	"caro/internal/adapter/docker"
	"caro/internal/adapter/remote"
	"caro/internal/adapter/sqlite"
	"caro/internal/detect"
	"caro/internal/dispatch"
	"caro/internal/inbox"
	"caro/internal/lifecycle"
	"caro/internal/metrics"
	"caro/internal/transfer"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var entryStates = []caro.EntryState{caro.EntryPending, caro.EntryInProgress, caro.EntryDone, caro.EntryFailed}

// Option configures a Server.
type Option func(*Server)

// WithReadyNotify replaces the systemd readiness notification sent once the
// inbox is listening.
func WithReadyNotify(fn func()) Option {
	return func(s *Server) { s.ready = fn }
}

// WithMetricsAddr serves /metrics on a separate listener as well.
func WithMetricsAddr(addr string) Option {
	return func(s *Server) { s.metricsAddr = addr }
}

// WithCloser registers c to be closed after Serve returns.
func WithCloser(c io.Closer) Option {
	return func(s *Server) { s.closers = append(s.closers, c) }
}

type Server struct {
	queue       *inbox.Queue
	life        *lifecycle.Manager
	dispatcher  *dispatch.Dispatcher
	registry    *metrics.Registry
	metrics     *metrics.Server
	metricsAddr string
	closers     []io.Closer
	ready       func()
	log         *slog.Logger
}

// New assembles a server from built components. m must be registered with
// registry.
func New(queue *inbox.Queue, life *lifecycle.Manager, disp *dispatch.Dispatcher, registry *metrics.Registry, m *metrics.Server, opts ...Option) *Server {
	s := &Server{
		queue:      queue,
		life:       life,
		dispatcher: disp,
		registry:   registry,
		metrics:    m,
		ready:      notifySystemd,
		log:        slog.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds the full server from cfg: the sqlite-backed inbox, the detector
// client, the configured provisioner, the lifecycle manager and the
// dispatcher.
func Open(ctx context.Context, cfg *config.Config) (*Server, error) {
	sc := cfg.Server

	store, err := sqlite.OpenInbox(sc.InboxDB())
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	queue, err := inbox.Open(ctx, store, sc.InboxCapacity)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := metrics.NewRegistry()
	m := metrics.NewServer(registry.Registerer())
	m.WatchInbox(queue.Count)

	detector := detect.NewHTTPDetector(detect.Model{
		Config:    sc.Darknet.Config,
		Weights:   sc.Darknet.Weights,
		Data:      sc.Darknet.Data,
		Threshold: sc.Darknet.Threshold,
		Label:     sc.Darknet.Label,
	})

	opts := []Option{WithCloser(store), WithMetricsAddr(cfg.MetricsAddr)}
	var prov lifecycle.Provisioner
	switch sc.Provider {
	case config.ProviderSSH:
		prov = remote.NewProvisioner(remote.Config{
			StartCommand: sc.StartScript,
			StopCommand:  sc.StopScript,
			DetectorPort: sc.DetectorPort,
			SSH:          sc.Instance.SSH,
		}, detector)
	default:
		dp, err := docker.NewProvisioner(sc.DetectorPort, detector)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		prov = dp
		opts = append(opts, WithCloser(dp))
	}

	l := sc.Lifecycle
	life := lifecycle.New(lifecycle.Config{
		ProvisionThreshold:     l.ProvisionThreshold,
		ProvisionAttempts:      l.ProvisionAttempts,
		ProvisionBackoff:       l.ProvisionBackoff,
		ProvisionTimeout:       l.ProvisionTimeout,
		ReadyRetryCeiling:      l.ReadyRetryCeiling,
		HealthInterval:         l.HealthInterval,
		HealthTimeout:          l.HealthTimeout,
		HealthFailureThreshold: l.HealthFailureThreshold,
		IdleTimeout:            l.IdleTimeout,
		IdleCheckInterval:      l.IdleCheckInterval,
	}, sc.Instance, prov, queue, lifecycle.WithMetrics(m))

	d := sc.Dispatch
	disp := dispatch.New(dispatch.Config{
		Workers:       d.Workers,
		MaxAttempts:   d.MaxAttempts,
		BatchSize:     d.BatchSize,
		BatchBytes:    d.BatchBytes,
		DetectTimeout: d.DetectTimeout,
	}, queue, life, detector, dispatch.WithMetrics(m), dispatch.WithSink(logSink{log: slog.With("component", "results")}))

	return New(queue, life, disp, registry, m, opts...), nil
}

// Handler returns the inbox and operator routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transfer.Path, transfer.NewHandler(s.queue, transfer.WithServerMetrics(s.metrics)))
	mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	mux.HandleFunc("POST "+ResetPath, s.handleReset)
	mux.HandleFunc("GET "+InboxPath, s.handleList)
	mux.HandleFunc("GET "+InboxPath+"/{seq}", s.handleEntry)
	mux.HandleFunc("GET "+HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.Handle("GET "+MetricsPath, s.registry.Handler())
	return mux
}

// Run listens on addr and serves until ctx is cancelled. addr may be a bare
// host:port or a URL.
func (s *Server) Run(ctx context.Context, addr string) error {
	addr = listenAddr(addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.closeAll()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the inbox on ln together with the lifecycle manager and the
// dispatcher. On return every in-progress entry has been released, the
// instance destroyed and the registered closers closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.closeAll()

	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.life.Run(ctx) })
	g.Go(func() error { return s.dispatcher.Run(ctx) })
	g.Go(func() error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("inbox shutdown", "err", err)
			}
		}()
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve inbox: %w", err)
		}
		return nil
	})
	if s.metricsAddr != "" {
		g.Go(func() error { return s.registry.ListenAndServe(ctx, s.metricsAddr) })
	}

	s.log.Info("inbox listening", "addr", ln.Addr().String())
	s.ready()

	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ferr := s.queue.Flush(flushCtx); ferr != nil {
		err = errors.Join(err, fmt.Errorf("flush inbox: %w", ferr))
	}
	s.log.Info("server stopped")
	return err
}

func (s *Server) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warn("close", "err", err)
		}
	}
	s.closers = nil
}

func notifySystemd() {
	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		slog.Error("notify systemd ready", "err", err)
	}
}

func listenAddr(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return endpoint
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() StatusResponse {
	counts := make(map[string]int, len(entryStates))
	for _, st := range entryStates {
		counts[st.String()] = s.queue.Count(st)
	}
	return StatusResponse{Lifecycle: s.life.Status(), Inbox: counts}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.life.Reset(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, caro.ErrInvalidTransition) {
			code = http.StatusConflict
		}
		writeJSON(w, code, errorResponse{Error: err.Error()})
		return
	}
	s.log.Info("lifecycle reset by operator")
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter *caro.EntryState
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, ok := caro.ParseEntryState(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown state %q", raw)})
			return
		}
		filter = &st
	}

	entries := s.queue.List(filter)
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "seq must be an unsigned integer"})
		return
	}
	e, ok := s.queue.Entry(seq)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("entry %d: %s", seq, caro.ErrNotFound)})
		return
	}
	writeJSON(w, http.StatusOK, entryView(e))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// logSink writes every detection result to the log.
type logSink struct {
	log *slog.Logger
}

func (s logSink) Record(_ context.Context, r caro.DetectionResult) error {
	classes := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		classes = append(classes, l.Class)
	}
	s.log.Info("frame detected", "seq", r.Seq, "labels", len(r.Labels), "classes", strings.Join(classes, ","))
	return nil
}
