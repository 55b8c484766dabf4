// Package detect invokes the darknet detector running on the provisioned
// instance.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"caro"
	"caro/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Detector runs object detection on a batch of frames. Results may cover a
// subset of frames; the caller treats a missing result as a failure for
// that frame.
type Detector interface {
	Detect(ctx context.Context, inst caro.Instance, frames []caro.Frame) ([]caro.DetectionResult, error)
}

// Model is the darknet configuration sent with every call.
type Model struct {
	Config    string
	Weights   string
	Data      string
	Threshold float64
	// Label keeps only boxes of this class when set.
	Label string
}

const (
	detectPath = "/v1/detect"
	healthPath = "/v1/health"
)

type detectRequest struct {
	Config    string         `json:"cfg"`
	Weights   string         `json:"weights"`
	Data      string         `json:"data"`
	Threshold float64        `json:"threshold"`
	Frames    []requestFrame `json:"frames"`
}

type requestFrame struct {
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

type detectResponse struct {
	Results []caro.DetectionResult `json:"results"`
	Error   string                 `json:"error,omitempty"`
}

// HTTPDetector talks to the detector service over HTTP.
type HTTPDetector struct {
	model      Model
	httpClient *http.Client
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures an HTTPDetector.
type Option func(*HTTPDetector)

func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDetector) { d.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(d *HTTPDetector) { d.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *HTTPDetector) { d.tracer = t }
}

func NewHTTPDetector(model Model, opts ...Option) *HTTPDetector {
	d := &HTTPDetector{
		model:      model,
		httpClient: &http.Client{},
		now:        time.Now,
		tracer:     telemetry.Tracer("detect"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect posts frames to the instance and returns the (filtered) results.
// Every failure wraps caro.ErrDetectorInvocation.
func (d *HTTPDetector) Detect(ctx context.Context, inst caro.Instance, frames []caro.Frame) ([]caro.DetectionResult, error) {
	seqs := make([]uint64, len(frames))
	req := detectRequest{
		Config:    d.model.Config,
		Weights:   d.model.Weights,
		Data:      d.model.Data,
		Threshold: d.model.Threshold,
		Frames:    make([]requestFrame, len(frames)),
	}
	for i, f := range frames {
		seqs[i] = f.Seq
		req.Frames[i] = requestFrame{Seq: f.Seq, Payload: f.Payload}
	}

	var results []caro.DetectionResult
	err := telemetry.Run(ctx, d.tracer, "detect.invoke", func(ctx context.Context) error {
		var err error
		results, err = d.invoke(ctx, inst, req, seqs)
		return err
	}, telemetry.Seqs(seqs), attribute.String(telemetry.KeyInstanceID, inst.ID))
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (d *HTTPDetector) invoke(ctx context.Context, inst caro.Instance, body detectRequest, seqs []uint64) ([]caro.DetectionResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+inst.Address+detectPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", caro.ErrDetectorInvocation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: frames %v on %s: %w", caro.ErrDetectorInvocation, seqs, inst.Address, err)
	}
	defer resp.Body.Close()

	var out detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode response (status %d): %v", caro.ErrDetectorInvocation, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: detector status %d: %s", caro.ErrDetectorInvocation, resp.StatusCode, msg)
	}

	now := d.now()
	results := make([]caro.DetectionResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.DetectedAt.IsZero() {
			r.DetectedAt = now
		}
		if r.Labels == nil {
			r.Labels = []caro.Label{}
		}
		results = append(results, r.Filter(d.model.Label))
	}
	return results, nil
}

// Probe reports whether the detector service on inst answers its health
// route with 200. Any other status is NotReady; transport failures are
// NotReady with an error wrapping caro.ErrTransientNetwork.
func (d *HTTPDetector) Probe(ctx context.Context, inst caro.Instance) (caro.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+inst.Address+healthPath, nil)
	if err != nil {
		return caro.HealthNotReady, fmt.Errorf("build health request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return caro.HealthNotReady, fmt.Errorf("probe %s: %w: %w", inst.Address, caro.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		return caro.HealthReady, nil
	}
	return caro.HealthNotReady, nil
}
