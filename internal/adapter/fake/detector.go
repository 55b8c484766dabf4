package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"caro"
)

// Detector is an in-memory detector. By default every frame yields one
// "object" label.
type Detector struct {
	CallRecorder
	faults

	// Gate, when set, blocks each call until a value is received or the
	// call's context ends.
	Gate chan struct{}
	// Omit lists sequence ids left out of otherwise successful responses.
	Omit map[uint64]bool
	// Labels overrides the labels returned for a frame.
	Labels func(caro.Frame) []caro.Label

	mu          sync.Mutex
	inFlight    atomic.Int32
	maxInFlight int32
	frames      int
}

func NewDetector() *Detector {
	return &Detector{faults: newFaults()}
}

func (d *Detector) Detect(ctx context.Context, inst caro.Instance, frames []caro.Frame) ([]caro.DetectionResult, error) {
	seqs := make([]uint64, 0, len(frames))
	for _, f := range frames {
		seqs = append(seqs, f.Seq)
	}
	d.record("Detect", inst.ID, seqs)

	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	d.mu.Lock()
	d.maxInFlight = max(d.maxInFlight, n)
	d.mu.Unlock()

	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := d.eval(FaultDetectorDetect, seqs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.frames += len(frames)
	d.mu.Unlock()

	out := make([]caro.DetectionResult, 0, len(frames))
	for _, f := range frames {
		if d.Omit[f.Seq] {
			continue
		}
		labels := []caro.Label{{Class: "object", Confidence: 0.9, Box: caro.Box{X: 1, Y: 1, W: 1, H: 1}}}
		if d.Labels != nil {
			labels = d.Labels(f)
		}
		out = append(out, caro.DetectionResult{Seq: f.Seq, Labels: labels, DetectedAt: time.Now()})
	}
	return out, nil
}

// InFlight returns the number of calls currently executing.
func (d *Detector) InFlight() int {
	return int(d.inFlight.Load())
}

// MaxInFlight returns the highest concurrency observed.
func (d *Detector) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.maxInFlight)
}

// Frames returns how many frames were successfully detected.
func (d *Detector) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
