package caro

import "time"

// Box is a darknet bounding box: centre x, centre y, width and height in pixels.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Label is one detected object.
type Label struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectionResult is the detector output for one frame. It is never mutated
// after it has been recorded.
type DetectionResult struct {
	Seq        uint64    `json:"seq"`
	Labels     []Label   `json:"labels"`
	DetectedAt time.Time `json:"detected_at"`
}

// Filter returns a copy of r that keeps only labels of the given class.
// An empty class keeps everything.
func (r DetectionResult) Filter(class string) DetectionResult {
	if class == "" {
		return r
	}
	out := DetectionResult{Seq: r.Seq, DetectedAt: r.DetectedAt, Labels: make([]Label, 0, len(r.Labels))}
	for _, l := range r.Labels {
		if l.Class == class {
			out.Labels = append(out.Labels, l)
		}
	}
	return out
}
