// Package vision defines the boundary to the external vision model and the
// camera. Face detection, landmarking, expression scoring and descriptor
// extraction all happen outside this process.
package vision

import (
	"context"
	"errors"
	"math"
	"time"
)

// Expression is a facial expression label as reported by the vision model.
type Expression string

// Expression labels produced by the 7-class expression net.
const (
	ExpressionNeutral   Expression = "neutral"
	ExpressionHappy     Expression = "happy"
	ExpressionSad       Expression = "sad"
	ExpressionAngry     Expression = "angry"
	ExpressionFearful   Expression = "fearful"
	ExpressionDisgusted Expression = "disgusted"
	ExpressionSurprised Expression = "surprised"
)

// KnownExpressions lists every label the expression net can emit.
var KnownExpressions = []Expression{
	ExpressionNeutral,
	ExpressionHappy,
	ExpressionSad,
	ExpressionAngry,
	ExpressionFearful,
	ExpressionDisgusted,
	ExpressionSurprised,
}

// IsKnown reports whether e is one of KnownExpressions.
func (e Expression) IsKnown() bool {
	for _, k := range KnownExpressions {
		if k == e {
			return true
		}
	}
	return false
}

// ExpressionProbabilities maps expression labels to model probabilities.
type ExpressionProbabilities map[Expression]float64

// Best returns the label with the highest probability among candidates.
// Labels missing from p count as zero; ties keep the earlier candidate.
// ok is false when no candidate has a probability above zero.
func (p ExpressionProbabilities) Best(candidates []Expression) (label Expression, prob float64, ok bool) {
	for _, c := range candidates {
		if v := p[c]; v > prob {
			label, prob, ok = c, v, true
		}
	}
	return label, prob, ok
}

// Descriptor is a fixed-length face embedding.
type Descriptor []float32

// Distance returns the euclidean distance between two descriptors.
// Descriptors of different length are infinitely far apart.
func (d Descriptor) Distance(other Descriptor) float64 {
	if len(d) != len(other) || len(d) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range d {
		diff := float64(d[i]) - float64(other[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// Box is a face bounding box in frame pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Point is a 2D landmark.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one face found in a frame.
type Detection struct {
	Box         Box                     `json:"box"`
	Score       float64                 `json:"score"`
	Landmarks   []Point                 `json:"landmarks,omitempty"`
	Expressions ExpressionProbabilities `json:"expressions,omitempty"`
	Descriptor  Descriptor              `json:"descriptor,omitempty"`
}

// Largest returns the detection with the biggest box, or nil for an empty slice.
func Largest(dets []Detection) *Detection {
	var best *Detection
	for i := range dets {
		if best == nil || dets[i].Box.Area() > best.Box.Area() {
			best = &dets[i]
		}
	}
	return best
}

// Frame is a single encoded camera image.
type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// DetectOptions selects which per-face outputs the model should compute.
type DetectOptions struct {
	Expressions bool
	Descriptors bool
}

// Detector is the vision model boundary.
type Detector interface {
	// DetectFaces runs multi-face detection on a frame.
	DetectFaces(ctx context.Context, frame Frame, opts DetectOptions) ([]Detection, error)
	// ExtractDescriptor returns the descriptor of the single face in an image,
	// or nil with no error when no face could be found.
	ExtractDescriptor(ctx context.Context, image []byte) (Descriptor, error)
}

// Camera hands out exclusive frame streams.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera track. Close releases the device and is idempotent.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

var (
	// ErrCameraUnavailable is returned when the camera cannot be acquired.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrCameraBusy is returned when another phase still holds the camera.
	ErrCameraBusy = errors.New("camera busy")
	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("camera stream closed")
)
