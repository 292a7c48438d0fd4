// Package match resolves a live face to an enrolled identity.
package match

import (
	"errors"
	"math"

	"github.com/facelock/facelock/internal/domain/vision"
)

// Unknown is the label reported for a face with no enrolled identity in range.
const Unknown = "unknown"

// DefaultAcceptanceDistance is the maximum descriptor distance accepted as a match.
const DefaultAcceptanceDistance = 0.6

var (
	// ErrEmptyGallery is returned when no enrolled identity has a usable descriptor.
	ErrEmptyGallery = errors.New("no enrolled identity has a usable face descriptor")
	// ErrMatchTimedOut is returned when the session ends without a stable match.
	ErrMatchTimedOut = errors.New("face match timed out")
)

// Identity is an enrolled label with its reference descriptors.
type Identity struct {
	Label       string
	Descriptors []vision.Descriptor
}

// Gallery is the immutable set of identities a session matches against.
type Gallery struct {
	identities []Identity
}

// NewGallery builds a gallery, skipping identities without descriptors.
func NewGallery(ids []Identity) (*Gallery, error) {
	g := &Gallery{}
	for _, id := range ids {
		if len(id.Descriptors) == 0 || id.Label == "" || id.Label == Unknown {
			continue
		}
		g.identities = append(g.identities, id)
	}
	if len(g.identities) == 0 {
		return nil, ErrEmptyGallery
	}
	return g, nil
}

// Labels returns the enrolled labels in load order.
func (g *Gallery) Labels() []string {
	labels := make([]string, len(g.identities))
	for i, id := range g.identities {
		labels[i] = id.Label
	}
	return labels
}

// Len returns the number of identities.
func (g *Gallery) Len() int {
	return len(g.identities)
}

// Result is the best match for one face.
type Result struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Known reports whether the result names an enrolled identity.
func (r Result) Known() bool {
	return r.Label != "" && r.Label != Unknown
}

// Matcher compares descriptors against a gallery by nearest neighbour.
type Matcher struct {
	gallery   *Gallery
	threshold float64
}

// NewMatcher creates a matcher. A non-positive threshold selects DefaultAcceptanceDistance.
func NewMatcher(g *Gallery, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultAcceptanceDistance
	}
	return &Matcher{gallery: g, threshold: threshold}
}

// Match returns the closest identity, or Unknown when none is within the
// acceptance distance. An identity's distance is the minimum over its descriptors.
func (m *Matcher) Match(d vision.Descriptor) Result {
	best := Result{Label: Unknown, Distance: math.Inf(1)}
	for _, id := range m.gallery.identities {
		for _, ref := range id.Descriptors {
			if dist := d.Distance(ref); dist < best.Distance {
				best.Distance = dist
				if dist <= m.threshold {
					best.Label = id.Label
				} else {
					best.Label = Unknown
				}
			}
		}
	}
	return best
}

// Best returns the closest known match among all faces in a frame.
// Faces without a descriptor are ignored. ok is false when no face matched.
func (m *Matcher) Best(dets []vision.Detection) (Result, bool) {
	var (
		best  Result
		found bool
	)
	for _, det := range dets {
		if len(det.Descriptor) == 0 {
			continue
		}
		r := m.Match(det.Descriptor)
		if !r.Known() {
			continue
		}
		if !found || r.Distance < best.Distance {
			best, found = r, true
		}
	}
	return best, found
}
