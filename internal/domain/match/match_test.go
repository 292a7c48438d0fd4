package match

import (
	"errors"
	"testing"
	"time"

	"github.com/facelock/facelock/internal/domain/vision"
)

var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func testGallery(t *testing.T) *Gallery {
	t.Helper()
	g, err := NewGallery([]Identity{
		{Label: "alice", Descriptors: []vision.Descriptor{{0, 0}, {0.1, 0}}},
		{Label: "bob", Descriptors: []vision.Descriptor{{1, 1}}},
		{Label: "carol"}, // no usable images
	})
	if err != nil {
		t.Fatalf("NewGallery: %v", err)
	}
	return g
}

func face(d ...float32) vision.Detection {
	return vision.Detection{Box: vision.Box{Width: 10, Height: 10}, Descriptor: d}
}

func TestNewGallery(t *testing.T) {
	t.Parallel()

	g := testGallery(t)
	if got := g.Labels(); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("Labels() = %v", got)
	}
	if _, err := NewGallery([]Identity{{Label: "x"}}); !errors.Is(err, ErrEmptyGallery) {
		t.Errorf("NewGallery(no descriptors) error = %v", err)
	}
	if _, err := NewGallery(nil); !errors.Is(err, ErrEmptyGallery) {
		t.Errorf("NewGallery(nil) error = %v", err)
	}
}

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testGallery(t), 0.6)
	tests := []struct {
		name  string
		desc  vision.Descriptor
		label string
	}{
		{"exact alice", vision.Descriptor{0, 0}, "alice"},
		{"nearest alice descriptor", vision.Descriptor{0.15, 0}, "alice"},
		{"bob", vision.Descriptor{0.9, 1}, "bob"},
		{"out of range", vision.Descriptor{5, 5}, Unknown},
		{"wrong length", vision.Descriptor{0, 0, 0}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Match(tt.desc); got.Label != tt.label {
				t.Errorf("Match(%v) = %+v, want %s", tt.desc, got, tt.label)
			}
		})
	}
}

func TestMatcher_BestPicksClosestKnownFace(t *testing.T) {
	t.Parallel()

	m := NewMatcher(testGallery(t), 0.6)
	got, ok := m.Best([]vision.Detection{face(5, 5), face(0.8, 1), face(), face(0.05, 0)})
	if !ok || got.Label != "alice" {
		t.Errorf("Best() = %+v, %v; want alice", got, ok)
	}
	if _, ok := m.Best([]vision.Detection{face(5, 5)}); ok {
		t.Error("Best() matched an unknown face")
	}
}

func newSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(DefaultConfig(), testGallery(t))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Start(t0)
	return s
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestSession_ResolvesAfterStabilityWindow(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	alice := []vision.Detection{face(0, 0)}
	var resolvedCount int
	for ms := 0; ms <= 3000; ms += 200 {
		for _, e := range s.Observe(t0.Add(time.Duration(ms)*time.Millisecond), alice) {
			if e.Kind == EventResolved {
				resolvedCount++
				if ms != 2000 {
					t.Errorf("resolved at %dms, want 2000ms", ms)
				}
			}
		}
	}
	if resolvedCount != 1 {
		t.Fatalf("resolved %d times, want 1", resolvedCount)
	}
	r, ok := s.Resolved()
	if !ok || r.Label != "alice" {
		t.Errorf("Resolved() = %+v, %v", r, ok)
	}
}

func TestSession_NeverSwitchesAfterResolution(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	s.Observe(t0, []vision.Detection{face(0, 0)})
	s.Observe(t0.Add(2*time.Second), []vision.Detection{face(0, 0)})
	if got := s.Observe(t0.Add(5*time.Second), []vision.Detection{face(1, 1)}); got != nil {
		t.Errorf("events after resolution = %v", kinds(got))
	}
	if r, _ := s.Resolved(); r.Label != "alice" {
		t.Errorf("resolved label changed to %s", r.Label)
	}
}

func TestSession_LabelChangeResetsStability(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	s.Observe(t0, []vision.Detection{face(0, 0)})
	s.Observe(t0.Add(1500*time.Millisecond), []vision.Detection{face(1, 1)})
	if got := s.Observe(t0.Add(2500*time.Millisecond), []vision.Detection{face(1, 1)}); len(got) != 0 {
		t.Errorf("events = %v, want none before bob is stable", kinds(got))
	}
	got := s.Observe(t0.Add(3500*time.Millisecond), []vision.Detection{face(1, 1)})
	if len(got) != 1 || got[0].Kind != EventResolved || got[0].Label != "bob" {
		t.Errorf("events = %+v, want bob resolved", got)
	}
}

func TestSession_UnknownFrameResetsCandidate(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	s.Observe(t0, []vision.Detection{face(0, 0)})
	got := s.Observe(t0.Add(1*time.Second), []vision.Detection{face(9, 9)})
	if len(got) != 1 || got[0].Kind != EventCandidateLost {
		t.Fatalf("events = %v, want candidate_lost", kinds(got))
	}
	if _, ok := s.Candidate(); ok {
		t.Error("candidate kept after unknown frame")
	}
}

func TestSession_AbsenceTimeout(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	// Candidate appears, then vanishes before becoming stable.
	s.Observe(t0, []vision.Detection{face(0, 0)})
	s.Observe(t0.Add(1*time.Second), nil)
	if got := s.Observe(t0.Add(4900*time.Millisecond), nil); len(got) != 0 {
		t.Fatalf("events = %v before absence timeout", kinds(got))
	}
	got := s.Observe(t0.Add(5*time.Second), nil)
	if len(got) != 1 || got[0].Kind != EventTimedOut {
		t.Fatalf("events = %v, want timed_out", kinds(got))
	}
	if !errors.Is(s.Err(), ErrMatchTimedOut) {
		t.Errorf("Err() = %v", s.Err())
	}
	if s.Observe(t0.Add(6*time.Second), []vision.Detection{face(0, 0)}) != nil {
		t.Error("session kept running after timeout")
	}
}

func TestSession_UnknownFaceKeepsAbsenceAtBay(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxDuration = 0
	s, err := NewSession(cfg, testGallery(t))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(t0)
	for sec := 0; sec <= 20; sec++ {
		if got := s.Observe(t0.Add(time.Duration(sec)*time.Second), []vision.Detection{face(9, 9)}); len(got) != 0 {
			t.Fatalf("at %ds events = %v", sec, kinds(got))
		}
	}
}

func TestSession_MaxDuration(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	var timedOut bool
	for sec := 0; sec <= 30; sec++ {
		for _, e := range s.Observe(t0.Add(time.Duration(sec)*time.Second), []vision.Detection{face(9, 9)}) {
			if e.Kind == EventTimedOut {
				timedOut = true
			}
		}
	}
	if !timedOut || s.Outcome() != OutcomeTimedOut {
		t.Errorf("outcome = %s, want timed_out after max duration", s.Outcome())
	}
}

func TestNewSession_EmptyGallery(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(DefaultConfig(), nil); !errors.Is(err, ErrEmptyGallery) {
		t.Errorf("NewSession(nil) error = %v", err)
	}
}
