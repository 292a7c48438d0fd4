package match

import (
	"errors"
	"time"

	"github.com/facelock/facelock/internal/domain/vision"
)

// Config holds the face-match parameters.
type Config struct {
	AcceptanceDistance float64
	// StabilityWindow is how long the same label must stay the best match.
	StabilityWindow time.Duration
	// AbsenceTimeout ends the session when no face was seen for this long.
	AbsenceTimeout time.Duration
	// MaxDuration bounds the whole session even while faces keep appearing. Zero disables it.
	MaxDuration time.Duration
}

// DefaultConfig returns the terminal's standard match parameters.
func DefaultConfig() Config {
	return Config{
		AcceptanceDistance: DefaultAcceptanceDistance,
		StabilityWindow:    2 * time.Second,
		AbsenceTimeout:     5 * time.Second,
		MaxDuration:        30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AcceptanceDistance <= 0 {
		return errors.New("acceptance distance must be positive")
	}
	if c.StabilityWindow < 0 {
		return errors.New("stability window must not be negative")
	}
	if c.AbsenceTimeout <= 0 {
		return errors.New("absence timeout must be positive")
	}
	if c.MaxDuration < 0 {
		return errors.New("max duration must not be negative")
	}
	return nil
}

// Outcome is the session status.
type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeResolved Outcome = "resolved"
	OutcomeTimedOut Outcome = "timed_out"
)

// EventKind identifies a match transition.
type EventKind string

const (
	EventCandidate     EventKind = "candidate"
	EventCandidateLost EventKind = "candidate_lost"
	EventResolved      EventKind = "resolved"
	EventTimedOut      EventKind = "timed_out"
)

// Event is emitted on every transition.
type Event struct {
	Kind     EventKind `json:"kind"`
	Label    string    `json:"label,omitempty"`
	Distance float64   `json:"distance,omitempty"`
	At       time.Time `json:"at"`
}

// Session tracks a candidate across frames until it is stable. Like the
// liveness session it is driven by a single loop and holds no resources.
type Session struct {
	cfg     Config
	matcher *Matcher

	startedAt      time.Time
	lastFaceSeenAt time.Time
	candidate      Result
	stableSince    time.Time
	resolved       Result
	outcome        Outcome
}

// NewSession creates a session against g.
func NewSession(cfg Config, g *Gallery) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if g == nil || g.Len() == 0 {
		return nil, ErrEmptyGallery
	}
	return &Session{
		cfg:     cfg,
		matcher: NewMatcher(g, cfg.AcceptanceDistance),
		outcome: OutcomeRunning,
	}, nil
}

// Start begins absence tracking at now.
func (s *Session) Start(now time.Time) {
	if !s.startedAt.IsZero() {
		return
	}
	s.startedAt = now
	s.lastFaceSeenAt = now
}

// Observe feeds the detections of one frame. dets is nil when the frame
// could not be analysed.
func (s *Session) Observe(now time.Time, dets []vision.Detection) []Event {
	if s.startedAt.IsZero() || s.outcome != OutcomeRunning {
		return nil
	}
	if len(dets) > 0 {
		s.lastFaceSeenAt = now
	}

	var events []Event
	best, ok := s.matcher.Best(dets)
	switch {
	case ok && best.Label == s.candidate.Label:
		s.candidate.Distance = best.Distance
	case ok:
		s.candidate = best
		s.stableSince = now
		events = append(events, Event{Kind: EventCandidate, Label: best.Label, Distance: best.Distance, At: now})
	case s.candidate.Known():
		events = append(events, Event{Kind: EventCandidateLost, Label: s.candidate.Label, At: now})
		s.candidate = Result{}
		s.stableSince = time.Time{}
	}

	if s.candidate.Known() && now.Sub(s.stableSince) >= s.cfg.StabilityWindow {
		s.resolved = s.candidate
		s.outcome = OutcomeResolved
		return append(events, Event{Kind: EventResolved, Label: s.resolved.Label, Distance: s.resolved.Distance, At: now})
	}

	if now.Sub(s.lastFaceSeenAt) >= s.cfg.AbsenceTimeout ||
		(s.cfg.MaxDuration > 0 && now.Sub(s.startedAt) >= s.cfg.MaxDuration) {
		s.outcome = OutcomeTimedOut
		s.candidate = Result{}
		events = append(events, Event{Kind: EventTimedOut, At: now})
	}
	return events
}

// Outcome returns the session status.
func (s *Session) Outcome() Outcome {
	return s.outcome
}

// Resolved returns the matched identity once the session is resolved.
func (s *Session) Resolved() (Result, bool) {
	return s.resolved, s.outcome == OutcomeResolved
}

// Candidate returns the current unresolved candidate, if any.
func (s *Session) Candidate() (Result, bool) {
	return s.candidate, s.candidate.Known()
}

// Err returns ErrMatchTimedOut after a timeout.
func (s *Session) Err() error {
	if s.outcome == OutcomeTimedOut {
		return ErrMatchTimedOut
	}
	return nil
}
