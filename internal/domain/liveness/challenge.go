// Package liveness implements the randomized expression challenge used to
// tell a live subject from a photo or a replayed clip.
//
// A Session is a pure state machine: it owns no goroutines, timers or camera.
// The detection loop feeds it one observation per tick together with the tick
// time, and scheduled transitions (warm-up, the pause between rounds) are
// consumed on the first tick at or after their due time.
package liveness

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/facelock/facelock/internal/domain/vision"
)

// ErrChallengeTimedOut is returned when a challenge step is not confirmed before its deadline.
var ErrChallengeTimedOut = errors.New("liveness challenge timed out")

// Config holds the challenge parameters.
type Config struct {
	// Expressions is the challenge set. Every expression is demonstrated once per round,
	// so the number of steps per round equals len(Expressions).
	Expressions []vision.Expression
	// TotalRounds is the number of rounds to pass.
	TotalRounds int
	// ConfidenceThreshold is the probability the requested expression must exceed.
	ConfidenceThreshold float64
	// HoldDuration is how long the expression must be held without a break.
	HoldDuration time.Duration
	// ChallengeTime bounds each step, measured from issuance.
	ChallengeTime time.Duration
	// RoundPause is the user-facing pause between rounds.
	RoundPause time.Duration
	// Warmup delays the first challenge after the session starts.
	Warmup time.Duration
}

// DefaultConfig returns the terminal's standard challenge.
func DefaultConfig() Config {
	return Config{
		Expressions:         []vision.Expression{vision.ExpressionHappy, vision.ExpressionNeutral},
		TotalRounds:         2,
		ConfidenceThreshold: 0.6,
		HoldDuration:        time.Second,
		ChallengeTime:       10 * time.Second,
		RoundPause:          1500 * time.Millisecond,
		Warmup:              600 * time.Millisecond,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Expressions) == 0 {
		return errors.New("challenge set is empty")
	}
	seen := make(map[vision.Expression]struct{}, len(c.Expressions))
	for _, e := range c.Expressions {
		if _, dup := seen[e]; dup {
			return fmt.Errorf("duplicate challenge expression %q", e)
		}
		seen[e] = struct{}{}
	}
	if c.TotalRounds < 1 {
		return errors.New("total rounds must be at least 1")
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold >= 1 {
		return fmt.Errorf("confidence threshold %v must be in (0, 1)", c.ConfidenceThreshold)
	}
	if c.HoldDuration < 0 || c.RoundPause < 0 || c.Warmup < 0 {
		return errors.New("durations must not be negative")
	}
	if c.ChallengeTime <= 0 {
		return errors.New("challenge time must be positive")
	}
	return nil
}

// Outcome is the coarse session status.
type Outcome string

const (
	OutcomeRunning         Outcome = "running"
	OutcomeRoundPassed     Outcome = "round_passed"
	OutcomeChallengePassed Outcome = "challenge_passed"
	OutcomeTimedOut        Outcome = "timed_out"
)

// Terminal reports whether no further transitions can happen.
func (o Outcome) Terminal() bool {
	return o == OutcomeChallengePassed || o == OutcomeTimedOut
}

// EventKind identifies a challenge transition.
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventChallengeIssued EventKind = "challenge_issued"
	EventHoldStarted     EventKind = "hold_started"
	EventHoldBroken      EventKind = "hold_broken"
	EventStepConfirmed   EventKind = "step_confirmed"
	EventRoundPassed     EventKind = "round_passed"
	EventChallengePassed EventKind = "challenge_passed"
	EventTimedOut        EventKind = "timed_out"
)

// Event is emitted on every transition.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Round      int               `json:"round"`
	Step       int               `json:"step"`
	Challenge  vision.Expression `json:"challenge,omitempty"`
	Detected   vision.Expression `json:"detected,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Deadline   time.Time         `json:"deadline,omitzero"`
	At         time.Time         `json:"at"`
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Round         int                 `json:"round"`
	TotalRounds   int                 `json:"total_rounds"`
	Step          int                 `json:"step"`
	StepsPerRound int                 `json:"steps_per_round"`
	Challenge     vision.Expression   `json:"challenge,omitempty"`
	Used          []vision.Expression `json:"used"`
	HoldStartedAt time.Time           `json:"hold_started_at,omitzero"`
	Deadline      time.Time           `json:"deadline,omitzero"`
	Detected      vision.Expression   `json:"detected,omitempty"`
	Confidence    float64             `json:"confidence"`
	Outcome       Outcome             `json:"outcome"`
}

// Session is one liveness challenge. Not safe for concurrent use: exactly one
// detection loop drives it.
type Session struct {
	cfg Config
	rng *rand.Rand

	started bool
	round   int
	step    int
	used    []vision.Expression
	current vision.Expression

	holdStartedAt time.Time
	deadline      time.Time

	pending bool
	issueAt time.Time

	detected   vision.Expression
	confidence float64
	outcome    Outcome
}

// NewSession creates a session. A nil rng uses a randomly seeded source.
func NewSession(cfg Config, rng *rand.Rand) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness config: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Session{
		cfg:     cfg,
		rng:     rng,
		outcome: OutcomeRunning,
	}, nil
}

// Start arms round 1. The first challenge is issued immediately, or on the
// first tick after the warm-up delay.
func (s *Session) Start(now time.Time) []Event {
	if s.started {
		return nil
	}
	s.started = true
	s.round = 1

	if s.cfg.Warmup > 0 {
		s.schedule(now.Add(s.cfg.Warmup))
		return []Event{s.event(EventStarted, now)}
	}
	return append([]Event{s.event(EventStarted, now)}, s.issue(now)...)
}

// Observe feeds one detection tick. probs is nil when no face was detected
// or the detector failed on this frame.
func (s *Session) Observe(now time.Time, probs vision.ExpressionProbabilities) []Event {
	if !s.started || s.outcome.Terminal() {
		return nil
	}

	if s.pending {
		if now.Before(s.issueAt) {
			return nil
		}
		s.pending = false
		if s.outcome == OutcomeRoundPassed {
			s.round++
			s.used = s.used[:0]
			s.step = 0
			s.outcome = OutcomeRunning
		}
		return s.issue(now)
	}

	label, prob, _ := probs.Best(s.cfg.Expressions)
	s.detected, s.confidence = label, prob

	var events []Event
	if label == s.current && prob > s.cfg.ConfidenceThreshold {
		if s.holdStartedAt.IsZero() {
			s.holdStartedAt = now
			events = append(events, s.event(EventHoldStarted, now))
		}
		if now.Sub(s.holdStartedAt) >= s.cfg.HoldDuration {
			return append(events, s.confirm(now)...)
		}
	} else if !s.holdStartedAt.IsZero() {
		s.holdStartedAt = time.Time{}
		events = append(events, s.event(EventHoldBroken, now))
	}

	if now.After(s.deadline) {
		s.outcome = OutcomeTimedOut
		s.pending = false
		events = append(events, s.event(EventTimedOut, now))
	}
	return events
}

// Outcome returns the current status.
func (s *Session) Outcome() Outcome {
	return s.outcome
}

// Err returns ErrChallengeTimedOut after a timeout, nil otherwise.
func (s *Session) Err() error {
	if s.outcome == OutcomeTimedOut {
		return ErrChallengeTimedOut
	}
	return nil
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Round:         s.round,
		TotalRounds:   s.cfg.TotalRounds,
		Step:          s.step,
		StepsPerRound: len(s.cfg.Expressions),
		Challenge:     s.current,
		Used:          slices.Clone(s.used),
		HoldStartedAt: s.holdStartedAt,
		Deadline:      s.deadline,
		Detected:      s.detected,
		Confidence:    s.confidence,
		Outcome:       s.outcome,
	}
}

// issue draws the next challenge uniformly from the expressions not yet used
// this round and arms the step deadline.
func (s *Session) issue(now time.Time) []Event {
	available := make([]vision.Expression, 0, len(s.cfg.Expressions))
	for _, e := range s.cfg.Expressions {
		if !slices.Contains(s.used, e) {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		return nil
	}

	s.current = available[s.rng.IntN(len(available))]
	s.used = append(s.used, s.current)
	s.step = len(s.used)
	s.holdStartedAt = time.Time{}
	s.deadline = now.Add(s.cfg.ChallengeTime)
	return []Event{s.event(EventChallengeIssued, now)}
}

func (s *Session) confirm(now time.Time) []Event {
	events := []Event{s.event(EventStepConfirmed, now)}
	s.holdStartedAt = time.Time{}

	if len(s.used) < len(s.cfg.Expressions) {
		return append(events, s.issue(now)...)
	}

	if s.round < s.cfg.TotalRounds {
		s.outcome = OutcomeRoundPassed
		events = append(events, s.event(EventRoundPassed, now))
		s.schedule(now.Add(s.cfg.RoundPause))
		return events
	}

	s.outcome = OutcomeChallengePassed
	return append(events, s.event(EventChallengePassed, now))
}

func (s *Session) schedule(at time.Time) {
	s.pending = true
	s.issueAt = at
}

func (s *Session) event(kind EventKind, now time.Time) Event {
	return Event{
		Kind:       kind,
		Round:      s.round,
		Step:       s.step,
		Challenge:  s.current,
		Detected:   s.detected,
		Confidence: s.confidence,
		Deadline:   s.deadline,
		At:         now,
	}
}
