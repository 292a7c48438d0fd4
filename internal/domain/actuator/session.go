// Package actuator drives the relay output with a guaranteed switch-off.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDuration is how long the output stays on after a grant.
const DefaultDuration = 4800 * time.Millisecond

const (
	offAttempts = 3
	offTimeout  = 2 * time.Second
)

var (
	// ErrActuation is returned when the driver fails to switch the output on.
	ErrActuation = errors.New("actuation failed")
	// ErrClosed is returned by Trigger after Close.
	ErrClosed = errors.New("actuator session closed")
)

// Driver switches the physical output.
type Driver interface {
	SetOutput(ctx context.Context, on bool) error
}

// Release reports a completed switch-off.
type Release struct {
	Token uint64
	Err   error
	At    time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithReleaseHook registers a callback invoked after each scheduled or forced switch-off.
func WithReleaseHook(fn func(Release)) Option {
	return func(s *Session) {
		s.onRelease = fn
	}
}

// Session owns the output. Every Trigger takes a new token; only the timer
// armed by the latest token may switch the output off, and at most one timer
// is pending at any time.
type Session struct {
	driver    Driver
	logger    *slog.Logger
	onRelease func(Release)

	mu     sync.Mutex
	token  uint64
	timer  *time.Timer
	on     bool
	closed bool
}

// NewSession creates an actuator session for driver.
func NewSession(driver Driver, opts ...Option) *Session {
	s := &Session{
		driver: driver,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger switches the output on and schedules it off after d. A trigger
// while the output is already on re-arms the switch-off for the new token
// without issuing "on" again. If "on" fails nothing is scheduled.
func (s *Session) Trigger(ctx context.Context, d time.Duration) (uint64, error) {
	if d <= 0 {
		d = DefaultDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.on {
		if s.timer != nil {
			s.timer.Stop()
		}
	} else {
		if err := s.driver.SetOutput(ctx, true); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrActuation, err)
		}
		s.on = true
	}

	s.token++
	token := s.token
	s.timer = time.AfterFunc(d, func() { s.expire(token) })
	s.logger.Debug("output on", "token", token, "duration", d)
	return token, nil
}

func (s *Session) expire(token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.token || !s.on {
		return
	}
	s.timer = nil
	s.switchOff(token)
}

// switchOff must be called with mu held.
func (s *Session) switchOff(token uint64) {
	var err error
	for attempt := 1; attempt <= offAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), offTimeout)
		err = s.driver.SetOutput(ctx, false)
		cancel()
		if err == nil {
			break
		}
		s.logger.Warn("output off failed", "token", token, "attempt", attempt, "error", err)
	}
	if err != nil {
		s.logger.Error("output may still be on", "token", token, "error", err)
	}
	s.on = false
	s.logger.Debug("output off", "token", token)

	if s.onRelease != nil {
		s.onRelease(Release{Token: token, Err: err, At: time.Now()})
	}
}

// Token returns the latest token.
func (s *Session) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Active reports whether the output is on.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Close cancels any pending timer and forces the output off. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.on {
		s.switchOff(s.token)
	}
	return nil
}
