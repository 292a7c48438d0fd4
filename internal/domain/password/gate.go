// Package password binds a matched identity to a keypad-entered password.
package password

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facelock/facelock/internal/domain/keypad"
)

// Length is the exact number of digits in a valid password.
const Length = 5

var (
	// ErrInvalidFormat is returned for input that is not exactly five ASCII digits.
	ErrInvalidFormat = errors.New("password must be exactly 5 digits")
	// ErrRejected is returned when the password does not match the identity.
	ErrRejected = errors.New("password rejected")
	// ErrBusy is returned when a verification is already in flight.
	ErrBusy = errors.New("password verification in progress")
	// ErrTimedOut is returned when no correct password was entered in time.
	ErrTimedOut = errors.New("password entry timed out")
)

// Validate checks the password syntax.
func Validate(pw string) error {
	if len(pw) != Length {
		return ErrInvalidFormat
	}
	for i := 0; i < len(pw); i++ {
		if pw[i] < '0' || pw[i] > '9' {
			return ErrInvalidFormat
		}
	}
	return nil
}

// Verifier checks a password against an identity.
type Verifier interface {
	VerifyPassword(ctx context.Context, label, password string) (bool, error)
}

// Source tells where a submission came from.
type Source string

const (
	SourceKeypad Source = "keypad"
	SourceManual Source = "manual"
)

// Attempt describes one submission. Err is nil for an accepted password.
type Attempt struct {
	Source Source
	Err    error
	At     time.Time
}

// Default timings.
const (
	DefaultPollInterval = 300 * time.Millisecond
	DefaultEntryTimeout = 60 * time.Second
)

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithPollInterval sets how often the keypad is polled.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithEntryTimeout bounds the whole password phase.
func WithEntryTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.entryTimeout = d
		}
	}
}

// WithAttemptHook registers a callback invoked after every submission.
func WithAttemptHook(fn func(Attempt)) GateOption {
	return func(g *Gate) {
		g.onAttempt = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// Gate is the password confirmation step for one identity. Keypad
// submissions arrive through Run; manual submissions through Submit. Both
// share one in-flight guard, so at most one verification is outstanding.
type Gate struct {
	identity string
	verifier Verifier
	keypad   keypad.Reader

	pollInterval time.Duration
	entryTimeout time.Duration
	onAttempt    func(Attempt)
	logger       *slog.Logger

	inFlight atomic.Bool
	verified chan struct{}
	once     sync.Once
}

// NewGate creates a gate for identity.
func NewGate(identity string, v Verifier, kp keypad.Reader, opts ...GateOption) *Gate {
	g := &Gate{
		identity:     identity,
		verifier:     v,
		keypad:       kp,
		pollInterval: DefaultPollInterval,
		entryTimeout: DefaultEntryTimeout,
		logger:       slog.Default(),
		verified:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Identity returns the label the gate verifies against.
func (g *Gate) Identity() string {
	return g.identity
}

// Submit verifies a manually entered password.
func (g *Gate) Submit(ctx context.Context, pw string) error {
	err := g.submit(ctx, pw)
	g.report(SourceManual, err)
	return err
}

func (g *Gate) submit(ctx context.Context, pw string) error {
	if err := Validate(pw); err != nil {
		return err
	}
	if !g.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer g.inFlight.Store(false)

	select {
	case <-g.verified:
		return nil
	default:
	}

	ok, err := g.verifier.VerifyPassword(ctx, g.identity, pw)
	if err != nil {
		return fmt.Errorf("verify password for %q: %w", g.identity, err)
	}
	if !ok {
		g.keypad.ClearBuffer()
		return ErrRejected
	}
	g.once.Do(func() { close(g.verified) })
	return nil
}

// Verified is closed once a password has been accepted.
func (g *Gate) Verified() <-chan struct{} {
	return g.verified
}

// Run polls the keypad for submit edges until a password is accepted from
// either path, the entry timeout elapses, or ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(g.entryTimeout)
	defer timeout.Stop()

	var edge keypad.EdgeDetector
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.verified:
			return nil
		case <-timeout.C:
			return ErrTimedOut
		case <-ticker.C:
			state := g.keypad.ReadState()
			if !edge.Observe(state) {
				continue
			}
			// Only the edge flag is acknowledged here; the buffer is kept so an
			// invalid entry can be corrected.
			g.keypad.AcknowledgeSubmitIf(state.SubmitSeq)

			err := g.submit(ctx, state.Input)
			if errors.Is(err, ErrBusy) {
				g.logger.Debug("keypad submit ignored, verification in flight")
				continue
			}
			g.report(SourceKeypad, err)
			if err == nil {
				return nil
			}
		}
	}
}

func (g *Gate) report(src Source, err error) {
	if g.onAttempt != nil {
		g.onAttempt(Attempt{Source: src, Err: err, At: time.Now()})
	}
}
