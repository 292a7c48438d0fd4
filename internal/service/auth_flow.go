package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/facelock/facelock/internal/domain/actuator"
	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/keypad"
	"github.com/facelock/facelock/internal/domain/liveness"
	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/password"
)

const instrumentationName = "github.com/facelock/facelock/internal/service"

// Phase is the authentication session phase.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLiveness        Phase = "liveness"
	PhaseMatching        Phase = "matching"
	PhasePasswordConfirm Phase = "password_confirm"
	PhaseActuating       Phase = "actuating"
	PhaseDenied          Phase = "denied"
)

// FlowConfig holds the timing of the password and actuation phases.
type FlowConfig struct {
	PollInterval      time.Duration
	EntryTimeout      time.Duration
	ActuationDuration time.Duration
}

// AuthFlowDeps are the collaborators of an AuthFlow. Access and Audit are optional.
type AuthFlowDeps struct {
	Liveness *LivenessRunner
	Match    *MatchRunner
	Gallery  *GalleryLoader
	Store    identity.Store
	Keypad   keypad.Reader
	Driver   actuator.Driver
	Access   identity.AccessRule
	Audit    *AuditService
	Bus      *EventBus
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	SessionID      string             `json:"session_id,omitempty"`
	Phase          Phase              `json:"phase"`
	Identity       string             `json:"identity,omitempty"`
	Candidate      string             `json:"candidate,omitempty"`
	Liveness       *liveness.Snapshot `json:"liveness,omitempty"`
	Message        string             `json:"message,omitempty"`
	ActuationToken uint64             `json:"actuation_token"`
	StartedAt      time.Time          `json:"started_at,omitzero"`
}

// AuthFlow sequences liveness, matching, password confirmation and
// actuation. At most one session runs at a time; its phases run one after
// the other on a single goroutine.
type AuthFlow struct {
	deps     AuthFlowDeps
	cfg      FlowConfig
	logger   *slog.Logger
	actuator *actuator.Session
	released chan actuator.Release

	tracer          trace.Tracer
	sessionDuration metric.Float64Histogram

	mu       sync.Mutex
	snap     Snapshot
	liveness *liveness.Snapshot
	gate     *password.Gate
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// NewAuthFlow creates the orchestrator and the actuator session it owns.
func NewAuthFlow(deps AuthFlowDeps, cfg FlowConfig) *AuthFlow {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = password.DefaultPollInterval
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = password.DefaultEntryTimeout
	}
	if cfg.ActuationDuration <= 0 {
		cfg.ActuationDuration = actuator.DefaultDuration
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth_flow")

	f := &AuthFlow{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		released: make(chan actuator.Release, 4),
		tracer:   otel.Tracer(instrumentationName),
		snap:     Snapshot{Phase: PhaseIdle},
	}
	f.actuator = actuator.NewSession(deps.Driver,
		actuator.WithLogger(logger.With("component", "actuator")),
		actuator.WithReleaseHook(f.onRelease),
	)

	h, err := otel.Meter(instrumentationName).Float64Histogram("facelock.session.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of authentication sessions"),
	)
	if err != nil {
		logger.Warn("session duration instrument unavailable", "error", err)
	} else {
		f.sessionDuration = h
	}
	return f
}

// Start begins a new session and returns its ID. The session outlives the
// caller's context; use Stop to cancel it.
func (f *AuthFlow) Start(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", ErrFlowClosed
	}
	if f.done != nil {
		f.mu.Unlock()
		return "", ErrSessionActive
	}

	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.liveness = nil
	f.snap = Snapshot{
		SessionID:      id,
		Phase:          PhaseIdle,
		ActuationToken: f.snap.ActuationToken,
		StartedAt:      time.Now(),
	}
	f.mu.Unlock()

	f.deps.Metrics.SessionActive.Set(1)
	f.logger.Info("session started", "session_id", id)
	go f.run(runCtx, id, done)
	return id, nil
}

// Stop cancels the running session and waits until its phase has released
// the camera and its timers. A denied session is reset to idle. Idempotent.
func (f *AuthFlow) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	if done == nil && f.snap.Phase == PhaseDenied {
		f.snap.Phase = PhaseIdle
	}
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SubmitPassword verifies a manually entered password for the session
// waiting in the password phase.
func (f *AuthFlow) SubmitPassword(ctx context.Context, pw string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return ErrNoSession
	}
	return gate.Submit(ctx, pw)
}

// Snapshot returns the current session state.
func (f *AuthFlow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	if f.liveness != nil {
		l := *f.liveness
		s.Liveness = &l
	}
	return s
}

// Subscribe returns a stream of session events and its cancel function.
func (f *AuthFlow) Subscribe() (<-chan Event, func()) {
	return f.deps.Bus.Subscribe()
}

// Close stops the running session and forces the output off.
func (f *AuthFlow) Close() error {
	f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.actuator.Close()
}

func (f *AuthFlow) run(ctx context.Context, id string, done chan struct{}) {
	defer close(done)

	start := time.Now()
	ctx, span := f.tracer.Start(ctx, "auth_session", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	label, err := f.authenticate(ctx, id)
	if err == nil {
		err = f.actuate(ctx, id, label)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, denialReason(err))
	}
	f.finish(ctx, id, label, err, start)
}

func (f *AuthFlow) authenticate(ctx context.Context, id string) (string, error) {
	f.deps.Keypad.ClearBuffer()

	f.setPhase(id, PhaseLiveness)
	err := f.phase(ctx, PhaseLiveness, func(ctx context.Context) error {
		return f.deps.Liveness.Run(ctx, f.onLiveness(id))
	})
	if err != nil {
		return "", err
	}

	f.setPhase(id, PhaseMatching)
	var res match.Result
	err = f.phase(ctx, PhaseMatching, func(ctx context.Context) error {
		gallery, err := f.deps.Gallery.Load(ctx)
		if err != nil {
			return err
		}
		res, err = f.deps.Match.Run(ctx, gallery, f.onMatch(id))
		return err
	})
	if err != nil {
		return "", err
	}

	f.deps.Keypad.ClearBuffer()
	gate := password.NewGate(res.Label, f.deps.Store, f.deps.Keypad,
		password.WithPollInterval(f.cfg.PollInterval),
		password.WithEntryTimeout(f.cfg.EntryTimeout),
		password.WithAttemptHook(f.onAttempt(id)),
		password.WithLogger(f.logger.With("session_id", id)),
	)

	f.mu.Lock()
	f.snap.Identity = res.Label
	f.snap.Candidate = ""
	f.gate = gate
	f.mu.Unlock()
	f.setPhase(id, PhasePasswordConfirm)

	err = f.phase(ctx, PhasePasswordConfirm, gate.Run)

	f.mu.Lock()
	f.gate = nil
	f.mu.Unlock()
	f.deps.Keypad.ClearBuffer()

	return res.Label, err
}

func (f *AuthFlow) actuate(ctx context.Context, id, label string) error {
	if f.deps.Access != nil {
		ok, err := f.deps.Access.Allow(ctx, identity.AccessRequest{Identity: label, Time: time.Now()})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
		if !ok {
			return ErrAccessDenied
		}
	}

	f.setPhase(id, PhaseActuating)
	f.drainReleases()
	token, err := f.actuator.Trigger(ctx, f.cfg.ActuationDuration)
	if err != nil {
		f.deps.Metrics.Actuations.WithLabelValues("error").Inc()
		return err
	}
	f.deps.Metrics.Actuations.WithLabelValues("ok").Inc()

	f.mu.Lock()
	f.snap.ActuationToken = token
	f.mu.Unlock()
	f.publish(Event{Type: EventActuator, SessionID: id, Phase: PhaseActuating, Message: "Output on.", Data: map[string]any{"token": token, "on": true}})

	// A stop during actuation ends the session early; the switch-off stays scheduled.
	for {
		select {
		case rel := <-f.released:
			if rel.Token >= token {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *AuthFlow) finish(ctx context.Context, id, label string, err error, start time.Time) {
	stopped := errors.Is(err, context.Canceled)
	outcome, decision := "granted", identity.DecisionGranted
	phase := PhaseIdle
	switch {
	case stopped:
		outcome = "stopped"
	case err != nil:
		outcome, decision = "denied", identity.DecisionDenied
		phase = PhaseDenied
	}
	msg := DenialMessage(err)

	f.deps.Metrics.SessionActive.Set(0)
	f.deps.Metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	if f.sessionDuration != nil {
		f.sessionDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if !stopped && f.deps.Audit != nil {
		e := identity.AccessEvent{
			ID:        uuid.New().String(),
			SessionID: id,
			Label:     label,
			Decision:  decision,
			At:        time.Now().UTC(),
		}
		if err != nil {
			e.Reason = denialReason(err)
		}
		f.deps.Audit.Record(e)
	}

	logger := f.logger.With("session_id", id, "outcome", outcome, "duration", time.Since(start))
	if err != nil && !stopped {
		logger.Warn("session denied", "identity", label, "reason", denialReason(err), "error", err)
	} else {
		logger.Info("session finished", "identity", label)
	}

	f.mu.Lock()
	f.snap.Phase = phase
	f.snap.Message = msg
	f.gate = nil
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()

	f.publish(Event{Type: EventOutcome, SessionID: id, Phase: phase, Message: msg, Data: map[string]any{"outcome": outcome, "identity": label}})
}

// phase runs fn inside a child span and records its duration.
func (f *AuthFlow) phase(ctx context.Context, p Phase, fn func(context.Context) error) error {
	ctx, span := f.tracer.Start(ctx, string(p))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	f.deps.Metrics.PhaseDuration.WithLabelValues(string(p)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, denialReason(err))
	}
	return err
}

func (f *AuthFlow) setPhase(id string, p Phase) {
	f.mu.Lock()
	f.snap.Phase = p
	f.snap.Message = ""
	f.mu.Unlock()
	f.logger.Debug("phase changed", "session_id", id, "phase", p)
	f.publish(Event{Type: EventPhase, SessionID: id, Phase: p})
}

func (f *AuthFlow) onLiveness(id string) func(LivenessUpdate) {
	return func(u LivenessUpdate) {
		snap := u.Snapshot
		f.mu.Lock()
		f.liveness = &snap
		f.mu.Unlock()
		f.publish(Event{Type: EventLiveness, SessionID: id, Phase: PhaseLiveness, Data: u.Event})
	}
}

func (f *AuthFlow) onMatch(id string) func(match.Event) {
	return func(e match.Event) {
		f.mu.Lock()
		switch e.Kind {
		case match.EventCandidate:
			f.snap.Candidate = e.Label
		case match.EventCandidateLost, match.EventTimedOut:
			f.snap.Candidate = ""
		}
		f.mu.Unlock()
		f.publish(Event{Type: EventMatch, SessionID: id, Phase: PhaseMatching, Data: e})
	}
}

func (f *AuthFlow) onAttempt(id string) func(password.Attempt) {
	return func(a password.Attempt) {
		result, msg := "accepted", "Password accepted."
		switch {
		case a.Err == nil:
		case errors.Is(a.Err, password.ErrRejected):
			result, msg = "rejected", DenialMessage(a.Err)
		case errors.Is(a.Err, password.ErrInvalidFormat):
			result, msg = "invalid", DenialMessage(a.Err)
		case errors.Is(a.Err, password.ErrBusy):
			result, msg = "busy", DenialMessage(a.Err)
		default:
			result, msg = "error", "Password check failed."
			f.logger.Error("password verification failed", "session_id", id, "error", a.Err)
		}
		f.deps.Metrics.PasswordAttempts.WithLabelValues(string(a.Source), result).Inc()

		f.mu.Lock()
		f.snap.Message = msg
		f.mu.Unlock()
		f.publish(Event{Type: EventPassword, SessionID: id, Phase: PhasePasswordConfirm, Message: msg, Data: map[string]any{"source": a.Source, "result": result}})
	}
}

func (f *AuthFlow) onRelease(rel actuator.Release) {
	select {
	case f.released <- rel:
	default:
	}
	msg := "Output off."
	if rel.Err != nil {
		msg = "Output off failed."
	}
	f.publish(Event{Type: EventActuator, Phase: PhaseActuating, Message: msg, Data: map[string]any{"token": rel.Token, "on": false}})
}

func (f *AuthFlow) drainReleases() {
	for {
		select {
		case <-f.released:
		default:
			return
		}
	}
}

func (f *AuthFlow) publish(e Event) {
	if f.deps.Bus != nil {
		f.deps.Bus.Publish(e)
	}
}
