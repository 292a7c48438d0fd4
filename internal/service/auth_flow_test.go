package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/facelock/facelock/internal/domain/actuator"
	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/keypad"
	"github.com/facelock/facelock/internal/domain/liveness"
	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/password"
	"github.com/facelock/facelock/internal/domain/vision"
)

type flowHarness struct {
	t        *testing.T
	flow     *AuthFlow
	bus      *EventBus
	keypad   *keypad.Buffer
	camera   *vision.ExclusiveCamera
	rawCam   *fakeCamera
	detector *fakeDetector
	store    *fakeStore
	driver   *fakeDriver
	events   *memEvents
	audit    *AuditService
	cancel   context.CancelFunc

	// onPassword runs on the follower goroutine when the password phase begins.
	onPassword func(h *flowHarness)
	outcomes   chan Event
	wg         sync.WaitGroup
}

type harnessOption func(*flowHarness, *AuthFlowDeps, *liveness.Config)

func newFlowHarness(t *testing.T, opts ...harnessOption) *flowHarness {
	t.Helper()

	h := &flowHarness{
		t:        t,
		keypad:   keypad.NewBuffer(),
		rawCam:   &fakeCamera{},
		detector: &fakeDetector{descriptor: vision.Descriptor{0, 0, 1}, refs: map[string]vision.Descriptor{"alice/1.png": {0, 0, 1}}},
		store: &fakeStore{
			ids:       []identity.Identity{{Label: "alice", ReferenceImages: []string{"alice/1.png"}}},
			passwords: map[string]string{"alice": "12345"},
		},
		driver:   &fakeDriver{},
		events:   &memEvents{},
		outcomes: make(chan Event, 8),
	}
	h.camera = vision.NewExclusiveCamera(h.rawCam)

	metrics := testMetrics()
	logger := discardLogger()
	h.bus = NewEventBus(nil)
	h.audit = NewAuditService(h.events, logger, WithFlushInterval(5*time.Millisecond))
	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	h.audit.Start(ctx)

	livenessCfg := fastLiveness()
	deps := AuthFlowDeps{
		Store:   h.store,
		Keypad:  h.keypad,
		Driver:  h.driver,
		Audit:   h.audit,
		Bus:     h.bus,
		Metrics: metrics,
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(h, &deps, &livenessCfg)
	}
	deps.Liveness = NewLivenessRunner(h.camera, h.detector, livenessCfg, 5*time.Millisecond, metrics, logger)
	deps.Match = NewMatchRunner(h.camera, h.detector, fastMatch(), 5*time.Millisecond, metrics, logger)
	deps.Gallery = NewGalleryLoader(h.store, fakeImages{}, h.detector, nil, logger)

	h.flow = NewAuthFlow(deps, FlowConfig{
		PollInterval:      5 * time.Millisecond,
		EntryTimeout:      2 * time.Second,
		ActuationDuration: 20 * time.Millisecond,
	})

	events, _ := h.bus.Subscribe()
	h.wg.Add(1)
	go h.follow(events)
	return h
}

// follow plays the subject: it shows each requested expression and reacts
// to the password phase.
func (h *flowHarness) follow(events <-chan Event) {
	defer h.wg.Done()
	for e := range events {
		switch e.Type {
		case EventLiveness:
			if le, ok := e.Data.(liveness.Event); ok && le.Kind == liveness.EventChallengeIssued {
				h.detector.show(le.Challenge)
			}
		case EventPhase:
			if e.Phase == PhasePasswordConfirm && h.onPassword != nil {
				h.onPassword(h)
			}
		case EventOutcome:
			h.outcomes <- e
		}
	}
}

func (h *flowHarness) waitOutcome() Event {
	h.t.Helper()
	select {
	case e := <-h.outcomes:
		return e
	case <-time.After(5 * time.Second):
		h.t.Fatal("no session outcome")
		return Event{}
	}
}

func (h *flowHarness) close() {
	_ = h.flow.Close()
	h.bus.Close()
	h.wg.Wait()
	h.audit.Stop()
	h.cancel()
}

func withOnPassword(fn func(*flowHarness)) harnessOption {
	return func(h *flowHarness, _ *AuthFlowDeps, _ *liveness.Config) {
		h.onPassword = fn
	}
}

func typePassword(keys ...string) func(*flowHarness) {
	return func(h *flowHarness) {
		for _, k := range keys {
			h.keypad.OnKeyEvent(k)
		}
	}
}

func TestAuthFlow_GrantsAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFlowHarness(t, withOnPassword(typePassword("1", "2", "3", "4", "5", "D")))
	defer h.close()

	id, err := h.flow.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	out := h.waitOutcome()
	if out.SessionID != id || out.Phase != PhaseIdle {
		t.Fatalf("outcome = %+v", out)
	}
	if data, _ := out.Data.(map[string]any); data["outcome"] != "granted" {
		t.Fatalf("outcome data = %v", out.Data)
	}

	snap := h.flow.Snapshot()
	if snap.Identity != "alice" || snap.ActuationToken != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := h.driver.history(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("relay commands = %v, want on then off", got)
	}
	if h.camera.InUse() {
		t.Error("camera still held after session")
	}
	if st := h.keypad.ReadState(); st.Input != "" || st.SubmitRequested {
		t.Errorf("keypad not cleared: %+v", st)
	}

	h.audit.Stop()
	list, _ := h.events.ListAccessEvents(context.Background(), 0)
	if len(list) != 1 || list[0].Decision != identity.DecisionGranted || list[0].Label != "alice" || list[0].SessionID != id {
		t.Errorf("access events = %+v", list)
	}
}

func TestAuthFlow_ManualPasswordFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	results := make(chan []error, 1)
	h := newFlowHarness(t, withOnPassword(func(h *flowHarness) {
		var errs []error
		errs = append(errs, h.flow.SubmitPassword(context.Background(), "12"))
		errs = append(errs, h.flow.SubmitPassword(context.Background(), "99999"))
		errs = append(errs, h.flow.SubmitPassword(context.Background(), "12345"))
		results <- errs
	}))
	defer h.close()

	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.waitOutcome()
	if data, _ := out.Data.(map[string]any); data["outcome"] != "granted" {
		t.Fatalf("outcome = %+v", out)
	}
	errs := <-results
	if !errors.Is(errs[0], password.ErrInvalidFormat) || !errors.Is(errs[1], password.ErrRejected) || errs[2] != nil {
		t.Errorf("submit results = %v", errs)
	}
	h.store.mu.Lock()
	calls := h.store.verifyCalls
	h.store.mu.Unlock()
	if calls != 2 {
		t.Errorf("verify calls = %d, want 2 (invalid entry never verified)", calls)
	}
}

func TestAuthFlow_LivenessTimeoutDenies(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFlowHarness(t, func(h *flowHarness, _ *AuthFlowDeps, cfg *liveness.Config) {
		cfg.ChallengeTime = 40 * time.Millisecond
		h.detector.setFaceless(true)
	})
	defer h.close()

	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.waitOutcome()
	if out.Phase != PhaseDenied || out.Message != DenialMessage(liveness.ErrChallengeTimedOut) {
		t.Fatalf("outcome = %+v", out)
	}
	if h.camera.InUse() {
		t.Error("camera held after timeout")
	}
	if len(h.driver.history()) != 0 {
		t.Error("relay touched on a denied session")
	}

	h.audit.Stop()
	list, _ := h.events.ListAccessEvents(context.Background(), 0)
	if len(list) != 1 || list[0].Decision != identity.DecisionDenied || list[0].Reason != "liveness_timeout" {
		t.Errorf("access events = %+v", list)
	}

	// A denied terminal can start over.
	h.detector.setFaceless(false)
	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatalf("restart after denial: %v", err)
	}
	h.flow.Stop()
	if got := h.flow.Snapshot().Phase; got != PhaseIdle {
		t.Errorf("phase after Stop = %s", got)
	}
}

func TestAuthFlow_StartWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFlowHarness(t, func(h *flowHarness, _ *AuthFlowDeps, _ *liveness.Config) {
		h.detector.setFaceless(true)
	})
	defer h.close()

	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.flow.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() = %v, want ErrSessionActive", err)
	}
	if err := h.flow.SubmitPassword(context.Background(), "12345"); !errors.Is(err, ErrNoSession) {
		t.Errorf("SubmitPassword outside password phase = %v", err)
	}

	h.flow.Stop()
	h.flow.Stop()
	out := h.waitOutcome()
	if data, _ := out.Data.(map[string]any); data["outcome"] != "stopped" {
		t.Errorf("outcome = %+v", out)
	}
	if h.camera.InUse() {
		t.Error("camera held after Stop")
	}
	if opens, closes := h.rawCam.counts(); opens != closes {
		t.Errorf("camera opens=%d closes=%d", opens, closes)
	}
}

func TestAuthFlow_AccessRuleDenies(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFlowHarness(t,
		withOnPassword(typePassword("1", "2", "3", "4", "5", "D")),
		func(_ *flowHarness, deps *AuthFlowDeps, _ *liveness.Config) {
			deps.Access = staticRule{allow: false}
		})
	defer h.close()

	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.waitOutcome()
	if out.Phase != PhaseDenied || out.Message != DenialMessage(ErrAccessDenied) {
		t.Fatalf("outcome = %+v", out)
	}
	if len(h.driver.history()) != 0 {
		t.Error("relay switched despite access rule")
	}
}

func TestAuthFlow_ActuationFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFlowHarness(t,
		withOnPassword(typePassword("1", "2", "3", "4", "5", "D")),
		func(h *flowHarness, _ *AuthFlowDeps, _ *liveness.Config) {
			h.driver.failOn = true
		})
	defer h.close()

	if _, err := h.flow.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.waitOutcome()
	if out.Phase != PhaseDenied || out.Message != DenialMessage(actuator.ErrActuation) {
		t.Fatalf("outcome = %+v", out)
	}
	if got := h.driver.history(); len(got) != 1 || !got[0] {
		t.Errorf("relay commands = %v, want a single failed on", got)
	}
}

func TestDenialMessage_Distinct(t *testing.T) {
	t.Parallel()

	errs := []error{
		nil,
		context.Canceled,
		liveness.ErrChallengeTimedOut,
		match.ErrMatchTimedOut,
		vision.ErrCameraUnavailable,
		password.ErrRejected,
		password.ErrInvalidFormat,
		password.ErrTimedOut,
		ErrAccessDenied,
		actuator.ErrActuation,
	}
	seen := map[string]error{}
	for _, err := range errs {
		msg := DenialMessage(err)
		if prev, dup := seen[msg]; dup {
			t.Errorf("%v and %v share message %q", prev, err, msg)
		}
		seen[msg] = err
	}
}
