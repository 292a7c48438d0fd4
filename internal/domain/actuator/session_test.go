package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type recordingDriver struct {
	mu       sync.Mutex
	commands []bool
	failOn   bool
	offFails int
}

func (d *recordingDriver) SetOutput(_ context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, on)
	if on && d.failOn {
		return errors.New("relay unplugged")
	}
	if !on && d.offFails > 0 {
		d.offFails--
		return errors.New("write timeout")
	}
	return nil
}

func (d *recordingDriver) count(on bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.commands {
		if c == on {
			n++
		}
	}
	return n
}

type releases struct {
	mu   sync.Mutex
	list []Release
	ch   chan Release
}

func newReleases() *releases {
	return &releases{ch: make(chan Release, 8)}
}

func (r *releases) hook(rel Release) {
	r.mu.Lock()
	r.list = append(r.list, rel)
	r.mu.Unlock()
	r.ch <- rel
}

func (r *releases) wait(t *testing.T) Release {
	t.Helper()
	select {
	case rel := <-r.ch:
		return rel
	case <-time.After(2 * time.Second):
		t.Fatal("output never switched off")
		return Release{}
	}
}

func TestSession_TriggerSwitchesOffOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDriver{}
	rel := newReleases()
	s := NewSession(d, WithReleaseHook(rel.hook))

	token, err := s.Trigger(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !s.Active() {
		t.Error("output not active after trigger")
	}
	if got := rel.wait(t); got.Token != token || got.Err != nil {
		t.Errorf("release = %+v, want token %d", got, token)
	}
	if s.Active() {
		t.Error("output still active after release")
	}
	if d.count(true) != 1 || d.count(false) != 1 {
		t.Errorf("commands = %v", d.commands)
	}
	_ = s.Close()
}

func TestSession_SecondTriggerWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDriver{}
	rel := newReleases()
	s := NewSession(d, WithReleaseHook(rel.hook))
	ctx := context.Background()

	first, err := s.Trigger(ctx, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Trigger(ctx, 60*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Fatalf("tokens not increasing: %d then %d", first, second)
	}

	got := rel.wait(t)
	if got.Token != second {
		t.Errorf("release token = %d, want latest %d", got.Token, second)
	}
	// Give the superseded timer ample time to misfire.
	time.Sleep(100 * time.Millisecond)

	if n := d.count(false); n != 1 {
		t.Errorf("off commands = %d, want 1", n)
	}
	if n := d.count(true); n != 1 {
		t.Errorf("on commands = %d, want 1", n)
	}
	_ = s.Close()
}

func TestSession_OnFailureSchedulesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDriver{failOn: true}
	rel := newReleases()
	s := NewSession(d, WithReleaseHook(rel.hook))

	if _, err := s.Trigger(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrActuation) {
		t.Fatalf("Trigger() = %v, want ErrActuation", err)
	}
	time.Sleep(40 * time.Millisecond)
	if d.count(false) != 0 {
		t.Error("off issued after failed on")
	}
	if s.Active() {
		t.Error("output marked active after failed on")
	}
	_ = s.Close()
	if d.count(false) != 0 {
		t.Error("Close issued off for an output that never switched on")
	}
}

func TestSession_CloseForcesOff(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDriver{}
	rel := newReleases()
	s := NewSession(d, WithReleaseHook(rel.hook))

	token, err := s.Trigger(context.Background(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := rel.wait(t); got.Token != token {
		t.Errorf("release token = %d", got.Token)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if d.count(false) != 1 {
		t.Errorf("off commands = %d, want 1", d.count(false))
	}
	if _, err := s.Trigger(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Trigger after Close = %v", err)
	}
}

func TestSession_OffIsRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &recordingDriver{offFails: 2}
	rel := newReleases()
	s := NewSession(d, WithReleaseHook(rel.hook))

	if _, err := s.Trigger(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got := rel.wait(t); got.Err != nil {
		t.Errorf("release error = %v, want recovered after retries", got.Err)
	}
	if n := d.count(false); n != 3 {
		t.Errorf("off attempts = %d, want 3", n)
	}
	_ = s.Close()
}
