package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/facelock/facelock/internal/domain/actuator"
)

func TestLogDriver_WithActuatorSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewLogDriver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	released := make(chan actuator.Release, 1)
	s := actuator.NewSession(d, actuator.WithReleaseHook(func(r actuator.Release) { released <- r }))
	defer func() { _ = s.Close() }()

	if _, err := s.Trigger(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if !d.On() {
		t.Error("relay not on after trigger")
	}

	select {
	case r := <-released:
		if r.Err != nil {
			t.Errorf("release error = %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay never released")
	}
	if d.On() || d.Switches() != 2 {
		t.Errorf("on=%v switches=%d", d.On(), d.Switches())
	}
}
