package service

import (
	"sync/atomic"
	"testing"
)

func TestEventBus_FanOut(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{Type: EventPhase, Phase: PhaseLiveness})
	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		if e.Phase != PhaseLiveness || e.At.IsZero() {
			t.Errorf("received %+v", e)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("channel open after cancel")
	}
	if n := bus.Subscribers(); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
}

func TestEventBus_DropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	var drops atomic.Int32
	bus := NewEventBus(func() { drops.Add(1) })
	_, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < defaultSubscriberBuffer+5; i++ {
		bus.Publish(Event{Type: EventLiveness})
	}
	if got := drops.Load(); got != 5 {
		t.Errorf("drops = %d, want 5", got)
	}
}

func TestEventBus_Close(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe()
	bus.Close()
	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	cancel()

	late, _ := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close not closed")
	}
	bus.Publish(Event{Type: EventOutcome})
}
