package password

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/facelock/facelock/internal/domain/keypad"
)

type fakeVerifier struct {
	mu       sync.Mutex
	password string
	calls    []string
	err      error
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeVerifier) VerifyPassword(ctx context.Context, label, pw string) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, label+":"+pw)
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if f.err != nil {
		return false, f.err
	}
	return pw == f.password, nil
}

func (f *fakeVerifier) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func press(b *keypad.Buffer, keys ...string) {
	for _, k := range keys {
		b.OnKeyEvent(k)
	}
}

func runGate(t *testing.T, g *Gate) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not finish")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want error
	}{
		{"12345", nil},
		{"00000", nil},
		{"1234", ErrInvalidFormat},
		{"123456", ErrInvalidFormat},
		{"12a45", ErrInvalidFormat},
		{"", ErrInvalidFormat},
		{"١٢٣٤٥", ErrInvalidFormat},
		{"1234D", ErrInvalidFormat},
	}
	for _, tt := range tests {
		if err := Validate(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("Validate(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestGate_KeypadSubmitVerifies(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	v := &fakeVerifier{password: "12345"}
	g := NewGate("alice", v, buf, WithPollInterval(5*time.Millisecond))
	done := runGate(t, g)

	press(buf, "1", "2", "3", "4", "5", "D")
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if calls := v.Calls(); len(calls) != 1 || calls[0] != "alice:12345" {
		t.Errorf("verify calls = %v", calls)
	}
	if buf.ReadState().SubmitRequested {
		t.Error("submit edge not acknowledged")
	}
}

func TestGate_InvalidBufferNeverVerifies(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	v := &fakeVerifier{password: "12345"}
	var mu sync.Mutex
	var attempts []Attempt
	g := NewGate("alice", v, buf,
		WithPollInterval(5*time.Millisecond),
		WithAttemptHook(func(a Attempt) {
			mu.Lock()
			attempts = append(attempts, a)
			mu.Unlock()
		}))
	done := runGate(t, g)

	press(buf, "1", "2", "3", "D")
	waitFor(t, func() bool { return !buf.ReadState().SubmitRequested })

	if calls := v.Calls(); len(calls) != 0 {
		t.Fatalf("verify called with invalid buffer: %v", calls)
	}
	if got := buf.ReadState().Input; got != "123" {
		t.Fatalf("buffer = %q, want it kept as 123", got)
	}
	mu.Lock()
	if len(attempts) != 1 || !errors.Is(attempts[0].Err, ErrInvalidFormat) || attempts[0].Source != SourceKeypad {
		t.Errorf("attempts = %+v", attempts)
	}
	mu.Unlock()

	press(buf, "*", "1", "2", "3", "4", "5", "d")
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestGate_RejectionClearsBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	v := &fakeVerifier{password: "12345"}
	g := NewGate("alice", v, buf, WithPollInterval(5*time.Millisecond))
	done := runGate(t, g)

	press(buf, "9", "9", "9", "9", "9", "D")
	waitFor(t, func() bool { return len(v.Calls()) == 1 && buf.ReadState().Input == "" })

	press(buf, "1", "2", "3", "4", "5", "D")
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	calls := v.Calls()
	if len(calls) != 2 || calls[1] != "alice:12345" {
		t.Errorf("verify calls = %v", calls)
	}
}

func TestGate_SubmitRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	press(buf, "5", "5")
	g := NewGate("alice", &fakeVerifier{password: "12345"}, buf)

	if err := g.Submit(context.Background(), "54321"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Submit() = %v, want ErrRejected", err)
	}
	if buf.ReadState().Input != "" {
		t.Error("rejection did not clear the keypad buffer")
	}
	if err := g.Submit(context.Background(), "12"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Submit(short) = %v", err)
	}
	if err := g.Submit(context.Background(), "12345"); err != nil {
		t.Errorf("Submit(correct) = %v", err)
	}
	select {
	case <-g.Verified():
	default:
		t.Error("Verified() not closed after accepted password")
	}
}

func TestGate_InFlightSubmissionsAreDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	v := &fakeVerifier{
		password: "12345",
		entered:  make(chan struct{}, 4),
		release:  make(chan struct{}),
	}
	g := NewGate("alice", v, buf, WithPollInterval(5*time.Millisecond))
	done := runGate(t, g)

	manual := make(chan error, 1)
	go func() { manual <- g.Submit(context.Background(), "12345") }()
	<-v.entered

	// Keypad edge and a second manual submit while the first call is outstanding.
	press(buf, "1", "1", "1", "1", "1", "D")
	waitFor(t, func() bool { return !buf.ReadState().SubmitRequested })
	if err := g.Submit(context.Background(), "22222"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Submit() = %v, want ErrBusy", err)
	}

	close(v.release)
	if err := <-manual; err != nil {
		t.Fatalf("manual Submit() = %v", err)
	}
	if err := waitResult(t, done); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if calls := v.Calls(); len(calls) != 1 {
		t.Errorf("verify calls = %v, want exactly one", calls)
	}
}

func TestGate_VerifierErrorIsNotRejection(t *testing.T) {
	defer goleak.VerifyNone(t)

	buf := keypad.NewBuffer()
	press(buf, "1")
	storeErr := errors.New("db down")
	g := NewGate("alice", &fakeVerifier{err: storeErr}, buf)

	err := g.Submit(context.Background(), "12345")
	if !errors.Is(err, storeErr) || errors.Is(err, ErrRejected) {
		t.Errorf("Submit() = %v", err)
	}
	if buf.ReadState().Input != "1" {
		t.Error("store failure cleared the keypad buffer")
	}
}

func TestGate_EntryTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := NewGate("alice", &fakeVerifier{}, keypad.NewBuffer(),
		WithPollInterval(5*time.Millisecond),
		WithEntryTimeout(30*time.Millisecond))
	if err := g.Run(context.Background()); !errors.Is(err, ErrTimedOut) {
		t.Errorf("Run() = %v, want ErrTimedOut", err)
	}
}

func TestGate_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := NewGate("alice", &fakeVerifier{}, keypad.NewBuffer(), WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()
	if err := waitResult(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
