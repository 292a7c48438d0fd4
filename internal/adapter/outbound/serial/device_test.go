package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakePort struct {
	bytes.Buffer
	in     *bytes.Reader
	closes int
}

func (p *fakePort) Read(b []byte) (int, error) { return p.in.Read(b) }
func (p *fakePort) Close() error               { p.closes++; return nil }

func newTestDevice(input string) (*Device, *fakePort) {
	p := &fakePort{in: bytes.NewReader([]byte(input))}
	return newDevice(p, "fake", slog.New(slog.NewTextHandler(io.Discard, nil))), p
}

func TestDevice_RelayCommands(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice("")
	ctx := context.Background()
	if err := d.SetOutput(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetOutput(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got := p.String(); got != "10" {
		t.Errorf("written = %q, want %q", got, "10")
	}
}

func TestDevice_ReadPassthrough(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice("1\nD\n")
	got, err := io.ReadAll(d)
	if err != nil || string(got) != "1\nD\n" {
		t.Errorf("ReadAll() = %q, %v", got, err)
	}
}

func TestDevice_CloseIdempotent(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice("")
	_ = d.Close()
	_ = d.Close()
	if p.closes != 1 {
		t.Errorf("port closed %d times", p.closes)
	}
	if err := d.SetOutput(context.Background(), true); !errors.Is(err, ErrClosed) {
		t.Errorf("SetOutput() after Close error = %v", err)
	}
}

func TestDevice_CancelledContext(t *testing.T) {
	t.Parallel()

	d, p := newTestDevice("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.SetOutput(ctx, true); !errors.Is(err, context.Canceled) {
		t.Errorf("SetOutput() error = %v", err)
	}
	if p.Len() != 0 {
		t.Error("command written with cancelled context")
	}
}
