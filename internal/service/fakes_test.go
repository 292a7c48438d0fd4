package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/vision"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

type fakeCamera struct {
	mu      sync.Mutex
	opens   int
	closes  int
	openErr error
}

func (c *fakeCamera) Open(context.Context) (vision.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opens++
	return &fakeStream{cam: c}, nil
}

func (c *fakeCamera) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

type fakeStream struct {
	cam    *fakeCamera
	closed atomic.Bool
}

func (s *fakeStream) Next(context.Context) (vision.Frame, error) {
	if s.closed.Load() {
		return vision.Frame{}, vision.ErrStreamClosed
	}
	return vision.Frame{Data: []byte("frame"), ContentType: "image/jpeg", CapturedAt: time.Now()}, nil
}

func (s *fakeStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cam.mu.Lock()
		s.cam.closes++
		s.cam.mu.Unlock()
	}
	return nil
}

// fakeDetector shows one face whose expression and descriptor are set by the test.
type fakeDetector struct {
	mu           sync.Mutex
	expression   vision.Expression
	descriptor   vision.Descriptor
	faceless     bool
	err          error
	detectCalls  int
	refs         map[string]vision.Descriptor
	extractCalls int
}

func (d *fakeDetector) DetectFaces(_ context.Context, _ vision.Frame, opts vision.DetectOptions) ([]vision.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detectCalls++
	if d.err != nil {
		return nil, d.err
	}
	if d.faceless {
		return nil, nil
	}
	det := vision.Detection{Box: vision.Box{Width: 100, Height: 100}, Score: 0.99}
	if opts.Expressions && d.expression != "" {
		det.Expressions = vision.ExpressionProbabilities{d.expression: 0.95, vision.ExpressionSad: 0.03}
	}
	if opts.Descriptors {
		det.Descriptor = d.descriptor
	}
	return []vision.Detection{det}, nil
}

func (d *fakeDetector) ExtractDescriptor(_ context.Context, img []byte) (vision.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractCalls++
	return d.refs[string(img)], nil
}

func (d *fakeDetector) show(e vision.Expression) {
	d.mu.Lock()
	d.expression = e
	d.mu.Unlock()
}

func (d *fakeDetector) setFaceless(v bool) {
	d.mu.Lock()
	d.faceless = v
	d.mu.Unlock()
}

func (d *fakeDetector) calls() (detect, extract int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detectCalls, d.extractCalls
}

type fakeStore struct {
	mu          sync.Mutex
	ids         []identity.Identity
	passwords   map[string]string
	verifyCalls int
}

func (s *fakeStore) ListIdentities(context.Context) ([]identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]identity.Identity(nil), s.ids...), nil
}

func (s *fakeStore) VerifyPassword(_ context.Context, label, pw string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	want, ok := s.passwords[label]
	return ok && want == pw, nil
}

func (s *fakeStore) IdentityExists(_ context.Context, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.passwords[label]
	return ok, nil
}

// fakeImages returns the ref itself as image bytes.
type fakeImages struct{}

func (fakeImages) ReadImage(_ context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "missing") {
		return nil, errors.New("no such file")
	}
	return []byte(ref), nil
}

type memEvents struct {
	mu     sync.Mutex
	events []identity.AccessEvent
}

func (m *memEvents) AppendAccessEvents(_ context.Context, events ...identity.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memEvents) ListAccessEvents(_ context.Context, limit int) ([]identity.AccessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]identity.AccessEvent(nil), m.events...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeDriver struct {
	mu       sync.Mutex
	commands []bool
	failOn   bool
}

func (d *fakeDriver) SetOutput(_ context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, on)
	if on && d.failOn {
		return errors.New("serial write failed")
	}
	return nil
}

func (d *fakeDriver) history() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.commands...)
}

type staticRule struct{ allow bool }

func (r staticRule) Allow(context.Context, identity.AccessRequest) (bool, error) {
	return r.allow, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
