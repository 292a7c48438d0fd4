package vision

import (
	"context"
	"sync"
)

// ExclusiveCamera wraps a Camera so that at most one stream is open at a time.
// A phase must close its stream before the next phase can open one.
type ExclusiveCamera struct {
	inner Camera

	mu   sync.Mutex
	held bool
}

// NewExclusiveCamera wraps inner.
func NewExclusiveCamera(inner Camera) *ExclusiveCamera {
	return &ExclusiveCamera{inner: inner}
}

// Open acquires the camera or fails with ErrCameraBusy.
func (c *ExclusiveCamera) Open(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.held {
		c.mu.Unlock()
		return nil, ErrCameraBusy
	}
	c.held = true
	c.mu.Unlock()

	s, err := c.inner.Open(ctx)
	if err != nil {
		c.release()
		return nil, err
	}
	return &exclusiveStream{Stream: s, release: c.release}, nil
}

// InUse reports whether a stream is currently open.
func (c *ExclusiveCamera) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

func (c *ExclusiveCamera) release() {
	c.mu.Lock()
	c.held = false
	c.mu.Unlock()
}

type exclusiveStream struct {
	Stream
	once    sync.Once
	release func()
	err     error
}

func (s *exclusiveStream) Close() error {
	s.once.Do(func() {
		s.err = s.Stream.Close()
		s.release()
	})
	return s.err
}

var _ Camera = (*ExclusiveCamera)(nil)
