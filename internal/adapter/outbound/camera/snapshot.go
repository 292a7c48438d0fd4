// Package camera provides a camera that pulls JPEG snapshots over HTTP,
// as exposed by most IP cameras and webcam bridges.
package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/facelock/facelock/internal/domain/vision"
)

const (
	maxFrameSize        = 8 * 1024 * 1024
	defaultFrameTimeout = 2 * time.Second
)

// Snapshot implements vision.Camera by fetching one image per Next call.
type Snapshot struct {
	url          string
	frameTimeout time.Duration
	httpClient   *http.Client
	now          func() time.Time
}

// Option configures a Snapshot camera.
type Option func(*Snapshot)

// WithFrameTimeout bounds a single snapshot request.
func WithFrameTimeout(d time.Duration) Option {
	return func(s *Snapshot) {
		if d > 0 {
			s.frameTimeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Snapshot) {
		s.httpClient = c
	}
}

// NewSnapshot creates a camera reading from url.
func NewSnapshot(url string, opts ...Option) *Snapshot {
	s := &Snapshot{
		url:          url,
		frameTimeout: defaultFrameTimeout,
		httpClient:   &http.Client{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open probes the snapshot endpoint once. Any failure is reported as
// vision.ErrCameraUnavailable.
func (s *Snapshot) Open(ctx context.Context) (vision.Stream, error) {
	st := &snapshotStream{cam: s, closed: make(chan struct{})}
	if _, err := st.fetch(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", vision.ErrCameraUnavailable, err)
	}
	return st, nil
}

type snapshotStream struct {
	cam    *Snapshot
	once   sync.Once
	closed chan struct{}
}

func (st *snapshotStream) Next(ctx context.Context) (vision.Frame, error) {
	select {
	case <-st.closed:
		return vision.Frame{}, vision.ErrStreamClosed
	default:
	}
	return st.fetch(ctx)
}

func (st *snapshotStream) fetch(ctx context.Context) (vision.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, st.cam.frameTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.cam.url, nil)
	if err != nil {
		return vision.Frame{}, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := st.cam.httpClient.Do(req)
	if err != nil {
		return vision.Frame{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return vision.Frame{}, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return vision.Frame{}, fmt.Errorf("read snapshot: %w", err)
	}
	return vision.Frame{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		CapturedAt:  st.cam.now(),
	}, nil
}

func (st *snapshotStream) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

var _ vision.Camera = (*Snapshot)(nil)
