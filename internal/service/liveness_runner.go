package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facelock/facelock/internal/domain/liveness"
	"github.com/facelock/facelock/internal/domain/vision"
)

// DefaultSampleInterval is the detection cadence of the phase loops.
const DefaultSampleInterval = 200 * time.Millisecond

// LivenessRunner owns the detection loop of the liveness phase.
type LivenessRunner struct {
	camera   vision.Camera
	detector vision.Detector
	cfg      liveness.Config
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// NewLivenessRunner creates a runner. interval <= 0 selects DefaultSampleInterval.
func NewLivenessRunner(cam vision.Camera, det vision.Detector, cfg liveness.Config, interval time.Duration, metrics *Metrics, logger *slog.Logger) *LivenessRunner {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &LivenessRunner{
		camera:   cam,
		detector: det,
		cfg:      cfg,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// LivenessUpdate is passed to the observer after every transition.
type LivenessUpdate struct {
	Event    liveness.Event
	Snapshot liveness.Snapshot
}

// Run opens the camera, drives one challenge session to its end and closes
// the camera before returning. It returns nil when the challenge passed.
func (r *LivenessRunner) Run(ctx context.Context, observe func(LivenessUpdate)) error {
	sess, err := liveness.NewSession(r.cfg, nil)
	if err != nil {
		return err
	}

	stream, err := r.camera.Open(ctx)
	if err != nil {
		return fmt.Errorf("open camera for liveness: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			r.logger.Warn("camera close failed", "error", err)
		}
	}()

	notify := func(events []liveness.Event) {
		if len(events) == 0 {
			return
		}
		snap := sess.Snapshot()
		for _, e := range events {
			r.metrics.LivenessEvents.WithLabelValues(string(e.Kind)).Inc()
			if observe != nil {
				observe(LivenessUpdate{Event: e, Snapshot: snap})
			}
		}
	}

	notify(sess.Start(time.Now()))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		probs, err := r.sample(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isHardwareLoss(err) {
				return err
			}
			r.metrics.DetectionErrors.WithLabelValues("liveness").Inc()
			r.logger.Debug("liveness frame skipped", "error", err)
		}

		notify(sess.Observe(time.Now(), probs))
		if sess.Outcome().Terminal() {
			return sess.Err()
		}
	}
}

// sample grabs a frame and returns the expression probabilities of the
// largest face, or nil when no face was found.
func (r *LivenessRunner) sample(ctx context.Context, stream vision.Stream) (vision.ExpressionProbabilities, error) {
	frame, err := stream.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	dets, err := r.detector.DetectFaces(ctx, frame, vision.DetectOptions{Expressions: true})
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if face := vision.Largest(dets); face != nil {
		return face.Expressions, nil
	}
	return nil, nil
}

func isHardwareLoss(err error) bool {
	return errors.Is(err, vision.ErrCameraUnavailable) || errors.Is(err, vision.ErrStreamClosed)
}
