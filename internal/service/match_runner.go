package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/vision"
)

// MatchRunner owns the detection loop of the face-match phase.
type MatchRunner struct {
	camera   vision.Camera
	detector vision.Detector
	cfg      match.Config
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// NewMatchRunner creates a runner. interval <= 0 selects DefaultSampleInterval.
func NewMatchRunner(cam vision.Camera, det vision.Detector, cfg match.Config, interval time.Duration, metrics *Metrics, logger *slog.Logger) *MatchRunner {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &MatchRunner{
		camera:   cam,
		detector: det,
		cfg:      cfg,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run matches live faces against gallery until a label is stable or the
// session times out. The camera is closed before Run returns.
func (r *MatchRunner) Run(ctx context.Context, gallery *match.Gallery, observe func(match.Event)) (match.Result, error) {
	sess, err := match.NewSession(r.cfg, gallery)
	if err != nil {
		return match.Result{}, err
	}

	stream, err := r.camera.Open(ctx)
	if err != nil {
		return match.Result{}, fmt.Errorf("open camera for matching: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			r.logger.Warn("camera close failed", "error", err)
		}
	}()

	sess.Start(time.Now())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return match.Result{}, ctx.Err()
		case <-ticker.C:
		}

		dets, err := r.sample(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return match.Result{}, ctx.Err()
			}
			if isHardwareLoss(err) {
				return match.Result{}, err
			}
			r.metrics.DetectionErrors.WithLabelValues("matching").Inc()
			r.logger.Debug("match frame skipped", "error", err)
		}

		for _, e := range sess.Observe(time.Now(), dets) {
			if observe != nil {
				observe(e)
			}
		}

		switch sess.Outcome() {
		case match.OutcomeResolved:
			res, _ := sess.Resolved()
			return res, nil
		case match.OutcomeTimedOut:
			return match.Result{}, sess.Err()
		}
	}
}

func (r *MatchRunner) sample(ctx context.Context, stream vision.Stream) ([]vision.Detection, error) {
	frame, err := stream.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	dets, err := r.detector.DetectFaces(ctx, frame, vision.DetectOptions{Descriptors: true})
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	return dets, nil
}
