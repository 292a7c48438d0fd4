// Package service contains the application services that drive an
// authentication session from liveness through actuation.
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics recorded by the services.
type Metrics struct {
	SessionsTotal    *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	LivenessEvents   *prometheus.CounterVec
	DetectionErrors  *prometheus.CounterVec
	PasswordAttempts *prometheus.CounterVec
	Actuations       *prometheus.CounterVec
	SessionActive    prometheus.Gauge
	EventDrops       prometheus.Counter
	AuditDrops       prometheus.Counter
	KeypadErrors     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "sessions_total",
				Help:      "Authentication sessions by terminal outcome",
			},
			[]string{"outcome"}, // granted/denied/stopped
		),
		PhaseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "facelock",
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each session phase",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"phase"},
		),
		LivenessEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "liveness_events_total",
				Help:      "Liveness challenge transitions",
			},
			[]string{"kind"},
		),
		DetectionErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "detection_errors_total",
				Help:      "Frames skipped because the camera or vision model failed",
			},
			[]string{"phase"},
		),
		PasswordAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "password_attempts_total",
				Help:      "Password submissions by source and result",
			},
			[]string{"source", "result"},
		),
		Actuations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "actuations_total",
				Help:      "Relay actuations by result",
			},
			[]string{"result"}, // ok/error
		),
		SessionActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "facelock",
				Name:      "session_active",
				Help:      "1 while an authentication session is running",
			},
		),
		EventDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "event_drops_total",
				Help:      "Session events dropped for slow subscribers",
			},
		),
		AuditDrops: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "audit_drops_total",
				Help:      "Access events dropped due to backpressure",
			},
		),
		KeypadErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "facelock",
				Name:      "keypad_errors_total",
				Help:      "Keypad device open and read failures",
			},
		),
	}
}
