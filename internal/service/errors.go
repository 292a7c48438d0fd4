package service

import (
	"context"
	"errors"

	"github.com/facelock/facelock/internal/domain/actuator"
	"github.com/facelock/facelock/internal/domain/liveness"
	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/password"
	"github.com/facelock/facelock/internal/domain/vision"
)

var (
	// ErrAccessDenied is returned when the access rule refuses a verified identity.
	ErrAccessDenied = errors.New("access not permitted")
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("authentication session already running")
	// ErrNoSession is returned when no session is waiting for a password.
	ErrNoSession = errors.New("no session awaiting a password")
	// ErrFlowClosed is returned by Start after Close.
	ErrFlowClosed = errors.New("auth flow closed")
)

// DenialMessage returns the user-facing message for a session error.
func DenialMessage(err error) string {
	switch {
	case err == nil:
		return "Access granted."
	case errors.Is(err, context.Canceled):
		return "Session stopped."
	case errors.Is(err, liveness.ErrChallengeTimedOut):
		return "Liveness check timed out. Please try again."
	case errors.Is(err, match.ErrMatchTimedOut):
		return "No enrolled face recognized."
	case errors.Is(err, match.ErrEmptyGallery):
		return "No enrolled identities are available."
	case errors.Is(err, vision.ErrCameraBusy):
		return "Camera is in use. Please try again."
	case errors.Is(err, vision.ErrCameraUnavailable), errors.Is(err, vision.ErrStreamClosed):
		return "Camera unavailable."
	case errors.Is(err, password.ErrInvalidFormat):
		return "Password must be exactly 5 digits."
	case errors.Is(err, password.ErrRejected):
		return "Wrong password."
	case errors.Is(err, password.ErrBusy):
		return "Password check in progress."
	case errors.Is(err, password.ErrTimedOut):
		return "Password entry timed out."
	case errors.Is(err, ErrAccessDenied):
		return "Access not permitted at this time."
	case errors.Is(err, actuator.ErrActuation):
		return "Door control failed."
	default:
		return "Authentication failed."
	}
}

// denialReason returns a stable short reason code for logs and the access log.
func denialReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "stopped"
	case errors.Is(err, liveness.ErrChallengeTimedOut):
		return "liveness_timeout"
	case errors.Is(err, match.ErrMatchTimedOut):
		return "match_timeout"
	case errors.Is(err, match.ErrEmptyGallery):
		return "empty_gallery"
	case errors.Is(err, vision.ErrCameraBusy), errors.Is(err, vision.ErrCameraUnavailable), errors.Is(err, vision.ErrStreamClosed):
		return "camera_unavailable"
	case errors.Is(err, password.ErrTimedOut):
		return "password_timeout"
	case errors.Is(err, ErrAccessDenied):
		return "access_rule"
	case errors.Is(err, actuator.ErrActuation):
		return "actuation_failed"
	default:
		return "error"
	}
}
