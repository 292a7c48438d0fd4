// Package identity defines enrolled identities and the persistence ports
// the access terminal consumes.
package identity

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// MaxReferenceImages is the number of reference images kept per identity.
const MaxReferenceImages = 3

var (
	// ErrNotFound is returned when an identity does not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrExists is returned when enrolling a label that is already taken.
	ErrExists = errors.New("identity already exists")
	// ErrInvalidLabel is returned for labels that cannot be used as a directory name.
	ErrInvalidLabel = errors.New("invalid identity label")
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,63}$`)

// ValidateLabel checks that a label is safe to use as a storage key and path segment.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) || label == "unknown" {
		return ErrInvalidLabel
	}
	return nil
}

// Identity is an enrolled person.
type Identity struct {
	Label           string    `json:"label"`
	ReferenceImages []string  `json:"reference_images"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the identity persistence port.
type Store interface {
	ListIdentities(ctx context.Context) ([]Identity, error)
	VerifyPassword(ctx context.Context, label, password string) (bool, error)
	IdentityExists(ctx context.Context, label string) (bool, error)
}

// Registry extends Store with enrollment operations used by the admin CLI.
type Registry interface {
	Store
	CreateIdentity(ctx context.Context, label, password string, images []string) error
	DeleteIdentity(ctx context.Context, label string) error
}

// ImageSource resolves reference image refs to bytes.
type ImageSource interface {
	ReadImage(ctx context.Context, ref string) ([]byte, error)
}

// Decision is the terminal outcome of an authentication session.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
)

// AccessEvent is one recorded session outcome. Challenge details are never stored.
type AccessEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label,omitempty"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// AccessEventStore appends and lists session outcomes.
type AccessEventStore interface {
	AppendAccessEvents(ctx context.Context, events ...AccessEvent) error
	ListAccessEvents(ctx context.Context, limit int) ([]AccessEvent, error)
}

// AccessRequest is the input to an access rule, evaluated after the password
// has been verified.
type AccessRequest struct {
	Identity string
	Time     time.Time
}

// AccessRule decides whether a verified identity may be let in now.
type AccessRule interface {
	Allow(ctx context.Context, req AccessRequest) (bool, error)
}
