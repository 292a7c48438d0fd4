// Package imagefs stores reference images on the local filesystem under
// <dir>/<label>/<n>.png.
package imagefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/facelock/facelock/internal/domain/identity"
)

// ErrInvalidRef is returned for refs that escape the image directory.
var ErrInvalidRef = errors.New("invalid image reference")

// Store reads and writes reference images.
// A ref is the slash-separated path relative to the root, e.g. "alice/1.png".
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	return &Store{root: dir, logger: logger}
}

// Root returns the image directory.
func (s *Store) Root() string {
	return s.root
}

// RefFor returns the ref of the n-th (1-based) image of label.
func RefFor(label string, n int) string {
	return fmt.Sprintf("%s/%d.png", label, n)
}

func (s *Store) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, clean), nil
}

// ReadImage returns the bytes of ref.
func (s *Store) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", ref, err)
	}
	return data, nil
}

// SaveImages writes images as 1.png..n.png for label and returns their refs.
// At most identity.MaxReferenceImages are accepted.
func (s *Store) SaveImages(label string, images [][]byte) ([]string, error) {
	if err := identity.ValidateLabel(label); err != nil {
		return nil, err
	}
	if len(images) == 0 || len(images) > identity.MaxReferenceImages {
		return nil, fmt.Errorf("need 1 to %d reference images, got %d", identity.MaxReferenceImages, len(images))
	}

	dir := filepath.Join(s.root, label)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	refs := make([]string, 0, len(images))
	for i, img := range images {
		ref := RefFor(label, i+1)
		path, err := s.resolve(ref)
		if err != nil {
			return nil, err
		}
		if err := writeAtomic(path, img); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	s.logger.Debug("reference images saved", "label", label, "count", len(refs))
	return refs, nil
}

// RemoveImages deletes every image of label. Missing directories are ignored.
func (s *Store) RemoveImages(label string) error {
	if err := identity.ValidateLabel(label); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, label)); err != nil {
		return fmt.Errorf("remove images of %s: %w", label, err)
	}
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over path. On any error the temp file is cleaned up.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp image: %w", err)
	}
	return nil
}

var _ identity.ImageSource = (*Store)(nil)
