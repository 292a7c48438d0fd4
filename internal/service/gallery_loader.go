package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/match"
	"github.com/facelock/facelock/internal/domain/vision"
)

// DescriptorCache memoizes descriptors by reference image content.
type DescriptorCache interface {
	Get(image []byte) (vision.Descriptor, bool)
	Put(image []byte, d vision.Descriptor)
}

// GalleryLoader builds the match gallery from the identity store.
type GalleryLoader struct {
	store    identity.Store
	images   identity.ImageSource
	detector vision.Detector
	cache    DescriptorCache
	logger   *slog.Logger
}

// NewGalleryLoader creates a loader. cache may be nil.
func NewGalleryLoader(store identity.Store, images identity.ImageSource, det vision.Detector, cache DescriptorCache, logger *slog.Logger) *GalleryLoader {
	return &GalleryLoader{
		store:    store,
		images:   images,
		detector: det,
		cache:    cache,
		logger:   logger,
	}
}

// Load lists every identity and derives descriptors from its reference images.
// Unreadable images and images without a face are skipped; identities left
// without descriptors are excluded with a warning.
func (l *GalleryLoader) Load(ctx context.Context) (*match.Gallery, error) {
	ids, err := l.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	gallery := make([]match.Identity, 0, len(ids))
	for _, id := range ids {
		var descs []vision.Descriptor
		for _, ref := range id.ReferenceImages {
			d, err := l.descriptor(ctx, ref)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				l.logger.Warn("reference image skipped", "identity", id.Label, "image", ref, "error", err)
				continue
			}
			if d == nil {
				l.logger.Warn("no face in reference image", "identity", id.Label, "image", ref)
				continue
			}
			descs = append(descs, d)
		}
		if len(descs) == 0 {
			l.logger.Warn("identity excluded from matching, no usable reference images", "identity", id.Label)
			continue
		}
		gallery = append(gallery, match.Identity{Label: id.Label, Descriptors: descs})
	}

	g, err := match.NewGallery(gallery)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("gallery loaded", "identities", g.Len())
	return g, nil
}

func (l *GalleryLoader) descriptor(ctx context.Context, ref string) (vision.Descriptor, error) {
	data, err := l.images.ReadImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if d, ok := l.cache.Get(data); ok {
			return d, nil
		}
	}
	d, err := l.detector.ExtractDescriptor(ctx, data)
	if err != nil {
		return nil, err
	}
	if d != nil && l.cache != nil {
		l.cache.Put(data, d)
	}
	return d, nil
}
