// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/facelock/facelock/internal/domain/vision"
	"github.com/facelock/facelock/internal/service"
)

// Defaults for descriptor expiry.
const (
	DefaultDescriptorTTL   = 24 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

type cacheEntry struct {
	descriptor vision.Descriptor
	expiresAt  time.Time
}

// DescriptorCache memoizes reference descriptors keyed by the xxhash of the
// image bytes, so a reference image is only sent to the vision model once
// while its content is unchanged. Entries for removed or replaced images
// age out and are removed by the background cleanup.
type DescriptorCache struct {
	entries         map[uint64]cacheEntry
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	now             func() time.Time
}

// NewDescriptorCache creates a cache with default expiry.
func NewDescriptorCache() *DescriptorCache {
	return NewDescriptorCacheWithConfig(DefaultDescriptorTTL, DefaultCleanupInterval)
}

// NewDescriptorCacheWithConfig creates a cache with custom expiry settings.
func NewDescriptorCacheWithConfig(ttl, cleanupInterval time.Duration) *DescriptorCache {
	return &DescriptorCache{
		entries:         make(map[uint64]cacheEntry),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		stopChan:        make(chan struct{}),
		now:             time.Now,
	}
}

// StartCleanup starts the background expiry goroutine. Call Stop to end it.
func (c *DescriptorCache) StartCleanup(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.cleanup()
			}
		}
	}()
}

func (c *DescriptorCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cleaned := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			cleaned++
		}
	}
	if cleaned > 0 {
		slog.Debug("expired cached descriptors", "count", cleaned)
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (c *DescriptorCache) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// Get returns the cached descriptor for image.
func (c *DescriptorCache) Get(image []byte) (vision.Descriptor, bool) {
	key := xxhash.Sum64(image)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return slices.Clone(e.descriptor), true
}

// Put caches d for image.
func (c *DescriptorCache) Put(image []byte, d vision.Descriptor) {
	key := xxhash.Sum64(image)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{descriptor: slices.Clone(d), expiresAt: c.now().Add(c.ttl)}
}

// Size returns the number of cached descriptors.
func (c *DescriptorCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Compile-time interface verification.
var _ service.DescriptorCache = (*DescriptorCache)(nil)
