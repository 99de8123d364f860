// Package overlay rasterizes segmentation masks as colored, opacity-blended
// overlays aligned to the current slice, maintains a bounded cache of
// unpacked mask textures, and computes per-segment statistics over the
// co-registered intensity data.
package overlay

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"voxelview/internal/models"
	"voxelview/pkg/device"
)

// Key identifies one cached plane texture. DatasetID keeps entries from a
// replaced series from ever aliasing the new one; Axis is the slicing
// direction the plane was unpacked along. Statistics entries reuse the type
// with the zero axis and SliceKey carrying the axial slice index.
type Key struct {
	DatasetID string
	SegmentID int
	Axis      models.Axis
	SliceKey  int
}

// TextureCache is the bounded cache of unpacked per-slice mask textures.
//
// Eviction is strict LRU in access order: inserting at capacity always
// evicts the least recently used entry, which keeps the policy
// deterministic and testable (the alternative of evicting an arbitrary
// iteration-order key is explicitly not reproduced here). Reads from the
// render path and writes from background preload are both mutex-safe.
type TextureCache struct {
	dev *device.Device

	mu  sync.Mutex
	lru *lru.Cache[Key, device.Handle]
}

// NewTextureCache creates a cache bounded to capacity entries. Evicted and
// purged textures are released back to the device.
func NewTextureCache(dev *device.Device, capacity int) (*TextureCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("overlay: cache capacity %d must be positive", capacity)
	}
	c := &TextureCache{dev: dev}
	inner, err := lru.NewWithEvict[Key, device.Handle](capacity, func(_ Key, h device.Handle) {
		dev.Release(h)
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	c.lru = inner
	return c, nil
}

// PlaneDims returns the pixel dimensions of a mask cross-section along
// axis: the slicing axis is dropped and the remaining two map in (x, y, z)
// order, the same convention the slicer uses.
func PlaneDims(mask *models.SegmentationMask, axis models.Axis) (w, h int) {
	switch axis {
	case models.AxisSagittal:
		return mask.Height, mask.Depth
	case models.AxisCoronal:
		return mask.Width, mask.Depth
	default:
		return mask.Width, mask.Height
	}
}

// UnpackPlane expands the mask cross-section at index along axis into one
// sample per pixel (0 or 1), row-major. Out-of-range indices and truncated
// packed planes unpack as empty rather than failing.
func UnpackPlane(mask *models.SegmentationMask, axis models.Axis, index int) []float64 {
	pw, ph := PlaneDims(mask, axis)
	var bit func(u, v int) bool
	switch axis {
	case models.AxisSagittal:
		bit = func(u, v int) bool { return mask.Bit(index, u, v) }
	case models.AxisCoronal:
		bit = func(u, v int) bool { return mask.Bit(u, index, v) }
	default:
		bit = func(u, v int) bool { return mask.Bit(u, v, index) }
	}

	out := make([]float64, pw*ph)
	for v := 0; v < ph; v++ {
		for u := 0; u < pw; u++ {
			if bit(u, v) {
				out[v*pw+u] = 1
			}
		}
	}
	return out
}

// SliceTexture returns the unpacked texture for the mask cross-section at
// index along axis, unpacking and inserting it on miss. The returned slice
// is immutable.
func (c *TextureCache) SliceTexture(mask *models.SegmentationMask, axis models.Axis, index int) ([]float64, error) {
	key := Key{DatasetID: mask.DatasetID, SegmentID: mask.SegmentID, Axis: axis, SliceKey: index}

	c.mu.Lock()
	if h, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		if data, _, _, _, live := c.dev.Data(h); live {
			return data, nil
		}
		// The handle went stale outside the cache (memory pressure);
		// fall through and repopulate.
		c.mu.Lock()
		c.lru.Remove(key)
	}
	c.mu.Unlock()

	unpacked := UnpackPlane(mask, axis, index)
	pw, ph := PlaneDims(mask, axis)
	h, err := c.dev.Alloc2D(pw, ph, unpacked)
	if err != nil {
		return nil, fmt.Errorf("overlay: plane texture upload: %w", err)
	}

	// A concurrent miss on the same cold key (render racing preload) may
	// have populated it while this goroutine was unpacking. Add replaces
	// the incumbent without firing the eviction callback, so release it
	// here or its texture would hold budget forever.
	c.mu.Lock()
	if prev, ok := c.lru.Peek(key); ok {
		c.dev.Release(prev)
	}
	c.lru.Add(key, h)
	c.mu.Unlock()
	return unpacked, nil
}

// Preload populates the cache for the given masks and slice indices along
// axis on a background worker group, ahead of user navigation.
func (c *TextureCache) Preload(ctx context.Context, masks []*models.SegmentationMask, axis models.Axis, slices []int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.dev.Workers())

	for _, mask := range masks {
		for _, z := range slices {
			mask, z := mask, z
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				_, err := c.SliceTexture(mask, axis, z)
				return err
			})
		}
	}
	return g.Wait()
}

// Contains reports whether a slice texture is currently cached, without
// updating its recency.
func (c *TextureCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Len returns the current entry count.
func (c *TextureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Drop releases every cached texture immediately. The next access
// repopulates lazily; this is the synchronous memory-pressure path.
func (c *TextureCache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
