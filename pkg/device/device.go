// Package device models the GPU resource layer as a software compute
// device: an arena of indexed texture resources plus a row-parallel pixel
// pass executor. Consumers hold generation-checked handles rather than
// pointers, so releasing or evicting a texture can never leave a dangling
// reference; a stale handle simply stops resolving.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"voxelview/internal/models"
)

var (
	// ErrDeviceUnavailable is returned when the device cannot be
	// constructed; callers treat this as fatal.
	ErrDeviceUnavailable = errors.New("device: unavailable")

	// ErrResourceExhausted is returned when an allocation would exceed
	// the configured texture budget.
	ErrResourceExhausted = errors.New("device: texture budget exhausted")

	// ErrInvalidSize is returned for allocations with non-positive
	// dimensions or mismatched sample counts.
	ErrInvalidSize = errors.New("device: invalid texture size")
)

// Handle refers to a texture held by a Device. The zero Handle is invalid.
// A Handle outlives the texture it refers to; after release it fails to
// resolve instead of dangling.
type Handle struct {
	index      int
	generation uint32
}

// Valid reports whether the handle ever referred to a texture. It does not
// check liveness; resolving does.
func (h Handle) Valid() bool {
	return h.generation != 0
}

type texture struct {
	generation    uint32
	live          bool
	width, height int
	depth         int
	data          []float64
	lut           []models.RGBA
	bytes         int64
}

// Device owns all texture memory and the render worker pool. All methods
// are safe for concurrent use.
type Device struct {
	workers int

	mu          sync.Mutex
	textures    []texture
	free        []int
	budgetBytes int64
	usedBytes   int64
}

// New constructs a device with the given worker count and texture budget in
// bytes. Either being non-positive is a construction failure, not a
// degraded mode.
func New(workers int, budgetBytes int64) (*Device, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: worker count %d", ErrDeviceUnavailable, workers)
	}
	if budgetBytes <= 0 {
		return nil, fmt.Errorf("%w: texture budget %d bytes", ErrDeviceUnavailable, budgetBytes)
	}
	return &Device{workers: workers, budgetBytes: budgetBytes}, nil
}

// Workers returns the size of the render worker pool.
func (d *Device) Workers() int {
	return d.workers
}

// UsedBytes returns the currently allocated texture memory.
func (d *Device) UsedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedBytes
}

func (d *Device) alloc(t texture) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.usedBytes+t.bytes > d.budgetBytes {
		return Handle{}, fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrResourceExhausted, t.bytes, d.usedBytes, d.budgetBytes)
	}

	var idx int
	if n := len(d.free); n > 0 {
		idx = d.free[n-1]
		d.free = d.free[:n-1]
		t.generation = d.textures[idx].generation + 1
		d.textures[idx] = t
	} else {
		idx = len(d.textures)
		t.generation = 1
		d.textures = append(d.textures, t)
	}
	d.textures[idx].live = true
	d.usedBytes += t.bytes

	return Handle{index: idx, generation: d.textures[idx].generation}, nil
}

// Alloc3D uploads a volume texture of the given dimensions. The samples
// slice must hold exactly width*height*depth values; it is retained, not
// copied, and must not be mutated afterwards.
func (d *Device) Alloc3D(width, height, depth int, samples []float64) (Handle, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return Handle{}, fmt.Errorf("%w: %dx%dx%d", ErrInvalidSize, width, height, depth)
	}
	if len(samples) != width*height*depth {
		return Handle{}, fmt.Errorf("%w: %d samples for %dx%dx%d", ErrInvalidSize, len(samples), width, height, depth)
	}
	return d.alloc(texture{
		width: width, height: height, depth: depth,
		data:  samples,
		bytes: int64(len(samples)) * 8,
	})
}

// Alloc2D uploads a single-channel 2D texture.
func (d *Device) Alloc2D(width, height int, samples []float64) (Handle, error) {
	if width <= 0 || height <= 0 {
		return Handle{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if len(samples) != width*height {
		return Handle{}, fmt.Errorf("%w: %d samples for %dx%d", ErrInvalidSize, len(samples), width, height)
	}
	return d.alloc(texture{
		width: width, height: height, depth: 1,
		data:  samples,
		bytes: int64(len(samples)) * 8,
	})
}

// AllocLUT uploads a 1D color+opacity lookup texture.
func (d *Device) AllocLUT(entries []models.RGBA) (Handle, error) {
	if len(entries) == 0 {
		return Handle{}, fmt.Errorf("%w: empty lookup table", ErrInvalidSize)
	}
	return d.alloc(texture{
		width: len(entries), height: 1, depth: 1,
		lut:   entries,
		bytes: int64(len(entries)) * 32,
	})
}

// Release frees the texture behind h. Releasing an invalid, stale or
// already-released handle is a no-op.
func (d *Device) Release(h Handle) {
	if !h.Valid() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.index >= len(d.textures) {
		return
	}
	t := &d.textures[h.index]
	if !t.live || t.generation != h.generation {
		return
	}
	t.live = false
	t.data = nil
	t.lut = nil
	d.usedBytes -= t.bytes
	d.free = append(d.free, h.index)
}

// Data resolves a 2D or 3D texture to its sample slice and dimensions.
// ok is false for stale or released handles. The returned slice is
// immutable and remains safe to read even if the texture is released
// mid-frame.
func (d *Device) Data(h Handle) (samples []float64, width, height, depth int, ok bool) {
	if !h.Valid() {
		return nil, 0, 0, 0, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.index >= len(d.textures) {
		return nil, 0, 0, 0, false
	}
	t := &d.textures[h.index]
	if !t.live || t.generation != h.generation || t.data == nil {
		return nil, 0, 0, 0, false
	}
	return t.data, t.width, t.height, t.depth, true
}

// LUT resolves a lookup-table texture to its entries.
func (d *Device) LUT(h Handle) ([]models.RGBA, bool) {
	if !h.Valid() {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.index >= len(d.textures) {
		return nil, false
	}
	t := &d.textures[h.index]
	if !t.live || t.generation != h.generation || t.lut == nil {
		return nil, false
	}
	return t.lut, true
}

// RunPixels executes fn for every pixel of a width x height target,
// fanning rows out across the worker pool. fn must not touch pixels
// outside its row; per-pixel results are fully independent, which is what
// makes this pass arbitrarily parallel.
func (d *Device) RunPixels(ctx context.Context, width, height int, fn func(x, y int)) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d target", ErrInvalidSize, width, height)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	rowsPerTask := (height + d.workers - 1) / d.workers
	for start := 0; start < height; start += rowsPerTask {
		start := start
		end := start + rowsPerTask
		if end > height {
			end = height
		}
		g.Go(func() error {
			for y := start; y < end; y++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				for x := 0; x < width; x++ {
					fn(x, y)
				}
			}
			return nil
		})
	}

	return g.Wait()
}
