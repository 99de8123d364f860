// Package volume owns the loaded 3D intensity grid and its physical
// metadata. The store uploads the grid to the device once per loaded series
// and serves normalized-coordinate sampling to every renderer.
package volume

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"voxelview/internal/models"
	"voxelview/pkg/device"
)

var (
	// ErrUnsupportedFormat is returned when the sample depth exceeds the
	// supported bit width.
	ErrUnsupportedFormat = errors.New("volume: unsupported sample format")

	// ErrNoVolume is returned by accessors that need a loaded series.
	ErrNoVolume = errors.New("volume: no dataset loaded")
)

// maxBitsStored is the widest sample the engine uploads.
const maxBitsStored = 16

// Store owns the volume texture. All renderer components share it
// read-only once loaded; only the store itself replaces or releases the
// texture.
type Store struct {
	dev *device.Device

	mu      sync.RWMutex
	dataset *models.VolumeDataset
	handle  device.Handle

	// samples and dims are cached from the device at load so the sampling
	// hot path takes no lock.
	samples       []float64
	width, height int
	depth         int
}

// NewStore creates an empty store backed by the given device.
func NewStore(dev *device.Device) *Store {
	return &Store{dev: dev}
}

// Load replaces the current series with dataset: the previous texture is
// released, the new grid is validated and uploaded, and an opaque handle is
// returned. Fails with ErrUnsupportedFormat when the sample depth exceeds
// 16 bits and passes device.ErrResourceExhausted through when the upload
// does not fit the texture budget.
func (s *Store) Load(dataset *models.VolumeDataset) (device.Handle, error) {
	if err := dataset.Validate(); err != nil {
		return device.Handle{}, fmt.Errorf("volume: %w", err)
	}
	if dataset.BitsStored > maxBitsStored {
		return device.Handle{}, fmt.Errorf("%w: %d bits stored, at most %d supported",
			ErrUnsupportedFormat, dataset.BitsStored, maxBitsStored)
	}

	handle, err := s.dev.Alloc3D(dataset.Width, dataset.Height, dataset.Depth, dataset.Samples)
	if err != nil {
		return device.Handle{}, err
	}

	s.mu.Lock()
	old := s.handle
	s.dataset = dataset
	s.handle = handle
	s.samples = dataset.Samples
	s.width = dataset.Width
	s.height = dataset.Height
	s.depth = dataset.Depth
	s.mu.Unlock()

	s.dev.Release(old)
	return handle, nil
}

// Release frees the texture behind handle. Safe to call multiple times.
// When handle is the currently loaded series, the store is emptied.
func (s *Store) Release(handle device.Handle) {
	s.mu.Lock()
	if handle == s.handle {
		s.dataset = nil
		s.handle = device.Handle{}
		s.samples = nil
		s.width, s.height, s.depth = 0, 0, 0
	}
	s.mu.Unlock()
	s.dev.Release(handle)
}

// Loaded reports whether a series is currently bound.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset != nil
}

// Dataset returns the loaded dataset, or nil. The dataset is immutable
// after load.
func (s *Store) Dataset() *models.VolumeDataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataset
}

// Handle returns the handle of the loaded volume texture.
func (s *Store) Handle() device.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// WorldExtent returns the physical volume size in mm.
func (s *Store) WorldExtent() (x, y, z float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dataset == nil {
		return 0, 0, 0, ErrNoVolume
	}
	x, y, z = s.dataset.WorldExtent()
	return x, y, z, nil
}

// snapshot returns the sampling state without holding the lock during the
// render pass. The slices are immutable after load.
func (s *Store) snapshot() (samples []float64, w, h, d int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples, s.width, s.height, s.depth
}

// SampleNearest returns the voxel nearest to the normalized coordinate
// (u, v, w) in [0,1]³. ok is false when no volume is loaded or the
// coordinate is out of bounds.
func (s *Store) SampleNearest(u, v, w float64) (float64, bool) {
	samples, sw, sh, sd := s.snapshot()
	if samples == nil || !inUnitCube(u, v, w) {
		return 0, false
	}

	x := clampIndex(int(math.Round(u*float64(sw-1))), sw)
	y := clampIndex(int(math.Round(v*float64(sh-1))), sh)
	z := clampIndex(int(math.Round(w*float64(sd-1))), sd)

	return samples[z*sw*sh+y*sw+x], true
}

// SampleTrilinear returns the trilinearly interpolated intensity at the
// normalized coordinate (u, v, w) in [0,1]³.
func (s *Store) SampleTrilinear(u, v, w float64) (float64, bool) {
	samples, sw, sh, sd := s.snapshot()
	if samples == nil || !inUnitCube(u, v, w) {
		return 0, false
	}

	fx := u * float64(sw-1)
	fy := v * float64(sh-1)
	fz := w * float64(sd-1)

	x0 := clampIndex(int(math.Floor(fx)), sw)
	y0 := clampIndex(int(math.Floor(fy)), sh)
	z0 := clampIndex(int(math.Floor(fz)), sd)
	x1 := clampIndex(x0+1, sw)
	y1 := clampIndex(y0+1, sh)
	z1 := clampIndex(z0+1, sd)

	tx := fx - float64(x0)
	ty := fy - float64(y0)
	tz := fz - float64(z0)

	plane := sw * sh
	at := func(x, y, z int) float64 { return samples[z*plane+y*sw+x] }

	// Interpolate along x, then y, then z.
	c00 := lerp(at(x0, y0, z0), at(x1, y0, z0), tx)
	c10 := lerp(at(x0, y1, z0), at(x1, y1, z0), tx)
	c01 := lerp(at(x0, y0, z1), at(x1, y0, z1), tx)
	c11 := lerp(at(x0, y1, z1), at(x1, y1, z1), tx)

	c0 := lerp(c00, c10, ty)
	c1 := lerp(c01, c11, ty)

	return lerp(c0, c1, tz), true
}

// SliceValue returns the raw intensity at integer voxel coordinates, used
// by overlay statistics which are co-registered to the slice grid.
func (s *Store) SliceValue(x, y, z int) (float64, bool) {
	samples, sw, sh, sd := s.snapshot()
	if samples == nil || x < 0 || y < 0 || z < 0 || x >= sw || y >= sh || z >= sd {
		return 0, false
	}
	return samples[z*sw*sh+y*sw+x], true
}

func inUnitCube(u, v, w float64) bool {
	return u >= 0 && u <= 1 && v >= 0 && v <= 1 && w >= 0 && w <= 1
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
