package transfer

import (
	"sync"

	"voxelview/internal/models"
	"voxelview/pkg/device"
)

// Engine caches a resolved lookup table as a device texture. The table is
// rebuilt only when the function or resolution changes; lookups across
// frames hit the cached texture.
type Engine struct {
	dev *device.Device

	mu         sync.Mutex
	fn         Function
	resolution int
	handle     device.Handle
	lut        []models.RGBA
	bound      bool
}

// NewEngine creates an engine with no function bound; lookups fall back to
// plain grayscale until SetFunction succeeds.
func NewEngine(dev *device.Device, resolution int) *Engine {
	if resolution < minLUTResolution {
		resolution = minLUTResolution
	}
	return &Engine{dev: dev, resolution: resolution}
}

// SetFunction validates fn, resolves it and uploads the lookup texture.
// On error the previously bound function is retained.
func (e *Engine) SetFunction(fn Function) error {
	lut, err := BuildLookupTable(fn, e.resolution)
	if err != nil {
		return err
	}

	handle, err := e.dev.AllocLUT(lut)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.handle
	e.fn = fn
	e.handle = handle
	e.lut = lut
	e.bound = true
	e.mu.Unlock()

	e.dev.Release(old)
	return nil
}

// SetPreset binds a named built-in function.
func (e *Engine) SetPreset(name string) error {
	fn, ok := Preset(name)
	if !ok {
		return ErrInvalidParameter
	}
	return e.SetFunction(fn)
}

// Function returns the currently bound function and whether one is bound.
func (e *Engine) Function() (Function, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fn, e.bound
}

// Drop releases the cached lookup texture; the next lookup after Rebuild
// recreates it. Used under memory pressure.
func (e *Engine) Drop() {
	e.mu.Lock()
	old := e.handle
	e.handle = device.Handle{}
	e.lut = nil
	e.mu.Unlock()
	e.dev.Release(old)
}

// Rebuild re-uploads the lookup texture after Drop. No-op when a table is
// already resident or no function is bound.
func (e *Engine) Rebuild() error {
	e.mu.Lock()
	fn, bound, resident := e.fn, e.bound, e.lut != nil
	e.mu.Unlock()
	if !bound || resident {
		return nil
	}
	return e.SetFunction(fn)
}

// Snapshot returns the resident lookup table for a render pass, or nil
// when none is bound or resident. The slice is immutable.
func (e *Engine) Snapshot() []models.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lut
}

// Lookup maps a normalized display value through the lookup table.
// Without a bound table it degrades to opaque grayscale.
func (e *Engine) Lookup(v float64) models.RGBA {
	return LookupIn(e.Snapshot(), v)
}

// LookupIn maps v through a snapshot table taken with Snapshot. A nil
// table degrades to opaque grayscale, the no-transfer-function path.
func LookupIn(lut []models.RGBA, v float64) models.RGBA {
	v = clamp01(v)
	if len(lut) == 0 {
		return models.RGBA{R: v, G: v, B: v, A: 1}
	}
	i := int(v * float64(len(lut)-1))
	return lut[i]
}
