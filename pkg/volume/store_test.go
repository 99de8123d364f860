package volume

import (
	"errors"
	"math"
	"testing"

	"voxelview/internal/models"
	"voxelview/pkg/device"
)

func newTestDevice(t *testing.T) *device.Device {
	t.Helper()
	dev, err := device.New(2, 64<<20)
	if err != nil {
		t.Fatalf("device.New failed: %v", err)
	}
	return dev
}

// gradientDataset builds a small volume where each voxel's value equals its
// x index, convenient for verifying sampling coordinates.
func gradientDataset(w, h, d int) *models.VolumeDataset {
	samples := make([]float64, w*h*d)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				samples[z*w*h+y*w+x] = float64(x)
			}
		}
	}
	return &models.VolumeDataset{
		ID:      "gradient",
		Samples: samples,
		Width:   w, Height: h, Depth: d,
		SpacingX: 1, SpacingY: 1, SpacingZ: 1,
		ValueMax:     float64(w - 1),
		RescaleSlope: 1,
		BitsStored:   12,
	}
}

func TestLoadAndRelease(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)

	if store.Loaded() {
		t.Error("Expected empty store before load")
	}
	if _, _, _, err := store.WorldExtent(); !errors.Is(err, ErrNoVolume) {
		t.Errorf("Expected ErrNoVolume, got %v", err)
	}

	ds := gradientDataset(8, 8, 4)
	handle, err := store.Load(ds)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !store.Loaded() {
		t.Error("Expected store to be loaded")
	}
	if store.Handle() != handle {
		t.Error("Expected Handle to return the load handle")
	}

	x, y, z, err := store.WorldExtent()
	if err != nil {
		t.Fatalf("WorldExtent failed: %v", err)
	}
	if x != 8 || y != 8 || z != 4 {
		t.Errorf("Expected extent (8, 8, 4), got (%g, %g, %g)", x, y, z)
	}

	store.Release(handle)
	if store.Loaded() {
		t.Error("Expected empty store after release")
	}
	if _, ok := store.SampleNearest(0.5, 0.5, 0.5); ok {
		t.Error("Expected sampling to fail after release")
	}

	// Releasing again is a no-op.
	store.Release(handle)
}

func TestLoadReplacesPrevious(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)

	h1, err := store.Load(gradientDataset(8, 8, 4))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	h2, err := store.Load(gradientDataset(4, 4, 2))
	if err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	if h1 == h2 {
		t.Error("Expected distinct handles for successive loads")
	}

	// The first texture was released on replacement.
	if _, _, _, _, ok := dev.Data(h1); ok {
		t.Error("Expected first handle to be released after replacement")
	}
	if _, _, _, _, ok := dev.Data(h2); !ok {
		t.Error("Expected second handle to stay live")
	}
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)

	ds := gradientDataset(4, 4, 4)
	ds.BitsStored = 32
	if _, err := store.Load(ds); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat for 32 bits, got %v", err)
	}

	bad := gradientDataset(4, 4, 4)
	bad.Samples = bad.Samples[:10]
	if _, err := store.Load(bad); err == nil {
		t.Error("Expected validation failure for mismatched sample count")
	}
}

func TestLoadOverBudget(t *testing.T) {
	dev, err := device.New(2, 1024)
	if err != nil {
		t.Fatalf("device.New failed: %v", err)
	}
	store := NewStore(dev)

	if _, err := store.Load(gradientDataset(16, 16, 16)); !errors.Is(err, device.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
	if store.Loaded() {
		t.Error("Expected store to stay empty after failed load")
	}
}

func TestSampleNearest(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)
	if _, err := store.Load(gradientDataset(5, 5, 5)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		u, v, w float64
		want    float64
	}{
		{0, 0.5, 0.5, 0},
		{1, 0.5, 0.5, 4},
		{0.5, 0.5, 0.5, 2},
		// 0.3*4 = 1.2 rounds to voxel 1.
		{0.3, 0, 0, 1},
	}
	for _, tc := range tests {
		got, ok := store.SampleNearest(tc.u, tc.v, tc.w)
		if !ok {
			t.Errorf("SampleNearest(%g, %g, %g) unexpectedly failed", tc.u, tc.v, tc.w)
			continue
		}
		if got != tc.want {
			t.Errorf("SampleNearest(%g, %g, %g) = %g, want %g", tc.u, tc.v, tc.w, got, tc.want)
		}
	}

	// Out-of-bounds coordinates do not resolve.
	for _, uvw := range [][3]float64{{-0.01, 0.5, 0.5}, {0.5, 1.01, 0.5}, {0.5, 0.5, 2}} {
		if _, ok := store.SampleNearest(uvw[0], uvw[1], uvw[2]); ok {
			t.Errorf("Expected SampleNearest(%v) to fail out of bounds", uvw)
		}
	}
}

func TestSampleTrilinear(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)
	if _, err := store.Load(gradientDataset(5, 5, 5)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// On the x gradient, trilinear sampling is exact: value = u * (w-1).
	for u := 0.0; u <= 1.0; u += 0.125 {
		got, ok := store.SampleTrilinear(u, 0.5, 0.5)
		if !ok {
			t.Fatalf("SampleTrilinear(%g) failed", u)
		}
		want := u * 4
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("SampleTrilinear(%g, 0.5, 0.5) = %g, want %g", u, got, want)
		}
	}

	if _, ok := store.SampleTrilinear(1.5, 0.5, 0.5); ok {
		t.Error("Expected out-of-bounds trilinear sample to fail")
	}
}

func TestSliceValue(t *testing.T) {
	dev := newTestDevice(t)
	store := NewStore(dev)
	if _, err := store.Load(gradientDataset(4, 3, 2)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, ok := store.SliceValue(3, 2, 1)
	if !ok || got != 3 {
		t.Errorf("SliceValue(3, 2, 1) = %g (ok=%v), want 3", got, ok)
	}
	if _, ok := store.SliceValue(4, 0, 0); ok {
		t.Error("Expected SliceValue past width to fail")
	}
	if _, ok := store.SliceValue(0, -1, 0); ok {
		t.Error("Expected SliceValue with negative index to fail")
	}
}
