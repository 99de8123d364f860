package overlay

import (
	"context"
	"sync"
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

// testMask builds a w x h x d mask with every bit of slice z set when
// fill(z) is true.
func testMask(id int, w, h, d int, fill func(z int) bool) *models.SegmentationMask {
	packed := make([][]byte, d)
	bytesPerPlane := (w*h + 7) / 8
	for z := range packed {
		plane := make([]byte, bytesPerPlane)
		if fill(z) {
			for i := range plane {
				plane[i] = 0xFF
			}
		}
		packed[z] = plane
	}
	return &models.SegmentationMask{
		DatasetID: "series-1",
		SegmentID: id,
		Width:     w, Height: h, Depth: d,
		Packed:  packed,
		Visible: true,
		Opacity: 0.5,
		Color:   models.RGBA{R: 1},
	}
}

func TestUnpackPlaneAxial(t *testing.T) {
	m := testMask(1, 10, 4, 2, func(z int) bool { return z == 0 })

	// A hand-set pattern on slice 1: bits 0 and 9 of the plane.
	m.Packed[1][0] = 0x01
	m.Packed[1][1] = 0x02

	full := UnpackPlane(m, models.AxisAxial, 0)
	if len(full) != 40 {
		t.Fatalf("Expected 40 samples, got %d", len(full))
	}
	for i, v := range full {
		if v != 1 {
			t.Fatalf("Expected sample %d set on full slice, got %g", i, v)
		}
	}

	sparse := UnpackPlane(m, models.AxisAxial, 1)
	for i, v := range sparse {
		want := 0.0
		if i == 0 || i == 9 {
			want = 1
		}
		if v != want {
			t.Errorf("Sample %d = %g, want %g", i, v, want)
		}
	}

	// Out-of-range slices unpack to all zero.
	for _, v := range UnpackPlane(m, models.AxisAxial, 7) {
		if v != 0 {
			t.Fatal("Expected out-of-range slice to unpack empty")
		}
	}
}

func TestUnpackPlaneFollowsAxis(t *testing.T) {
	// Exactly one voxel set, at (1, 2, 3) in a 4x4x4 mask.
	m := testMask(1, 4, 4, 4, func(z int) bool { return false })
	idx := 2*4 + 1
	m.Packed[3][idx/8] |= 1 << (idx % 8)

	cases := []struct {
		name   string
		axis   models.Axis
		index  int
		w, h   int
		setU   int
		setV   int
		misses []int
	}{
		// Sagittal drops x: plane pixels are (y, z).
		{"sagittal", models.AxisSagittal, 1, 4, 4, 2, 3, []int{0, 2, 3}},
		// Coronal drops y: plane pixels are (x, z).
		{"coronal", models.AxisCoronal, 2, 4, 4, 1, 3, []int{0, 1, 3}},
		// Axial drops z: plane pixels are (x, y).
		{"axial", models.AxisAxial, 3, 4, 4, 1, 2, []int{0, 1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w, h := PlaneDims(m, tc.axis); w != tc.w || h != tc.h {
				t.Fatalf("Expected plane dims %dx%d, got %dx%d", tc.w, tc.h, w, h)
			}
			data := UnpackPlane(m, tc.axis, tc.index)
			for i, v := range data {
				want := 0.0
				if i == tc.setV*tc.w+tc.setU {
					want = 1
				}
				if v != want {
					t.Errorf("Sample %d = %g, want %g", i, v, want)
				}
			}
			// Every other index along the axis is empty.
			for _, miss := range tc.misses {
				for _, v := range UnpackPlane(m, tc.axis, miss) {
					if v != 0 {
						t.Fatalf("Expected index %d along %s empty", miss, tc.axis)
					}
				}
			}
		})
	}
}

func TestUnpackPlaneTruncatedPacked(t *testing.T) {
	m := testMask(1, 10, 4, 2, func(z int) bool { return true })
	// Slice 1 is shorter than the declared 10x4 plane needs.
	m.Packed[1] = []byte{0xFF}

	data := UnpackPlane(m, models.AxisAxial, 1)
	if len(data) != 40 {
		t.Fatalf("Expected 40 samples, got %d", len(data))
	}
	for i, v := range data {
		want := 0.0
		if i < 8 {
			want = 1
		}
		if v != want {
			t.Errorf("Sample %d = %g, want %g", i, v, want)
		}
	}

	// Non-axial unpacking crosses the truncated slice without panicking.
	for _, axis := range []models.Axis{models.AxisSagittal, models.AxisCoronal} {
		_ = UnpackPlane(m, axis, 0)
	}
}

func TestSliceTextureCachesAndUnpacks(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 4)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 8, 8, 4, func(z int) bool { return true })

	data, err := cache.SliceTexture(m, models.AxisAxial, 0)
	if err != nil {
		t.Fatalf("SliceTexture failed: %v", err)
	}
	if len(data) != 64 || data[0] != 1 {
		t.Errorf("Expected 64 set samples, got len %d first %g", len(data), data[0])
	}
	if cache.Len() != 1 {
		t.Errorf("Expected 1 cached entry, got %d", cache.Len())
	}

	// A second request hits the cache without growing it.
	if _, err := cache.SliceTexture(m, models.AxisAxial, 0); err != nil {
		t.Fatalf("SliceTexture failed: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected cache hit to keep 1 entry, got %d", cache.Len())
	}
}

func TestSliceTextureKeysByAxis(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 8)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 8, 8, 8, func(z int) bool { return true })
	for _, axis := range []models.Axis{models.AxisAxial, models.AxisSagittal, models.AxisCoronal} {
		if _, err := cache.SliceTexture(m, axis, 3); err != nil {
			t.Fatalf("SliceTexture(%s) failed: %v", axis, err)
		}
	}
	if cache.Len() != 3 {
		t.Errorf("Expected one entry per axis, got %d", cache.Len())
	}
}

func TestSliceTextureConcurrentMisses(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 64)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 8, 8, 4, func(z int) bool { return true })

	// Many goroutines racing the same cold keys: losers of the insert race
	// must release their texture instead of stranding device budget.
	for iter := 0; iter < 200; iter++ {
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for z := 0; z < m.Depth; z++ {
					if _, err := cache.SliceTexture(m, models.AxisAxial, z); err != nil {
						t.Errorf("SliceTexture failed: %v", err)
					}
				}
			}()
		}
		wg.Wait()
		cache.Drop()
	}

	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after Drop, got %d entries", cache.Len())
	}
	if used := dev.UsedBytes(); used != 0 {
		t.Errorf("Expected 0 bytes in use after Drop, got %d", used)
	}
}

func TestCacheCapacityBound(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 3)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 8, 8, 16, func(z int) bool { return true })
	for z := 0; z < 10; z++ {
		if _, err := cache.SliceTexture(m, models.AxisAxial, z); err != nil {
			t.Fatalf("SliceTexture(%d) failed: %v", z, err)
		}
		if cache.Len() > 3 {
			t.Fatalf("Cache grew past capacity after insert %d: %d entries", z, cache.Len())
		}
	}
	if cache.Len() != 3 {
		t.Errorf("Expected cache at capacity 3, got %d", cache.Len())
	}

	// Evicted textures were released back to the device: only the three
	// resident 8x8 textures hold budget.
	if used := dev.UsedBytes(); used != 3*64*8 {
		t.Errorf("Expected %d bytes in use, got %d", 3*64*8, used)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 2)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 4, 4, 8, func(z int) bool { return true })
	key := func(z int) Key {
		return Key{DatasetID: m.DatasetID, SegmentID: m.SegmentID, Axis: models.AxisAxial, SliceKey: z}
	}

	cache.SliceTexture(m, models.AxisAxial, 0)
	cache.SliceTexture(m, models.AxisAxial, 1)

	// Touch 0 so that 1 is the least recently used, then insert 2.
	cache.SliceTexture(m, models.AxisAxial, 0)
	cache.SliceTexture(m, models.AxisAxial, 2)

	if !cache.Contains(key(0)) {
		t.Error("Expected recently used slice 0 to survive eviction")
	}
	if cache.Contains(key(1)) {
		t.Error("Expected least recently used slice 1 to be evicted")
	}
	if !cache.Contains(key(2)) {
		t.Error("Expected newly inserted slice 2 to be cached")
	}
}

func TestCacheRejectsBadCapacity(t *testing.T) {
	dev := newTestDevice(t)
	if _, err := NewTextureCache(dev, 0); err == nil {
		t.Error("Expected error for zero capacity")
	}
	if _, err := NewTextureCache(dev, -1); err == nil {
		t.Error("Expected error for negative capacity")
	}
}

func TestCacheDropReleasesAll(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 8)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	m := testMask(1, 8, 8, 4, func(z int) bool { return true })
	for z := 0; z < 4; z++ {
		if _, err := cache.SliceTexture(m, models.AxisAxial, z); err != nil {
			t.Fatalf("SliceTexture failed: %v", err)
		}
	}

	cache.Drop()
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after Drop, got %d entries", cache.Len())
	}
	if used := dev.UsedBytes(); used != 0 {
		t.Errorf("Expected 0 bytes in use after Drop, got %d", used)
	}

	// The cache repopulates on the next access.
	if _, err := cache.SliceTexture(m, models.AxisAxial, 0); err != nil {
		t.Fatalf("SliceTexture after Drop failed: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected 1 entry after repopulation, got %d", cache.Len())
	}
}

func TestPreload(t *testing.T) {
	dev := newTestDevice(t)
	cache, err := NewTextureCache(dev, 16)
	if err != nil {
		t.Fatalf("NewTextureCache failed: %v", err)
	}

	masks := []*models.SegmentationMask{
		testMask(1, 8, 8, 8, func(z int) bool { return true }),
		testMask(2, 8, 8, 8, func(z int) bool { return z%2 == 0 }),
	}

	if err := cache.Preload(context.Background(), masks, models.AxisAxial, []int{2, 3, 4}); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if cache.Len() != 6 {
		t.Errorf("Expected 6 preloaded entries, got %d", cache.Len())
	}
	for _, m := range masks {
		for _, z := range []int{2, 3, 4} {
			k := Key{DatasetID: m.DatasetID, SegmentID: m.SegmentID, Axis: models.AxisAxial, SliceKey: z}
			if !cache.Contains(k) {
				t.Errorf("Expected segment %d slice %d cached after preload", m.SegmentID, z)
			}
		}
	}
}
