package mpr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"

	"github.com/ungerik/go3d/vec3"

	"voxelview/internal/models"
	"voxelview/pkg/device"
	"voxelview/pkg/transfer"
	"voxelview/pkg/volume"
)

func newTestStore(t *testing.T, ds *models.VolumeDataset) (*volume.Store, *device.Device) {
	t.Helper()
	dev, err := device.New(2, 256<<20)
	if err != nil {
		t.Fatalf("device.New failed: %v", err)
	}
	store := volume.NewStore(dev)
	if ds != nil {
		if _, err := store.Load(ds); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}
	return store, dev
}

func constantDataset(w, h, d int, value float64) *models.VolumeDataset {
	samples := make([]float64, w*h*d)
	for i := range samples {
		samples[i] = value
	}
	return &models.VolumeDataset{
		ID:      "constant",
		Samples: samples,
		Width:   w, Height: h, Depth: d,
		SpacingX: 1, SpacingY: 1, SpacingZ: 1,
		ValueMin: value, ValueMax: value,
		RescaleSlope: 1,
		BitsStored:   12,
	}
}

func renderFrame(t *testing.T, s *Slicer, size int, params models.RenderParameters) *image.RGBA {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	if err := s.Render(context.Background(), img, params, nil); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	return img
}

func TestSetSliceIndexClamps(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(64, 64, 128, 0.5))
	s := NewSlicer(store, dev, 0)

	if err := s.SetPlane(models.OrthogonalPlane(models.AxisAxial, 0)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}

	if got := s.SetSliceIndex(500); got != 127 {
		t.Errorf("Expected index 500 clamped to 127, got %d", got)
	}
	if got := s.SetSliceIndex(-5); got != 0 {
		t.Errorf("Expected index -5 clamped to 0, got %d", got)
	}

	// Sagittal clamps against the width.
	if err := s.SetPlane(models.OrthogonalPlane(models.AxisSagittal, 999)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}
	if got := s.Plane().Index; got != 63 {
		t.Errorf("Expected sagittal index clamped to 63, got %d", got)
	}
	if got := s.TotalSlices(); got != 64 {
		t.Errorf("Expected 64 sagittal slices, got %d", got)
	}
}

func TestSetSliceIndexIgnoredForObliqueAndCurved(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(16, 16, 16, 0.5))
	s := NewSlicer(store, dev, 0)

	var identity [16]float32
	identity[0], identity[5], identity[10], identity[15] = 1, 1, 1, 1
	if err := s.SetPlane(models.ObliquePlane(identity)); err != nil {
		t.Fatalf("SetPlane oblique failed: %v", err)
	}
	if got := s.SetSliceIndex(5); got != 0 {
		t.Errorf("Expected oblique plane to ignore SetSliceIndex, got %d", got)
	}
	if got := s.TotalSlices(); got != 1 {
		t.Errorf("Expected 1 slice for oblique plane, got %d", got)
	}
}

func TestSetPlaneRejectsInvalid(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(8, 8, 8, 0.5))
	s := NewSlicer(store, dev, 0)

	if err := s.SetPlane(models.OrthogonalPlane(models.AxisCoronal, 3)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}

	cases := []models.SlicePlane{
		models.OrthogonalPlane(models.Axis(7), 0),
		models.ObliquePlane([16]float32{}),
		models.CurvedPlane([]vec3.T{{0.5, 0.5, 0.5}}, 0.1),
		models.CurvedPlane([]vec3.T{{0.5, 0.5, 0.5}, {0.5, 0.5, 0.5}}, 0.1),
		models.CurvedPlane([]vec3.T{{0, 0, 0}, {1, 1, 1}}, -0.1),
		models.ThickSlabPlane(models.AxisAxial, 0, 0, models.ProjectionAverage),
		models.ThickSlabPlane(models.AxisAxial, 0, 3, models.Projection(9)),
		{Kind: models.PlaneKind(42)},
	}
	for i, p := range cases {
		if err := s.SetPlane(p); !errors.Is(err, ErrInvalidPlane) {
			t.Errorf("Case %d: expected ErrInvalidPlane, got %v", i, err)
		}
	}

	// The previous valid plane survives every rejection.
	got := s.Plane()
	if got.Kind != models.PlaneOrthogonal || got.Axis != models.AxisCoronal || got.Index != 3 {
		t.Errorf("Expected coronal plane at 3 to be retained, got %+v", got)
	}
}

func TestRenderConstantVolumeUniform(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(32, 32, 16, 0.75))
	s := NewSlicer(store, dev, 0)

	params := models.DefaultRenderParameters()
	params.WindowCenter, params.WindowWidth = 0.4, 0.8

	img := renderFrame(t, s, 64, params)

	// normalize(0.75) = (0.75 - 0.0) / 0.8 = 0.9375 -> byte 239.
	want := uint8(239)
	first := img.RGBAAt(0, 0)
	if first.R != want || first.G != want || first.B != want {
		t.Fatalf("Expected uniform gray %d, got %+v", want, first)
	}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if img.RGBAAt(x, y) != first {
				t.Fatalf("Expected uniform frame, pixel (%d,%d) = %+v differs from %+v",
					x, y, img.RGBAAt(x, y), first)
			}
		}
	}
}

func TestRenderConstantVolumeInvariantToView(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(32, 32, 16, 0.5))
	s := NewSlicer(store, dev, 0)

	base := models.DefaultRenderParameters()
	ref := renderFrame(t, s, 48, base)

	// Zoom > 1 keeps every pixel inside the slice, so the constant volume
	// still renders uniformly and identically.
	zoomed := base
	zoomed.Zoom = 2.5
	flipped := base
	flipped.FlipHorizontal = true
	flipped.FlipVertical = true

	for name, p := range map[string]models.RenderParameters{"zoomed": zoomed, "flipped": flipped} {
		img := renderFrame(t, s, 48, p)
		if !bytes.Equal(img.Pix, ref.Pix) {
			t.Errorf("Expected %s frame to match reference on constant volume", name)
		}
	}
}

func TestRenderNoVolumeErrorFrame(t *testing.T) {
	store, dev := newTestStore(t, nil)
	s := NewSlicer(store, dev, 0)

	img := renderFrame(t, s, 16, models.DefaultRenderParameters())
	got := img.RGBAAt(8, 8)
	if got.R != errorFrameGray || got.G != errorFrameGray || got.B != errorFrameGray || got.A != 255 {
		t.Errorf("Expected error frame gray %d, got %+v", errorFrameGray, got)
	}
}

func TestRenderDegenerateWindowFallsBack(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(16, 16, 8, 0.5))
	s := NewSlicer(store, dev, 0)

	params := models.DefaultRenderParameters()
	params.WindowWidth = 0

	img := renderFrame(t, s, 16, params)

	// Identity window: 0.5 normalizes to 0.5 -> byte 128.
	got := img.RGBAAt(8, 8)
	if got.R != 128 {
		t.Errorf("Expected identity-window fallback gray 128, got %+v", got)
	}
}

func TestThickSlabProjections(t *testing.T) {
	// Volume with one bright axial slice at z=3 among dark slices.
	const w, h, d = 16, 16, 8
	samples := make([]float64, w*h*d)
	for i := range samples {
		samples[i] = 0.2
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			samples[3*w*h+y*w+x] = 0.9
		}
	}
	ds := &models.VolumeDataset{
		ID: "slab", Samples: samples,
		Width: w, Height: h, Depth: d,
		SpacingX: 1, SpacingY: 1, SpacingZ: 1,
		ValueMin: 0.2, ValueMax: 0.9,
		RescaleSlope: 1, BitsStored: 12,
	}
	store, dev := newTestStore(t, ds)
	s := NewSlicer(store, dev, 0)
	params := models.DefaultRenderParameters()

	// MIP over 5 slices centered on 3 picks the bright slice everywhere,
	// so the frame equals the plain render of slice 3.
	if err := s.SetPlane(models.OrthogonalPlane(models.AxisAxial, 3)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}
	single := renderFrame(t, s, 32, params)

	if err := s.SetPlane(models.ThickSlabPlane(models.AxisAxial, 3, 5, models.ProjectionMaxIntensity)); err != nil {
		t.Fatalf("SetPlane slab failed: %v", err)
	}
	mip := renderFrame(t, s, 32, params)
	if !bytes.Equal(mip.Pix, single.Pix) {
		t.Error("Expected MIP over bright slice to equal the single-slice render")
	}

	// MinIP over the same slab picks the dark background.
	if err := s.SetPlane(models.ThickSlabPlane(models.AxisAxial, 3, 5, models.ProjectionMinIntensity)); err != nil {
		t.Fatalf("SetPlane slab failed: %v", err)
	}
	minip := renderFrame(t, s, 32, params)
	if minip.RGBAAt(16, 16).R >= mip.RGBAAt(16, 16).R {
		t.Errorf("Expected MinIP darker than MIP, got %d >= %d",
			minip.RGBAAt(16, 16).R, mip.RGBAAt(16, 16).R)
	}

	// Average lies strictly between the extremes.
	if err := s.SetPlane(models.ThickSlabPlane(models.AxisAxial, 3, 5, models.ProjectionAverage)); err != nil {
		t.Fatalf("SetPlane slab failed: %v", err)
	}
	avg := renderFrame(t, s, 32, params)
	a := avg.RGBAAt(16, 16).R
	if a <= minip.RGBAAt(16, 16).R || a >= mip.RGBAAt(16, 16).R {
		t.Errorf("Expected average %d between MinIP %d and MIP %d",
			a, minip.RGBAAt(16, 16).R, mip.RGBAAt(16, 16).R)
	}

	// Thickness 1 degenerates to the plain slice.
	if err := s.SetPlane(models.ThickSlabPlane(models.AxisAxial, 3, 1, models.ProjectionAverage)); err != nil {
		t.Fatalf("SetPlane slab failed: %v", err)
	}
	thin := renderFrame(t, s, 32, params)
	if !bytes.Equal(thin.Pix, single.Pix) {
		t.Error("Expected thickness-1 slab to equal the single-slice render")
	}
}

func TestObliqueAxialEquivalent(t *testing.T) {
	// An oblique matrix that reproduces the central axial slice: x and y
	// span the plane, z fixed at the volume center (0 in [-1,1] space).
	store, dev := newTestStore(t, constantDataset(16, 16, 16, 0.6))
	s := NewSlicer(store, dev, 0)

	var m [16]float32
	m[0] = 1  // x <- px
	m[5] = 1  // y <- py
	m[11] = 0 // z fixed at center
	m[15] = 1 // w = 1
	if err := s.SetPlane(models.ObliquePlane(m)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}

	img := renderFrame(t, s, 32, models.DefaultRenderParameters())
	got := img.RGBAAt(16, 16)
	if got.R != 153 { // 0.6*255 rounded
		t.Errorf("Expected oblique center sample 153, got %+v", got)
	}
}

func TestCurvedStraightPath(t *testing.T) {
	// A straight path along x through the volume center with zero radius
	// samples the center line; on a constant volume the frame is uniform
	// and bright.
	store, dev := newTestStore(t, constantDataset(16, 16, 16, 1))
	s := NewSlicer(store, dev, 0)

	path := []vec3.T{{0, 0.5, 0.5}, {1, 0.5, 0.5}}
	if err := s.SetPlane(models.CurvedPlane(path, 0.25)); err != nil {
		t.Fatalf("SetPlane failed: %v", err)
	}

	img := renderFrame(t, s, 32, models.DefaultRenderParameters())
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if got := img.RGBAAt(x, y); got.R != 255 {
				t.Fatalf("Expected uniform bright curved frame, pixel (%d,%d) = %+v", x, y, got)
			}
		}
	}
}

func TestCrosshairPaintsOverSlice(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(16, 16, 8, 0))
	s := NewSlicer(store, dev, 4)

	params := models.DefaultRenderParameters()
	params.CrosshairEnabled = true
	params.CrosshairX, params.CrosshairY = 0.5, 0.5

	img := renderFrame(t, s, 33, params)

	// The crosshair center pixel is tinted; a corner pixel is not.
	center := img.RGBAAt(16, 16)
	corner := img.RGBAAt(0, 0)
	if center == corner {
		t.Error("Expected crosshair center to differ from background")
	}
	if center.G <= corner.G {
		t.Errorf("Expected crosshair tint to raise green, got center %+v corner %+v", center, corner)
	}

	// Beyond the radius along the line, the background shows again.
	past := img.RGBAAt(16+5, 16)
	if past != corner {
		t.Errorf("Expected pixel past crosshair radius to match background, got %+v", past)
	}
}

func TestRenderWithTransferFunction(t *testing.T) {
	store, dev := newTestStore(t, constantDataset(8, 8, 8, 1))
	s := NewSlicer(store, dev, 0)

	tfe := transfer.NewEngine(dev, 256)
	if err := tfe.SetPreset("rainbow"); err != nil {
		t.Fatalf("SetPreset failed: %v", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if err := s.Render(context.Background(), img, models.DefaultRenderParameters(), tfe); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	// Rainbow maps the top intensity to red; alpha forced opaque in MPR.
	got := img.RGBAAt(4, 4)
	if got.R != 255 || got.G != 0 || got.B != 0 || got.A != 255 {
		t.Errorf("Expected opaque red through rainbow transfer, got %+v", got)
	}
}
