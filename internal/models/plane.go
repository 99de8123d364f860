package models

import (
	"fmt"

	"github.com/ungerik/go3d/vec3"
)

// PlaneKind tags the closed set of slicing plane variants.
type PlaneKind int

const (
	PlaneOrthogonal PlaneKind = iota
	PlaneOblique
	PlaneCurved
	PlaneThickSlab
)

// String returns the name of the plane kind.
func (k PlaneKind) String() string {
	switch k {
	case PlaneOrthogonal:
		return "Orthogonal"
	case PlaneOblique:
		return "Oblique"
	case PlaneCurved:
		return "Curved"
	case PlaneThickSlab:
		return "ThickSlab"
	}
	return fmt.Sprintf("PlaneKind(%d)", int(k))
}

// Projection selects the reduction applied across a thick slab.
type Projection int

const (
	ProjectionMaxIntensity Projection = iota
	ProjectionMinIntensity
	ProjectionAverage
)

// String returns the name of the projection mode.
func (p Projection) String() string {
	switch p {
	case ProjectionMaxIntensity:
		return "MaxIntensity"
	case ProjectionMinIntensity:
		return "MinIntensity"
	case ProjectionAverage:
		return "Average"
	}
	return fmt.Sprintf("Projection(%d)", int(p))
}

// SlicePlane describes where a 2D cross-section cuts the volume. Kind
// selects the active variant; the remaining fields are meaningful only for
// the variants noted on each. Slicing code switches exhaustively on Kind.
type SlicePlane struct {
	Kind PlaneKind

	// Axis is the slicing direction for Orthogonal and ThickSlab planes.
	Axis Axis

	// Index is the slice position along Axis for Orthogonal and ThickSlab
	// planes. It is clamped to [0, dim-1] when the plane is applied.
	Index int

	// Matrix is the row-major 4x4 homogeneous transform of an Oblique
	// plane, mapping plane coordinates in [-1,1]² (z=0) into volume space.
	Matrix [16]float32

	// Path is the ordered control polyline of a Curved plane, in
	// normalized [0,1]³ volume coordinates.
	Path []vec3.T

	// Radius is the half-width of a Curved reformat, in normalized volume
	// units perpendicular to the path.
	Radius float32

	// Thickness is the number of samples projected through a ThickSlab.
	Thickness int

	// Projection is the ThickSlab reduction mode.
	Projection Projection
}

// OrthogonalPlane returns an orthogonal plane along axis at index.
func OrthogonalPlane(axis Axis, index int) SlicePlane {
	return SlicePlane{Kind: PlaneOrthogonal, Axis: axis, Index: index}
}

// ObliquePlane returns an oblique plane with the given row-major transform.
func ObliquePlane(matrix [16]float32) SlicePlane {
	return SlicePlane{Kind: PlaneOblique, Matrix: matrix}
}

// CurvedPlane returns a curved reformat along path with the given radius.
func CurvedPlane(path []vec3.T, radius float32) SlicePlane {
	return SlicePlane{Kind: PlaneCurved, Path: path, Radius: radius}
}

// ThickSlabPlane returns a projection slab of thickness samples centered on
// index along axis.
func ThickSlabPlane(axis Axis, index, thickness int, projection Projection) SlicePlane {
	return SlicePlane{
		Kind:       PlaneThickSlab,
		Axis:       axis,
		Index:      index,
		Thickness:  thickness,
		Projection: projection,
	}
}

// Name returns a display name for the plane, e.g. "Axial" or "Curved".
func (p SlicePlane) Name() string {
	switch p.Kind {
	case PlaneOrthogonal:
		return p.Axis.String()
	case PlaneThickSlab:
		return fmt.Sprintf("%s %s", p.Axis, p.Projection)
	default:
		return p.Kind.String()
	}
}

// RenderParameters holds the per-view display state read by the renderers
// each frame. Instances are owned by a single view; renderers only read a
// snapshot taken at frame start.
type RenderParameters struct {
	// WindowCenter and WindowWidth are in the normalized [0,1] domain
	// after rescale. WindowWidth must be > 0.
	WindowCenter float64
	WindowWidth  float64

	// Zoom magnifies around the view center; must be > 0, default 1.
	Zoom float64

	// PanX and PanY translate the view in normalized slice units.
	PanX, PanY float64

	// Rotation is the in-plane view rotation in radians.
	Rotation float64

	FlipHorizontal bool
	FlipVertical   bool

	// CrosshairX and CrosshairY locate the crosshair in normalized [0,1]²
	// slice coordinates.
	CrosshairX, CrosshairY float64
	CrosshairEnabled       bool

	// AdaptiveStrength in [0,1] blends linear windowing toward the
	// sigmoid curve; 0 is purely linear.
	AdaptiveStrength float64
}

// DefaultRenderParameters returns the identity view: full window, no zoom,
// pan, rotation or flips, crosshair centered and disabled.
func DefaultRenderParameters() RenderParameters {
	return RenderParameters{
		WindowCenter: 0.5,
		WindowWidth:  1.0,
		Zoom:         1.0,
		CrosshairX:   0.5,
		CrosshairY:   0.5,
	}
}

// SegmentationMask is one labeled segment aligned to the volume's slice
// grid. The mask bits are packed per slice, row-major, LSB first within
// each byte.
type SegmentationMask struct {
	// DatasetID names the series this mask is registered to.
	DatasetID string

	// SegmentID orders segments for compositing; z-order is ascending.
	SegmentID int

	// Width, Height and Depth match the volume's slice grid.
	Width, Height, Depth int

	// Packed holds one bit-packed plane per slice index.
	Packed [][]byte

	Visible bool

	// Opacity in [0,1] scales the overlay blend.
	Opacity float64

	// Color is the display color of the segment; its A channel is ignored
	// (Opacity governs blending).
	Color RGBA
}

// Validate checks that the packed planes cover the declared grid.
func (m *SegmentationMask) Validate() error {
	if m.Width <= 0 || m.Height <= 0 || m.Depth <= 0 {
		return fmt.Errorf("mask dimensions must be positive, got %dx%dx%d", m.Width, m.Height, m.Depth)
	}
	if len(m.Packed) != m.Depth {
		return fmt.Errorf("mask has %d packed planes, want %d", len(m.Packed), m.Depth)
	}
	want := (m.Width*m.Height + 7) / 8
	for z, plane := range m.Packed {
		if len(plane) < want {
			return fmt.Errorf("packed plane %d has %d bytes, want at least %d", z, len(plane), want)
		}
	}
	return nil
}

// Bit reports whether the mask covers pixel (x, y) of slice z.
func (m *SegmentationMask) Bit(x, y, z int) bool {
	if x < 0 || y < 0 || z < 0 || x >= m.Width || y >= m.Height || z >= m.Depth {
		return false
	}
	if z >= len(m.Packed) {
		return false
	}
	idx := y*m.Width + x
	plane := m.Packed[z]
	// A plane truncated below the declared dimensions reads as empty.
	if idx/8 >= len(plane) {
		return false
	}
	return (plane[idx/8]>>(idx%8))&1 == 1
}

// ROIStatistics aggregates the intensity distribution under one segment.
type ROIStatistics struct {
	// Count is the number of covered pixels (or voxels).
	Count int

	// Area is Count scaled by the in-plane voxel spacing, in mm².
	Area float64

	// Volume is Count scaled by the full voxel spacing, in mm³. Zero for
	// single-slice statistics where only Area applies.
	Volume float64

	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Sum    float64
}
