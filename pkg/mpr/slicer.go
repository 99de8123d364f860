// Package mpr implements multi-planar reconstruction: for every output
// pixel it computes the 3D sample location of the active slicing plane
// (orthogonal, oblique, curved or thick-slab) and produces a 2D image by
// sampling the volume through window/level and the transfer function.
package mpr

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ungerik/go3d/vec3"

	"voxelview/internal/models"
	"voxelview/pkg/device"
	"voxelview/pkg/volume"
)

// ErrInvalidPlane rejects degenerate plane configurations at the point the
// plane is set; render time never fails.
var ErrInvalidPlane = errors.New("mpr: invalid plane")

// homogeneous divide below this magnitude counts as out-of-volume.
const obliqueWEpsilon = 1e-6

// Slicer computes 2D cross-sections of the volume. Plane state is guarded
// by a mutex; rendering reads a snapshot taken at frame start.
type Slicer struct {
	store *volume.Store
	dev   *device.Device

	// crosshairRadius is the half-length of the painted crosshair lines
	// in output pixels.
	crosshairRadius int

	mu    sync.Mutex
	plane models.SlicePlane

	// arc holds cumulative path lengths for the current curved plane,
	// arc[i] being the distance from path[0] to path[i].
	arc      []float32
	totalArc float32
}

// NewSlicer creates a slicer bound to store, defaulting to the first axial
// slice.
func NewSlicer(store *volume.Store, dev *device.Device, crosshairRadius int) *Slicer {
	if crosshairRadius <= 0 {
		crosshairRadius = 12
	}
	return &Slicer{
		store:           store,
		dev:             dev,
		crosshairRadius: crosshairRadius,
		plane:           models.OrthogonalPlane(models.AxisAxial, 0),
	}
}

// SetPlane validates p and makes it the active plane. On failure the
// previous valid plane is retained and an ErrInvalidPlane-wrapped error is
// returned so the UI can report it synchronously.
func (s *Slicer) SetPlane(p models.SlicePlane) error {
	var arc []float32
	var total float32

	switch p.Kind {
	case models.PlaneOrthogonal:
		if !p.Axis.Valid() {
			return fmt.Errorf("%w: unknown axis %d", ErrInvalidPlane, int(p.Axis))
		}
		p.Index = s.clampIndex(p.Axis, p.Index)

	case models.PlaneOblique:
		wRow := p.Matrix[12:16]
		if wRow[0] == 0 && wRow[1] == 0 && wRow[2] == 0 && wRow[3] == 0 {
			return fmt.Errorf("%w: oblique matrix has a zero projective row", ErrInvalidPlane)
		}
		for i, m := range p.Matrix {
			if math.IsNaN(float64(m)) || math.IsInf(float64(m), 0) {
				return fmt.Errorf("%w: oblique matrix entry %d is not finite", ErrInvalidPlane, i)
			}
		}

	case models.PlaneCurved:
		if len(p.Path) < 2 {
			return fmt.Errorf("%w: curved path needs at least 2 points, got %d", ErrInvalidPlane, len(p.Path))
		}
		if p.Radius < 0 {
			return fmt.Errorf("%w: curved radius %g must be >= 0", ErrInvalidPlane, p.Radius)
		}
		arc = make([]float32, len(p.Path))
		for i := 1; i < len(p.Path); i++ {
			d := vec3.Sub(&p.Path[i], &p.Path[i-1])
			arc[i] = arc[i-1] + d.Length()
		}
		total = arc[len(arc)-1]
		if total <= 0 {
			return fmt.Errorf("%w: curved path has zero length", ErrInvalidPlane)
		}

	case models.PlaneThickSlab:
		if !p.Axis.Valid() {
			return fmt.Errorf("%w: unknown axis %d", ErrInvalidPlane, int(p.Axis))
		}
		if p.Thickness < 1 {
			return fmt.Errorf("%w: slab thickness %d must be >= 1", ErrInvalidPlane, p.Thickness)
		}
		if p.Projection < models.ProjectionMaxIntensity || p.Projection > models.ProjectionAverage {
			return fmt.Errorf("%w: unknown projection %d", ErrInvalidPlane, int(p.Projection))
		}
		p.Index = s.clampIndex(p.Axis, p.Index)

	default:
		return fmt.Errorf("%w: unknown plane kind %d", ErrInvalidPlane, int(p.Kind))
	}

	s.mu.Lock()
	s.plane = p
	s.arc = arc
	s.totalArc = total
	s.mu.Unlock()
	return nil
}

// Plane returns the active plane.
func (s *Slicer) Plane() models.SlicePlane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plane
}

// SetSliceIndex moves an orthogonal or thick-slab plane to index, clamped
// to [0, dim-1]. The effective index is returned. Other plane kinds are
// unaffected.
func (s *Slicer) SetSliceIndex(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plane.Kind != models.PlaneOrthogonal && s.plane.Kind != models.PlaneThickSlab {
		return s.plane.Index
	}
	s.plane.Index = s.clampIndex(s.plane.Axis, index)
	return s.plane.Index
}

// TotalSlices returns the slice count along the active plane's axis, or 1
// for oblique and curved planes.
func (s *Slicer) TotalSlices() int {
	s.mu.Lock()
	plane := s.plane
	s.mu.Unlock()

	switch plane.Kind {
	case models.PlaneOrthogonal, models.PlaneThickSlab:
		if ds := s.store.Dataset(); ds != nil {
			return ds.Dim(plane.Axis)
		}
	}
	return 1
}

func (s *Slicer) clampIndex(axis models.Axis, index int) int {
	ds := s.store.Dataset()
	if ds == nil {
		if index < 0 {
			return 0
		}
		return index
	}
	dim := ds.Dim(axis)
	if index < 0 {
		return 0
	}
	if index >= dim {
		return dim - 1
	}
	return index
}

// planeState is the geometry snapshot one frame renders from.
type planeState struct {
	plane    models.SlicePlane
	arc      []float32
	totalArc float32
	dims     [3]int
}

func (s *Slicer) snapshot() planeState {
	s.mu.Lock()
	st := planeState{plane: s.plane, arc: s.arc, totalArc: s.totalArc}
	s.mu.Unlock()
	if ds := s.store.Dataset(); ds != nil {
		st.dims = [3]int{ds.Width, ds.Height, ds.Depth}
	}
	return st
}

// fixedCoord converts a clamped slice index to the normalized coordinate
// along axis: index / (dim-1), or 0 for single-slice dimensions.
func fixedCoord(index, dim int) float64 {
	if dim <= 1 {
		return 0
	}
	if index < 0 {
		index = 0
	}
	if index >= dim {
		index = dim - 1
	}
	return float64(index) / float64(dim-1)
}

// sampleOrthogonal maps the in-plane coordinate (u, v) onto the slice at
// fixed along axis. The two free coordinates map directly, in (x,y,z)
// order with the slicing axis dropped.
func (s *Slicer) sampleOrthogonal(axis models.Axis, fixed, u, v float64) (float64, bool) {
	switch axis {
	case models.AxisSagittal:
		return s.store.SampleTrilinear(fixed, u, v)
	case models.AxisCoronal:
		return s.store.SampleTrilinear(u, fixed, v)
	default:
		return s.store.SampleTrilinear(u, v, fixed)
	}
}

func (s *Slicer) sampleOblique(m *[16]float32, u, v float64) (float64, bool) {
	// Plane coordinates live in [-1,1]² at plane z=0.
	px := float32(u*2 - 1)
	py := float32(v*2 - 1)

	x := m[0]*px + m[1]*py + m[3]
	y := m[4]*px + m[5]*py + m[7]
	z := m[8]*px + m[9]*py + m[11]
	w := m[12]*px + m[13]*py + m[15]

	if w > -obliqueWEpsilon && w < obliqueWEpsilon {
		return 0, false
	}

	// Perspective divide, then remap [-1,1]³ to [0,1]³.
	vx := (float64(x/w) + 1) / 2
	vy := (float64(y/w) + 1) / 2
	vz := (float64(z/w) + 1) / 2

	return s.store.SampleTrilinear(vx, vy, vz)
}

// curvedUp is the stable up-vector used to build the perpendicular basis
// along a curved path; curvedUpFallback replaces it near-degenerate
// tangents.
var (
	curvedUp         = vec3.T{0, 0, 1}
	curvedUpFallback = vec3.T{1, 0, 0}
)

func (s *Slicer) sampleCurved(st *planeState, u, v float64) (float64, bool) {
	path := st.plane.Path
	target := float32(u) * st.totalArc

	// Locate the segment containing the target arc length.
	seg := len(path) - 2
	for i := 1; i < len(st.arc); i++ {
		if st.arc[i] >= target {
			seg = i - 1
			break
		}
	}

	segLen := st.arc[seg+1] - st.arc[seg]
	var t float32
	if segLen > 0 {
		t = (target - st.arc[seg]) / segLen
	}

	a, b := path[seg], path[seg+1]
	point := vec3.Interpolate(&a, &b, t)

	tangent := vec3.Sub(&b, &a)
	if tangent.LengthSqr() == 0 {
		return 0, false
	}
	tangent.Normalize()

	up := curvedUp
	if d := vec3.Dot(&tangent, &up); d > 0.999 || d < -0.999 {
		up = curvedUpFallback
	}
	perp := vec3.Cross(&tangent, &up)
	perp.Normalize()

	offset := float32(0.5-v) * 2 * st.plane.Radius
	scaled := perp.Scaled(offset)
	pos := vec3.Add(&point, &scaled)

	return s.store.SampleTrilinear(float64(pos[0]), float64(pos[1]), float64(pos[2]))
}

func (s *Slicer) sampleThickSlab(st *planeState, u, v float64) (float64, bool) {
	plane := st.plane
	dim := dimAlong(st.dims, plane.Axis)

	var (
		sum   float64
		maxV  = math.Inf(-1)
		minV  = math.Inf(1)
		count int
	)

	// Thickness samples at unit spacing, centered on the slab index.
	start := plane.Index - (plane.Thickness-1)/2
	for k := 0; k < plane.Thickness; k++ {
		fixed := fixedCoord(start+k, dim)
		val, ok := s.sampleOrthogonal(plane.Axis, fixed, u, v)
		if !ok {
			continue
		}
		count++
		sum += val
		if val > maxV {
			maxV = val
		}
		if val < minV {
			minV = val
		}
	}
	if count == 0 {
		return 0, false
	}

	switch plane.Projection {
	case models.ProjectionMinIntensity:
		return minV, true
	case models.ProjectionAverage:
		return sum / float64(count), true
	default:
		return maxV, true
	}
}

// samplePlane resolves one in-plane coordinate to a raw intensity.
func (s *Slicer) samplePlane(st *planeState, u, v float64) (float64, bool) {
	switch st.plane.Kind {
	case models.PlaneOrthogonal:
		dim := dimAlong(st.dims, st.plane.Axis)
		return s.sampleOrthogonal(st.plane.Axis, fixedCoord(st.plane.Index, dim), u, v)
	case models.PlaneOblique:
		return s.sampleOblique(&st.plane.Matrix, u, v)
	case models.PlaneCurved:
		return s.sampleCurved(st, u, v)
	case models.PlaneThickSlab:
		return s.sampleThickSlab(st, u, v)
	}
	return 0, false
}

func dimAlong(dims [3]int, axis models.Axis) int {
	switch axis {
	case models.AxisSagittal:
		return dims[0]
	case models.AxisCoronal:
		return dims[1]
	default:
		return dims[2]
	}
}
