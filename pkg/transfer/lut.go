package transfer

import (
	"fmt"

	"voxelview/internal/models"
)

// ControlPoint anchors a color and opacity at a normalized intensity.
type ControlPoint struct {
	// Intensity in [0,1]; points must be ascending.
	Intensity float64

	// Color holds RGB plus opacity in A.
	Color models.RGBA
}

// Function is an ordered sequence of control points resolved into a
// fixed-size lookup table.
type Function struct {
	Name   string
	Points []ControlPoint
}

// LUT resolution bounds. Typical tables are 256-1024 entries; anything
// outside [2, 4096] is clamped.
const (
	minLUTResolution = 2
	maxLUTResolution = 4096
)

// BuildLookupTable resolves fn into a table of the given resolution,
// linearly interpolating color and opacity between consecutive control
// points. Intensities below the first point or above the last clamp to the
// end colors. Fails with ErrUnsortedControlPoints when the points are not
// ascending.
func BuildLookupTable(fn Function, resolution int) ([]models.RGBA, error) {
	if len(fn.Points) == 0 {
		return nil, fmt.Errorf("%w: transfer function %q has no control points", ErrInvalidParameter, fn.Name)
	}
	for i := 1; i < len(fn.Points); i++ {
		if fn.Points[i].Intensity < fn.Points[i-1].Intensity {
			return nil, fmt.Errorf("%w: point %d at %g after point %d at %g",
				ErrUnsortedControlPoints, i, fn.Points[i].Intensity, i-1, fn.Points[i-1].Intensity)
		}
	}

	if resolution < minLUTResolution {
		resolution = minLUTResolution
	}
	if resolution > maxLUTResolution {
		resolution = maxLUTResolution
	}

	lut := make([]models.RGBA, resolution)
	seg := 0
	for i := range lut {
		t := float64(i) / float64(resolution-1)

		for seg < len(fn.Points)-2 && t > fn.Points[seg+1].Intensity {
			seg++
		}
		a := fn.Points[seg]
		b := fn.Points[min(seg+1, len(fn.Points)-1)]

		switch {
		case t <= a.Intensity:
			lut[i] = a.Color
		case t >= b.Intensity:
			lut[i] = b.Color
		default:
			f := (t - a.Intensity) / (b.Intensity - a.Intensity)
			lut[i] = models.RGBA{
				R: a.Color.R + (b.Color.R-a.Color.R)*f,
				G: a.Color.G + (b.Color.G-a.Color.G)*f,
				B: a.Color.B + (b.Color.B-a.Color.B)*f,
				A: a.Color.A + (b.Color.A-a.Color.A)*f,
			}
		}
	}
	return lut, nil
}

// Preset returns a named built-in transfer function. The bool is false for
// unknown names.
func Preset(name string) (Function, bool) {
	switch name {
	case "grayscale":
		return Function{Name: name, Points: []ControlPoint{
			{Intensity: 0, Color: models.RGBA{R: 0, G: 0, B: 0, A: 0}},
			{Intensity: 1, Color: models.RGBA{R: 1, G: 1, B: 1, A: 1}},
		}}, true
	case "hot-metal":
		return Function{Name: name, Points: []ControlPoint{
			{Intensity: 0, Color: models.RGBA{R: 0, G: 0, B: 0, A: 0}},
			{Intensity: 0.33, Color: models.RGBA{R: 0.8, G: 0, B: 0, A: 0.3}},
			{Intensity: 0.66, Color: models.RGBA{R: 1, G: 0.6, B: 0, A: 0.7}},
			{Intensity: 1, Color: models.RGBA{R: 1, G: 1, B: 0.9, A: 1}},
		}}, true
	case "rainbow":
		return Function{Name: name, Points: []ControlPoint{
			{Intensity: 0, Color: models.RGBA{R: 0, G: 0, B: 1, A: 0}},
			{Intensity: 0.25, Color: models.RGBA{R: 0, G: 1, B: 1, A: 0.25}},
			{Intensity: 0.5, Color: models.RGBA{R: 0, G: 1, B: 0, A: 0.5}},
			{Intensity: 0.75, Color: models.RGBA{R: 1, G: 1, B: 0, A: 0.75}},
			{Intensity: 1, Color: models.RGBA{R: 1, G: 0, B: 0, A: 1}},
		}}, true
	case "bone":
		return Function{Name: name, Points: []ControlPoint{
			{Intensity: 0, Color: models.RGBA{R: 0, G: 0, B: 0, A: 0}},
			{Intensity: 0.35, Color: models.RGBA{R: 0.3, G: 0.3, B: 0.4, A: 0.05}},
			{Intensity: 0.65, Color: models.RGBA{R: 0.8, G: 0.8, B: 0.75, A: 0.6}},
			{Intensity: 1, Color: models.RGBA{R: 1, G: 1, B: 0.95, A: 1}},
		}}, true
	}
	return Function{}, false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
