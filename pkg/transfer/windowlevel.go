// Package transfer maps raw intensities to display values and colors:
// window/level normalization (linear and adaptive) and transfer-function
// lookup tables resolved into device textures.
package transfer

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidParameter rejects degenerate windowing parameters.
	ErrInvalidParameter = errors.New("transfer: invalid parameter")

	// ErrUnsortedControlPoints rejects transfer functions whose control
	// points are not ascending by intensity.
	ErrUnsortedControlPoints = errors.New("transfer: control points not sorted by intensity")
)

// ValidateWindow checks a window center/width pair. Width must be strictly
// positive; a zero or negative width would produce NaN or Inf display
// values and is rejected up front.
func ValidateWindow(center, width float64) error {
	if width <= 0 {
		return fmt.Errorf("%w: window width %g must be > 0", ErrInvalidParameter, width)
	}
	if math.IsNaN(center) || math.IsNaN(width) || math.IsInf(center, 0) || math.IsInf(width, 0) {
		return fmt.Errorf("%w: window (%g, %g) is not finite", ErrInvalidParameter, center, width)
	}
	return nil
}

// Normalize applies the modality rescale then the linear window transform,
// clamping to [0,1]:
//
//	value' = raw*slope + intercept
//	out    = clamp((value' - (center - width/2)) / width, 0, 1)
func Normalize(raw, slope, intercept, center, width float64) (float64, error) {
	if err := ValidateWindow(center, width); err != nil {
		return 0, err
	}
	return normalize(raw, slope, intercept, center, width), nil
}

// NormalizeAdaptive blends the linear window with a logistic curve of
// steepness 4/width, by strength in [0,1]. Strength 0 is purely linear.
func NormalizeAdaptive(raw, slope, intercept, center, width, strength float64) (float64, error) {
	if err := ValidateWindow(center, width); err != nil {
		return 0, err
	}
	if strength < 0 || strength > 1 {
		return 0, fmt.Errorf("%w: adaptive strength %g outside [0,1]", ErrInvalidParameter, strength)
	}
	return normalizeAdaptive(raw, slope, intercept, center, width, strength), nil
}

// normalize is the unchecked hot-path form; width > 0 is the caller's
// invariant.
func normalize(raw, slope, intercept, center, width float64) float64 {
	value := raw*slope + intercept
	out := (value - (center - width/2)) / width
	return clamp01(out)
}

func normalizeAdaptive(raw, slope, intercept, center, width, strength float64) float64 {
	linear := normalize(raw, slope, intercept, center, width)
	if strength == 0 {
		return linear
	}
	value := raw*slope + intercept
	steepness := 4 / width
	sigmoid := 1 / (1 + math.Exp(-steepness*(value-center)))
	return clamp01(linear*(1-strength) + sigmoid*strength)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
