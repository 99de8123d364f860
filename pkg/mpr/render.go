package mpr

import (
	"context"
	"image"
	"image/color"
	"math"

	"voxelview/internal/models"
	"voxelview/pkg/transfer"
)

// errorFrameGray is the uniform fill used when nothing valid is bound;
// dark rather than black so the state reads as "not ready" on screen.
const errorFrameGray = 16

// crosshairColor is the highlight the crosshair lines blend toward.
var crosshairColor = models.RGBA{R: 0.2, G: 0.9, B: 0.9, A: 1}

// crosshairBlend is the blend factor toward crosshairColor.
const crosshairBlend = 0.65

// Render produces one frame of the active plane into target. Rendering
// never fails on configuration: with no volume bound it paints a uniform
// error frame. The only error returned is context cancellation from the
// pixel pass.
//
// Parameter changes made while a frame is in flight are not reflected
// until the next frame; params is snapshotted here, at frame start.
func (s *Slicer) Render(ctx context.Context, target *image.RGBA, params models.RenderParameters, tfe *transfer.Engine) error {
	bounds := target.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}

	if !s.store.Loaded() {
		fillErrorFrame(target)
		return nil
	}

	st := s.snapshot()
	ds := s.store.Dataset()
	if ds == nil {
		fillErrorFrame(target)
		return nil
	}

	// A window the setters never produced (e.g. zero width handed in
	// directly) degrades to the identity window instead of failing the
	// frame.
	if transfer.ValidateWindow(params.WindowCenter, params.WindowWidth) != nil {
		params.WindowCenter, params.WindowWidth = 0.5, 1.0
	}
	if params.Zoom <= 0 {
		params.Zoom = 1
	}
	if params.AdaptiveStrength < 0 || params.AdaptiveStrength > 1 {
		params.AdaptiveStrength = 0
	}

	var lut []models.RGBA
	if tfe != nil {
		lut = tfe.Snapshot()
	}

	slope, intercept := ds.RescaleSlope, ds.RescaleIntercept
	if slope == 0 {
		slope = 1
	}

	ch := crosshairGeometry(params, w, h, s.crosshairRadius)

	return s.dev.RunPixels(ctx, w, h, func(x, y int) {
		var out models.RGBA

		u, v, ok := ViewTransform(x, y, w, h, &params)
		if ok {
			raw, sampled := s.samplePlane(&st, u, v)
			if sampled {
				nv, _ := transfer.NormalizeAdaptive(raw, slope, intercept,
					params.WindowCenter, params.WindowWidth, params.AdaptiveStrength)
				out = transfer.LookupIn(lut, nv)
				out.A = 1
			}
		}

		// Crosshair lines paint over everything, independent of slice
		// content and view bounds.
		if ch.hit(x, y) {
			out = blend(out, crosshairColor, crosshairBlend)
			out.A = 1
		}

		target.SetRGBA(bounds.Min.X+x, bounds.Min.Y+y, toRGBA8(out))
	})
}

// ViewTransform maps an output pixel to a normalized slice-local
// coordinate: center at 0.5, rotate, scale by 1/zoom, translate by -pan,
// then flips. ok is false when the result leaves [0,1]². Overlay
// compositing shares this mapping so masks stay registered to the slice
// under every zoom, pan, rotation and flip.
func ViewTransform(x, y, w, h int, p *models.RenderParameters) (u, v float64, ok bool) {
	cx := (float64(x)+0.5)/float64(w) - 0.5
	cy := (float64(y)+0.5)/float64(h) - 0.5

	sin, cos := math.Sincos(p.Rotation)
	rx := cx*cos - cy*sin
	ry := cx*sin + cy*cos

	rx /= p.Zoom
	ry /= p.Zoom

	u = rx - p.PanX + 0.5
	v = ry - p.PanY + 0.5

	if p.FlipHorizontal {
		u = 1 - u
	}
	if p.FlipVertical {
		v = 1 - v
	}

	if u < 0 || u > 1 || v < 0 || v > 1 {
		return 0, 0, false
	}
	return u, v, true
}

// crosshair covers two perpendicular line segments, not a filled shape.
type crosshair struct {
	enabled bool
	px, py  int
	radius  int
}

func crosshairGeometry(p models.RenderParameters, w, h, radius int) crosshair {
	if !p.CrosshairEnabled {
		return crosshair{}
	}
	return crosshair{
		enabled: true,
		px:      int(math.Round(p.CrosshairX * float64(w-1))),
		py:      int(math.Round(p.CrosshairY * float64(h-1))),
		radius:  radius,
	}
}

func (c crosshair) hit(x, y int) bool {
	if !c.enabled {
		return false
	}
	dx, dy := x-c.px, y-c.py
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return (dx == 0 && dy <= c.radius) || (dy == 0 && dx <= c.radius)
}

func blend(base, top models.RGBA, f float64) models.RGBA {
	return models.RGBA{
		R: base.R + (top.R-base.R)*f,
		G: base.G + (top.G-base.G)*f,
		B: base.B + (top.B-base.B)*f,
		A: base.A,
	}
}

func toRGBA8(c models.RGBA) color.RGBA {
	return color.RGBA{
		R: uint8(clamp01f(c.R)*255 + 0.5),
		G: uint8(clamp01f(c.G)*255 + 0.5),
		B: uint8(clamp01f(c.B)*255 + 0.5),
		A: uint8(clamp01f(c.A)*255 + 0.5),
	}
}

func clamp01f(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fillErrorFrame(target *image.RGBA) {
	b := target.Bounds()
	fill := color.RGBA{R: errorFrameGray, G: errorFrameGray, B: errorFrameGray, A: 255}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			target.SetRGBA(x, y, fill)
		}
	}
}
