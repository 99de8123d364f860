// Package raycast renders the volume in 3D by marching camera rays through
// the unit bounding box and compositing transfer-function samples front to
// back. Each pixel is independent of every other pixel, so rays fan out
// across the device worker pool.
package raycast

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/ungerik/go3d/vec3"

	"voxelview/internal/models"
	"voxelview/pkg/device"
	"voxelview/pkg/transfer"
	"voxelview/pkg/volume"
)

// earlyExitAlpha terminates a ray once the accumulated opacity makes
// further samples invisible.
const earlyExitAlpha = 0.99

// Camera is a virtual pinhole camera in unit-box coordinates.
type Camera struct {
	Position vec3.T
	LookAt   vec3.T
	Up       vec3.T

	// FieldOfView is the horizontal FOV in radians.
	FieldOfView float32
}

// DefaultCamera looks at the volume center from outside the +z face.
func DefaultCamera() Camera {
	return Camera{
		Position:    vec3.T{0.5, 0.5, 2.4},
		LookAt:      vec3.T{0.5, 0.5, 0.5},
		Up:          vec3.T{0, 1, 0},
		FieldOfView: float32(math.Pi / 4),
	}
}

// Caster marches rays through the volume store.
type Caster struct {
	store *volume.Store
	dev   *device.Device

	// stepSize is the march step in unit-box units; quality/speed trade.
	stepSize float64
}

// NewCaster creates a caster with the given march step.
func NewCaster(store *volume.Store, dev *device.Device, stepSize float64) *Caster {
	if stepSize <= 0 {
		stepSize = 0.004
	}
	return &Caster{store: store, dev: dev, stepSize: stepSize}
}

// StepSize returns the configured march step.
func (c *Caster) StepSize() float64 {
	return c.stepSize
}

// ray is an origin and a normalized direction.
type ray struct {
	origin, dir vec3.T
}

// intersectUnitBox runs the slab method against [0,1]³: per-axis tMin/tMax,
// tNear = max of the mins, tFar = min of the maxes. hit is false when the
// ray misses (tNear > tFar) or the box is entirely behind it (tFar < 0).
func intersectUnitBox(r *ray) (tNear, tFar float32, hit bool) {
	tNear = float32(math.Inf(-1))
	tFar = float32(math.Inf(1))

	for axis := 0; axis < 3; axis++ {
		o, d := r.origin[axis], r.dir[axis]
		if d == 0 {
			// Parallel to the slab: miss unless origin lies inside it.
			if o < 0 || o > 1 {
				return 0, 0, false
			}
			continue
		}
		t0 := (0 - o) / d
		t1 := (1 - o) / d
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tNear {
			tNear = t0
		}
		if t1 < tFar {
			tFar = t1
		}
	}

	if tNear > tFar || tFar < 0 {
		return 0, 0, false
	}
	return tNear, tFar, true
}

// cameraBasis returns the per-pixel increment vectors and the view-plane
// origin for a width x height target.
func cameraBasis(cam *Camera, width, height float32) (xInc, yInc, bottomLeft vec3.T) {
	viewDir := vec3.Sub(&cam.LookAt, &cam.Position)
	u := vec3.Cross(&viewDir, &cam.Up)
	v := vec3.Cross(&u, &viewDir)
	u.Normalize()
	v.Normalize()

	halfWidth := float32(math.Tan(float64(cam.FieldOfView / 2)))
	halfHeight := halfWidth * height / width

	sU := u.Scaled(halfWidth)
	sV := v.Scaled(halfHeight)

	corner := vec3.Sub(&cam.LookAt, &sV)
	bottomLeft = vec3.Sub(&corner, &sU)

	xInc = u.Scaled(2 * halfWidth / width)
	yInc = v.Scaled(2 * halfHeight / height)
	return xInc, yInc, bottomLeft
}

// Render casts one frame into target. With no volume loaded every pixel is
// transparent black; rendering itself never fails, only context
// cancellation propagates.
func (c *Caster) Render(ctx context.Context, target *image.RGBA, cam Camera, params models.RenderParameters, tfe *transfer.Engine) error {
	bounds := target.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}

	if !c.store.Loaded() {
		clear := color.RGBA{}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				target.SetRGBA(x, y, clear)
			}
		}
		return nil
	}

	ds := c.store.Dataset()
	slope, intercept := ds.RescaleSlope, ds.RescaleIntercept
	if slope == 0 {
		slope = 1
	}
	if transfer.ValidateWindow(params.WindowCenter, params.WindowWidth) != nil {
		params.WindowCenter, params.WindowWidth = 0.5, 1.0
	}
	if params.AdaptiveStrength < 0 || params.AdaptiveStrength > 1 {
		params.AdaptiveStrength = 0
	}

	var lut []models.RGBA
	if tfe != nil {
		lut = tfe.Snapshot()
	}

	xInc, yInc, bottomLeft := cameraBasis(&cam, float32(w), float32(h))

	return c.dev.RunPixels(ctx, w, h, func(x, y int) {
		// The view plane is addressed bottom-up; image rows grow down.
		sx := xInc.Scaled(float32(x))
		sy := yInc.Scaled(float32(h - 1 - y))
		planePoint := vec3.Add(&bottomLeft, &sx)
		planePoint = vec3.Add(&planePoint, &sy)

		dir := vec3.Sub(&planePoint, &cam.Position)
		dir.Normalize()

		r := ray{origin: cam.Position, dir: dir}
		out := c.march(&r, slope, intercept, &params, lut)
		target.SetRGBA(bounds.Min.X+x, bounds.Min.Y+y, out)
	})
}

// march composites samples front to back along one ray.
func (c *Caster) march(r *ray, slope, intercept float64, params *models.RenderParameters, lut []models.RGBA) color.RGBA {
	tNear, tFar, hit := intersectUnitBox(r)
	if !hit {
		return color.RGBA{}
	}
	if tNear < 0 {
		tNear = 0
	}

	var accR, accG, accB, accA float64
	step := float32(c.stepSize)

	for t := tNear; t <= tFar; t += step {
		scaled := r.dir.Scaled(t)
		p := vec3.Add(&r.origin, &scaled)

		raw, ok := c.store.SampleTrilinear(float64(p[0]), float64(p[1]), float64(p[2]))
		if !ok {
			continue
		}

		nv, _ := transfer.NormalizeAdaptive(raw, slope, intercept,
			params.WindowCenter, params.WindowWidth, params.AdaptiveStrength)
		sample := transfer.LookupIn(lut, nv)

		// Front-to-back: later samples only fill what earlier opacity
		// left transparent, so accA is non-decreasing and bounded by 1.
		contrib := (1 - accA) * sample.A
		accR += contrib * sample.R
		accG += contrib * sample.G
		accB += contrib * sample.B
		accA += contrib

		if accA >= earlyExitAlpha {
			break
		}
	}

	return color.RGBA{
		R: uint8(clamp01(accR)*255 + 0.5),
		G: uint8(clamp01(accG)*255 + 0.5),
		B: uint8(clamp01(accB)*255 + 0.5),
		A: uint8(clamp01(accA)*255 + 0.5),
	}
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
