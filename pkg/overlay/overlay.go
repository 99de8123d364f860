package overlay

import (
	"context"
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"voxelview/internal/models"
	"voxelview/pkg/device"
	"voxelview/pkg/mpr"
	"voxelview/pkg/volume"
)

// VolumeSliceKey marks whole-volume statistics in the stats cache.
const VolumeSliceKey = -1

// Renderer composites segmentation overlays over rendered slices and
// serves per-segment statistics with caching.
type Renderer struct {
	store *volume.Store
	dev   *device.Device
	cache *TextureCache

	statsMu sync.Mutex
	stats   map[Key]models.ROIStatistics
}

// NewRenderer creates a renderer sharing the volume store and texture
// cache.
func NewRenderer(store *volume.Store, dev *device.Device, cache *TextureCache) *Renderer {
	return &Renderer{
		store: store,
		dev:   dev,
		cache: cache,
		stats: make(map[Key]models.ROIStatistics),
	}
}

// Cache returns the underlying texture cache.
func (r *Renderer) Cache() *TextureCache {
	return r.cache
}

// Composite blends every visible mask over the already-rendered base image
// in target, aligned to the cross-section at index along axis through the
// same view transform the slice was rendered with. Segments blend in
// ascending segment-id order, a stable, reproducible z-order.
func (r *Renderer) Composite(ctx context.Context, target *image.RGBA, masks []*models.SegmentationMask, axis models.Axis, index int, params models.RenderParameters) error {
	visible := make([]*models.SegmentationMask, 0, len(masks))
	for _, m := range masks {
		if m != nil && m.Visible && m.Opacity > 0 {
			visible = append(visible, m)
		}
	}
	if len(visible) == 0 {
		return nil
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].SegmentID < visible[j].SegmentID
	})

	type layer struct {
		data          []float64
		width, height int
		col           models.RGBA
		opacity       float64
	}
	layers := make([]layer, 0, len(visible))
	for _, m := range visible {
		data, err := r.cache.SliceTexture(m, axis, index)
		if err != nil {
			return err
		}
		pw, ph := PlaneDims(m, axis)
		layers = append(layers, layer{
			data:    data,
			width:   pw,
			height:  ph,
			col:     m.Color,
			opacity: m.Opacity,
		})
	}

	bounds := target.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if params.Zoom <= 0 {
		params.Zoom = 1
	}

	return r.dev.RunPixels(ctx, w, h, func(x, y int) {
		u, v, ok := mpr.ViewTransform(x, y, w, h, &params)
		if !ok {
			return
		}

		px := bounds.Min.X + x
		py := bounds.Min.Y + y
		base := target.RGBAAt(px, py)
		out := base
		changed := false

		for i := range layers {
			l := &layers[i]
			mx := int(math.Round(u * float64(l.width-1)))
			my := int(math.Round(v * float64(l.height-1)))
			if mx < 0 || my < 0 || mx >= l.width || my >= l.height {
				continue
			}
			if l.data[my*l.width+mx] == 0 {
				continue
			}
			out = blendOver(out, l.col, l.opacity)
			changed = true
		}

		if changed {
			target.SetRGBA(px, py, out)
		}
	})
}

// blendOver applies standard alpha compositing of col at opacity over base.
func blendOver(base color.RGBA, col models.RGBA, opacity float64) color.RGBA {
	mix := func(b uint8, c float64) uint8 {
		v := float64(b)*(1-opacity) + c*255*opacity
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v + 0.5)
	}
	out := color.RGBA{
		R: mix(base.R, col.R),
		G: mix(base.G, col.G),
		B: mix(base.B, col.B),
	}
	a := float64(base.A)/255*(1-opacity) + opacity
	out.A = uint8(clampUnit(a)*255 + 0.5)
	return out
}

// SliceStatistics computes the intensity statistics of mask on slice z
// against the loaded volume. Results are cached until InvalidateStatistics
// or a cache drop; computation itself blocks, so callers that must not
// stall run it on a background goroutine.
func (r *Renderer) SliceStatistics(mask *models.SegmentationMask, z int) (models.ROIStatistics, error) {
	key := Key{DatasetID: mask.DatasetID, SegmentID: mask.SegmentID, SliceKey: z}
	if s, ok := r.cachedStats(key); ok {
		return s, nil
	}

	ds := r.store.Dataset()
	if ds == nil {
		return models.ROIStatistics{}, volume.ErrNoVolume
	}

	acc := newAccumulator()
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if !mask.Bit(x, y, z) {
				continue
			}
			if val, ok := r.store.SliceValue(x, y, z); ok {
				acc.add(val)
			}
		}
	}

	s := acc.finish()
	s.Area = float64(s.Count) * ds.SpacingX * ds.SpacingY
	r.storeStats(key, s)
	return s, nil
}

// VolumeStatistics computes the statistics of mask over every slice,
// reporting physical volume from the full voxel spacing.
func (r *Renderer) VolumeStatistics(mask *models.SegmentationMask) (models.ROIStatistics, error) {
	key := Key{DatasetID: mask.DatasetID, SegmentID: mask.SegmentID, SliceKey: VolumeSliceKey}
	if s, ok := r.cachedStats(key); ok {
		return s, nil
	}

	ds := r.store.Dataset()
	if ds == nil {
		return models.ROIStatistics{}, volume.ErrNoVolume
	}

	acc := newAccumulator()
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				if !mask.Bit(x, y, z) {
					continue
				}
				if val, ok := r.store.SliceValue(x, y, z); ok {
					acc.add(val)
				}
			}
		}
	}

	s := acc.finish()
	s.Area = float64(s.Count) * ds.SpacingX * ds.SpacingY
	s.Volume = float64(s.Count) * ds.SpacingX * ds.SpacingY * ds.SpacingZ
	r.storeStats(key, s)
	return s, nil
}

// InvalidateStatistics clears cached statistics; call when a mask or the
// underlying series changes.
func (r *Renderer) InvalidateStatistics() {
	r.statsMu.Lock()
	r.stats = make(map[Key]models.ROIStatistics)
	r.statsMu.Unlock()
}

// DropCaches releases all cached textures and statistics immediately; both
// repopulate lazily on next access.
func (r *Renderer) DropCaches() {
	r.cache.Drop()
	r.InvalidateStatistics()
}

func (r *Renderer) cachedStats(key Key) (models.ROIStatistics, bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s, ok := r.stats[key]
	return s, ok
}

func (r *Renderer) storeStats(key Key, s models.ROIStatistics) {
	r.statsMu.Lock()
	r.stats[key] = s
	r.statsMu.Unlock()
}

// accumulator gathers count, sum, sum of squares, min and max in one pass.
type accumulator struct {
	values []float64
	sumSq  float64
	min    float64
	max    float64
	sum    float64
}

func newAccumulator() *accumulator {
	return &accumulator{min: math.Inf(1), max: math.Inf(-1)}
}

func (a *accumulator) add(v float64) {
	a.values = append(a.values, v)
	a.sum += v
	a.sumSq += v * v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}

func (a *accumulator) finish() models.ROIStatistics {
	n := len(a.values)
	if n == 0 {
		return models.ROIStatistics{}
	}
	mean := stat.Mean(a.values, nil)

	// Population standard deviation; guard the tiny negative that float
	// cancellation can produce for constant regions.
	variance := a.sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}

	return models.ROIStatistics{
		Count:  n,
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    a.min,
		Max:    a.max,
		Sum:    a.sum,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
