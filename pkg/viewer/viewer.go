// Package viewer is the engine facade exposed to the UI shell: it owns the
// shared device, volume store, overlay caches and crosshair synchronizer,
// and hands out per-viewport Views whose setters validate-and-store and
// whose Render produces one frame.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	xdraw "golang.org/x/image/draw"

	"voxelview/internal/models"
	"voxelview/pkg/config"
	"voxelview/pkg/crosshair"
	"voxelview/pkg/device"
	"voxelview/pkg/mpr"
	"voxelview/pkg/overlay"
	"voxelview/pkg/raycast"
	"voxelview/pkg/transfer"
	"voxelview/pkg/volume"
)

// ErrUnknownSegment is returned for operations on a segment id that was
// never registered.
var ErrUnknownSegment = errors.New("viewer: unknown segment")

// maxRenderDim caps the offscreen frame buffer; larger surfaces are
// rendered at the cap and scaled up at presentation.
const maxRenderDim = 1024

// RenderMode selects between cross-section slicing and 3D ray casting.
type RenderMode int

const (
	ModeMPR RenderMode = iota
	ModeVolume
)

// Engine owns the shared state behind every view. Construction fails when
// the device cannot be brought up; that tier is fatal by design.
type Engine struct {
	cfg     *config.Config
	dev     *device.Device
	store   *volume.Store
	cache   *overlay.TextureCache
	overlay *overlay.Renderer
	sync    *crosshair.Synchronizer

	mu    sync.Mutex
	views map[string]*View
}

// NewEngine builds an engine from cfg (nil means defaults).
func NewEngine(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("viewer: %w", err)
	}

	dev, err := device.New(cfg.Engine.Workers, int64(cfg.Engine.TextureBudgetMB)*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("viewer: %w", err)
	}

	store := volume.NewStore(dev)
	cache, err := overlay.NewTextureCache(dev, cfg.Engine.CacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("viewer: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		dev:     dev,
		store:   store,
		cache:   cache,
		overlay: overlay.NewRenderer(store, dev, cache),
		sync:    crosshair.NewSynchronizer(),
		views:   make(map[string]*View),
	}, nil
}

// Store returns the shared volume store.
func (e *Engine) Store() *volume.Store { return e.store }

// Device returns the shared compute device.
func (e *Engine) Device() *device.Device { return e.dev }

// Synchronizer returns the crosshair synchronizer.
func (e *Engine) Synchronizer() *crosshair.Synchronizer { return e.sync }

// LoadDataset replaces the active series. Overlay caches and statistics
// from the previous series are dropped.
func (e *Engine) LoadDataset(ds *models.VolumeDataset) error {
	if _, err := e.store.Load(ds); err != nil {
		return err
	}
	e.overlay.DropCaches()
	return nil
}

// NewView creates and registers a view slicing along axis. The view's
// window defaults to the loaded modality's preset and its transfer
// function to the configured default.
func (e *Engine) NewView(id string, axis models.Axis) (*View, error) {
	if !axis.Valid() {
		return nil, fmt.Errorf("%w: axis %d", mpr.ErrInvalidPlane, int(axis))
	}

	v := &View{
		id:     id,
		engine: e,
		slicer: mpr.NewSlicer(e.store, e.dev, e.cfg.Display.CrosshairRadius),
		tfe:    transfer.NewEngine(e.dev, e.cfg.Engine.LUTResolution),
		caster: raycast.NewCaster(e.store, e.dev, e.cfg.Engine.RayStepSize),
		params: models.DefaultRenderParameters(),
		camera: raycast.DefaultCamera(),
		masks:  make(map[int]*models.SegmentationMask),
	}
	v.init(axis)

	e.mu.Lock()
	e.views[id] = v
	e.mu.Unlock()

	e.sync.Register(id, axis, v.setCrosshairFromPeer)
	return v, nil
}

// HandleMemoryPressure synchronously drops every cached texture the engine
// can rebuild: segmentation textures, statistics and transfer-function
// tables. The next render recreates them at the cost of one stall.
func (e *Engine) HandleMemoryPressure() {
	e.overlay.DropCaches()
	e.mu.Lock()
	views := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		views = append(views, v)
	}
	e.mu.Unlock()
	for _, v := range views {
		v.tfe.Drop()
	}
}

// Close releases the engine's views and the loaded volume.
func (e *Engine) Close() {
	e.mu.Lock()
	views := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		views = append(views, v)
	}
	e.views = make(map[string]*View)
	e.mu.Unlock()

	for _, v := range views {
		v.close()
	}
	e.overlay.DropCaches()
	e.store.Release(e.store.Handle())
}

// View is one viewport. Setters are synchronous validate-and-store and
// never block; Render reads a parameter snapshot taken at frame start, so
// changes issued mid-frame land on the next frame (eventually consistent
// within one frame).
type View struct {
	id     string
	engine *Engine
	slicer *mpr.Slicer
	tfe    *transfer.Engine
	caster *raycast.Caster

	mu     sync.Mutex
	params models.RenderParameters
	mode   RenderMode
	camera raycast.Camera
	masks  map[int]*models.SegmentationMask
	frame  *image.RGBA
}

func (v *View) init(axis models.Axis) {
	_ = v.slicer.SetPlane(models.OrthogonalPlane(axis, 0))

	if ds := v.engine.store.Dataset(); ds != nil {
		p := v.engine.cfg.WindowPresetFor(ds.Modality)
		v.params.WindowCenter = p.Center
		v.params.WindowWidth = p.Width
	}
	v.params.AdaptiveStrength = v.engine.cfg.Display.AdaptiveStrength

	_ = v.tfe.SetPreset(v.engine.cfg.Display.DefaultPreset)
}

// ID returns the view identifier.
func (v *View) ID() string { return v.id }

// SetPlane validates and activates a slicing plane; on error the previous
// plane stays active.
func (v *View) SetPlane(p models.SlicePlane) error {
	if err := v.slicer.SetPlane(p); err != nil {
		return err
	}
	if p.Kind == models.PlaneOrthogonal || p.Kind == models.PlaneThickSlab {
		v.engine.sync.Register(v.id, p.Axis, v.setCrosshairFromPeer)
	}
	return nil
}

// SetSliceIndex moves to index, clamped to the valid range; the effective
// index is returned.
func (v *View) SetSliceIndex(index int) int {
	return v.slicer.SetSliceIndex(index)
}

// SetWindowLevel validates and stores a window center/width pair in the
// normalized display domain.
func (v *View) SetWindowLevel(center, width float64) error {
	if err := transfer.ValidateWindow(center, width); err != nil {
		return err
	}
	v.mu.Lock()
	v.params.WindowCenter = center
	v.params.WindowWidth = width
	v.mu.Unlock()
	return nil
}

// SetZoom stores a magnification factor; must be > 0.
func (v *View) SetZoom(zoom float64) error {
	if zoom <= 0 {
		return fmt.Errorf("%w: zoom %g must be > 0", transfer.ErrInvalidParameter, zoom)
	}
	v.mu.Lock()
	v.params.Zoom = zoom
	v.mu.Unlock()
	return nil
}

// SetPan stores the pan offset in normalized slice units.
func (v *View) SetPan(x, y float64) {
	v.mu.Lock()
	v.params.PanX, v.params.PanY = x, y
	v.mu.Unlock()
}

// SetRotation stores the in-plane rotation in radians.
func (v *View) SetRotation(radians float64) {
	v.mu.Lock()
	v.params.Rotation = radians
	v.mu.Unlock()
}

// SetFlip stores the horizontal/vertical flip flags.
func (v *View) SetFlip(horizontal, vertical bool) {
	v.mu.Lock()
	v.params.FlipHorizontal = horizontal
	v.params.FlipVertical = vertical
	v.mu.Unlock()
}

// SetAdaptiveStrength stores the adaptive-windowing blend in [0,1].
func (v *View) SetAdaptiveStrength(strength float64) error {
	if strength < 0 || strength > 1 {
		return fmt.Errorf("%w: adaptive strength %g outside [0,1]", transfer.ErrInvalidParameter, strength)
	}
	v.mu.Lock()
	v.params.AdaptiveStrength = strength
	v.mu.Unlock()
	return nil
}

// SetCrosshairEnabled toggles crosshair painting.
func (v *View) SetCrosshairEnabled(enabled bool) {
	v.mu.Lock()
	v.params.CrosshairEnabled = enabled
	v.mu.Unlock()
}

// SetCrosshairPosition moves this view's crosshair and broadcasts the
// corresponding world position to every sibling view. The originating view
// is set directly here and skipped by the broadcast, so no feedback loop
// can form.
func (v *View) SetCrosshairPosition(u, w float64) {
	u = clamp01(u)
	w = clamp01(w)

	v.mu.Lock()
	v.params.CrosshairX = u
	v.params.CrosshairY = w
	v.mu.Unlock()

	ex, ey, ez, err := v.engine.store.WorldExtent()
	if err != nil {
		return
	}
	wx, wy, wz := v.planeToWorld(u, w, ex, ey, ez)
	v.engine.sync.Broadcast(wx, wy, wz, ex, ey, ez, v.id)
}

// setCrosshairFromPeer applies a broadcast position without rebroadcasting.
func (v *View) setCrosshairFromPeer(u, w float64) {
	v.mu.Lock()
	v.params.CrosshairX = clamp01(u)
	v.params.CrosshairY = clamp01(w)
	v.mu.Unlock()
}

// planeToWorld lifts this view's plane coordinate to a world position in
// mm, using the current slice position along the slicing axis.
func (v *View) planeToWorld(u, w, ex, ey, ez float64) (wx, wy, wz float64) {
	plane := v.slicer.Plane()
	total := v.slicer.TotalSlices()
	depth := 0.5
	if total > 1 {
		depth = float64(plane.Index) / float64(total-1)
	}
	switch plane.Axis {
	case models.AxisSagittal:
		return depth * ex, u * ey, w * ez
	case models.AxisCoronal:
		return u * ex, depth * ey, w * ez
	default:
		return u * ex, w * ey, depth * ez
	}
}

// SetRenderMode switches between MPR slicing and 3D ray casting.
func (v *View) SetRenderMode(mode RenderMode) {
	v.mu.Lock()
	v.mode = mode
	v.mu.Unlock()
}

// SetCamera stores the ray-casting camera.
func (v *View) SetCamera(cam raycast.Camera) {
	v.mu.Lock()
	v.camera = cam
	v.mu.Unlock()
}

// SetTransferFunction binds a transfer function; invalid functions are
// rejected with the previous one retained.
func (v *View) SetTransferFunction(fn transfer.Function) error {
	return v.tfe.SetFunction(fn)
}

// SetTransferPreset binds a named preset transfer function.
func (v *View) SetTransferPreset(name string) error {
	return v.tfe.SetPreset(name)
}

// AddMask registers a segmentation mask with the view.
func (v *View) AddMask(mask *models.SegmentationMask) error {
	if err := mask.Validate(); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	v.mu.Lock()
	v.masks[mask.SegmentID] = mask
	v.mu.Unlock()
	v.engine.overlay.InvalidateStatistics()
	return nil
}

// SetSegmentVisibility updates a segment's visibility and opacity.
func (v *View) SetSegmentVisibility(segmentID int, visible bool, opacity float64) error {
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("%w: opacity %g outside [0,1]", transfer.ErrInvalidParameter, opacity)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.masks[segmentID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownSegment, segmentID)
	}
	m.Visible = visible
	m.Opacity = opacity
	return nil
}

// PreloadOverlays eagerly populates the overlay texture cache for slices
// around the current index, ahead of user navigation. Intended to run on a
// background goroutine; cache access is synchronized.
func (v *View) PreloadOverlays(ctx context.Context, radius int) error {
	v.mu.Lock()
	masks := make([]*models.SegmentationMask, 0, len(v.masks))
	for _, m := range v.masks {
		masks = append(masks, m)
	}
	v.mu.Unlock()
	if len(masks) == 0 {
		return nil
	}

	plane := v.slicer.Plane()
	total := v.slicer.TotalSlices()
	var slices []int
	for z := plane.Index - radius; z <= plane.Index+radius; z++ {
		if z >= 0 && z < total {
			slices = append(slices, z)
		}
	}
	return v.engine.cache.Preload(ctx, masks, plane.Axis, slices)
}

// Render produces one frame onto surface. Per-frame parameters are
// snapshotted here; rendering degrades to an error frame rather than
// returning configuration errors, and the only error surfaced is context
// cancellation.
func (v *View) Render(ctx context.Context, surface *image.RGBA) error {
	// Tables dropped under memory pressure are rebuilt lazily, costing
	// this one frame a stall.
	_ = v.tfe.Rebuild()

	v.mu.Lock()
	params := v.params
	mode := v.mode
	cam := v.camera
	masks := make([]*models.SegmentationMask, 0, len(v.masks))
	for _, m := range v.masks {
		masks = append(masks, m)
	}
	v.mu.Unlock()

	sb := surface.Bounds()
	rw, rh := renderSize(sb.Dx(), sb.Dy())
	frame := v.frameBuffer(rw, rh)

	var err error
	switch mode {
	case ModeVolume:
		err = v.caster.Render(ctx, frame, cam, params, v.tfe)
	default:
		err = v.slicer.Render(ctx, frame, params, v.tfe)
		if err == nil && len(masks) > 0 {
			// Overlays only register over axis-aligned slices; oblique
			// and curved planes have no per-axis mask cross-section.
			plane := v.slicer.Plane()
			if plane.Kind == models.PlaneOrthogonal || plane.Kind == models.PlaneThickSlab {
				err = v.engine.overlay.Composite(ctx, frame, masks, plane.Axis, plane.Index, params)
			}
		}
	}
	if err != nil {
		return err
	}

	present(surface, frame)
	return nil
}

// Parameters returns a snapshot of the view's render parameters.
func (v *View) Parameters() models.RenderParameters {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params
}

// SliceInfo returns a read-only snapshot for UI labels.
func (v *View) SliceInfo() models.SliceInfo {
	v.mu.Lock()
	params := v.params
	v.mu.Unlock()

	plane := v.slicer.Plane()
	total := v.slicer.TotalSlices()

	info := models.SliceInfo{
		PlaneName:    plane.Name(),
		SliceNumber:  plane.Index + 1,
		TotalSlices:  total,
		WindowCenter: params.WindowCenter,
		WindowWidth:  params.WindowWidth,
	}

	if ds := v.engine.store.Dataset(); ds != nil {
		info.SpacingX, info.SpacingY, info.SpacingZ = ds.SpacingX, ds.SpacingY, ds.SpacingZ
		ex, ey, ez := ds.WorldExtent()
		info.WorldX, info.WorldY, info.WorldZ = v.planeToWorld(params.CrosshairX, params.CrosshairY, ex, ey, ez)
	}
	return info
}

// ComputeStatistics computes whole-volume ROI statistics for a segment.
// It blocks until done; UI callers should prefer ComputeStatisticsAsync.
func (v *View) ComputeStatistics(segmentID int) (models.ROIStatistics, error) {
	v.mu.Lock()
	m, ok := v.masks[segmentID]
	v.mu.Unlock()
	if !ok {
		return models.ROIStatistics{}, fmt.Errorf("%w: id %d", ErrUnknownSegment, segmentID)
	}
	return v.engine.overlay.VolumeStatistics(m)
}

// StatisticsResult delivers an async statistics computation.
type StatisticsResult struct {
	Stats models.ROIStatistics
	Err   error
}

// ComputeStatisticsAsync runs ComputeStatistics on a background goroutine
// and delivers the result on the returned channel, keeping the blocking
// wait off the UI thread.
func (v *View) ComputeStatisticsAsync(segmentID int) <-chan StatisticsResult {
	ch := make(chan StatisticsResult, 1)
	go func() {
		stats, err := v.ComputeStatistics(segmentID)
		ch <- StatisticsResult{Stats: stats, Err: err}
	}()
	return ch
}

func (v *View) close() {
	v.engine.sync.Unregister(v.id)
	v.tfe.Drop()
}

func (v *View) frameBuffer(w, h int) *image.RGBA {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil || v.frame.Bounds().Dx() != w || v.frame.Bounds().Dy() != h {
		v.frame = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	return v.frame
}

// renderSize caps the offscreen resolution while preserving aspect.
func renderSize(w, h int) (int, int) {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	if w <= maxRenderDim && h <= maxRenderDim {
		return w, h
	}
	if w >= h {
		return maxRenderDim, maxInt(1, h*maxRenderDim/w)
	}
	return maxInt(1, w*maxRenderDim/h), maxRenderDim
}

// present blits the frame buffer to the surface, scaling when the sizes
// differ.
func present(surface, frame *image.RGBA) {
	if surface.Bounds().Size() == frame.Bounds().Size() {
		xdraw.Copy(surface, surface.Bounds().Min, frame, frame.Bounds(), xdraw.Src, nil)
		return
	}
	xdraw.ApproxBiLinear.Scale(surface, surface.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
