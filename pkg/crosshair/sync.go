// Package crosshair keeps the crosshair position of multiple synchronized
// views consistent: a single 3D world position maps into each registered
// view's slicing plane, and moves broadcast to every view except the one
// that originated them.
package crosshair

import (
	"sync"

	"voxelview/internal/models"
)

// Setter receives a view's new normalized crosshair coordinate.
type Setter func(u, v float64)

type registration struct {
	axis models.Axis
	set  Setter
}

// Synchronizer fans a crosshair move out to sibling views. All updates
// happen synchronously inside Broadcast, so views never visibly disagree
// after the frame that carried the move.
type Synchronizer struct {
	mu    sync.Mutex
	views map[string]registration
}

// NewSynchronizer creates an empty synchronizer.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{views: make(map[string]registration)}
}

// Register adds or replaces a view. axis is the view's slicing axis; set
// is invoked with plane-local coordinates on each broadcast.
func (s *Synchronizer) Register(viewID string, axis models.Axis, set Setter) {
	s.mu.Lock()
	s.views[viewID] = registration{axis: axis, set: set}
	s.mu.Unlock()
}

// Unregister removes a view. Unknown IDs are ignored.
func (s *Synchronizer) Unregister(viewID string) {
	s.mu.Lock()
	delete(s.views, viewID)
	s.mu.Unlock()
}

// WorldToPlane projects a world position in mm onto the plane
// perpendicular to axis, returning normalized [0,1] coordinates: drop the
// slicing axis and divide the remaining two by the volume extents.
func WorldToPlane(wx, wy, wz float64, axis models.Axis, extentX, extentY, extentZ float64) (u, v float64) {
	switch axis {
	case models.AxisSagittal:
		return safeDiv(wy, extentY), safeDiv(wz, extentZ)
	case models.AxisCoronal:
		return safeDiv(wx, extentX), safeDiv(wz, extentZ)
	default:
		return safeDiv(wx, extentX), safeDiv(wy, extentY)
	}
}

// Broadcast maps world onto every registered view's plane and applies the
// result, skipping originID so the view that initiated the move is never
// redundantly updated.
func (s *Synchronizer) Broadcast(wx, wy, wz float64, extentX, extentY, extentZ float64, originID string) {
	s.mu.Lock()
	targets := make(map[string]registration, len(s.views))
	for id, reg := range s.views {
		if id == originID {
			continue
		}
		targets[id] = reg
	}
	s.mu.Unlock()

	for _, reg := range targets {
		u, v := WorldToPlane(wx, wy, wz, reg.axis, extentX, extentY, extentZ)
		reg.set(u, v)
	}
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	v := a / b
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
