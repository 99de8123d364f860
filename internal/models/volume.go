// Package models defines the shared data types of the rendering engine:
// volume datasets, slicing planes, render parameters, segmentation masks
// and region statistics.
package models

import (
	"fmt"
)

// Axis identifies one of the three orthogonal slicing directions.
type Axis int

const (
	// AxisAxial slices perpendicular to the z axis (transverse plane).
	AxisAxial Axis = iota

	// AxisSagittal slices perpendicular to the x axis.
	AxisSagittal

	// AxisCoronal slices perpendicular to the y axis.
	AxisCoronal
)

// String returns the anatomical name of the axis.
func (a Axis) String() string {
	switch a {
	case AxisAxial:
		return "Axial"
	case AxisSagittal:
		return "Sagittal"
	case AxisCoronal:
		return "Coronal"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Valid reports whether the axis is one of the three known directions.
func (a Axis) Valid() bool {
	return a >= AxisAxial && a <= AxisCoronal
}

// VolumeDataset is an immutable-after-load 3D grid of scalar intensity
// samples together with its physical metadata. Samples are stored as a flat
// array in row-major order, indexed z*Width*Height + y*Width + x.
type VolumeDataset struct {
	// ID identifies the loaded series; cache keys include it so that
	// entries from a previously loaded series can never alias.
	ID string

	// Samples holds the raw intensity values, one per voxel.
	Samples []float64

	// Width, Height and Depth are the voxel dimensions, all > 0.
	Width, Height, Depth int

	// SpacingX, SpacingY and SpacingZ are the physical voxel sizes in mm,
	// all > 0.
	SpacingX, SpacingY, SpacingZ float64

	// ValueMin and ValueMax bound the raw sample values.
	ValueMin, ValueMax float64

	// RescaleSlope and RescaleIntercept map raw values to modality units
	// (Hounsfield units for CT): value' = raw*slope + intercept.
	RescaleSlope, RescaleIntercept float64

	// Modality is an opaque hint ("CT", "MR", ...) used only to pick
	// default window presets.
	Modality string

	// BitsStored is the sample bit depth of the source data.
	BitsStored int
}

// Validate checks the structural invariants of the dataset.
func (d *VolumeDataset) Validate() error {
	if d.Width <= 0 || d.Height <= 0 || d.Depth <= 0 {
		return fmt.Errorf("volume dimensions must be positive, got %dx%dx%d", d.Width, d.Height, d.Depth)
	}
	if d.SpacingX <= 0 || d.SpacingY <= 0 || d.SpacingZ <= 0 {
		return fmt.Errorf("voxel spacing must be positive, got (%g, %g, %g)", d.SpacingX, d.SpacingY, d.SpacingZ)
	}
	if want := d.Width * d.Height * d.Depth; len(d.Samples) != want {
		return fmt.Errorf("sample count %d does not match dimensions %dx%dx%d (want %d)",
			len(d.Samples), d.Width, d.Height, d.Depth, want)
	}
	return nil
}

// Dim returns the voxel extent along the given slicing axis.
func (d *VolumeDataset) Dim(axis Axis) int {
	switch axis {
	case AxisSagittal:
		return d.Width
	case AxisCoronal:
		return d.Height
	default:
		return d.Depth
	}
}

// WorldExtent returns the physical size of the volume in mm along each axis.
func (d *VolumeDataset) WorldExtent() (x, y, z float64) {
	return float64(d.Width) * d.SpacingX,
		float64(d.Height) * d.SpacingY,
		float64(d.Depth) * d.SpacingZ
}

// RGBA is a color with straight (non-premultiplied) components in [0,1].
// A doubles as the opacity channel of transfer-function entries.
type RGBA struct {
	R, G, B, A float64
}

// Scaled returns the color with R, G and B multiplied by f.
func (c RGBA) Scaled(f float64) RGBA {
	return RGBA{R: c.R * f, G: c.G * f, B: c.B * f, A: c.A}
}

// SliceInfo is a read-only snapshot of the state of one view, used by the
// UI shell for on-screen labels.
type SliceInfo struct {
	PlaneName   string
	SliceNumber int
	TotalSlices int

	// WorldX, WorldY and WorldZ locate the slice center in mm.
	WorldX, WorldY, WorldZ float64

	SpacingX, SpacingY, SpacingZ float64

	WindowCenter float64
	WindowWidth  float64
}
