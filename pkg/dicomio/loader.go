// Package dicomio imports a DICOM series from disk into a VolumeDataset.
// It is the thin boundary to the otherwise-external import subsystem: one
// file per slice, sorted into anatomical order, stacked into the volume
// grid with the rescale and spacing metadata the engine needs. Pixel data
// must be native (uncompressed); transfer-syntax decompression is out of
// scope.
package dicomio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"voxelview/internal/models"
)

// ErrEmptySeries is returned when the directory contains no DICOM files.
var ErrEmptySeries = errors.New("dicomio: no DICOM files in series directory")

type sliceFile struct {
	path     string
	instance int
	rows     int
	cols     int
	pixels   []float64
}

// LoadSeries reads every .dcm file under dir, orders the slices by
// InstanceNumber (falling back to numbers embedded in the filename) and
// stacks them into a VolumeDataset. All slices must share one dimension.
func LoadSeries(dir string) (*models.VolumeDataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dicomio: reading series directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".dcm" || ext == ".dicom" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, ErrEmptySeries
	}

	var (
		slices   []sliceFile
		meta     seriesMetadata
		metaRead bool
	)
	for _, path := range paths {
		sl, m, err := readSlice(path)
		if err != nil {
			return nil, fmt.Errorf("dicomio: %s: %w", filepath.Base(path), err)
		}
		if !metaRead {
			meta = m
			metaRead = true
		}
		slices = append(slices, sl)
	}

	// InstanceNumber gives the anatomical order; ties and missing values
	// fall back to file order, which ReadDir already sorted by name.
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].instance < slices[j].instance
	})

	rows, cols := slices[0].rows, slices[0].cols
	for _, sl := range slices {
		if sl.rows != rows || sl.cols != cols {
			return nil, fmt.Errorf("dicomio: %s is %dx%d, series is %dx%d",
				filepath.Base(sl.path), sl.cols, sl.rows, cols, rows)
		}
	}

	depth := len(slices)
	samples := make([]float64, cols*rows*depth)
	lo, hi := math.Inf(1), math.Inf(-1)
	for z, sl := range slices {
		copy(samples[z*cols*rows:], sl.pixels)
		for _, v := range sl.pixels {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	ds := &models.VolumeDataset{
		ID:               filepath.Base(dir),
		Samples:          samples,
		Width:            cols,
		Height:           rows,
		Depth:            depth,
		SpacingX:         meta.spacingX,
		SpacingY:         meta.spacingY,
		SpacingZ:         meta.spacingZ,
		ValueMin:         lo,
		ValueMax:         hi,
		RescaleSlope:     meta.rescaleSlope,
		RescaleIntercept: meta.rescaleIntercept,
		Modality:         meta.modality,
		BitsStored:       meta.bitsStored,
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dicomio: %w", err)
	}
	return ds, nil
}

type seriesMetadata struct {
	spacingX, spacingY, spacingZ   float64
	rescaleSlope, rescaleIntercept float64
	modality                       string
	bitsStored                     int
}

func readSlice(path string) (sliceFile, seriesMetadata, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return sliceFile{}, seriesMetadata{}, err
	}

	meta := seriesMetadata{
		spacingX:     1,
		spacingY:     1,
		spacingZ:     1,
		rescaleSlope: 1,
		modality:     firstString(&dataset, tag.Modality),
		bitsStored:   int(firstFloat(&dataset, tag.BitsStored, 16)),
	}

	if spacing := floatList(&dataset, tag.PixelSpacing); len(spacing) >= 2 {
		// PixelSpacing is row spacing then column spacing.
		meta.spacingY = spacing[0]
		meta.spacingX = spacing[1]
	}
	if between := firstFloat(&dataset, tag.SpacingBetweenSlices, 0); between > 0 {
		meta.spacingZ = between
	} else if thickness := firstFloat(&dataset, tag.SliceThickness, 0); thickness > 0 {
		meta.spacingZ = thickness
	}
	if slope := firstFloat(&dataset, tag.RescaleSlope, 1); slope != 0 {
		meta.rescaleSlope = slope
	}
	meta.rescaleIntercept = firstFloat(&dataset, tag.RescaleIntercept, 0)

	sl := sliceFile{
		path:     path,
		instance: int(firstFloat(&dataset, tag.InstanceNumber, 0)),
	}

	pixelEl, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return sliceFile{}, seriesMetadata{}, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixelEl.Value)
	if len(info.Frames) == 0 {
		return sliceFile{}, seriesMetadata{}, errors.New("pixel data has no frames")
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return sliceFile{}, seriesMetadata{}, fmt.Errorf("native frame: %w", err)
	}

	sl.rows = native.Rows
	sl.cols = native.Cols
	sl.pixels = make([]float64, native.Rows*native.Cols)
	for i, px := range native.Data {
		if i >= len(sl.pixels) || len(px) == 0 {
			break
		}
		sl.pixels[i] = float64(px[0])
	}

	if sl.instance == 0 {
		sl.instance = numberFromFilename(path)
	}
	return sl, meta, nil
}

// firstString returns the first string value of a tag, or "".
func firstString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if ss, ok := el.Value.GetValue().([]string); ok && len(ss) > 0 {
		return strings.TrimSpace(ss[0])
	}
	return ""
}

// firstFloat returns the first numeric value of a tag; DICOM stores many
// numbers as decimal or integer strings, so all three encodings are
// accepted.
func firstFloat(ds *dicom.Dataset, t tag.Tag, fallback float64) float64 {
	vals := floatList(ds, t)
	if len(vals) == 0 {
		return fallback
	}
	return vals[0]
}

func floatList(ds *dicom.Dataset, t tag.Tag) []float64 {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out
	case []string:
		var out []float64
		for _, s := range v {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}

// numberFromFilename extracts the digits of a filename, the same ordering
// fallback used for plain image stacks.
func numberFromFilename(path string) int {
	base := filepath.Base(path)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, base)
	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}
