package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"voxelview/internal/models"
	"voxelview/pkg/config"
	"voxelview/pkg/dicomio"
	"voxelview/pkg/viewer"
)

func main() {
	inputDir := flag.String("input", "", "Directory containing a DICOM series (.dcm files)")
	configPath := flag.String("config", "voxelview.yaml", "Path to the engine configuration file")
	outputDir := flag.String("output", "rendered", "Directory for rendered PNG output")
	sliceIndex := flag.Int("index", -1, "Slice index to render (default: middle slice)")
	size := flag.Int("size", 512, "Output image size in pixels")
	preset := flag.String("preset", "", "Transfer function preset (grayscale, hot-metal, rainbow, bone)")
	windowCenter := flag.Float64("center", -1, "Window center in the normalized [0,1] domain")
	windowWidth := flag.Float64("width", -1, "Window width in the normalized [0,1] domain")
	rayCast := flag.Bool("raycast", false, "Also render a 3D ray-cast frame")
	exportAxes := flag.Bool("extract-slices", false, "Export the full slice sequence along all three axes")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("VOXELVIEW VOLUME SLICING AND RENDERING ENGINE")
	fmt.Println("================================")

	// Step 1: Load the volume.
	fmt.Println("Step 1: Loading volume...")
	var dataset *models.VolumeDataset
	if *inputDir != "" {
		dataset, err = dicomio.LoadSeries(*inputDir)
		if err != nil {
			log.Fatalf("Failed to load DICOM series: %v", err)
		}
	} else {
		fmt.Println("No input directory given, generating synthetic volume...")
		dataset = syntheticVolume()
	}
	fmt.Printf("Loaded volume %dx%dx%d, spacing (%.2f, %.2f, %.2f) mm, modality %q\n",
		dataset.Width, dataset.Height, dataset.Depth,
		dataset.SpacingX, dataset.SpacingY, dataset.SpacingZ, dataset.Modality)

	// Step 2: Bring up the engine.
	fmt.Println("Step 2: Initializing render engine...")
	engine, err := viewer.NewEngine(cfg)
	if err != nil {
		log.Fatalf("Engine initialization failed: %v", err)
	}
	defer engine.Close()

	if err := engine.LoadDataset(dataset); err != nil {
		log.Fatalf("Volume upload failed: %v", err)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	// Step 3: Render one slice per axis.
	fmt.Println("Step 3: Rendering orthogonal slices...")
	start := time.Now()
	ctx := context.Background()

	for _, axis := range []models.Axis{models.AxisAxial, models.AxisSagittal, models.AxisCoronal} {
		view, err := engine.NewView(fmt.Sprintf("cli-%s", axis), axis)
		if err != nil {
			log.Fatalf("Failed to create %s view: %v", axis, err)
		}

		idx := *sliceIndex
		if idx < 0 {
			idx = view.SliceInfo().TotalSlices / 2
		}
		view.SetSliceIndex(idx)

		if *preset != "" {
			if err := view.SetTransferPreset(*preset); err != nil {
				log.Fatalf("Unknown transfer preset %q", *preset)
			}
		}
		if *windowCenter >= 0 && *windowWidth > 0 {
			if err := view.SetWindowLevel(*windowCenter, *windowWidth); err != nil {
				log.Fatalf("Invalid window: %v", err)
			}
		}

		surface := image.NewRGBA(image.Rect(0, 0, *size, *size))
		if err := view.Render(ctx, surface); err != nil {
			log.Fatalf("Render failed: %v", err)
		}

		info := view.SliceInfo()
		name := filepath.Join(*outputDir, fmt.Sprintf("%s_%03d.png", info.PlaneName, info.SliceNumber-1))
		if err := writePNG(name, surface); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
		fmt.Printf("  %s slice %d/%d -> %s\n", info.PlaneName, info.SliceNumber, info.TotalSlices, name)

		if *exportAxes {
			if err := exportSequence(ctx, view, *outputDir, info.PlaneName, *size); err != nil {
				log.Printf("Warning: slice export for %s failed: %v", info.PlaneName, err)
			}
		}
	}

	// Step 4: Optional 3D rendering.
	if *rayCast {
		fmt.Println("Step 4: Ray casting 3D frame...")
		view, err := engine.NewView("cli-3d", models.AxisAxial)
		if err != nil {
			log.Fatalf("Failed to create 3D view: %v", err)
		}
		view.SetRenderMode(viewer.ModeVolume)
		if *preset == "" {
			// Opacity ramps matter for ray casting; grayscale saturates.
			_ = view.SetTransferPreset("hot-metal")
		}

		surface := image.NewRGBA(image.Rect(0, 0, *size, *size))
		if err := view.Render(ctx, surface); err != nil {
			log.Fatalf("Ray cast failed: %v", err)
		}
		name := filepath.Join(*outputDir, "volume.png")
		if err := writePNG(name, surface); err != nil {
			log.Fatalf("Failed to write %s: %v", name, err)
		}
		fmt.Printf("  3D frame -> %s\n", name)
	}

	fmt.Printf("\nDone in %.2f seconds, output in %s\n", time.Since(start).Seconds(), *outputDir)
}

// exportSequence renders every slice along the view's axis.
func exportSequence(ctx context.Context, view *viewer.View, outputDir, planeName string, size int) error {
	dir := filepath.Join(outputDir, planeName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	total := view.SliceInfo().TotalSlices
	surface := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < total; i++ {
		view.SetSliceIndex(i)
		if err := view.Render(ctx, surface); err != nil {
			return err
		}
		name := filepath.Join(dir, fmt.Sprintf("slice_%03d.png", i))
		if err := writePNG(name, surface); err != nil {
			return err
		}
	}
	fmt.Printf("  exported %d %s slices to %s\n", total, planeName, dir)
	return nil
}

func writePNG(name string, img image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// syntheticVolume builds a demo dataset: a soft radial gradient with a
// bright embedded sphere, so every plane and the ray caster have visible
// structure.
func syntheticVolume() *models.VolumeDataset {
	const w, h, d = 128, 128, 64
	samples := make([]float64, w*h*d)

	cx, cy, cz := float64(w)/2, float64(h)/2, float64(d)/2
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx := (float64(x) - cx) / cx
				dy := (float64(y) - cy) / cy
				dz := (float64(z) - cz) / cz
				r := math.Sqrt(dx*dx + dy*dy + dz*dz)

				v := math.Max(0, 0.6-r*0.4)
				if r < 0.35 {
					v = 0.95
				}
				samples[z*w*h+y*w+x] = v
			}
		}
	}

	return &models.VolumeDataset{
		ID:           "synthetic",
		Samples:      samples,
		Width:        w,
		Height:       h,
		Depth:        d,
		SpacingX:     1,
		SpacingY:     1,
		SpacingZ:     2,
		ValueMax:     0.95,
		RescaleSlope: 1,
		Modality:     "OT",
		BitsStored:   16,
	}
}
