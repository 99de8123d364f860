// Package config provides configuration loading and management for voxelview.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// WindowPreset is a default window center/width pair in the normalized
// [0,1] display domain, keyed by modality.
type WindowPreset struct {
	Center float64 `yaml:"center"`
	Width  float64 `yaml:"width"`
}

// Config represents the engine configuration loaded from YAML.
type Config struct {
	// Engine parameters
	Engine struct {
		// Workers is the number of goroutines used for per-pixel render
		// passes.
		Workers int `yaml:"workers"`

		// TextureBudgetMB bounds the total texture memory the device
		// will allocate.
		TextureBudgetMB int `yaml:"textureBudgetMB"`

		// LUTResolution is the entry count of resolved transfer-function
		// lookup tables.
		LUTResolution int `yaml:"lutResolution"`

		// RayStepSize is the ray-march step in unit-box units; smaller
		// is slower and higher quality.
		RayStepSize float64 `yaml:"rayStepSize"`

		// CacheCapacity bounds the segmentation texture cache, in
		// entries.
		CacheCapacity int `yaml:"cacheCapacity"`
	} `yaml:"engine"`

	// Display parameters
	Display struct {
		// DefaultPreset names the transfer-function preset bound when a
		// view is created.
		DefaultPreset string `yaml:"defaultPreset"`

		// CrosshairRadius is the half-length of the crosshair lines in
		// output pixels.
		CrosshairRadius int `yaml:"crosshairRadius"`

		// AdaptiveStrength is the default adaptive-windowing blend.
		AdaptiveStrength float64 `yaml:"adaptiveStrength"`
	} `yaml:"display"`

	// Windowing holds default window presets keyed by modality string.
	Windowing struct {
		Presets map[string]WindowPreset `yaml:"presets"`
	} `yaml:"windowing"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Workers = runtime.NumCPU()
	cfg.Engine.TextureBudgetMB = 512
	cfg.Engine.LUTResolution = 512
	cfg.Engine.RayStepSize = 0.004
	cfg.Engine.CacheCapacity = 64

	cfg.Display.DefaultPreset = "grayscale"
	cfg.Display.CrosshairRadius = 12
	cfg.Display.AdaptiveStrength = 0.0

	// CT values follow the common scanner console soft-tissue preset,
	// normalized to the [0,1] display domain.
	cfg.Windowing.Presets = map[string]WindowPreset{
		"CT":      {Center: 0.5, Width: 0.35},
		"MR":      {Center: 0.5, Width: 0.8},
		"default": {Center: 0.5, Width: 1.0},
	}

	return cfg
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.TextureBudgetMB <= 0 {
		return fmt.Errorf("engine.textureBudgetMB must be positive, got %d", c.Engine.TextureBudgetMB)
	}
	if c.Engine.LUTResolution < 2 {
		return fmt.Errorf("engine.lutResolution must be at least 2, got %d", c.Engine.LUTResolution)
	}
	if c.Engine.RayStepSize <= 0 {
		return fmt.Errorf("engine.rayStepSize must be positive, got %g", c.Engine.RayStepSize)
	}
	if c.Engine.CacheCapacity <= 0 {
		return fmt.Errorf("engine.cacheCapacity must be positive, got %d", c.Engine.CacheCapacity)
	}
	for modality, p := range c.Windowing.Presets {
		if p.Width <= 0 {
			return fmt.Errorf("windowing preset %q has non-positive width %g", modality, p.Width)
		}
	}
	return nil
}

// WindowPresetFor returns the window preset for a modality, falling back to
// the "default" preset when the modality is unknown.
func (c *Config) WindowPresetFor(modality string) WindowPreset {
	if p, ok := c.Windowing.Presets[modality]; ok {
		return p
	}
	if p, ok := c.Windowing.Presets["default"]; ok {
		return p
	}
	return WindowPreset{Center: 0.5, Width: 1.0}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
