// Package config provides configuration loading and management for neuroplot.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Plotting parameters
	Plotting struct {
		// Threshold hides voxels whose absolute value is at or below it
		Threshold float64 `yaml:"threshold"`

		// AutoThreshold picks the threshold from the 80th percentile of |values|
		AutoThreshold bool `yaml:"autoThreshold"`

		// Colormap is one of cold_hot, hot, autumn or gray
		Colormap string `yaml:"colormap"`

		// DisplayMode is ortho, x, y, z, xz, yz or yx
		DisplayMode string `yaml:"displayMode"`

		// Projection draws maximum intensity projections instead of cuts
		Projection bool `yaml:"projection"`

		// Width and Height of the figure in inches
		Width  float64 `yaml:"width"`
		Height float64 `yaml:"height"`

		// Format is the output format used when writing to a stream
		Format string `yaml:"format"`

		Title    string `yaml:"title"`
		Colorbar bool   `yaml:"colorbar"`
		Annotate bool   `yaml:"annotate"`
	} `yaml:"plotting"`

	// Storage parameters
	Storage struct {
		// Mmap opens uncompressed volumes as memory-mapped arrays
		Mmap bool `yaml:"mmap"`

		// ScratchDir is the parent of temporary array files (empty for the system default)
		ScratchDir string `yaml:"scratchDir"`
	} `yaml:"storage"`

	// Analysis parameters for the voxel-based morphometry pipeline
	Analysis struct {
		// NPerm is the number of permutations of the permuted OLS test
		NPerm int `yaml:"nPerm"`

		// NumCores specifies how many CPU cores to use for permutations
		NumCores int `yaml:"numCores"`

		Seed     int64 `yaml:"seed"`
		TwoSided bool  `yaml:"twoSided"`

		// VarianceThreshold zeroes features with a lower between-subject variance
		VarianceThreshold float64 `yaml:"varianceThreshold"`

		// VMin and VMax bound the displayed -log10 p-values
		VMin float64 `yaml:"vmin"`
		VMax float64 `yaml:"vmax"`

		// PickedSlice is the axial slice index shown in the result figure
		PickedSlice int `yaml:"pickedSlice"`

		// MaskStrategy is epi or background
		MaskStrategy string `yaml:"maskStrategy"`
	} `yaml:"analysis"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default plotting parameters
	cfg.Plotting.Threshold = 0.5
	cfg.Plotting.Colormap = "cold_hot"
	cfg.Plotting.DisplayMode = "ortho"
	cfg.Plotting.Width = 9
	cfg.Plotting.Height = 3
	cfg.Plotting.Format = "png"
	cfg.Plotting.Colorbar = true
	cfg.Plotting.Annotate = true

	// Set default storage parameters
	cfg.Storage.Mmap = true

	// Set default analysis parameters
	cfg.Analysis.NPerm = 1000
	cfg.Analysis.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Analysis.TwoSided = true
	cfg.Analysis.VarianceThreshold = 0.01
	cfg.Analysis.VMin = -math.Log10(0.1) // 10% corrected
	cfg.Analysis.VMax = 3
	cfg.Analysis.PickedSlice = 36
	cfg.Analysis.MaskStrategy = "epi"

	// Set default output parameters
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the values that would make plotting or analysis fail
func (c *Config) Validate() error {
	if c.Plotting.Width <= 0 || c.Plotting.Height <= 0 {
		return fmt.Errorf("figure size must be positive, got %gx%g", c.Plotting.Width, c.Plotting.Height)
	}
	if c.Analysis.NPerm < 0 {
		return fmt.Errorf("nPerm must be non-negative, got %d", c.Analysis.NPerm)
	}
	if c.Analysis.VMax <= c.Analysis.VMin {
		return fmt.Errorf("vmax (%g) must be greater than vmin (%g)", c.Analysis.VMax, c.Analysis.VMin)
	}
	switch c.Analysis.MaskStrategy {
	case "epi", "background":
	default:
		return fmt.Errorf("unknown mask strategy %q", c.Analysis.MaskStrategy)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
