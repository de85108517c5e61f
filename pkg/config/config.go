// Package config provides configuration loading and management for medfuse.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"medfuse/pkg/features"
	"medfuse/pkg/interpolation"
	"medfuse/pkg/procrustes"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fusion parameters
	Fusion struct {
		// TapDepths are the feature layers whose saliency drives the weights
		TapDepths []int `yaml:"tapDepths"`

		// Interpolation resamples saliency maps to image size: nearest or bilinear
		Interpolation string `yaml:"interpolation"`

		// NumWorkers limits the row bands a convolution computes in parallel
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"fusion"`

	// Feature network parameters
	Network struct {
		// WeightsFile holds trained convolution weights; empty selects the
		// built-in filter bank
		WeightsFile string `yaml:"weightsFile"`
	} `yaml:"network"`

	// Landmark registration parameters
	Registration struct {
		// Scaling fits a scale factor in addition to rotation and translation
		Scaling bool `yaml:"scaling"`

		// Reflection is one of best, true or false
		Reflection string `yaml:"reflection"`
	} `yaml:"registration"`

	// Segmentation parameters
	Segmentation struct {
		// Enabled writes a segmented copy of the fused image
		Enabled bool `yaml:"enabled"`
	} `yaml:"segmentation"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save intermediary processing results
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where intermediary results are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Annotate draws the plane name onto intermediary results
		Annotate bool `yaml:"annotate"`

		// JPEGQuality applies to JPEG output files
		JPEGQuality int `yaml:"jpegQuality"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default fusion parameters
	cfg.Fusion.TapDepths = append([]int(nil), features.DefaultTapDepths...)
	cfg.Fusion.Interpolation = interpolation.Nearest.String()
	cfg.Fusion.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default registration parameters
	cfg.Registration.Scaling = true
	cfg.Registration.Reflection = procrustes.ReflectionBest.String()

	// Set default output parameters
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary"
	cfg.Output.JPEGQuality = 95
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks that every value can be used as configured
func (c *Config) Validate() error {
	if len(c.Fusion.TapDepths) == 0 {
		return fmt.Errorf("fusion.tapDepths must not be empty")
	}
	for _, d := range c.Fusion.TapDepths {
		if d < 0 || d >= features.NumLayers() {
			return fmt.Errorf("fusion.tapDepths: %d outside [0,%d]", d, features.NumLayers()-1)
		}
	}
	if _, err := interpolation.ParseMethod(c.Fusion.Interpolation); err != nil {
		return fmt.Errorf("fusion.interpolation: %w", err)
	}
	if c.Fusion.NumWorkers < 0 {
		return fmt.Errorf("fusion.numWorkers must not be negative")
	}
	if _, err := procrustes.ParseReflection(c.Registration.Reflection); err != nil {
		return fmt.Errorf("registration.reflection: %w", err)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpegQuality %d outside [1,100]", c.Output.JPEGQuality)
	}
	if c.Output.SaveIntermediaryResults && c.Output.IntermediaryDir == "" {
		return fmt.Errorf("output.intermediaryDir is required when saving intermediary results")
	}
	return nil
}

// LoadConfig reads a YAML configuration on top of the defaults. A missing
// or empty file yields the defaults; unknown keys are rejected so that a
// misspelt option does not silently fall back to its default.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating parent directories as needed
func SaveConfig(cfg *Config, configPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("error closing config file: %w", cerr)
		}
	}()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	return enc.Close()
}

// CreateDefaultConfigFile writes the default configuration to configPath
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
