// Package config provides configuration loading and management for historeg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"historeg/pkg/lddmm"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Atlas parameters
	Atlas struct {
		// Dir is the directory holding the reference volume, the label
		// volume and the region names table
		Dir string `yaml:"dir"`
	} `yaml:"atlas"`

	// Registration parameters, the defaults each target starts from
	Registration struct {
		// Preset selects the default optimization effort:
		// very-slow, slow, medium, fast or skip
		Preset string `yaml:"preset"`

		// Params are the deformable registration defaults; a target's
		// preset overrides the iteration count
		Params lddmm.Params `yaml:"params"`
	} `yaml:"registration"`

	// Output parameters
	Output struct {
		// Dir is the directory results are written into, one subdirectory
		// per target
		Dir string `yaml:"dir"`

		// OverlayFillAlpha is the opacity of region fills in the overlay
		// rendering, in [0, 1]
		OverlayFillAlpha float64 `yaml:"overlayFillAlpha"`

		// OverlayLineWidth is the outline stroke width in pixels
		OverlayLineWidth float64 `yaml:"overlayLineWidth"`

		// SaveTransforms determines whether the optimized transform of each
		// target is written alongside its segmentation
		SaveTransforms bool `yaml:"saveTransforms"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Registration.Preset = "medium"
	cfg.Registration.Params = lddmm.DefaultParams()

	cfg.Output.Dir = "results"
	cfg.Output.OverlayFillAlpha = 0.35
	cfg.Output.OverlayLineWidth = 1
	cfg.Output.SaveTransforms = true
	cfg.Output.Verbose = true

	return cfg
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
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (cfg *Config) Validate() error {
	if cfg.Registration.Preset != "" {
		if _, err := lddmm.PresetIterations(cfg.Registration.Preset); err != nil {
			return err
		}
	}
	if err := cfg.Registration.Params.Validate(); err != nil {
		return err
	}
	if cfg.Output.OverlayFillAlpha < 0 || cfg.Output.OverlayFillAlpha > 1 {
		return fmt.Errorf("overlayFillAlpha %f outside [0, 1]", cfg.Output.OverlayFillAlpha)
	}
	if cfg.Output.OverlayLineWidth <= 0 {
		return fmt.Errorf("overlayLineWidth must be > 0, got %f", cfg.Output.OverlayLineWidth)
	}
	return nil
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
