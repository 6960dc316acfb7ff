// Package config provides configuration loading and management for babyfwe.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"babyfwe/pkg/fwe"
	"babyfwe/pkg/gradient"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many workers fit voxels in parallel
		NumCores int `yaml:"numCores"`

		// ChunkSize is the number of voxels handed to a worker at a time
		ChunkSize int `yaml:"chunkSize"`

		// Timeout is the wall-clock budget of the fit, e.g. "30m"; zero disables it
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"processing"`

	// Free-water model parameters
	Model struct {
		// Strategy selects the voxel fit: "alternating" or "nonlinear"
		Strategy string `yaml:"strategy"`

		// DIso is the free-water diffusivity in mm²/s
		DIso float64 `yaml:"dIso"`

		FMin float64 `yaml:"fMin"`
		FMax float64 `yaml:"fMax"`

		// Tolerance is the change in f below which a voxel has converged
		Tolerance float64 `yaml:"tolerance"`

		MaxIterations int `yaml:"maxIterations"`
		GridSteps     int `yaml:"gridSteps"`

		// NoiseFloor is the smallest mean b0 signal worth fitting
		NoiseFloor float64 `yaml:"noiseFloor"`

		// MDReg is the single-tensor MD above which a voxel is pure water
		MDReg float64 `yaml:"mdReg"`
	} `yaml:"model"`

	// Gradient table parameters
	Gradient struct {
		// B0Threshold is the largest b-value treated as b0
		B0Threshold float64 `yaml:"b0Threshold"`

		// NormTolerance is the allowed deviation of b-vector norms from 1
		NormTolerance float64 `yaml:"normTolerance"`
	} `yaml:"gradient"`

	// Spatial smoothing parameters
	Smoothing struct {
		Passes int     `yaml:"passes"`
		Radius float64 `yaml:"radius"`
		Weight float64 `yaml:"weight"`
	} `yaml:"smoothing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// WriteTensor controls whether the tensor field is written
		WriteTensor bool `yaml:"writeTensor"`

		// AllowMissingMask falls back to fitting every voxel when the mask
		// cannot be read
		AllowMissingMask bool `yaml:"allowMissingMask"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	opts := fwe.DefaultOptions()

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.ChunkSize = fwe.DefaultChunkSize
	cfg.Processing.Timeout = 0

	// Set default model parameters
	cfg.Model.Strategy = fwe.AlternatingName
	cfg.Model.DIso = opts.DIso
	cfg.Model.FMin = opts.FMin
	cfg.Model.FMax = opts.FMax
	cfg.Model.Tolerance = opts.Tolerance
	cfg.Model.MaxIterations = opts.MaxIterations
	cfg.Model.GridSteps = opts.GridSteps
	cfg.Model.NoiseFloor = opts.NoiseFloor
	cfg.Model.MDReg = opts.MDReg

	cfg.Gradient.B0Threshold = gradient.DefaultB0Threshold
	cfg.Gradient.NormTolerance = gradient.DefaultNormTolerance

	// Smoothing is off unless passes are requested
	cfg.Smoothing.Passes = 0
	cfg.Smoothing.Radius = 1.5
	cfg.Smoothing.Weight = 0.1

	cfg.Output.Verbose = false
	cfg.Output.WriteTensor = true
	cfg.Output.AllowMissingMask = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// ModelOptions converts the model section to fwe.Options
func (c *Config) ModelOptions() fwe.Options {
	return fwe.Options{
		DIso:          c.Model.DIso,
		FMin:          c.Model.FMin,
		FMax:          c.Model.FMax,
		Tolerance:     c.Model.Tolerance,
		MaxIterations: c.Model.MaxIterations,
		GridSteps:     c.Model.GridSteps,
		NoiseFloor:    c.Model.NoiseFloor,
		MDReg:         c.Model.MDReg,
	}
}

// GradientOptions converts the gradient section to table options
func (c *Config) GradientOptions() []gradient.Option {
	return []gradient.Option{
		gradient.WithB0Threshold(c.Gradient.B0Threshold),
		gradient.WithNormTolerance(c.Gradient.NormTolerance),
	}
}

// Validate checks the settings that the fitting packages cannot check
// themselves, then the model options.
func (c *Config) Validate() error {
	switch {
	case c.Processing.ChunkSize < 0:
		return fmt.Errorf("%w: processing.chunkSize must not be negative", ErrInvalidConfig)
	case c.Processing.Timeout < 0:
		return fmt.Errorf("%w: processing.timeout must not be negative", ErrInvalidConfig)
	case c.Gradient.B0Threshold < 0:
		return fmt.Errorf("%w: gradient.b0Threshold must not be negative", ErrInvalidConfig)
	case !(c.Gradient.NormTolerance > 0):
		return fmt.Errorf("%w: gradient.normTolerance must be positive", ErrInvalidConfig)
	case c.Smoothing.Passes < 0:
		return fmt.Errorf("%w: smoothing.passes must not be negative", ErrInvalidConfig)
	case c.Smoothing.Passes > 0 && (!(c.Smoothing.Radius > 0) || !(c.Smoothing.Weight > 0)):
		return fmt.Errorf("%w: smoothing needs a positive radius and weight", ErrInvalidConfig)
	}
	if err := c.ModelOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// FitterParams builds the fitter parameters, constructing the configured
// strategy.
func (c *Config) FitterParams() (*fwe.Params, error) {
	strategy, err := fwe.NewStrategy(c.Model.Strategy, c.ModelOptions())
	if err != nil {
		return nil, err
	}
	return &fwe.Params{
		Strategy:  strategy,
		Workers:   c.Processing.NumCores,
		ChunkSize: c.Processing.ChunkSize,
		Timeout:   c.Processing.Timeout,
		Smoothing: fwe.Smoothing{
			Passes: c.Smoothing.Passes,
			Radius: c.Smoothing.Radius,
			Weight: c.Smoothing.Weight,
		},
	}, nil
}
