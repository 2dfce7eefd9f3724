package calib

import (
	"runtime"

	"github.com/pkg/errors"

	"viammulticalib/bundle"
	"viammulticalib/mono"
	"viammulticalib/pinhole"
)

// Config holds the tunables of a rig calibration. The zero value of every field selects its default, so
// a partial configuration only changes what it names.
type Config struct {
	EstimateSkew bool `json:"estimate_skew"`
	Tangential   bool `json:"tangential"`

	// NumRadial is the number of radial distortion terms, 2 when unset.
	NumRadial *int `json:"num_radial,omitempty"`

	MaxIterations     int     `json:"max_iterations"`
	HuberThreshold    float64 `json:"huber_threshold"`
	FunctionTolerance float64 `json:"function_tolerance"`
	GradientTolerance float64 `json:"gradient_tolerance"`

	// HistogramThresholds are the residual bounds, in pixels, reported by the error histogram.
	HistogramThresholds []float64 `json:"histogram_thresholds"`

	// Parallelism bounds how many cameras are calibrated at once. Zero means one per CPU.
	Parallelism int `json:"parallelism"`
}

// DefaultHistogramThresholds are used when none are configured.
var DefaultHistogramThresholds = []float64{0.25, 0.5, 1, 2, 5, 10}

// DefaultNumRadial is the number of radial distortion terms used when none is configured.
const DefaultNumRadial = 2

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	b := bundle.DefaultConfig()
	return Config{
		MaxIterations:       b.MaxIterations,
		HuberThreshold:      b.HuberThreshold,
		FunctionTolerance:   b.FunctionTolerance,
		GradientTolerance:   b.GradientTolerance,
		HistogramThresholds: append([]float64(nil), DefaultHistogramThresholds...),
	}
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if err := cfg.Param().Validate(); err != nil {
		return err
	}
	if cfg.HuberThreshold < 0 {
		return errors.Errorf("huber_threshold must not be negative, got %g", cfg.HuberThreshold)
	}
	if cfg.MaxIterations < 0 {
		return errors.Errorf("max_iterations must not be negative, got %d", cfg.MaxIterations)
	}
	for i := 1; i < len(cfg.HistogramThresholds); i++ {
		if cfg.HistogramThresholds[i] <= cfg.HistogramThresholds[i-1] {
			return errors.New("histogram_thresholds must be strictly increasing")
		}
	}
	return nil
}

// Param is the intrinsic parameterization refined for every camera.
func (cfg Config) Param() pinhole.Parameterization {
	return pinhole.Parameterization{ZeroSkew: !cfg.EstimateSkew, NumRadial: cfg.Radial(), Tangential: cfg.Tangential}
}

// Radial is the number of radial distortion terms.
func (cfg Config) Radial() int {
	if cfg.NumRadial == nil {
		return DefaultNumRadial
	}
	return *cfg.NumRadial
}

// WithRadial returns a copy of cfg using n radial distortion terms.
func (cfg Config) WithRadial(n int) Config {
	cfg.NumRadial = &n
	return cfg
}

// Bundle is the configuration of the joint refinement.
func (cfg Config) Bundle() bundle.Config {
	b := bundle.DefaultConfig()
	if cfg.MaxIterations > 0 {
		b.MaxIterations = cfg.MaxIterations
	}
	if cfg.HuberThreshold > 0 {
		b.HuberThreshold = cfg.HuberThreshold
	}
	if cfg.FunctionTolerance > 0 {
		b.FunctionTolerance = cfg.FunctionTolerance
	}
	if cfg.GradientTolerance > 0 {
		b.GradientTolerance = cfg.GradientTolerance
	}
	return b
}

// Mono is the configuration handed to the default monocular calibrator.
func (cfg Config) Mono() mono.Config {
	return mono.Config{Param: cfg.Param(), Bundle: cfg.Bundle()}
}

func (cfg Config) parallelism() int {
	if cfg.Parallelism > 0 {
		return cfg.Parallelism
	}
	return runtime.NumCPU()
}

func (cfg Config) thresholds() []float64 {
	if len(cfg.HistogramThresholds) == 0 {
		return DefaultHistogramThresholds
	}
	return cfg.HistogramThresholds
}
