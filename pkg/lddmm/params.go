// Package lddmm refines a coarse affine pose into a joint affine +
// diffeomorphic transform mapping a 3D atlas intensity volume onto a 2D
// target image (large deformation diffeomorphic metric mapping). The
// deformation is a time-varying velocity field integrated over a discrete
// time grid; the composite energy combines image matching, optional landmark
// matching and a Fourier-domain smoothness penalty, and is minimized with a
// limited-memory BFGS line-search method.
package lddmm

import "fmt"

// Params controls a deformable registration run.
type Params struct {
	// Iterations is the number of optimizer iterations. Zero skips
	// registration entirely; the affine-only estimate stands as the result.
	Iterations int `yaml:"iterations"`

	// Timesteps is the number of discrete time steps used to integrate the
	// velocity field.
	Timesteps int `yaml:"timesteps"`

	// SigmaM is the image-matching noise scale: the matching term is
	// weighted by 1/SigmaM^2.
	SigmaM float64 `yaml:"sigmaM"`

	// SigmaP is the landmark-matching noise scale.
	SigmaP float64 `yaml:"sigmaP"`

	// SigmaR is the velocity-field regularization scale.
	SigmaR float64 `yaml:"sigmaR"`

	// Resolution is the spatial smoothing scale, in physical units. It sets
	// both the velocity-field grid spacing and the width of the smoothness
	// kernel.
	Resolution float64 `yaml:"resolution"`
}

// DefaultParams returns the parameter set of the "medium" speed preset.
func DefaultParams() Params {
	return Params{
		Iterations: 100,
		Timesteps:  3,
		SigmaM:     1.0,
		SigmaP:     20.0,
		SigmaR:     1e4,
		Resolution: 200.0,
	}
}

// PresetIterations maps a named speed preset to its iteration count. All
// other parameters stay at their defaults.
func PresetIterations(preset string) (int, error) {
	switch preset {
	case "very-slow":
		return 2000, nil
	case "slow":
		return 500, nil
	case "medium":
		return 100, nil
	case "fast":
		return 10, nil
	case "skip":
		return 0, nil
	}
	return 0, fmt.Errorf("unknown speed preset %q", preset)
}

// Validate reports the first invalid parameter, if any.
func (p Params) Validate() error {
	if p.Iterations < 0 {
		return fmt.Errorf("iterations must be >= 0, got %d", p.Iterations)
	}
	if p.Timesteps <= 0 {
		return fmt.Errorf("timesteps must be > 0, got %d", p.Timesteps)
	}
	if p.SigmaM <= 0 {
		return fmt.Errorf("sigmaM must be > 0, got %f", p.SigmaM)
	}
	if p.SigmaP <= 0 {
		return fmt.Errorf("sigmaP must be > 0, got %f", p.SigmaP)
	}
	if p.SigmaR <= 0 {
		return fmt.Errorf("sigmaR must be > 0, got %f", p.SigmaR)
	}
	if p.Resolution <= 0 {
		return fmt.Errorf("resolution must be > 0, got %f", p.Resolution)
	}
	return nil
}
