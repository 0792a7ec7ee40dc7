// Package session holds the project state the registration pipeline works
// on: slides, their target images, per-target poses, landmarks and
// registration parameters. The project description lives in a YAML file;
// runtime artifacts (decoded images, transforms, segmentations) are attached
// to the same structs but never serialized.
package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"historeg/pkg/atlas"
	"historeg/pkg/lddmm"
	"historeg/pkg/segmentation"
)

// Pose is the user-adjustable affine state of a target inside the atlas:
// three rotation angles in degrees and a translation, of which only the
// through-slice component is set by hand.
type Pose struct {
	Thetas [3]float64 `yaml:"thetas"`
	T      [3]float64 `yaml:"t"`
}

// IsZero reports whether the pose is untouched.
func (p Pose) IsZero() bool {
	return p == Pose{}
}

// Reset returns the pose to the untouched state, the behavior of a
// cancelled adjustment.
func (p *Pose) Reset() {
	*p = Pose{}
}

// Target is one histology section to be registered.
type Target struct {
	Name      string      `yaml:"name"`
	ImagePath string      `yaml:"image"`
	Preset    string      `yaml:"preset,omitempty"`
	Pose      Pose        `yaml:"pose,omitempty"`
	Landmarks LandmarkSet `yaml:"landmarks,omitempty"`

	// ImportedPath optionally names a label map produced by an external
	// alignment tool. When present it supersedes the computed segmentations.
	ImportedPath string `yaml:"imported_labels,omitempty"`

	// Runtime state, never serialized.
	Image         *atlas.Volume    `yaml:"-"`
	PixDim        [2]float64       `yaml:"-"`
	Params        lddmm.Params     `yaml:"-"`
	Transform     *lddmm.Transform `yaml:"-"`
	Segmentations segmentation.Set `yaml:"-"`
}

// Slide groups the targets cut from one physical slide. Scale is the slide
// scanner's magnification factor relative to the atlas, used to calibrate
// target pixel size.
type Slide struct {
	Name    string    `yaml:"name"`
	Scale   float64   `yaml:"scale,omitempty"`
	Targets []*Target `yaml:"targets"`
}

// Project is the root of a registration session.
type Project struct {
	AtlasDir string   `yaml:"atlas_dir"`
	Slides   []*Slide `yaml:"slides"`
}

// LoadProject reads and validates a project file.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	p := &Project{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("project file %s: %w", path, err)
	}
	return p, nil
}

// Save writes the project back to its YAML form, preserving per-target pose,
// landmarks and preset so a run can be reproduced.
func (p *Project) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write project file: %w", err)
	}
	return nil
}

// Validate checks the structural invariants a loaded project must satisfy.
// AtlasDir may be empty here; the pipeline falls back to the configured
// atlas directory and rejects the run only when neither names one.
func (p *Project) Validate() error {
	if len(p.Slides) == 0 {
		return fmt.Errorf("project has no slides")
	}
	for _, s := range p.Slides {
		if s.Name == "" {
			return fmt.Errorf("slide without a name")
		}
		if s.Scale < 0 {
			return fmt.Errorf("slide %s: negative scale", s.Name)
		}
		for _, t := range s.Targets {
			if t.Name == "" {
				return fmt.Errorf("slide %s: target without a name", s.Name)
			}
			if t.ImagePath == "" {
				return fmt.Errorf("target %s: image path is required", t.Name)
			}
			if t.Preset != "" {
				if _, err := lddmm.PresetIterations(t.Preset); err != nil {
					return fmt.Errorf("target %s: %w", t.Name, err)
				}
			}
			if err := t.Landmarks.check(); err != nil {
				return fmt.Errorf("target %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// ResolveParams fills each target's runtime parameters from the defaults and
// its speed preset.
func (p *Project) ResolveParams(defaults lddmm.Params) error {
	for _, s := range p.Slides {
		for _, t := range s.Targets {
			t.Params = defaults
			if t.Preset != "" {
				iters, err := lddmm.PresetIterations(t.Preset)
				if err != nil {
					return fmt.Errorf("target %s: %w", t.Name, err)
				}
				t.Params.Iterations = iters
			}
		}
	}
	return nil
}

// EffectivePose returns the pose registration should start from. An
// untouched pose inherits the integer-truncated per-axis mean of the
// rotations of siblings on the same slide that have been posed, so sections
// from one slide share an orientation by default.
func (s *Slide) EffectivePose(t *Target) Pose {
	if !t.Pose.IsZero() {
		return t.Pose
	}
	var sum [3]float64
	n := 0
	for _, sib := range s.Targets {
		if sib == t || sib.Pose.IsZero() {
			continue
		}
		for d := 0; d < 3; d++ {
			sum[d] += sib.Pose.Thetas[d]
		}
		n++
	}
	if n == 0 {
		return t.Pose
	}
	var pose Pose
	for d := 0; d < 3; d++ {
		pose.Thetas[d] = float64(int(sum[d] / float64(n)))
	}
	return pose
}

// CalibratePixDim derives a target's pixel spacing from the downsampled
// atlas's in-plane spacing and the slide scale. A zero scale means
// uncalibrated and defaults to 1.
func (s *Slide) CalibratePixDim(a *atlas.Atlas) [2]float64 {
	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	return [2]float64{
		a.DownReference.PixDim[1] * scale,
		a.DownReference.PixDim[2] * scale,
	}
}

// Calibrate loads nothing but stamps the pixel spacing onto a target whose
// image is already decoded, rebuilding its physical grid.
func (t *Target) Calibrate(pix [2]float64) error {
	if t.Image == nil {
		return fmt.Errorf("target %s: no image loaded", t.Name)
	}
	vol, err := atlas.NewVolume(t.Image.Data, t.Image.Shape, [3]float64{1, pix[0], pix[1]})
	if err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	t.Image = vol
	t.PixDim = pix
	return nil
}

// Grid returns the target's 2D physical sampling grid.
func (t *Target) Grid() ([2][]float64, error) {
	if t.Image == nil {
		return [2][]float64{}, fmt.Errorf("target %s: no image loaded", t.Name)
	}
	return [2][]float64{t.Image.PixLoc[1], t.Image.PixLoc[2]}, nil
}
