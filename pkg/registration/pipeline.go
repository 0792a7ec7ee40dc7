// Package registration runs the slice-to-atlas registration pipeline over a
// project: atlas loading, per-target affine estimation, deformable
// refinement, and segmentation output. The pipeline is sequential over
// targets; the atlas volumes are shared read-only while every target owns
// its transform and segmentations.
package registration

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"historeg/internal/session"
	"historeg/pkg/affine"
	"historeg/pkg/atlas"
	"historeg/pkg/lddmm"
	"historeg/pkg/segmentation"
)

// Params holds the pipeline configuration.
type Params struct {
	// ProjectFile is the YAML project describing slides and targets.
	ProjectFile string

	// AtlasDir is the configured atlas directory, used when the project
	// file does not name one of its own.
	AtlasDir string

	// OutputDir receives one subdirectory per target.
	OutputDir string

	// Defaults are the registration parameters a target starts from; a
	// target's own speed preset overrides the iteration count.
	Defaults lddmm.Params

	// DefaultPreset, when set, overrides Defaults.Iterations for targets
	// without a preset of their own.
	DefaultPreset string

	// Overlay controls segmentation overlay rendering.
	Overlay segmentation.OverlayOptions

	// SaveTransforms writes the optimized transform blob per target.
	SaveTransforms bool

	// Verbose enables per-iteration progress output.
	Verbose bool
}

// TargetResult summarizes one target's run. The error fields are taken from
// the optimizer's energy trace and stay zero for skipped registrations.
type TargetResult struct {
	Slide      string
	Target     string
	Variant    segmentation.Variant
	Iterations int
	FinalError float64
	MeanError  float64
	BestError  float64
	Duration   time.Duration
	OutputDir  string
}

// Pipeline executes the registration stages over a project.
type Pipeline struct {
	params  *Params
	project *session.Project
	atlas   *atlas.Atlas
	results []TargetResult
}

// NewPipeline creates a pipeline instance with the provided parameters.
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{params: params}
}

// Results returns the per-target summaries of the last Process run.
func (p *Pipeline) Results() []TargetResult {
	return p.results
}

// Process runs the complete registration pipeline.
func (p *Pipeline) Process() error {
	// Step 1: Load the project description
	fmt.Println("Step 1: Loading project...")
	project, err := session.LoadProject(p.params.ProjectFile)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	p.project = project
	if project.AtlasDir == "" {
		project.AtlasDir = p.params.AtlasDir
	}
	if project.AtlasDir == "" {
		return fmt.Errorf("no atlas directory: set atlas_dir in the project or atlas.dir in the configuration")
	}

	// Step 2: Load the atlas
	fmt.Printf("Step 2: Loading atlas from %s...\n", project.AtlasDir)
	a, err := atlas.Load(project.AtlasDir)
	if err != nil {
		return fmt.Errorf("failed to load atlas: %w", err)
	}
	p.atlas = a
	if p.params.Verbose {
		fmt.Printf("  reference %v at %v units/voxel, downsampled by %v\n",
			a.Reference.Shape, a.Reference.PixDim, a.DownFactor)
	}

	// Step 3: Load target images and resolve per-target parameters
	fmt.Println("Step 3: Loading target images...")
	if err := p.prepareTargets(); err != nil {
		return fmt.Errorf("failed to prepare targets: %w", err)
	}

	// Steps 4-6 run per target: affine estimate, deformable refinement,
	// segmentation outputs.
	p.results = p.results[:0]
	for _, slide := range p.project.Slides {
		for _, target := range slide.Targets {
			if err := p.processTarget(slide, target); err != nil {
				return fmt.Errorf("target %s/%s: %w", slide.Name, target.Name, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) prepareTargets() error {
	defaults := p.params.Defaults
	if p.params.DefaultPreset != "" {
		iters, err := lddmm.PresetIterations(p.params.DefaultPreset)
		if err != nil {
			return err
		}
		defaults.Iterations = iters
	}
	if err := p.project.ResolveParams(defaults); err != nil {
		return err
	}

	for _, slide := range p.project.Slides {
		pix := slide.CalibratePixDim(p.atlas)
		for _, target := range slide.Targets {
			path := target.ImagePath
			if !filepath.IsAbs(path) {
				path = filepath.Join(filepath.Dir(p.params.ProjectFile), path)
				target.ImagePath = path
			}
			if target.ImportedPath != "" && !filepath.IsAbs(target.ImportedPath) {
				target.ImportedPath = filepath.Join(
					filepath.Dir(p.params.ProjectFile), target.ImportedPath)
			}
			if err := target.LoadTargetImage(); err != nil {
				return err
			}
			if err := target.Calibrate(pix); err != nil {
				return err
			}
			if p.params.Verbose {
				fmt.Printf("  %s/%s: %dx%d px at %.2f units/px\n",
					slide.Name, target.Name,
					target.Image.Shape[2], target.Image.Shape[1], pix[0])
			}
		}
	}
	return nil
}

func (p *Pipeline) processTarget(slide *session.Slide, target *session.Target) error {
	fmt.Printf("Step 4: Affine estimate for %s/%s...\n", slide.Name, target.Name)
	start := time.Now()

	pose := slide.EffectivePose(target)
	l, tv := affine.Compose(pose.Thetas, pose.T)
	grid, err := target.Grid()
	if err != nil {
		return err
	}

	target.Segmentations = segmentation.Set{
		segmentation.Estimated: segmentation.ResampleAffine(p.atlas.Labels, grid, l, tv),
	}

	iters := target.Params.Iterations
	var finalError, meanError, bestError float64
	if iters == 0 {
		fmt.Println("Step 5: Deformable registration skipped (speed preset)")
	} else {
		fmt.Printf("Step 5: Deformable registration (%d iterations, roughly %s)...\n",
			iters, time.Duration(iters)*3*time.Second)
		tf, err := p.registerTarget(target, l, tv)
		if err != nil {
			return err
		}
		target.Transform = tf
		if n := len(tf.Errors); n > 0 {
			totals := make([]float64, n)
			for i, e := range tf.Errors {
				totals[i] = e.Total
			}
			finalError = totals[n-1]
			meanError = stat.Mean(totals, nil)
			bestError = floats.Min(totals)
		}

		registered, err := segmentation.ResampleDeformed(p.atlas.Labels, tf, grid)
		if err != nil {
			return err
		}
		target.Segmentations[segmentation.Registered] = registered
	}

	// A label map supplied by an external alignment tool supersedes anything
	// computed here.
	if target.ImportedPath != "" {
		imported, err := segmentation.LoadLabelMap(target.ImportedPath)
		if err != nil {
			return fmt.Errorf("imported labels for %s/%s: %w", slide.Name, target.Name, err)
		}
		target.Segmentations[segmentation.Imported] = imported
	}

	fmt.Println("Step 6: Writing segmentation outputs...")
	outDir, err := p.writeOutputs(slide, target, l, tv)
	if err != nil {
		return err
	}

	_, variant, _ := target.Segmentations.Best()
	p.results = append(p.results, TargetResult{
		Slide:      slide.Name,
		Target:     target.Name,
		Variant:    variant,
		Iterations: iters,
		FinalError: finalError,
		MeanError:  meanError,
		BestError:  bestError,
		Duration:   time.Since(start),
		OutputDir:  outDir,
	})
	return nil
}

func (p *Pipeline) registerTarget(target *session.Target, l *mat.Dense, tv [3]float64) (*lddmm.Transform, error) {
	grid, err := target.Grid()
	if err != nil {
		return nil, err
	}

	// Landmark picks on the preview slice project through the forward pose;
	// the optimizer itself maps atlas into target space and so starts from
	// the inverted pose.
	atlasPts := make([][3]float64, 0, target.Landmarks.Len())
	targetPts := make([][3]float64, 0, target.Landmarks.Len())
	for i := 0; i < target.Landmarks.Len(); i++ {
		tp, ap := target.Landmarks.Pair(i)
		targetPts = append(targetPts, affine.TargetPointPhysical(
			grid, target.PixDim, [2]float64(tp)))
		atlasPts = append(atlasPts, affine.AtlasPointPhysical(
			p.atlas.DownReference, l, tv, 1, [2]float64(ap)))
	}

	li, ti, err := affine.InverseCorrection(l, tv)
	if err != nil {
		return nil, err
	}

	problem := &lddmm.Problem{
		AtlasLoc:     p.atlas.Reference.PixLoc,
		Atlas:        p.atlas.Reference.Data,
		TargetLoc:    grid,
		Target:       target.Image.Data,
		L:            li,
		T:            ti,
		AtlasPoints:  atlasPts,
		TargetPoints: targetPts,
		Params:       target.Params,
	}
	if p.params.Verbose {
		problem.Progress = func(iter, total int) {
			fmt.Printf("  iteration %d/%d\n", iter, total)
		}
	}
	return problem.Run()
}

func (p *Pipeline) writeOutputs(slide *session.Slide, target *session.Target, l *mat.Dense, tv [3]float64) (string, error) {
	outDir := filepath.Join(p.params.OutputDir, slide.Name+"_"+target.Name)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	// The affine estimate renders over the atlas sampled through the pose at
	// the target's grid; the registered result renders over the target image
	// itself.
	if est, ok := target.Segmentations[segmentation.Estimated]; ok {
		grid, err := target.Grid()
		if err != nil {
			return "", err
		}
		points := affine.SliceGrid(grid[0], grid[1], 1, l, tv)
		preview := p.atlas.DownReference.Sample(points, atlas.Linear)
		if err := segmentation.SavePNG(filepath.Join(outDir, "estimated.png"),
			preview, est, p.params.Overlay); err != nil {
			return "", err
		}
		if err := est.Save(filepath.Join(outDir, "estimated_labels.bin")); err != nil {
			return "", err
		}
	}

	if reg, ok := target.Segmentations[segmentation.Registered]; ok {
		if err := segmentation.SavePNG(filepath.Join(outDir, "registered.png"),
			target.Image.Data, reg, p.params.Overlay); err != nil {
			return "", err
		}
		if err := reg.Save(filepath.Join(outDir, "registered_labels.bin")); err != nil {
			return "", err
		}
	}

	if best, _, ok := target.Segmentations.Best(); ok {
		if err := segmentation.SaveLegend(filepath.Join(outDir, "legend.json"),
			best, p.atlas.Regions); err != nil {
			return "", err
		}
	}

	if p.params.SaveTransforms && target.Transform != nil {
		if err := target.Transform.Save(filepath.Join(outDir, "transform.bin")); err != nil {
			return "", err
		}
	}
	return outDir, nil
}
