package atlas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxDownsampledPixDim is the coarsest physical resolution, in physical units
// per pixel, allowed for the downsampled working copies of the atlas volumes.
// The downsample factor per axis is max(1, floor(MaxDownsampledPixDim/dim)).
const MaxDownsampledPixDim = 50.0

// Atlas bundles the reference intensity volume, the co-registered label
// volume and the region table, at full resolution and at a downsampled
// working resolution used for interactive previews.
type Atlas struct {
	// Reference is the full-resolution intensity volume, normalized to [0,1].
	Reference *Volume

	// Labels is the full-resolution integer label volume. Never normalized.
	Labels *Volume

	// DownReference and DownLabels are block-reduced working copies at no
	// finer than MaxDownsampledPixDim physical units per pixel.
	DownReference *Volume
	DownLabels    *Volume

	// Regions is the name -> ID -> parent table for the label volume.
	Regions *RegionTable

	// DownFactor is the per-axis block-reduce factor used for the working
	// copies.
	DownFactor [3]int
}

// Load reads an atlas from a directory containing one file whose name
// contains "reference" (intensity volume), one containing "label" (label
// volume on the same grid) and one containing "names_dict" (region table).
// A missing file is a fatal load error; no partial atlas is ever returned.
func Load(dir string) (*Atlas, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read atlas directory: %w", err)
	}

	var refPath, labPath, namesPath string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.Contains(name, "reference"):
			refPath = filepath.Join(dir, name)
		case strings.Contains(name, "label"):
			labPath = filepath.Join(dir, name)
		case strings.Contains(name, "names_dict"):
			namesPath = filepath.Join(dir, name)
		}
	}
	if refPath == "" {
		return nil, fmt.Errorf("atlas directory %s: no reference volume found", dir)
	}
	if labPath == "" {
		return nil, fmt.Errorf("atlas directory %s: no label volume found", dir)
	}
	if namesPath == "" {
		return nil, fmt.Errorf("atlas directory %s: no names_dict table found", dir)
	}

	ref, err := LoadVolume(refPath, true)
	if err != nil {
		return nil, fmt.Errorf("load reference volume: %w", err)
	}
	lab, err := LoadVolume(labPath, false)
	if err != nil {
		return nil, fmt.Errorf("load label volume: %w", err)
	}
	if ref.Shape != lab.Shape {
		return nil, fmt.Errorf("reference shape %v does not match label shape %v", ref.Shape, lab.Shape)
	}
	regions, err := LoadRegionTable(namesPath)
	if err != nil {
		return nil, err
	}

	return New(ref, lab, regions)
}

// New assembles an atlas from already-loaded volumes and builds the
// downsampled working copies.
func New(ref, lab *Volume, regions *RegionTable) (*Atlas, error) {
	factor := DownsampleFactor(ref.PixDim)
	downRef, err := ref.Downsample(factor, true)
	if err != nil {
		return nil, fmt.Errorf("downsample reference: %w", err)
	}
	// Labels take one representative sample per block; averaging label IDs
	// would invent regions that do not exist.
	downLab, err := lab.Downsample(factor, false)
	if err != nil {
		return nil, fmt.Errorf("downsample labels: %w", err)
	}

	return &Atlas{
		Reference:     ref,
		Labels:        lab,
		DownReference: downRef,
		DownLabels:    downLab,
		Regions:       regions,
		DownFactor:    factor,
	}, nil
}

// DownsampleFactor computes the per-axis block-reduce factor that brings a
// volume with the given pixel dimensions to no finer than
// MaxDownsampledPixDim physical units per pixel.
func DownsampleFactor(pixDim [3]float64) [3]int {
	var factor [3]int
	for d := 0; d < 3; d++ {
		factor[d] = int(MaxDownsampledPixDim / pixDim[d])
		if factor[d] < 1 {
			factor[d] = 1
		}
	}
	return factor
}
