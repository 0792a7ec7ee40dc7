// Package atlas provides loading and physical-coordinate-aware sampling of
// reference brain atlases. An atlas is a 3D intensity volume together with a
// co-registered 3D label volume and a table describing the anatomical region
// hierarchy. Volumes carry per-axis physical pixel spacing so that all
// sampling happens in physical units rather than voxel indices.
package atlas

import (
	"fmt"
	"math"
)

// SampleMode selects the interpolation used by Volume.Sample.
type SampleMode int

const (
	// Linear performs trilinear interpolation and is used for intensity
	// volumes.
	Linear SampleMode = iota

	// Nearest returns the value of the closest voxel and is used for label
	// volumes, where interpolated values would be meaningless.
	Nearest
)

// Volume is an N-dimensional (2D or 3D) array of scalar samples with per-axis
// physical pixel spacing. 2D images are represented with Shape[0] == 1.
//
// PixLoc holds the derived physical coordinate of each voxel center along
// each axis. The coordinates are evenly spaced by PixDim and centered so
// that the volume's geometric center sits at physical zero.
type Volume struct {
	// Data holds the samples in row-major order: index (i,j,k) maps to
	// Data[(i*Shape[1]+j)*Shape[2]+k].
	Data []float64

	// Shape is the extent of the volume along each axis.
	Shape [3]int

	// PixDim is the physical size of a voxel along each axis.
	PixDim [3]float64

	// PixLoc is the physical coordinate of each voxel center along each
	// axis, monotonically increasing and symmetric about zero.
	PixLoc [3][]float64
}

// NewVolume creates a volume from raw data and computes the centered
// physical coordinate vectors. It returns an error if the data length does
// not match the shape or a pixel dimension is not positive.
func NewVolume(data []float64, shape [3]int, pixDim [3]float64) (*Volume, error) {
	n := shape[0] * shape[1] * shape[2]
	if n <= 0 || len(data) != n {
		return nil, fmt.Errorf("volume data length %d does not match shape %v", len(data), shape)
	}
	for d := 0; d < 3; d++ {
		if pixDim[d] <= 0 {
			return nil, fmt.Errorf("pixel dimension %d must be positive, got %f", d, pixDim[d])
		}
	}

	v := &Volume{
		Data:   data,
		Shape:  shape,
		PixDim: pixDim,
	}
	v.computePixLoc()
	return v, nil
}

// computePixLoc fills PixLoc with evenly spaced coordinates centered at zero:
// loc[i] = i*dim - (n-1)*dim/2.
func (v *Volume) computePixLoc() {
	for d := 0; d < 3; d++ {
		n := v.Shape[d]
		dim := v.PixDim[d]
		loc := make([]float64, n)
		offset := float64(n-1) * dim / 2
		for i := 0; i < n; i++ {
			loc[i] = float64(i)*dim - offset
		}
		v.PixLoc[d] = loc
	}
}

// At returns the sample at voxel index (i, j, k). Indices must be in range.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[(i*v.Shape[1]+j)*v.Shape[2]+k]
}

// Normalize rescales the volume intensities to the [0, 1] range in place.
// Label volumes must never be normalized.
func (v *Volume) Normalize() {
	min, max := v.Data[0], v.Data[0]
	for _, x := range v.Data {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	if max <= min {
		return
	}
	scale := 1 / (max - min)
	for i := range v.Data {
		v.Data[i] = (v.Data[i] - min) * scale
	}
}

// Downsample produces a lower-resolution volume by block-reducing each axis
// by an integer factor. For intensity volumes (mean == true) each block is
// collapsed to its mean; for label volumes (mean == false) the block's corner
// sample is taken so that only values present in the input can appear in the
// output.
//
// Trailing voxels that do not fill a complete block are dropped, matching a
// strided view of the input.
func (v *Volume) Downsample(factor [3]int, mean bool) (*Volume, error) {
	for d := 0; d < 3; d++ {
		if factor[d] < 1 {
			return nil, fmt.Errorf("downsample factor %d must be >= 1, got %d", d, factor[d])
		}
	}

	var shape [3]int
	var pixDim [3]float64
	for d := 0; d < 3; d++ {
		shape[d] = v.Shape[d] / factor[d]
		if shape[d] < 1 {
			shape[d] = 1
		}
		pixDim[d] = v.PixDim[d] * float64(factor[d])
	}

	data := make([]float64, shape[0]*shape[1]*shape[2])
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				if !mean {
					data[(i*shape[1]+j)*shape[2]+k] = v.At(i*factor[0], j*factor[1], k*factor[2])
					continue
				}
				sum := 0.0
				count := 0
				for bi := 0; bi < factor[0]; bi++ {
					for bj := 0; bj < factor[1]; bj++ {
						for bk := 0; bk < factor[2]; bk++ {
							si, sj, sk := i*factor[0]+bi, j*factor[1]+bj, k*factor[2]+bk
							if si < v.Shape[0] && sj < v.Shape[1] && sk < v.Shape[2] {
								sum += v.At(si, sj, sk)
								count++
							}
						}
					}
				}
				data[(i*shape[1]+j)*shape[2]+k] = sum / float64(count)
			}
		}
	}

	return NewVolume(data, shape, pixDim)
}

// Sample interpolates the volume at the given 3D physical-space points.
// Points outside the volume extent resolve to the background value 0.
func (v *Volume) Sample(points [][3]float64, mode SampleMode) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = v.SampleOne(p, mode)
	}
	return out
}

// SampleOne interpolates the volume at a single physical-space point.
func (v *Volume) SampleOne(p [3]float64, mode SampleMode) float64 {
	var f [3]float64
	for d := 0; d < 3; d++ {
		if v.Shape[d] == 1 {
			// Degenerate axis: accept anything within half a voxel.
			if math.Abs(p[d]-v.PixLoc[d][0]) > v.PixDim[d]/2 {
				return 0
			}
			f[d] = 0
			continue
		}
		f[d] = (p[d] - v.PixLoc[d][0]) / v.PixDim[d]
		if f[d] < 0 || f[d] > float64(v.Shape[d]-1) {
			return 0
		}
	}

	if mode == Nearest {
		var idx [3]int
		for d := 0; d < 3; d++ {
			idx[d] = int(math.Round(f[d]))
		}
		return v.At(idx[0], idx[1], idx[2])
	}

	var lo [3]int
	var w [3]float64
	for d := 0; d < 3; d++ {
		lo[d] = int(math.Floor(f[d]))
		if lo[d] > v.Shape[d]-2 && v.Shape[d] > 1 {
			lo[d] = v.Shape[d] - 2
		}
		if lo[d] < 0 {
			lo[d] = 0
		}
		w[d] = f[d] - float64(lo[d])
	}

	sum := 0.0
	for ci := 0; ci < 2; ci++ {
		for cj := 0; cj < 2; cj++ {
			for ck := 0; ck < 2; ck++ {
				i := clampIndex(lo[0]+ci, v.Shape[0])
				j := clampIndex(lo[1]+cj, v.Shape[1])
				k := clampIndex(lo[2]+ck, v.Shape[2])
				weight := cornerWeight(w[0], ci) * cornerWeight(w[1], cj) * cornerWeight(w[2], ck)
				sum += weight * v.At(i, j, k)
			}
		}
	}
	return sum
}

func cornerWeight(w float64, c int) float64 {
	if c == 0 {
		return 1 - w
	}
	return w
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
