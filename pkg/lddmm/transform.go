package lddmm

import (
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// IterationError is one row of the per-iteration energy trace.
type IterationError struct {
	Iteration      int
	Matching       float64
	Regularization float64
	Landmark       float64
	Total          float64
}

// Transform is the result of deformable registration: an affine correction,
// the optimized velocity field over its sample grid, and the per-iteration
// energy trace. A Transform is immutable once computed and owned exclusively
// by the target it was computed for.
type Transform struct {
	// A is the forward affine correction (atlas frame to target frame) as a
	// 4x4 homogeneous matrix.
	A [4][4]float64

	// XV is the physical sample grid of the velocity field.
	XV [3][]float64

	// V holds the velocity field per time step; V[t] has length 3*n where n
	// is the velocity grid size, component-major.
	V [][]float64

	// Timesteps is the number of integration steps (len(V)).
	Timesteps int

	// Errors is the iteration-wise energy trace recorded during
	// optimization. Empty for the zero-iteration fast path.
	Errors []IterationError
}

// AffineOnly builds the transform equivalent to a bare affine pose: the
// supplied backward map and a zero velocity field. It backs the explicit
// zero-iteration fast path, which never constructs an optimizer.
func AffineOnly(l *mat.Dense, t [3]float64, atlasLoc [3][]float64, p Params) (*Transform, error) {
	xv := velocityGrid(atlasLoc, p.Resolution)
	tf := &Transform{
		XV:        xv,
		Timesteps: p.Timesteps,
		V:         make([][]float64, p.Timesteps),
	}
	n := len(xv[0]) * len(xv[1]) * len(xv[2])
	for i := range tf.V {
		tf.V[i] = make([]float64, 3*n)
	}
	// The optimizer's variable is the backward affine; the reported A is its
	// inverse, the forward correction.
	b := homogeneous(l, t)
	var inv mat.Dense
	if err := inv.Inverse(b); err != nil {
		return nil, fmt.Errorf("invert affine pose: %w", err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			tf.A[i][j] = inv.At(i, j)
		}
	}
	return tf, nil
}

func homogeneous(l *mat.Dense, t [3]float64) *mat.Dense {
	h := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, l.At(i, j))
		}
		h.Set(i, 3, t[i])
	}
	h.Set(3, 3, 1)
	return h
}

// Backward returns the backward affine map (target frame to atlas frame),
// the inverse of A.
func (tf *Transform) Backward() (*mat.Dense, error) {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.Set(i, j, tf.A[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("invert affine correction: %w", err)
	}
	return &inv, nil
}

// MapBackward carries the target's 2D physical sampling grid back into the
// atlas frame: each point passes through the inverse affine correction, then
// through the velocity field integrated in reverse time (target to atlas).
// Points are returned in row-major order over (loc0, loc1).
func (tf *Transform) MapBackward(targetLoc [2][]float64) ([][3]float64, error) {
	b, err := tf.Backward()
	if err != nil {
		return nil, err
	}

	g := newGrid3(tf.XV)
	n := g.size()
	dt := 1 / float64(tf.Timesteps)

	points := make([][3]float64, 0, len(targetLoc[0])*len(targetLoc[1]))
	for _, y := range targetLoc[0] {
		for _, x := range targetLoc[1] {
			p := applyHomogeneous(b, [3]float64{0, y, x})
			for k := tf.Timesteps - 1; k >= 0; k-- {
				v := velocityAt(g, tf.V[k], n, p)
				for d := 0; d < 3; d++ {
					p[d] -= dt * v[d]
				}
			}
			points = append(points, p)
		}
	}
	return points, nil
}

func applyHomogeneous(h *mat.Dense, p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = h.At(i, 3)
		for j := 0; j < 3; j++ {
			out[i] += h.At(i, j) * p[j]
		}
	}
	return out
}

func velocityAt(g grid3, vt []float64, n int, p [3]float64) [3]float64 {
	var v [3]float64
	for d := 0; d < 3; d++ {
		v[d] = g.interp(vt[d*n:(d+1)*n], p)
	}
	return v
}

// Save serializes the transform as an opaque blob. Only round-trip fidelity
// within this implementation matters; the format is gob.
func (tf *Transform) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create transform file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(tf); err != nil {
		return fmt.Errorf("encode transform: %w", err)
	}
	return nil
}

// LoadTransform reads a transform previously written with Save.
func LoadTransform(path string) (*Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transform file: %w", err)
	}
	defer f.Close()
	tf := &Transform{}
	if err := gob.NewDecoder(f).Decode(tf); err != nil {
		return nil, fmt.Errorf("decode transform: %w", err)
	}
	return tf, nil
}
