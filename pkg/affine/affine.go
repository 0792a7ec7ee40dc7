// Package affine maintains the rigid-ish initial guess for how a 2D target
// slice sits inside the 3D atlas volume. Three per-axis rotation angles and a
// through-slice translation parameterize a linear map L and translation T;
// the package can render the affine-only preview slice and convert the pose
// into the inverse form consumed by the deformable optimizer.
package affine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"historeg/pkg/atlas"
)

// Compose builds the linear map L and translation T from rotation angles (in
// degrees, one per axis) and a translation vector. L is the product
// R0*R1*R2 of the three axis rotation matrices. Only the first translation
// component (through-slice depth) is user-adjustable; the in-plane components
// stay zero until registration refines them.
func Compose(thetas [3]float64, t [3]float64) (*mat.Dense, [3]float64) {
	l := rotation(0, thetas[0])
	l.Mul(l, rotation(1, thetas[1]))
	l.Mul(l, rotation(2, thetas[2]))
	return l, t
}

// rotation returns the 3x3 rotation matrix about the given axis by an angle
// in degrees.
func rotation(axis int, deg float64) *mat.Dense {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	r := mat.NewDense(3, 3, nil)
	a := (axis + 1) % 3
	b := (axis + 2) % 3
	r.Set(axis, axis, 1)
	r.Set(a, a, c)
	r.Set(a, b, -s)
	r.Set(b, a, s)
	r.Set(b, b, c)
	return r
}

// Apply maps a 3D point through L and T.
func Apply(l *mat.Dense, t [3]float64, p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = t[i]
		for j := 0; j < 3; j++ {
			out[i] += l.At(i, j) * p[j]
		}
	}
	return out
}

// SliceGrid builds the 2D physical sampling grid of a plane embedded at pose
// (L, T) inside the atlas frame. The plane spans the atlas's in-plane extent
// scaled by scale, at through-slice depth T[0]. Points are returned in
// row-major order over (loc1, loc2).
func SliceGrid(loc1, loc2 []float64, scale float64, l *mat.Dense, t [3]float64) [][3]float64 {
	points := make([][3]float64, 0, len(loc1)*len(loc2))
	for _, y := range loc1 {
		for _, x := range loc2 {
			points = append(points, Apply(l, t, [3]float64{0, scale * y, scale * x}))
		}
	}
	return points
}

// PreviewSlice samples the atlas volume through the plane defined by the pose
// and returns the affine-only slice estimate as a 2D volume. This is what a
// caller shows before running the expensive optimizer.
func PreviewSlice(vol *atlas.Volume, l *mat.Dense, t [3]float64, scale float64) (*atlas.Volume, error) {
	points := SliceGrid(vol.PixLoc[1], vol.PixLoc[2], scale, l, t)
	data := vol.Sample(points, atlas.Linear)
	return atlas.NewVolume(
		data,
		[3]int{1, vol.Shape[1], vol.Shape[2]},
		[3]float64{vol.PixDim[0], vol.PixDim[1] * scale, vol.PixDim[2] * scale},
	)
}

// InverseCorrection converts the pose to the reverse direction used by the
// deformable optimizer, which maps atlas into target space: L' = inv(L),
// T' = -T.
func InverseCorrection(l *mat.Dense, t [3]float64) (*mat.Dense, [3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(l); err != nil {
		return nil, [3]float64{}, fmt.Errorf("invert affine: %w", err)
	}
	return &inv, [3]float64{-t[0], -t[1], -t[2]}, nil
}

// AtlasPointPhysical projects a pixel pick on the affine preview slice into
// the atlas's 3D physical frame: the pick's in-plane coordinate on the
// embedded plane is mapped through the pose.
func AtlasPointPhysical(vol *atlas.Volume, l *mat.Dense, t [3]float64, scale float64, pick [2]float64) [3]float64 {
	y := scale * (vol.PixLoc[1][0] + pick[0]*vol.PixDim[1])
	x := scale * (vol.PixLoc[2][0] + pick[1]*vol.PixDim[2])
	return Apply(l, t, [3]float64{0, y, x})
}

// TargetPointPhysical projects a pixel pick on the target image into the
// target's physical frame, embedded at through-slice depth 0.
func TargetPointPhysical(pixLoc [2][]float64, pixDim [2]float64, pick [2]float64) [3]float64 {
	return [3]float64{
		0,
		pixLoc[0][0] + pick[0]*pixDim[0],
		pixLoc[1][0] + pick[1]*pixDim[1],
	}
}
