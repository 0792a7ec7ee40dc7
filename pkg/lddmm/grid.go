package lddmm

import "math"

// grid3 is a regular 3D grid in physical coordinates, used both for the
// atlas intensity channels and for the coarse velocity-field grid. Data
// arrays over the grid are row-major: index (i,j,k) -> (i*n[1]+j)*n[2]+k.
type grid3 struct {
	x0 [3]float64 // physical coordinate of index (0,0,0)
	dx [3]float64 // spacing per axis
	n  [3]int     // extent per axis
}

func newGrid3(loc [3][]float64) grid3 {
	var g grid3
	for d := 0; d < 3; d++ {
		g.x0[d] = loc[d][0]
		g.n[d] = len(loc[d])
		if g.n[d] > 1 {
			g.dx[d] = loc[d][1] - loc[d][0]
		} else {
			g.dx[d] = 1
		}
	}
	return g
}

func (g grid3) size() int {
	return g.n[0] * g.n[1] * g.n[2]
}

// locate converts a physical point to a cell index and in-cell weights.
// ok is false when the point falls outside the grid support; interpolated
// values there are zero and gradients vanish.
func (g grid3) locate(p [3]float64) (lo [3]int, w [3]float64, ok bool) {
	for d := 0; d < 3; d++ {
		f := (p[d] - g.x0[d]) / g.dx[d]
		if f < 0 || f > float64(g.n[d]-1) {
			return lo, w, false
		}
		lo[d] = int(math.Floor(f))
		if lo[d] > g.n[d]-2 {
			lo[d] = g.n[d] - 2
		}
		if lo[d] < 0 {
			lo[d] = 0
		}
		w[d] = f - float64(lo[d])
	}
	return lo, w, true
}

// interp trilinearly interpolates data at p, with zero outside the grid.
func (g grid3) interp(data []float64, p [3]float64) float64 {
	lo, w, ok := g.locate(p)
	if !ok {
		return 0
	}
	val := 0.0
	for ci := 0; ci < 2; ci++ {
		for cj := 0; cj < 2; cj++ {
			for ck := 0; ck < 2; ck++ {
				idx := ((lo[0]+ci)*g.n[1]+lo[1]+cj)*g.n[2] + lo[2] + ck
				val += corner(w[0], ci) * corner(w[1], cj) * corner(w[2], ck) * data[idx]
			}
		}
	}
	return val
}

// interpGrad returns the interpolated value and its spatial gradient in
// physical units.
func (g grid3) interpGrad(data []float64, p [3]float64) (val float64, grad [3]float64) {
	lo, w, ok := g.locate(p)
	if !ok {
		return 0, grad
	}
	for ci := 0; ci < 2; ci++ {
		for cj := 0; cj < 2; cj++ {
			for ck := 0; ck < 2; ck++ {
				idx := ((lo[0]+ci)*g.n[1]+lo[1]+cj)*g.n[2] + lo[2] + ck
				d := data[idx]
				w0, w1, w2 := corner(w[0], ci), corner(w[1], cj), corner(w[2], ck)
				val += w0 * w1 * w2 * d
				grad[0] += cornerD(ci) * w1 * w2 * d
				grad[1] += w0 * cornerD(cj) * w2 * d
				grad[2] += w0 * w1 * cornerD(ck) * d
			}
		}
	}
	for d := 0; d < 3; d++ {
		grad[d] /= g.dx[d]
	}
	return val, grad
}

// splat distributes weight w onto the grid corners around p, the adjoint of
// interp. Points outside the grid contribute nothing.
func (g grid3) splat(dst []float64, p [3]float64, w float64) {
	lo, cw, ok := g.locate(p)
	if !ok {
		return
	}
	for ci := 0; ci < 2; ci++ {
		for cj := 0; cj < 2; cj++ {
			for ck := 0; ck < 2; ck++ {
				idx := ((lo[0]+ci)*g.n[1]+lo[1]+cj)*g.n[2] + lo[2] + ck
				dst[idx] += corner(cw[0], ci) * corner(cw[1], cj) * corner(cw[2], ck) * w
			}
		}
	}
}

func corner(w float64, c int) float64 {
	if c == 0 {
		return 1 - w
	}
	return w
}

func cornerD(c int) float64 {
	if c == 0 {
		return -1
	}
	return 1
}

// velocityGrid builds the coarse sampling grid of the velocity field: per
// axis, the atlas extent divided into steps of roughly the smoothing
// resolution a.
func velocityGrid(atlasLoc [3][]float64, a float64) [3][]float64 {
	var xv [3][]float64
	for d := 0; d < 3; d++ {
		lo := atlasLoc[d][0]
		hi := atlasLoc[d][len(atlasLoc[d])-1]
		n := int(math.Ceil((hi-lo)/a)) + 1
		if n < 2 {
			n = 2
		}
		step := (hi - lo) / float64(n-1)
		loc := make([]float64, n)
		for i := range loc {
			loc[i] = lo + float64(i)*step
		}
		xv[d] = loc
	}
	return xv
}
