package lddmm

import (
	"math"
	"math/rand"
	"testing"
)

func testGrid() grid3 {
	loc := [3][]float64{
		{-10, 0, 10, 20},
		{-5, 0, 5},
		{0, 2, 4, 6, 8},
	}
	return newGrid3(loc)
}

func TestGrid3InterpReproducesLinear(t *testing.T) {
	g := testGrid()
	// f(x) = 2 + x0 - 3*x1 + 0.5*x2 is reproduced exactly by trilinear
	// interpolation.
	f := func(p [3]float64) float64 { return 2 + p[0] - 3*p[1] + 0.5*p[2] }
	data := make([]float64, g.size())
	idx := 0
	for i := 0; i < g.n[0]; i++ {
		for j := 0; j < g.n[1]; j++ {
			for k := 0; k < g.n[2]; k++ {
				p := [3]float64{g.x0[0] + float64(i)*g.dx[0], g.x0[1] + float64(j)*g.dx[1], g.x0[2] + float64(k)*g.dx[2]}
				data[idx] = f(p)
				idx++
			}
		}
	}

	points := [][3]float64{
		{-3.7, 1.2, 5.5},
		{0, 0, 0},
		{19.9, 4.9, 7.9},
	}
	for _, p := range points {
		got := g.interp(data, p)
		want := f(p)
		if math.Abs(got-want) > 1e-10 {
			t.Errorf("interp at %v = %f, want %f", p, got, want)
		}
	}
}

func TestGrid3InterpOutsideIsZero(t *testing.T) {
	g := testGrid()
	data := make([]float64, g.size())
	for i := range data {
		data[i] = 1
	}
	outside := [][3]float64{
		{-11, 0, 0},
		{0, 6, 0},
		{0, 0, -0.1},
		{21, 0, 0},
	}
	for _, p := range outside {
		if got := g.interp(data, p); got != 0 {
			t.Errorf("interp outside grid at %v = %f, want 0", p, got)
		}
	}
}

func TestGrid3SplatIsAdjointOfInterp(t *testing.T) {
	g := testGrid()
	rng := rand.New(rand.NewSource(7))
	data := make([]float64, g.size())
	for i := range data {
		data[i] = rng.NormFloat64()
	}

	p := [3]float64{-2.3, 1.7, 3.1}
	w := 0.83

	dst := make([]float64, g.size())
	g.splat(dst, p, w)
	dot := 0.0
	for i := range dst {
		dot += dst[i] * data[i]
	}
	want := w * g.interp(data, p)
	if math.Abs(dot-want) > 1e-10 {
		t.Errorf("<splat, data> = %f, want w*interp = %f", dot, want)
	}
}

func TestGrid3InterpGradMatchesFiniteDifference(t *testing.T) {
	g := testGrid()
	rng := rand.New(rand.NewSource(11))
	data := make([]float64, g.size())
	for i := range data {
		data[i] = rng.NormFloat64()
	}

	// A generic interior point away from cell boundaries, where trilinear
	// interpolation is smooth.
	p := [3]float64{-2.31, 1.77, 3.13}
	val, grad := g.interpGrad(data, p)

	if iv := g.interp(data, p); math.Abs(val-iv) > 1e-12 {
		t.Errorf("interpGrad value %f disagrees with interp %f", val, iv)
	}

	h := 1e-6
	for d := 0; d < 3; d++ {
		hi, lo := p, p
		hi[d] += h
		lo[d] -= h
		fd := (g.interp(data, hi) - g.interp(data, lo)) / (2 * h)
		if math.Abs(grad[d]-fd) > 1e-5 {
			t.Errorf("grad[%d] = %f, finite difference = %f", d, grad[d], fd)
		}
	}
}

func TestVelocityGridCoversAtlas(t *testing.T) {
	loc := [3][]float64{
		{-250, -150, -50, 50, 150, 250},
		{-100, 0, 100},
		{-400, -200, 0, 200, 400},
	}
	xv := velocityGrid(loc, 200)
	for d := 0; d < 3; d++ {
		if len(xv[d]) < 2 {
			t.Fatalf("axis %d: velocity grid has %d nodes, want at least 2", d, len(xv[d]))
		}
		if xv[d][0] > loc[d][0]+1e-9 {
			t.Errorf("axis %d: grid starts at %f, after atlas start %f", d, xv[d][0], loc[d][0])
		}
		if xv[d][len(xv[d])-1] < loc[d][len(loc[d])-1]-1e-9 {
			t.Errorf("axis %d: grid ends at %f, before atlas end %f", d, xv[d][len(xv[d])-1], loc[d][len(loc[d])-1])
		}
	}
}
