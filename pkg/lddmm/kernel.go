package lddmm

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// smoothnessOrder is the power p of the differential operator (1 - a^2 L)^p
// penalizing velocity-field roughness.
const smoothnessOrder = 2

// kernel evaluates the Fourier-domain smoothness penalty of the velocity
// field. The regularization term is
//
//	ER = dt * prod(dxv) / (2 sigmaR^2) * (1/N) * sum_f Lhat(f)^2 |vhat(f)|^2
//
// with Lhat(f) = (1 - 2 a^2 sum_d (cos(2 pi k_d / n_d) - 1) / dx_d^2)^p, the
// discrete analogue of the operator (1 - a^2 Laplacian)^p.
type kernel struct {
	n     [3]int
	lhat2 []float64 // Lhat^2 per frequency, row-major over n
	ffts  [3]*fourier.CmplxFFT
	buf   []complex128
	line  [3][]complex128
}

func newKernel(g grid3, a float64) *kernel {
	k := &kernel{n: g.n}
	total := g.size()
	k.lhat2 = make([]float64, total)
	k.buf = make([]complex128, total)
	for d := 0; d < 3; d++ {
		k.ffts[d] = fourier.NewCmplxFFT(g.n[d])
		k.line[d] = make([]complex128, g.n[d])
	}

	for i := 0; i < g.n[0]; i++ {
		for j := 0; j < g.n[1]; j++ {
			for kk := 0; kk < g.n[2]; kk++ {
				freq := [3]int{i, j, kk}
				acc := 0.0
				for d := 0; d < 3; d++ {
					c := math.Cos(2 * math.Pi * float64(freq[d]) / float64(g.n[d]))
					acc += (c - 1) / (g.dx[d] * g.dx[d])
				}
				lhat := math.Pow(1-2*a*a*acc, smoothnessOrder)
				k.lhat2[(i*g.n[1]+j)*g.n[2]+kk] = lhat * lhat
			}
		}
	}
	return k
}

// forward replaces buf with its unnormalized 3D DFT, one axis at a time in
// the same line-by-line fashion the 2D transforms in this codebase use.
func (k *kernel) transform(data []complex128, inverse bool) {
	n0, n1, n2 := k.n[0], k.n[1], k.n[2]

	// Axis 2: contiguous lines.
	for i := 0; i < n0; i++ {
		for j := 0; j < n1; j++ {
			base := (i*n1 + j) * n2
			k.applyLine(data[base:base+n2], 1, 2, inverse)
		}
	}
	// Axis 1.
	for i := 0; i < n0; i++ {
		for kk := 0; kk < n2; kk++ {
			k.applyLine(data[i*n1*n2+kk:], n2, 1, inverse)
		}
	}
	// Axis 0.
	for j := 0; j < n1; j++ {
		for kk := 0; kk < n2; kk++ {
			k.applyLine(data[j*n2+kk:], n1*n2, 0, inverse)
		}
	}
}

// applyLine runs a 1D transform over a strided line in place.
func (k *kernel) applyLine(data []complex128, stride, axis int, inverse bool) {
	n := k.n[axis]
	line := k.line[axis]
	for i := 0; i < n; i++ {
		line[i] = data[i*stride]
	}
	out := make([]complex128, n)
	if inverse {
		k.ffts[axis].Sequence(out, line)
	} else {
		k.ffts[axis].Coefficients(out, line)
	}
	for i := 0; i < n; i++ {
		data[i*stride] = out[i]
	}
}

// penalty returns (1/N) sum_f Lhat^2 |vhat|^2 for one velocity component
// sampled on the grid; scale factors are applied by the caller.
func (k *kernel) penalty(v []float64) float64 {
	for i, x := range v {
		k.buf[i] = complex(x, 0)
	}
	k.transform(k.buf, false)
	sum := 0.0
	for i, c := range k.buf {
		sum += k.lhat2[i] * (real(c)*real(c) + imag(c)*imag(c))
	}
	return sum / float64(len(v))
}

// penaltyGrad adds scale * d/dv of the penalty to dst. The derivative is
// 2/N * IFFT(Lhat^2 * FFT(v)); the unnormalized inverse transform carries an
// extra factor N which cancels against the normalization.
func (k *kernel) penaltyGrad(dst, v []float64, scale float64) {
	for i, x := range v {
		k.buf[i] = complex(x, 0)
	}
	k.transform(k.buf, false)
	for i := range k.buf {
		k.buf[i] *= complex(k.lhat2[i], 0)
	}
	k.transform(k.buf, true)
	norm := 2 * scale / float64(len(v))
	for i := range v {
		dst[i] += norm * real(k.buf[i])
	}
}
