package lddmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Problem describes one deformable registration task: a 3D atlas intensity
// volume, a 2D target image, the initial affine pose, optional landmark
// pairs, and the run parameters. The pose (L, T) maps target-plane
// coordinates into the atlas frame, the same direction the affine preview
// samples in.
type Problem struct {
	// AtlasLoc is the physical sample grid of the atlas volume.
	AtlasLoc [3][]float64

	// Atlas is the atlas intensity volume over AtlasLoc, row-major.
	Atlas []float64

	// TargetLoc is the physical sample grid of the target image,
	// (rows, columns).
	TargetLoc [2][]float64

	// Target is the target image over TargetLoc, row-major.
	Target []float64

	// L and T are the initial pose: linear map and translation carrying
	// target-plane points (0, y, x) into the atlas frame.
	L *mat.Dense
	T [3]float64

	// AtlasPoints and TargetPoints are committed landmark pairs in physical
	// coordinates, equal length. AtlasPoints[i] corresponds to
	// TargetPoints[i].
	AtlasPoints  [][3]float64
	TargetPoints [][3]float64

	// Params holds the run parameters.
	Params Params

	// Progress, when non-nil, is called after every optimizer iteration.
	Progress func(iter, total int)
}

func (p *Problem) validate() error {
	if err := p.Params.Validate(); err != nil {
		return err
	}
	na := len(p.AtlasLoc[0]) * len(p.AtlasLoc[1]) * len(p.AtlasLoc[2])
	if len(p.Atlas) != na {
		return fmt.Errorf("atlas volume has %d samples, grid has %d", len(p.Atlas), na)
	}
	nt := len(p.TargetLoc[0]) * len(p.TargetLoc[1])
	if len(p.Target) != nt {
		return fmt.Errorf("target image has %d samples, grid has %d", len(p.Target), nt)
	}
	if len(p.AtlasPoints) != len(p.TargetPoints) {
		return fmt.Errorf("landmark lists differ in length: %d atlas, %d target",
			len(p.AtlasPoints), len(p.TargetPoints))
	}
	if p.L == nil {
		return fmt.Errorf("initial pose is nil")
	}
	return nil
}

// Run minimizes the composite registration energy and returns the resulting
// transform. With zero iterations the affine pose is returned unchanged with
// a zero velocity field and no optimizer is built.
func (p *Problem) Run() (*Transform, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("registration setup: %w", err)
	}
	if p.Params.Iterations == 0 {
		return AffineOnly(p.L, p.T, p.AtlasLoc, p.Params)
	}

	ev, err := newEvaluator(p)
	if err != nil {
		return nil, err
	}

	rec := &traceRecorder{ev: ev, total: p.Params.Iterations, progress: p.Progress}
	problem := optimize.Problem{
		Func: ev.funcEval,
		Grad: ev.gradEval,
	}
	settings := &optimize.Settings{
		MajorIterations: p.Params.Iterations,
		Recorder:        rec,
		Converger:       optimize.NeverTerminate{},
	}
	result, err := optimize.Minimize(problem, ev.x0(), settings, &optimize.LBFGS{})
	if err != nil {
		return nil, fmt.Errorf("registration optimizer: %w", err)
	}
	if !isFinite(result.F) {
		return nil, fmt.Errorf("registration diverged: energy is %v", result.F)
	}
	return ev.transform(result.X, rec.errors)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// traceRecorder captures the per-iteration energy split and drives the
// caller's progress callback.
type traceRecorder struct {
	ev       *evaluator
	total    int
	progress func(iter, total int)
	errors   []IterationError
}

func (r *traceRecorder) Init() error { return nil }

func (r *traceRecorder) Record(_ *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	r.errors = append(r.errors, IterationError{
		Iteration:      stats.MajorIterations,
		Matching:       r.ev.lastEM,
		Regularization: r.ev.lastER,
		Landmark:       r.ev.lastEP,
		Total:          r.ev.lastEM + r.ev.lastER + r.ev.lastEP,
	})
	if r.progress != nil {
		r.progress(stats.MajorIterations, r.total)
	}
	return nil
}

// evaluator computes the composite energy and its analytic gradient over the
// optimization vector. The vector packs the backward affine's top three rows
// first (row-major, 12 entries), then the velocity field per time step and
// component:
//
//	x[12 + (t*3+d)*nv + i] = v_t[d][i]
//
// where nv is the velocity grid size.
type evaluator struct {
	p *Problem

	ga grid3 // atlas grid
	gv grid3 // velocity grid
	nv int

	xv   [3][]float64
	kern *kernel

	i1, i2 []float64 // contrast channels: normalized atlas and squared deviation
	j      []float64 // normalized target

	dt     float64
	dxArea float64 // target pixel area
	dxVol  float64 // velocity grid cell volume

	// scratch, sized to the target image
	ai1, ai2, fit []float64
	traj          [][3]float64 // (K+1) * npix trajectory points

	lastEM, lastER, lastEP float64
}

func newEvaluator(p *Problem) (*evaluator, error) {
	ev := &evaluator{
		p:  p,
		ga: newGrid3(p.AtlasLoc),
		xv: velocityGrid(p.AtlasLoc, p.Params.Resolution),
	}
	ev.gv = newGrid3(ev.xv)
	ev.nv = ev.gv.size()
	ev.kern = newKernel(ev.gv, p.Params.Resolution)
	ev.dt = 1 / float64(p.Params.Timesteps)
	ev.dxVol = ev.gv.dx[0] * ev.gv.dx[1] * ev.gv.dx[2]

	ev.dxArea = 1
	for d := 0; d < 2; d++ {
		if len(p.TargetLoc[d]) > 1 {
			ev.dxArea *= p.TargetLoc[d][1] - p.TargetLoc[d][0]
		}
	}

	// Normalize the atlas by its mean absolute intensity and add the squared
	// deviation from the mean as a second contrast channel, so the linear
	// contrast model can represent polarity-inverted and non-monotone stains.
	ev.i1 = normalizeByMeanAbs(p.Atlas)
	m := mean(ev.i1)
	ev.i2 = make([]float64, len(ev.i1))
	for i, x := range ev.i1 {
		d := x - m
		ev.i2[i] = d * d
	}
	ev.j = normalizeByMeanAbs(p.Target)

	npix := len(p.Target)
	ev.ai1 = make([]float64, npix)
	ev.ai2 = make([]float64, npix)
	ev.fit = make([]float64, npix)
	ev.traj = make([][3]float64, (p.Params.Timesteps+1)*npix)
	return ev, nil
}

func normalizeByMeanAbs(data []float64) []float64 {
	sum := 0.0
	for _, x := range data {
		sum += math.Abs(x)
	}
	out := make([]float64, len(data))
	if sum == 0 {
		copy(out, data)
		return out
	}
	scale := float64(len(data)) / sum
	for i, x := range data {
		out[i] = x * scale
	}
	return out
}

func mean(data []float64) float64 {
	sum := 0.0
	for _, x := range data {
		sum += x
	}
	return sum / float64(len(data))
}

func (ev *evaluator) x0() []float64 {
	x := make([]float64, 12+ev.p.Params.Timesteps*3*ev.nv)
	b := homogeneous(ev.p.L, ev.p.T)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			x[i*4+j] = b.At(i, j)
		}
	}
	return x
}

func (ev *evaluator) affine(x []float64) *mat.Dense {
	b := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			b.Set(i, j, x[i*4+j])
		}
	}
	b.Set(3, 3, 1)
	return b
}

func (ev *evaluator) velocity(x []float64, t, d int) []float64 {
	off := 12 + (t*3+d)*ev.nv
	return x[off : off+ev.nv]
}

func (ev *evaluator) funcEval(x []float64) float64 {
	return ev.eval(x, nil)
}

func (ev *evaluator) gradEval(grad, x []float64) {
	ev.eval(x, grad)
}

// eval computes the composite energy at x and, when grad is non-nil, its
// analytic gradient. The contrast coefficients are re-solved in closed form
// at every evaluation and treated as constants in the gradient, the usual
// alternating scheme for this model.
func (ev *evaluator) eval(x []float64, grad []float64) float64 {
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}

	b := ev.affine(x)
	em := ev.matchingTerm(x, b, grad)
	er := ev.regularizationTerm(x, grad)
	ep := 0.0
	if len(ev.p.AtlasPoints) > 0 {
		ep = ev.landmarkTerm(x, b, grad)
	}

	ev.lastEM, ev.lastER, ev.lastEP = em, er, ep
	return em + er + ep
}

// matchingTerm flows every target pixel backward into the atlas frame,
// solves the contrast model, and accumulates the weighted squared residual.
// With grad non-nil it also backpropagates the residual along each stored
// trajectory into the affine and velocity entries.
func (ev *evaluator) matchingTerm(x []float64, b *mat.Dense, grad []float64) float64 {
	p := ev.p
	k := p.Params.Timesteps
	npix := len(p.Target)
	ny, nx := len(p.TargetLoc[0]), len(p.TargetLoc[1])

	// Backward trajectories: traj[kk*npix+pix] is the pixel's position after
	// integrating from time K down to kk.
	pix := 0
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			q := applyHomogeneous(b, [3]float64{0, p.TargetLoc[0][iy], p.TargetLoc[1][ix]})
			ev.traj[k*npix+pix] = q
			for kk := k - 1; kk >= 0; kk-- {
				v := ev.velocityAtPoint(x, kk, q)
				for d := 0; d < 3; d++ {
					q[d] -= ev.dt * v[d]
				}
				ev.traj[kk*npix+pix] = q
			}
			ev.ai1[pix] = ev.ga.interp(ev.i1, q)
			ev.ai2[pix] = ev.ga.interp(ev.i2, q)
			pix++
		}
	}

	c, ok := solveContrast(ev.ai1, ev.ai2, ev.j)
	if !ok {
		c = [3]float64{mean(ev.j), 0, 0}
	}

	scale := ev.dxArea / (2 * p.Params.SigmaM * p.Params.SigmaM)
	em := 0.0
	for i := range ev.fit {
		ev.fit[i] = c[0] + c[1]*ev.ai1[i] + c[2]*ev.ai2[i]
		r := ev.fit[i] - ev.j[i]
		em += r * r
	}
	em *= scale

	if grad == nil {
		return em
	}

	rscale := 2 * scale
	pix = 0
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			r := rscale * (ev.fit[pix] - ev.j[pix])
			q0 := ev.traj[pix]
			_, g1 := ev.ga.interpGrad(ev.i1, q0)
			_, g2 := ev.ga.interpGrad(ev.i2, q0)
			var lam [3]float64
			for d := 0; d < 3; d++ {
				lam[d] = r * (c[1]*g1[d] + c[2]*g2[d])
			}

			// Propagate the adjoint forward in time: each step contributes
			// -dt*lambda at the step's evaluation point, and the adjoint
			// itself picks up the transposed velocity Jacobian.
			for kk := 0; kk < k; kk++ {
				at := ev.traj[(kk+1)*npix+pix]
				for d := 0; d < 3; d++ {
					ev.gv.splat(ev.velocityGradSlice(grad, kk, d), at, -ev.dt*lam[d])
				}
				lam = ev.adjointStep(x, kk, at, lam, -ev.dt)
			}

			// The trajectory's starting point is the affine image of the
			// pixel's homogeneous coordinate.
			xh := [4]float64{0, p.TargetLoc[0][iy], p.TargetLoc[1][ix], 1}
			for i := 0; i < 3; i++ {
				for j := 0; j < 4; j++ {
					grad[i*4+j] += lam[i] * xh[j]
				}
			}
			pix++
		}
	}
	return em
}

// adjointStep applies lambda <- lambda + sign * Dv^T lambda evaluated at the
// given point, the transposed-Jacobian update of the flow adjoint.
func (ev *evaluator) adjointStep(x []float64, t int, at [3]float64, lam [3]float64, sign float64) [3]float64 {
	var jac [3][3]float64 // jac[j][i] = dv_j/dx_i
	for j := 0; j < 3; j++ {
		_, g := ev.gv.interpGrad(ev.velocity(x, t, j), at)
		jac[j] = g
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = lam[i]
		for j := 0; j < 3; j++ {
			out[i] += sign * jac[j][i] * lam[j]
		}
	}
	return out
}

func (ev *evaluator) velocityAtPoint(x []float64, t int, p [3]float64) [3]float64 {
	var v [3]float64
	for d := 0; d < 3; d++ {
		v[d] = ev.gv.interp(ev.velocity(x, t, d), p)
	}
	return v
}

func (ev *evaluator) velocityGradSlice(grad []float64, t, d int) []float64 {
	off := 12 + (t*3+d)*ev.nv
	return grad[off : off+ev.nv]
}

// solveContrast fits fit = c0 + c1*ai1 + c2*ai2 to j in the least-squares
// sense via the 3x3 normal equations. ok is false when the basis is
// degenerate (for example a constant image).
func solveContrast(ai1, ai2, j []float64) (c [3]float64, ok bool) {
	var m [3][3]float64
	var rhs [3]float64
	for i := range j {
		basis := [3]float64{1, ai1[i], ai2[i]}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				m[a][b] += basis[a] * basis[b]
			}
			rhs[a] += basis[a] * j[i]
		}
	}
	mm := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var sol mat.VecDense
	if err := sol.SolveVec(mm, mat.NewVecDense(3, rhs[:])); err != nil {
		return c, false
	}
	for i := 0; i < 3; i++ {
		c[i] = sol.AtVec(i)
	}
	return c, true
}

// regularizationTerm sums the Fourier smoothness penalty over all time steps
// and components.
func (ev *evaluator) regularizationTerm(x []float64, grad []float64) float64 {
	p := ev.p.Params
	scale := ev.dt * ev.dxVol / (2 * p.SigmaR * p.SigmaR)
	er := 0.0
	for t := 0; t < p.Timesteps; t++ {
		for d := 0; d < 3; d++ {
			v := ev.velocity(x, t, d)
			er += ev.kern.penalty(v)
			if grad != nil {
				ev.kern.penaltyGrad(ev.velocityGradSlice(grad, t, d), v, scale)
			}
		}
	}
	return er * scale
}

// landmarkTerm flows each committed atlas landmark forward through the
// velocity field and the inverse affine into the target frame and penalizes
// its squared distance to the paired target landmark.
func (ev *evaluator) landmarkTerm(x []float64, b *mat.Dense, grad []float64) float64 {
	p := ev.p
	k := p.Params.Timesteps

	var c mat.Dense
	if err := c.Inverse(b); err != nil {
		return math.Inf(1)
	}

	scale := 1 / (2 * p.Params.SigmaP * p.Params.SigmaP)
	ep := 0.0
	traj := make([][3]float64, k+1)
	for li, a := range p.AtlasPoints {
		traj[0] = a
		for kk := 0; kk < k; kk++ {
			v := ev.velocityAtPoint(x, kk, traj[kk])
			for d := 0; d < 3; d++ {
				traj[kk+1][d] = traj[kk][d] + ev.dt*v[d]
			}
		}
		u := applyHomogeneous(&c, traj[k])
		var e [3]float64
		for d := 0; d < 3; d++ {
			e[d] = u[d] - p.TargetPoints[li][d]
			ep += e[d] * e[d]
		}
		if grad == nil {
			continue
		}

		var g [3]float64
		for d := 0; d < 3; d++ {
			g[d] = 2 * scale * e[d]
		}

		// Affine entries through the inverse: dE/dB = -C^T G C^T with
		// G_ij = g_i * (s_K)h_j and C = B^{-1}.
		sh := [4]float64{traj[k][0], traj[k][1], traj[k][2], 1}
		var gm [4][4]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				gm[i][j] = g[i] * sh[j]
			}
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				acc := 0.0
				for a1 := 0; a1 < 4; a1++ {
					for b1 := 0; b1 < 4; b1++ {
						acc += c.At(a1, i) * gm[a1][b1] * c.At(j, b1)
					}
				}
				grad[i*4+j] -= acc
			}
		}

		// Flow adjoint, backward in time over the forward trajectory.
		var mu [3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				mu[i] += c.At(j, i) * g[j]
			}
		}
		for kk := k - 1; kk >= 0; kk-- {
			for d := 0; d < 3; d++ {
				ev.gv.splat(ev.velocityGradSlice(grad, kk, d), traj[kk], ev.dt*mu[d])
			}
			mu = ev.adjointStep(x, kk, traj[kk], mu, ev.dt)
		}
	}
	return ep * scale
}

// transform packs the optimized vector into the result type.
func (ev *evaluator) transform(x []float64, errors []IterationError) (*Transform, error) {
	tf := &Transform{
		XV:        ev.xv,
		Timesteps: ev.p.Params.Timesteps,
		V:         make([][]float64, ev.p.Params.Timesteps),
		Errors:    errors,
	}
	b := ev.affine(x)
	var inv mat.Dense
	if err := inv.Inverse(b); err != nil {
		return nil, fmt.Errorf("optimized affine is singular: %w", err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			tf.A[i][j] = inv.At(i, j)
		}
	}
	for t := range tf.V {
		tf.V[t] = make([]float64, 3*ev.nv)
		for d := 0; d < 3; d++ {
			copy(tf.V[t][d*ev.nv:(d+1)*ev.nv], ev.velocity(x, t, d))
		}
	}
	return tf, nil
}
