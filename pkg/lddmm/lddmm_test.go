package lddmm

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func linspace(lo, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// tinyProblem builds a small registration problem whose sample points stay
// well inside the atlas support, suitable for finite-difference checks.
func tinyProblem() *Problem {
	rng := rand.New(rand.NewSource(42))

	atlasLoc := [3][]float64{
		linspace(-4, 2, 5),
		linspace(-4, 2, 5),
		linspace(-4, 2, 5),
	}
	atlas := make([]float64, 125)
	for i := range atlas {
		atlas[i] = 1 + 0.5*rng.NormFloat64()
	}

	targetLoc := [2][]float64{
		linspace(-1, 1, 3),
		linspace(-1, 1, 3),
	}
	target := make([]float64, 9)
	for i := range target {
		target[i] = 1 + 0.3*rng.NormFloat64()
	}

	l := mat.NewDense(3, 3, []float64{
		1, 0.05, -0.02,
		-0.03, 1, 0.04,
		0.02, -0.01, 1,
	})

	return &Problem{
		AtlasLoc:     atlasLoc,
		Atlas:        atlas,
		TargetLoc:    targetLoc,
		Target:       target,
		L:            l,
		T:            [3]float64{0.3, 0.1, -0.2},
		AtlasPoints:  [][3]float64{{0.5, 0.7, -0.3}},
		TargetPoints: [][3]float64{{0, 0.2, 0.1}},
		Params: Params{
			Iterations: 5,
			Timesteps:  2,
			SigmaM:     1,
			SigmaP:     2,
			SigmaR:     5,
			Resolution: 4,
		},
	}
}

func TestEvalGradientMatchesFiniteDifference(t *testing.T) {
	p := tinyProblem()
	ev, err := newEvaluator(p)
	if err != nil {
		t.Fatalf("newEvaluator: %v", err)
	}

	rng := rand.New(rand.NewSource(13))
	x := ev.x0()
	for i := 12; i < len(x); i++ {
		x[i] = 0.05 * rng.NormFloat64()
	}

	grad := make([]float64, len(x))
	ev.gradEval(grad, x)

	// A spread of affine and velocity entries.
	indices := []int{0, 1, 3, 5, 7, 11, 12, 13, 12 + ev.nv, 12 + 2*ev.nv + 4, 12 + 3*ev.nv + 9, len(x) - 1}
	h := 1e-6
	for _, i := range indices {
		orig := x[i]
		x[i] = orig + h
		hi := ev.funcEval(x)
		x[i] = orig - h
		lo := ev.funcEval(x)
		x[i] = orig

		fd := (hi - lo) / (2 * h)
		if math.Abs(grad[i]-fd) > 1e-4*(1+math.Abs(fd)) {
			t.Errorf("grad[%d] = %g, finite difference = %g", i, grad[i], fd)
		}
	}
}

func TestEvalEnergySplitIsFinite(t *testing.T) {
	p := tinyProblem()
	ev, err := newEvaluator(p)
	if err != nil {
		t.Fatalf("newEvaluator: %v", err)
	}
	e := ev.funcEval(ev.x0())
	if !isFinite(e) {
		t.Fatalf("energy at initial point is %v", e)
	}
	for _, v := range []float64{ev.lastEM, ev.lastER, ev.lastEP} {
		if !isFinite(v) || v < 0 {
			t.Errorf("energy component %v, want finite and non-negative", v)
		}
	}
	if math.Abs(e-(ev.lastEM+ev.lastER+ev.lastEP)) > 1e-12*(1+e) {
		t.Errorf("total energy %f does not equal sum of components", e)
	}
}

func TestSolveContrastRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	n := 50
	ai1 := make([]float64, n)
	ai2 := make([]float64, n)
	j := make([]float64, n)
	want := [3]float64{0.7, -1.3, 2.1}
	for i := 0; i < n; i++ {
		ai1[i] = rng.NormFloat64()
		ai2[i] = rng.NormFloat64()
		j[i] = want[0] + want[1]*ai1[i] + want[2]*ai2[i]
	}
	c, ok := solveContrast(ai1, ai2, j)
	if !ok {
		t.Fatal("solveContrast reported a degenerate basis")
	}
	for i := 0; i < 3; i++ {
		if math.Abs(c[i]-want[i]) > 1e-8 {
			t.Errorf("c[%d] = %f, want %f", i, c[i], want[i])
		}
	}
}

func TestSolveContrastDegenerateBasis(t *testing.T) {
	n := 20
	ai1 := make([]float64, n)
	ai2 := make([]float64, n)
	j := make([]float64, n)
	for i := 0; i < n; i++ {
		ai1[i] = 1
		ai2[i] = 1
		j[i] = 3
	}
	if _, ok := solveContrast(ai1, ai2, j); ok {
		t.Error("constant basis should be reported as degenerate")
	}
}

func TestRunZeroIterationsSkipsOptimizer(t *testing.T) {
	p := tinyProblem()
	p.Params.Iterations = 0

	tf, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tf.Errors) != 0 {
		t.Errorf("fast path recorded %d iterations, want 0", len(tf.Errors))
	}
	if tf.Timesteps != p.Params.Timesteps {
		t.Errorf("Timesteps = %d, want %d", tf.Timesteps, p.Params.Timesteps)
	}
	for ti, v := range tf.V {
		for i, x := range v {
			if x != 0 {
				t.Fatalf("V[%d][%d] = %f, want zero velocity", ti, i, x)
			}
		}
	}

	// With zero velocity, MapBackward reduces to the initial pose.
	points, err := tf.MapBackward(p.TargetLoc)
	if err != nil {
		t.Fatalf("MapBackward: %v", err)
	}
	idx := 0
	for _, y := range p.TargetLoc[0] {
		for _, x := range p.TargetLoc[1] {
			in := [3]float64{0, y, x}
			var want [3]float64
			for i := 0; i < 3; i++ {
				want[i] = p.T[i]
				for j := 0; j < 3; j++ {
					want[i] += p.L.At(i, j) * in[j]
				}
			}
			for d := 0; d < 3; d++ {
				if math.Abs(points[idx][d]-want[d]) > 1e-9 {
					t.Fatalf("point %d axis %d = %f, want %f", idx, d, points[idx][d], want[d])
				}
			}
			idx++
		}
	}
}

func TestRunRecordsTraceAndLowersEnergy(t *testing.T) {
	p := tinyProblem()

	var calls int
	p.Progress = func(iter, total int) {
		calls++
		if total != p.Params.Iterations {
			t.Errorf("progress total = %d, want %d", total, p.Params.Iterations)
		}
	}

	tf, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tf.Errors) == 0 || len(tf.Errors) > p.Params.Iterations {
		t.Fatalf("trace has %d entries, want 1..%d", len(tf.Errors), p.Params.Iterations)
	}
	if calls != len(tf.Errors) {
		t.Errorf("progress fired %d times, trace has %d entries", calls, len(tf.Errors))
	}
	first, last := tf.Errors[0], tf.Errors[len(tf.Errors)-1]
	if last.Total > first.Total+1e-9 {
		t.Errorf("energy rose from %f to %f", first.Total, last.Total)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if !isFinite(tf.A[i][j]) {
				t.Fatalf("affine entry (%d,%d) = %f", i, j, tf.A[i][j])
			}
		}
	}
	if len(tf.V) != p.Params.Timesteps {
		t.Errorf("velocity has %d time steps, want %d", len(tf.V), p.Params.Timesteps)
	}
}

func TestTransformSaveLoad(t *testing.T) {
	p := tinyProblem()
	p.Params.Iterations = 0
	tf, err := p.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tf.Errors = []IterationError{{Iteration: 1, Matching: 2, Regularization: 3, Landmark: 4, Total: 9}}

	path := filepath.Join(t.TempDir(), "transform.bin")
	if err := tf.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadTransform(path)
	if err != nil {
		t.Fatalf("LoadTransform: %v", err)
	}

	if got.Timesteps != tf.Timesteps {
		t.Errorf("Timesteps = %d, want %d", got.Timesteps, tf.Timesteps)
	}
	if got.A != tf.A {
		t.Errorf("affine changed across save/load")
	}
	if len(got.Errors) != 1 || got.Errors[0] != tf.Errors[0] {
		t.Errorf("error trace changed across save/load: %+v", got.Errors)
	}
	for d := 0; d < 3; d++ {
		if len(got.XV[d]) != len(tf.XV[d]) {
			t.Fatalf("XV[%d] length changed across save/load", d)
		}
	}
}

func TestPresetIterations(t *testing.T) {
	cases := []struct {
		preset string
		want   int
	}{
		{"very-slow", 2000},
		{"slow", 500},
		{"medium", 100},
		{"fast", 10},
		{"skip", 0},
	}
	for _, c := range cases {
		got, err := PresetIterations(c.preset)
		if err != nil {
			t.Errorf("PresetIterations(%q): %v", c.preset, err)
			continue
		}
		if got != c.want {
			t.Errorf("PresetIterations(%q) = %d, want %d", c.preset, got, c.want)
		}
	}
	if _, err := PresetIterations("warp-speed"); err == nil {
		t.Error("unknown preset should be rejected")
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	bad := []Params{
		{Iterations: -1, Timesteps: 3, SigmaM: 1, SigmaP: 1, SigmaR: 1, Resolution: 1},
		{Iterations: 1, Timesteps: 0, SigmaM: 1, SigmaP: 1, SigmaR: 1, Resolution: 1},
		{Iterations: 1, Timesteps: 3, SigmaM: 0, SigmaP: 1, SigmaR: 1, Resolution: 1},
		{Iterations: 1, Timesteps: 3, SigmaM: 1, SigmaP: -2, SigmaR: 1, Resolution: 1},
		{Iterations: 1, Timesteps: 3, SigmaM: 1, SigmaP: 1, SigmaR: 0, Resolution: 1},
		{Iterations: 1, Timesteps: 3, SigmaM: 1, SigmaP: 1, SigmaR: 1, Resolution: 0},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: invalid params accepted", i)
		}
	}
}

func TestProblemValidateRejectsMismatchedLandmarks(t *testing.T) {
	p := tinyProblem()
	p.TargetPoints = p.TargetPoints[:0]
	if _, err := p.Run(); err == nil {
		t.Error("mismatched landmark lists accepted")
	}
}
