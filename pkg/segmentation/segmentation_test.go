package segmentation

import (
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"historeg/pkg/atlas"
	"historeg/pkg/lddmm"
)

// cubeLabels builds a 5x5x5 annotation volume with region 7 filling the
// central 3x3x3 sub-cube.
func cubeLabels(t *testing.T) *atlas.Volume {
	t.Helper()
	data := make([]float64, 125)
	for i := 1; i <= 3; i++ {
		for j := 1; j <= 3; j++ {
			for k := 1; k <= 3; k++ {
				data[(i*5+j)*5+k] = 7
			}
		}
	}
	vol, err := atlas.NewVolume(data, [3]int{5, 5, 5}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	return vol
}

func identityPose() (*mat.Dense, [3]float64) {
	l := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	return l, [3]float64{}
}

func TestResampleAffineCentralPlane(t *testing.T) {
	vol := cubeLabels(t)
	l, tr := identityPose()

	grid := [2][]float64{vol.PixLoc[1], vol.PixLoc[2]}
	m := ResampleAffine(vol, grid, l, tr)
	if m.Shape != [2]int{5, 5} {
		t.Fatalf("shape = %v, want [5 5]", m.Shape)
	}
	// The plane at depth 0 cuts the cube through its center: region 7 where
	// both in-plane indices fall in [1, 3].
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			want := uint32(0)
			if i >= 1 && i <= 3 && j >= 1 && j <= 3 {
				want = 7
			}
			if got := m.At(i, j); got != want {
				t.Errorf("label at (%d,%d) = %d, want %d", i, j, got, want)
			}
		}
	}
}

func TestResampleAffineUsesTargetGrid(t *testing.T) {
	vol := cubeLabels(t)
	l, tr := identityPose()

	// A target grid finer than the atlas: 9 samples per axis over the same
	// extent. The output must be shaped by the target, not the atlas.
	fine := make([]float64, 9)
	for i := range fine {
		fine[i] = -2 + 0.5*float64(i)
	}
	m := ResampleAffine(vol, [2][]float64{fine, fine}, l, tr)
	if m.Shape != [2]int{9, 9} {
		t.Fatalf("shape = %v, want [9 9]", m.Shape)
	}
	if got := m.At(4, 4); got != 7 {
		t.Errorf("center label = %d, want 7", got)
	}
	if got := m.At(0, 0); got != 0 {
		t.Errorf("corner label = %d, want background", got)
	}
}

func TestResampleAffineIsIdempotent(t *testing.T) {
	vol := cubeLabels(t)
	l, tr := identityPose()
	tr[0] = 0.4

	grid := [2][]float64{vol.PixLoc[1], vol.PixLoc[2]}
	a := ResampleAffine(vol, grid, l, tr)
	b := ResampleAffine(vol, grid, l, tr)
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			t.Fatalf("resampling is not deterministic at pixel %d", i)
		}
	}
}

func TestResampleAffineOutsideVolumeIsBackground(t *testing.T) {
	vol := cubeLabels(t)
	l, tr := identityPose()
	tr[0] = 10 // plane entirely outside the volume

	m := ResampleAffine(vol, [2][]float64{vol.PixLoc[1], vol.PixLoc[2]}, l, tr)
	for i, lab := range m.Labels {
		if lab != 0 {
			t.Fatalf("pixel %d = %d, want background for an out-of-volume plane", i, lab)
		}
	}
}

func TestResampleDeformedZeroVelocityMatchesAffine(t *testing.T) {
	vol := cubeLabels(t)
	l, tr := identityPose()

	tf, err := lddmm.AffineOnly(l, tr, vol.PixLoc, lddmm.Params{
		Timesteps:  3,
		Resolution: 2,
	})
	if err != nil {
		t.Fatalf("AffineOnly: %v", err)
	}
	targetLoc := [2][]float64{vol.PixLoc[1], vol.PixLoc[2]}
	got, err := ResampleDeformed(vol, tf, targetLoc)
	if err != nil {
		t.Fatalf("ResampleDeformed: %v", err)
	}
	want := ResampleAffine(vol, targetLoc, l, tr)
	for i := range want.Labels {
		if got.Labels[i] != want.Labels[i] {
			t.Fatalf("pixel %d: deformed %d, affine %d", i, got.Labels[i], want.Labels[i])
		}
	}
}

func TestNewLabelMapValidates(t *testing.T) {
	if _, err := NewLabelMap(make([]uint32, 5), [2]int{2, 3}); err == nil {
		t.Error("mismatched length accepted")
	}
	if _, err := NewLabelMap(nil, [2]int{0, 3}); err == nil {
		t.Error("zero shape accepted")
	}
	if _, err := NewLabelMap(make([]uint32, 6), [2]int{2, 3}); err != nil {
		t.Errorf("valid label map rejected: %v", err)
	}
}

func TestSetBestPrecedence(t *testing.T) {
	mk := func() *LabelMap { return &LabelMap{Labels: make([]uint32, 1), Shape: [2]int{1, 1}} }

	s := Set{}
	if _, _, ok := s.Best(); ok {
		t.Fatal("empty set reported a best variant")
	}

	s[Estimated] = mk()
	if _, v, _ := s.Best(); v != Estimated {
		t.Errorf("best = %v, want estimated", v)
	}
	s[Registered] = mk()
	if _, v, _ := s.Best(); v != Registered {
		t.Errorf("best = %v, want registered", v)
	}
	s[Imported] = mk()
	if _, v, _ := s.Best(); v != Imported {
		t.Errorf("best = %v, want imported", v)
	}
	s[ManuallyCorrected] = mk()
	if _, v, _ := s.Best(); v != ManuallyCorrected {
		t.Errorf("best = %v, want manually-corrected", v)
	}
}

func TestLabelMapSaveLoad(t *testing.T) {
	m := &LabelMap{
		Labels: []uint32{0, 7, 0, 1200000000, 7, 0},
		Shape:  [2]int{2, 3},
	}
	path := filepath.Join(t.TempDir(), "labels.bin")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadLabelMap(path)
	if err != nil {
		t.Fatalf("LoadLabelMap: %v", err)
	}
	if got.Shape != m.Shape {
		t.Fatalf("shape = %v, want %v", got.Shape, m.Shape)
	}
	for i := range m.Labels {
		if got.Labels[i] != m.Labels[i] {
			t.Fatalf("label %d = %d, want %d", i, got.Labels[i], m.Labels[i])
		}
	}
}

func TestRegionsSortedDistinct(t *testing.T) {
	m := &LabelMap{
		Labels: []uint32{0, 9, 3, 3, 9, 0},
		Shape:  [2]int{2, 3},
	}
	got := m.Regions()
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Errorf("Regions() = %v, want [3 9]", got)
	}
}
