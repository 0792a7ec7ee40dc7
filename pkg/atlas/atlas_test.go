package atlas

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeTestNifti writes a minimal little-endian NIfTI-1 file holding a 3D
// float64 volume. Shape is given in volume axis order (slowest first).
func writeTestNifti(t *testing.T, path string, data []float64, shape [3]int, pixDim [3]float64) {
	t.Helper()

	var hdr niftiHeader
	hdr.SizeOfHdr = 348
	hdr.Dim[0] = 3
	// NIfTI dims are fastest-varying first.
	for d := 0; d < 3; d++ {
		hdr.Dim[1+d] = int16(shape[2-d])
		hdr.PixDim[1+d] = float32(pixDim[2-d])
	}
	hdr.DataType = niftiTypeFloat64
	hdr.BitPix = 64
	hdr.VoxOffset = 352
	hdr.Magic = [4]int8{'n', '+', '1', 0}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // extension flag
	if err := binary.Write(buf, binary.LittleEndian, data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadVolumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{2, 3, 4}
	data := make([]float64, 24)
	for i := range data {
		data[i] = float64(i)
	}
	path := filepath.Join(dir, "vol.nii")
	writeTestNifti(t, path, data, shape, [3]float64{2, 1, 0.5})

	v, err := LoadVolume(path, false)
	if err != nil {
		t.Fatalf("LoadVolume: %v", err)
	}
	if v.Shape != shape {
		t.Fatalf("shape %v, want %v", v.Shape, shape)
	}
	if v.PixDim != [3]float64{2, 1, 0.5} {
		t.Fatalf("pixDim %v", v.PixDim)
	}
	for i := range data {
		if v.Data[i] != data[i] {
			t.Fatalf("data[%d] = %f, want %f", i, v.Data[i], data[i])
		}
	}
}

func TestLoadVolumeNormalize(t *testing.T) {
	dir := t.TempDir()
	data := []float64{0, 5, 10, 10, 5, 0, 0, 10}
	path := filepath.Join(dir, "vol.nii")
	writeTestNifti(t, path, data, [3]int{2, 2, 2}, [3]float64{1, 1, 1})

	v, err := LoadVolume(path, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, x := range v.Data {
		if x < 0 || x > 1 {
			t.Fatalf("normalized value %f outside [0,1]", x)
		}
	}
	if math.Abs(v.Data[1]-0.5) > 1e-12 {
		t.Errorf("midpoint %f, want 0.5", v.Data[1])
	}
}

func writeTestNames(t *testing.T, path string) {
	t.Helper()
	contents := "name,id,parent_id\nroot,1,1\ncortex,7,1\nthalamus,12,1\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRegionTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "names_dict.csv")
	writeTestNames(t, path)

	table, err := LoadRegionTable(path)
	if err != nil {
		t.Fatalf("LoadRegionTable: %v", err)
	}

	// The synthetic background entry is always present.
	empty, ok := table.Lookup(0)
	if !ok || empty.Name != "empty" {
		t.Errorf("background region = %+v, ok=%t, want empty/0", empty, ok)
	}
	if r, ok := table.ByName("cortex"); !ok || r.ID != 7 || r.Parent != 1 {
		t.Errorf("cortex = %+v, ok=%t", r, ok)
	}
	if got := table.MaxID(); got != 12 {
		t.Errorf("MaxID = %d, want 12", got)
	}
	if got := table.Name(99); got != "unknown" {
		t.Errorf("Name(99) = %q, want unknown", got)
	}
}

func TestLoadAtlasDirectory(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{4, 4, 4}
	ref := make([]float64, 64)
	lab := make([]float64, 64)
	for i := range ref {
		ref[i] = float64(i % 11)
		lab[i] = float64(i % 3)
	}
	writeTestNifti(t, filepath.Join(dir, "atlas_reference.nii"), ref, shape, [3]float64{100, 100, 100})
	writeTestNifti(t, filepath.Join(dir, "atlas_label.nii"), lab, shape, [3]float64{100, 100, 100})
	writeTestNames(t, filepath.Join(dir, "names_dict.csv"))

	a, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// 100 units/pixel is already coarser than the threshold: factor 1.
	if a.DownFactor != [3]int{1, 1, 1} {
		t.Errorf("DownFactor %v, want [1 1 1]", a.DownFactor)
	}
	if a.Reference.Shape != shape || a.Labels.Shape != shape {
		t.Errorf("shapes %v / %v", a.Reference.Shape, a.Labels.Shape)
	}
	// Labels must load unnormalized.
	hasTwo := false
	for _, x := range a.Labels.Data {
		if x == 2 {
			hasTwo = true
		}
	}
	if !hasTwo {
		t.Error("label volume lost integer identity")
	}
}

// TestLoadAtlasMissingFileIsFatal covers the no-partial-load rule: any of the
// three required files missing fails the whole load.
func TestLoadAtlasMissingFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeTestNifti(t, filepath.Join(dir, "atlas_reference.nii"),
		make([]float64, 8), [3]int{2, 2, 2}, [3]float64{1, 1, 1})
	writeTestNames(t, filepath.Join(dir, "names_dict.csv"))

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for missing label volume")
	}
}
