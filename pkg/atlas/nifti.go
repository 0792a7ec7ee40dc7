package atlas

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// niftiHeader is the fixed 348-byte NIfTI-1 header. Only the fields needed to
// locate and type the voxel data are consumed; the rest are carried so that
// binary.Read can walk the full layout.
type niftiHeader struct {
	SizeOfHdr      int32
	DataTypeUnused [10]int8
	DbNameUnused   [18]int8
	ExtentsUnused  int32
	SessionError   int16
	RegularUnused  int8
	DimInfo        int8

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32

	SliceEnd     int16
	SliceCode    int8
	XyztUnits    int8
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	GlMax        int32
	GlMin        int32
	Descrip      [80]int8
	AuxFile      [24]int8
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]int8
	Magic        [4]int8
}

// NIfTI-1 datatype codes for the voxel types an atlas may carry.
const (
	niftiTypeUint8   = 2
	niftiTypeInt16   = 4
	niftiTypeInt32   = 8
	niftiTypeFloat32 = 16
	niftiTypeFloat64 = 64
	niftiTypeUint16  = 512
	niftiTypeUint32  = 768
)

// LoadVolume reads a 3D scalar volume with its physical pixel spacing from a
// NIfTI-1 file (.nii, optionally gzip-compressed as .nii.gz). When normalize
// is true the voxel values are rescaled to [0, 1]; label volumes must be
// loaded with normalize=false so integer region identities survive.
func LoadVolume(path string, normalize bool) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := readNifti(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if normalize {
		v.Normalize()
	}
	return v, nil
}

func readNifti(r io.Reader) (*Volume, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 348 {
		return nil, fmt.Errorf("file too short for NIfTI-1 header (%d bytes)", len(raw))
	}

	// Byte order is discovered from sizeof_hdr, which must read as 348.
	order, err := niftiByteOrder(raw)
	if err != nil {
		return nil, err
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw[:348]), order, &hdr); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if m := hdr.Magic; !(m[0] == 'n' && (m[1] == '+' || m[1] == 'i') && m[2] == '1') {
		return nil, fmt.Errorf("bad NIfTI magic %q", []int8{m[0], m[1], m[2]})
	}
	if hdr.Dim[0] < 2 || hdr.Dim[0] > 3 {
		return nil, fmt.Errorf("expected 2D or 3D volume, header declares %d dimensions", hdr.Dim[0])
	}

	shape := [3]int{1, 1, 1}
	pixDim := [3]float64{1, 1, 1}
	// NIfTI orders dims fastest-varying first; volumes here use axis 0 as the
	// slowest (through-slice) axis, so the header dims are reversed.
	nd := int(hdr.Dim[0])
	for d := 0; d < nd; d++ {
		shape[3-nd+d] = int(hdr.Dim[nd-d])
		pixDim[3-nd+d] = float64(hdr.PixDim[nd-d])
		if pixDim[3-nd+d] <= 0 {
			pixDim[3-nd+d] = 1
		}
	}

	n := shape[0] * shape[1] * shape[2]
	offset := int(hdr.VoxOffset)
	if offset < 348 {
		offset = 348
	}
	bytesPerVox := int(hdr.BitPix) / 8
	if len(raw) < offset+n*bytesPerVox {
		return nil, fmt.Errorf("voxel data truncated: need %d bytes, have %d", offset+n*bytesPerVox, len(raw))
	}
	body := raw[offset:]

	data := make([]float64, n)
	switch hdr.DataType {
	case niftiTypeUint8:
		for i := 0; i < n; i++ {
			data[i] = float64(body[i])
		}
	case niftiTypeInt16:
		for i := 0; i < n; i++ {
			data[i] = float64(int16(order.Uint16(body[i*2:])))
		}
	case niftiTypeUint16:
		for i := 0; i < n; i++ {
			data[i] = float64(order.Uint16(body[i*2:]))
		}
	case niftiTypeInt32:
		for i := 0; i < n; i++ {
			data[i] = float64(int32(order.Uint32(body[i*4:])))
		}
	case niftiTypeUint32:
		for i := 0; i < n; i++ {
			data[i] = float64(order.Uint32(body[i*4:]))
		}
	case niftiTypeFloat32:
		for i := 0; i < n; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(body[i*4:])))
		}
	case niftiTypeFloat64:
		for i := 0; i < n; i++ {
			data[i] = math.Float64frombits(order.Uint64(body[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", hdr.DataType)
	}

	return NewVolume(data, shape, pixDim)
}

func niftiByteOrder(raw []byte) (binary.ByteOrder, error) {
	if binary.LittleEndian.Uint32(raw) == 348 {
		return binary.LittleEndian, nil
	}
	if binary.BigEndian.Uint32(raw) == 348 {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr != 348")
}
