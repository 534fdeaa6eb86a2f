// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
// Uncompressed files can be opened as memory-mapped arrays, which is how
// most neuroimaging loaders hand voxel data to analysis and plotting code.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

// ErrFormat is returned for data that is not a NIfTI-1 single file image.
var ErrFormat = errors.New("nifti: invalid format")

// HeaderSize is the size of a NIfTI-1 header in bytes.
const HeaderSize = 348

// defaultVoxOffset leaves room for the 4-byte extension flag after the header.
const defaultVoxOffset = 352

// NIfTI-1 datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
)

var datatypes = map[int16]array.DType{
	DTUint8:   array.Uint8,
	DTInt16:   array.Int16,
	DTInt32:   array.Int32,
	DTFloat32: array.Float32,
	DTFloat64: array.Float64,
	DTInt8:    array.Int8,
	DTUint16:  array.Uint16,
	DTUint32:  array.Uint32,
	DTInt64:   array.Int64,
}

// Transform codes for qform_code and sform_code.
const (
	XformUnknown   = 0
	XformScanner   = 1
	XformAligned   = 2
	XformTalairach = 3
	XformMNI       = 4
)

// rawHeader mirrors the on-disk layout of the 348 byte header.
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Header holds the decoded fields of a NIfTI-1 header.
type Header struct {
	Order     binary.ByteOrder
	Dim       [8]int
	Datatype  int
	Bitpix    int
	Pixdim    [8]float64
	VoxOffset int64
	SclSlope  float64
	SclInter  float64
	QformCode int
	SformCode int
	Quatern   [3]float64
	QOffset   [3]float64
	Srow      [3][4]float64
	Descrip   string
}

// Shape returns the spatial dimensions, padding missing ones with 1.
func (h Header) Shape() [3]int {
	shape := [3]int{1, 1, 1}
	for d := 0; d < 3 && d < h.Dim[0]; d++ {
		shape[d] = h.Dim[d+1]
	}
	return shape
}

// Volumes returns the number of 3D volumes stored in the file.
func (h Header) Volumes() int {
	n := 1
	for d := 4; d <= h.Dim[0] && d < 8; d++ {
		n *= h.Dim[d]
	}
	return n
}

// DType returns the element type of the voxel data.
func (h Header) DType() (array.DType, error) {
	dt, ok := datatypes[int16(h.Datatype)]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, h.Datatype)
	}
	return dt, nil
}

// Layout returns the layout of volume t.
func (h Header) Layout(t int) (array.Layout, error) {
	dt, err := h.DType()
	if err != nil {
		return array.Layout{}, err
	}
	if t < 0 || t >= h.Volumes() {
		return array.Layout{}, fmt.Errorf("%w: volume %d of %d", array.ErrIndex, t, h.Volumes())
	}
	l := array.Layout{
		Shape:   h.Shape(),
		DType:   dt,
		Order:   h.Order,
		Offset:  h.VoxOffset,
		Fortran: true,
	}
	l.Offset += int64(t) * l.DataSize()
	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		l.Slope, l.Inter = h.SclSlope, h.SclInter
	}
	return l, nil
}

// Affine returns the voxel to world transform. The sform is preferred,
// then the qform, then plain voxel scaling.
func (h Header) Affine() models.Affine {
	switch {
	case h.SformCode > 0:
		a := models.Identity()
		for r := 0; r < 3; r++ {
			a[r] = h.Srow[r]
		}
		return a
	case h.QformCode > 0:
		return h.qformAffine()
	}
	return models.Scaling(h.pixdim(1), h.pixdim(2), h.pixdim(3))
}

func (h Header) pixdim(d int) float64 {
	if h.Pixdim[d] == 0 {
		return 1
	}
	return math.Abs(h.Pixdim[d])
}

func (h Header) qformAffine() models.Affine {
	b, c, d := h.Quatern[0], h.Quatern[1], h.Quatern[2]
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation: renormalize b, c, d.
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	sx, sy, sz := h.pixdim(1), h.pixdim(2), h.pixdim(3)*qfac

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	out := models.Identity()
	for row := 0; row < 3; row++ {
		out[row] = [4]float64{r[row][0] * sx, r[row][1] * sy, r[row][2] * sz, h.QOffset[row]}
	}
	return out
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes is shorter than a header", ErrFormat, len(b))
	}
	switch {
	case binary.LittleEndian.Uint32(b) == HeaderSize:
		h.Order = binary.LittleEndian
	case binary.BigEndian.Uint32(b) == HeaderSize:
		h.Order = binary.BigEndian
	default:
		return h, fmt.Errorf("%w: bad sizeof_hdr", ErrFormat)
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), h.Order, &raw); err != nil {
		return h, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(raw.Magic[:3]) != "n+1" {
		return h, fmt.Errorf("%w: magic %q is not a single file image", ErrFormat, raw.Magic[:3])
	}
	if raw.Dim[0] < 1 || raw.Dim[0] > 7 {
		return h, fmt.Errorf("%w: dim[0] = %d", ErrFormat, raw.Dim[0])
	}

	for i := range raw.Dim {
		h.Dim[i] = int(raw.Dim[i])
		h.Pixdim[i] = float64(raw.Pixdim[i])
	}
	for d := 1; d <= h.Dim[0]; d++ {
		if h.Dim[d] <= 0 {
			return h, fmt.Errorf("%w: dim[%d] = %d", ErrFormat, d, h.Dim[d])
		}
	}
	h.Datatype = int(raw.Datatype)
	h.Bitpix = int(raw.Bitpix)
	h.VoxOffset = int64(raw.VoxOffset)
	if h.VoxOffset < HeaderSize {
		h.VoxOffset = defaultVoxOffset
	}
	h.SclSlope = float64(raw.SclSlope)
	h.SclInter = float64(raw.SclInter)
	if math.IsNaN(h.SclSlope) || math.IsNaN(h.SclInter) {
		h.SclSlope, h.SclInter = 0, 0
	}
	h.QformCode = int(raw.QformCode)
	h.SformCode = int(raw.SformCode)
	h.Quatern = [3]float64{float64(raw.QuaternB), float64(raw.QuaternC), float64(raw.QuaternD)}
	h.QOffset = [3]float64{float64(raw.QOffsetX), float64(raw.QOffsetY), float64(raw.QOffsetZ)}
	for c := 0; c < 4; c++ {
		h.Srow[0][c] = float64(raw.SrowX[c])
		h.Srow[1][c] = float64(raw.SrowY[c])
		h.Srow[2][c] = float64(raw.SrowZ[c])
	}
	h.Descrip = string(bytes.TrimRight(raw.Descrip[:], "\x00"))
	return h, nil
}

// NewHeader builds a header for a 3D volume stored with the given datatype.
func NewHeader(shape [3]int, dt array.DType, affine models.Affine) (Header, error) {
	h := Header{
		Order:     binary.LittleEndian,
		VoxOffset: defaultVoxOffset,
		SformCode: XformAligned,
		SclSlope:  1,
	}
	code := -1
	for c, d := range datatypes {
		if d == dt {
			code = int(c)
		}
	}
	if code < 0 {
		return h, fmt.Errorf("%w: no NIfTI datatype for %v", ErrFormat, dt)
	}
	h.Datatype = code
	h.Bitpix = dt.Size() * 8
	h.Dim = [8]int{3, shape[0], shape[1], shape[2], 1, 1, 1, 1}
	size := affine.VoxelSize()
	h.Pixdim = [8]float64{1, size[0], size[1], size[2], 1, 1, 1, 1}
	for r := 0; r < 3; r++ {
		h.Srow[r] = affine[r]
	}
	return h, nil
}

// Marshal encodes the header followed by an empty extension flag.
func (h Header) Marshal() ([]byte, error) {
	var raw rawHeader
	raw.SizeofHdr = HeaderSize
	raw.Regular = 'r'
	for i := range raw.Dim {
		raw.Dim[i] = int16(h.Dim[i])
		raw.Pixdim[i] = float32(h.Pixdim[i])
	}
	raw.Datatype = int16(h.Datatype)
	raw.Bitpix = int16(h.Bitpix)
	raw.VoxOffset = float32(h.VoxOffset)
	raw.SclSlope = float32(h.SclSlope)
	raw.SclInter = float32(h.SclInter)
	raw.QformCode = int16(h.QformCode)
	raw.SformCode = int16(h.SformCode)
	raw.QuaternB, raw.QuaternC, raw.QuaternD = float32(h.Quatern[0]), float32(h.Quatern[1]), float32(h.Quatern[2])
	raw.QOffsetX, raw.QOffsetY, raw.QOffsetZ = float32(h.QOffset[0]), float32(h.QOffset[1]), float32(h.QOffset[2])
	for c := 0; c < 4; c++ {
		raw.SrowX[c] = float32(h.Srow[0][c])
		raw.SrowY[c] = float32(h.Srow[1][c])
		raw.SrowZ[c] = float32(h.Srow[2][c])
	}
	copy(raw.Descrip[:], h.Descrip)
	copy(raw.Magic[:], "n+1\x00")

	order := h.Order
	if order == nil {
		order = binary.LittleEndian
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &raw); err != nil {
		return nil, err
	}
	// Extension flag: no extensions follow.
	buf.Write(make([]byte, 4))
	if pad := h.VoxOffset - int64(buf.Len()); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return buf.Bytes(), nil
}
