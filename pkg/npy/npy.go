// Package npy reads and writes volumes in the NumPy .npy binary format.
// Files can be reopened as read-only memory-mapped arrays with LoadMapped.
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"neuroplot/pkg/array"
)

var (
	// ErrFormat is returned for files that are not valid .npy data.
	ErrFormat = errors.New("npy: invalid format")

	// ErrUnsupportedDType is returned for element types without an array.DType.
	ErrUnsupportedDType = errors.New("npy: unsupported dtype")
)

var magic = []byte("\x93NUMPY")

// headerAlign is the alignment numpy uses for the start of the data block.
const headerAlign = 64

// Header is the decoded .npy header.
type Header struct {
	Major, Minor int
	DType        array.DType
	Order        binary.ByteOrder
	Fortran      bool

	// Shape is the shape as stored, of rank 0 to 3.
	Shape []int

	// DataOffset is the byte offset of the first element.
	DataOffset int64
}

// Volume returns the shape padded to three dimensions with trailing ones.
func (h Header) Volume() [3]int {
	out := [3]int{1, 1, 1}
	copy(out[:], h.Shape)
	return out
}

// Layout returns the array layout of the data block.
func (h Header) Layout() array.Layout {
	return array.Layout{
		Shape:   h.Volume(),
		DType:   h.DType,
		Order:   h.Order,
		Offset:  h.DataOffset,
		Fortran: h.Fortran,
	}
}

var (
	descrRe   = regexp.MustCompile(`['"]descr['"]\s*:\s*['"]([^'"]+)['"]`)
	fortranRe = regexp.MustCompile(`['"]fortran_order['"]\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`['"]shape['"]\s*:\s*\(([^)]*)\)`)
)

// ReadHeader parses the header at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return h, fmt.Errorf("%w: short preamble: %v", ErrFormat, err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return h, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	h.Major, h.Minor = int(pre[6]), int(pre[7])

	var headerLen int
	switch h.Major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("%w: header length: %v", ErrFormat, err)
		}
		headerLen = int(n)
		h.DataOffset = int64(len(pre) + 2 + headerLen)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return h, fmt.Errorf("%w: header length: %v", ErrFormat, err)
		}
		headerLen = int(n)
		h.DataOffset = int64(len(pre) + 4 + headerLen)
	default:
		return h, fmt.Errorf("%w: unsupported version %d.%d", ErrFormat, h.Major, h.Minor)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if err := h.parseDict(string(raw)); err != nil {
		return h, err
	}
	return h, nil
}

func (h *Header) parseDict(dict string) error {
	m := descrRe.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("%w: missing descr", ErrFormat)
	}
	dtype, order, err := parseDescr(m[1])
	if err != nil {
		return err
	}
	h.DType, h.Order = dtype, order

	m = fortranRe.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("%w: missing fortran_order", ErrFormat)
	}
	h.Fortran = m[1] == "True"

	m = shapeRe.FindStringSubmatch(dict)
	if m == nil {
		return fmt.Errorf("%w: missing shape", ErrFormat)
	}
	for _, field := range strings.Split(m[1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(field, "L"))
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: bad shape entry %q", ErrFormat, field)
		}
		h.Shape = append(h.Shape, n)
	}
	for len(h.Shape) > 3 && h.Shape[len(h.Shape)-1] == 1 {
		h.Shape = h.Shape[:len(h.Shape)-1]
	}
	if len(h.Shape) > 3 {
		return fmt.Errorf("%w: rank %d arrays are not volumes", ErrFormat, len(h.Shape))
	}
	return nil
}

var descrTypes = map[string]array.DType{
	"f8": array.Float64,
	"f4": array.Float32,
	"f2": array.Float16,
	"i1": array.Int8,
	"u1": array.Uint8,
	"b1": array.Uint8,
	"i2": array.Int16,
	"u2": array.Uint16,
	"i4": array.Int32,
	"u4": array.Uint32,
	"i8": array.Int64,
}

func parseDescr(descr string) (array.DType, binary.ByteOrder, error) {
	if len(descr) < 2 {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, descr)
	}
	var order binary.ByteOrder = binary.LittleEndian
	switch descr[0] {
	case '<', '|', '=':
		descr = descr[1:]
	case '>':
		order = binary.BigEndian
		descr = descr[1:]
	}
	dtype, ok := descrTypes[descr]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, descr)
	}
	return dtype, order, nil
}

// Descr returns the numpy type string for a dtype and byte order.
func Descr(dtype array.DType, order binary.ByteOrder) string {
	for code, dt := range descrTypes {
		if dt != dtype || code == "b1" {
			continue
		}
		switch {
		case dtype.Size() == 1:
			return "|" + code
		case order == binary.BigEndian:
			return ">" + code
		default:
			return "<" + code
		}
	}
	return ""
}

// Options control how Save encodes an array.
type Options struct {
	DType     array.DType
	Fortran   bool
	BigEndian bool
}

// Write encodes a as a version 1.0 .npy stream (2.0 when the header needs it).
func Write(w io.Writer, a array.Array, opts Options) error {
	if !opts.DType.Valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedDType, opts.DType)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if opts.BigEndian {
		order = binary.BigEndian
	}
	shape := a.Shape()
	fortran := "False"
	if opts.Fortran {
		fortran = "True"
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': (%d, %d, %d), }",
		Descr(opts.DType, order), fortran, shape[0], shape[1], shape[2])

	major, lenSize := 1, 2
	if len(dict)+len(magic)+2+2+1 > 65535 {
		major, lenSize = 2, 4
	}
	pre := len(magic) + 2 + lenSize
	total := pre + len(dict) + 1
	if rem := total % headerAlign; rem != 0 {
		total += headerAlign - rem
	}
	header := dict + strings.Repeat(" ", total-pre-len(dict)-1) + "\n"

	bw := bufio.NewWriter(w)
	bw.Write(magic)
	bw.Write([]byte{byte(major), 0})
	if major == 1 {
		binary.Write(bw, binary.LittleEndian, uint16(len(header)))
	} else {
		binary.Write(bw, binary.LittleEndian, uint32(len(header)))
	}
	bw.WriteString(header)

	size := opts.DType.Size()
	buf := make([]byte, size)
	// bufio.Writer keeps the first write error and reports it from Flush.
	emit := func(i, j, k int) {
		opts.DType.Encode(buf, order, a.At(i, j, k))
		bw.Write(buf)
	}
	if err := array.Check(func() {
		if opts.Fortran {
			for k := 0; k < shape[2]; k++ {
				for j := 0; j < shape[1]; j++ {
					for i := 0; i < shape[0]; i++ {
						emit(i, j, k)
					}
				}
			}
			return
		}
		for i := 0; i < shape[0]; i++ {
			for j := 0; j < shape[1]; j++ {
				for k := 0; k < shape[2]; k++ {
					emit(i, j, k)
				}
			}
		}
	}); err != nil {
		return err
	}
	return bw.Flush()
}

// Save writes a to path.
func Save(path string, a array.Array, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(f, a, opts); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Load reads the whole file at path into memory.
func Load(path string) (*array.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	shape := h.Volume()
	out, err := array.NewDense(shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}

	size := h.DType.Size()
	buf := make([]byte, size)
	data := out.Data()
	for n := 0; n < out.Len(); n++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %s truncated after %d values", ErrFormat, path, n)
		}
		v := h.DType.Decode(buf, h.Order)
		if h.Fortran {
			// n = (k*ny + j)*nx + i
			i := n % shape[0]
			j := (n / shape[0]) % shape[1]
			k := n / (shape[0] * shape[1])
			out.Set(i, j, k, v)
		} else {
			data[n] = v
		}
	}
	return out, nil
}

// LoadMapped reopens the file at path as a read-only memory-mapped array.
func LoadMapped(path string) (*array.Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(bufio.NewReader(f))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return array.OpenMapped(path, h.Layout())
}
