package array

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// Layout describes how voxels are laid out in a file.
type Layout struct {
	Shape  [3]int
	DType  DType
	Order  binary.ByteOrder
	Offset int64

	// Fortran selects column-major order (first index varies fastest).
	Fortran bool

	// Slope and Inter rescale stored values as v*Slope + Inter.
	// A zero Slope leaves values unchanged.
	Slope float64
	Inter float64
}

// DataSize returns the number of bytes the voxel data occupies.
func (l Layout) DataSize() int64 {
	return int64(l.Shape[0]) * int64(l.Shape[1]) * int64(l.Shape[2]) * int64(l.DType.Size())
}

// Validate checks the layout is self-consistent.
func (l Layout) Validate() error {
	if err := ValidateShape(l.Shape); err != nil {
		return err
	}
	if !l.DType.Valid() {
		return fmt.Errorf("array: unknown dtype %v", l.DType)
	}
	if l.Offset < 0 {
		return fmt.Errorf("array: negative data offset %d", l.Offset)
	}
	return nil
}

// Mapped is a read-only array whose voxels live in a memory-mapped file.
// Pages are loaded lazily by the operating system on access.
type Mapped struct {
	layout Layout
	path   string
	r      *mmap.ReaderAt
	closed atomic.Bool
}

// OpenMapped maps the file at path and exposes the region described by layout.
func OpenMapped(path string, layout Layout) (*Mapped, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.Order == nil {
		layout.Order = binary.LittleEndian
	}
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	if need := layout.Offset + layout.DataSize(); int64(r.Len()) < need {
		r.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes, layout needs %d", ErrShape, path, r.Len(), need)
	}
	return &Mapped{layout: layout, path: path, r: r}, nil
}

func (m *Mapped) Shape() [3]int { return m.layout.Shape }

func (m *Mapped) Len() int {
	return m.layout.Shape[0] * m.layout.Shape[1] * m.layout.Shape[2]
}

// Layout returns the layout the array was opened with.
func (m *Mapped) Layout() Layout { return m.layout }

// Path returns the backing file.
func (m *Mapped) Path() string { return m.path }

// At decodes the voxel at (i, j, k). It panics with an error wrapping
// ErrClosed after Close, or ErrIndex for out-of-range indices.
func (m *Mapped) At(i, j, k int) float64 {
	if m.closed.Load() {
		panic(fmt.Errorf("%w: %s", ErrClosed, m.path))
	}
	size := m.layout.DType.Size()
	off := m.layout.Offset + int64(m.index(i, j, k))*int64(size)

	var buf [8]byte
	if _, err := m.r.ReadAt(buf[:size], off); err != nil {
		// Close may run between the check above and the read.
		if m.closed.Load() || m.r.Len() == 0 {
			panic(fmt.Errorf("%w: %s", ErrClosed, m.path))
		}
		panic(fmt.Errorf("array: read %s at %d: %w", m.path, off, err))
	}
	v := m.layout.DType.Decode(buf[:size], m.layout.Order)
	if m.layout.Slope != 0 {
		v = v*m.layout.Slope + m.layout.Inter
	}
	return v
}

// Close unmaps the file. Calling Close more than once is safe.
func (m *Mapped) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.r.Close()
}

func (m *Mapped) index(i, j, k int) int {
	s := m.layout.Shape
	if i < 0 || j < 0 || k < 0 || i >= s[0] || j >= s[1] || k >= s[2] {
		panic(fmt.Errorf("%w: (%d, %d, %d) for shape %v", ErrIndex, i, j, k, s))
	}
	if m.layout.Fortran {
		return (k*s[1]+j)*s[0] + i
	}
	return (i*s[1]+j)*s[2] + k
}

// Check calls fn and turns a panic raised by array access into an error.
func Check(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && (errors.Is(e, ErrClosed) || errors.Is(e, ErrIndex)) {
				err = e
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// Decode copies voxels stored in raw with the given layout into memory.
// The layout offset is relative to the start of raw.
func Decode(raw []byte, layout Layout) (*Dense, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if layout.Order == nil {
		layout.Order = binary.LittleEndian
	}
	if need := layout.Offset + layout.DataSize(); int64(len(raw)) < need {
		return nil, fmt.Errorf("%w: %d bytes, layout needs %d", ErrShape, len(raw), need)
	}
	s := layout.Shape
	out := &Dense{shape: s, data: make([]float64, s[0]*s[1]*s[2])}
	size := int64(layout.DType.Size())
	for n := range out.data {
		off := layout.Offset + int64(n)*size
		v := layout.DType.Decode(raw[off:off+size], layout.Order)
		if layout.Slope != 0 {
			v = v*layout.Slope + layout.Inter
		}
		if layout.Fortran {
			i := n % s[0]
			j := (n / s[0]) % s[1]
			k := n / (s[0] * s[1])
			out.data[(i*s[1]+j)*s[2]+k] = v
		} else {
			out.data[n] = v
		}
	}
	return out, nil
}
