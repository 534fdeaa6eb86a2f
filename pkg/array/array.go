// Package array provides the voxel storage backends used across neuroplot.
// A volume is always consumed through the Array interface, so an in-memory
// Dense array and a file-backed Mapped array are interchangeable.
package array

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrClosed is reported when a released array is accessed.
	ErrClosed = errors.New("array: access to closed array")

	// ErrShape is reported for invalid or mismatched shapes.
	ErrShape = errors.New("array: invalid shape")

	// ErrIndex is reported for out-of-range voxel indices.
	ErrIndex = errors.New("array: index out of range")
)

// Array is a read-only 3D grid of voxel intensities.
type Array interface {
	// Shape returns the number of voxels along each axis.
	Shape() [3]int

	// Len returns the total number of voxels.
	Len() int

	// At returns the voxel value at index (i, j, k).
	At(i, j, k int) float64

	// Close releases any resources backing the array.
	Close() error
}

// Dense is an in-memory array stored in C (row-major) order.
type Dense struct {
	shape [3]int
	data  []float64
}

// NewDense allocates a zero-filled array.
func NewDense(nx, ny, nz int) (*Dense, error) {
	shape := [3]int{nx, ny, nz}
	if err := ValidateShape(shape); err != nil {
		return nil, err
	}
	return &Dense{shape: shape, data: make([]float64, nx*ny*nz)}, nil
}

// NewDenseFrom wraps data without copying. The length of data must match the shape.
func NewDenseFrom(shape [3]int, data []float64) (*Dense, error) {
	if err := ValidateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != shape[0]*shape[1]*shape[2] {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Dense{shape: shape, data: data}, nil
}

// ValidateShape checks every dimension is positive.
func ValidateShape(shape [3]int) error {
	for axis, n := range shape {
		if n <= 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrShape, axis, n)
		}
	}
	return nil
}

func (d *Dense) Shape() [3]int { return d.shape }

func (d *Dense) Len() int { return len(d.data) }

func (d *Dense) At(i, j, k int) float64 {
	return d.data[d.index(i, j, k)]
}

// Set stores v at index (i, j, k).
func (d *Dense) Set(i, j, k int, v float64) {
	d.data[d.index(i, j, k)] = v
}

// Data returns the backing slice in C order.
func (d *Dense) Data() []float64 { return d.data }

// Fill sets every voxel to v.
func (d *Dense) Fill(v float64) {
	for i := range d.data {
		d.data[i] = v
	}
}

// Close is a no-op for in-memory arrays.
func (d *Dense) Close() error { return nil }

func (d *Dense) index(i, j, k int) int {
	if i < 0 || j < 0 || k < 0 || i >= d.shape[0] || j >= d.shape[1] || k >= d.shape[2] {
		panic(fmt.Errorf("%w: (%d, %d, %d) for shape %v", ErrIndex, i, j, k, d.shape))
	}
	return (i*d.shape[1]+j)*d.shape[2] + k
}

// Materialize copies any array into memory.
func Materialize(a Array) *Dense {
	shape := a.Shape()
	out := &Dense{shape: shape, data: make([]float64, a.Len())}
	idx := 0
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				out.data[idx] = a.At(i, j, k)
				idx++
			}
		}
	}
	return out
}

// Equal reports whether two arrays have the same shape and values.
// NaN voxels compare equal to each other.
func Equal(a, b Array) bool {
	if a.Shape() != b.Shape() {
		return false
	}
	shape := a.Shape()
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				va, vb := a.At(i, j, k), b.At(i, j, k)
				if va != vb && !(math.IsNaN(va) && math.IsNaN(vb)) {
					return false
				}
			}
		}
	}
	return true
}

// Summary holds value statistics of an array.
type Summary struct {
	Min, Max float64
	MaxAbs   float64
	NonZero  int
	NaNs     int
}

// Stats scans the array once. Min and Max ignore NaN voxels and are NaN
// when every voxel is NaN.
func Stats(a Array) Summary {
	s := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	shape := a.Shape()
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				v := a.At(i, j, k)
				if math.IsNaN(v) {
					s.NaNs++
					continue
				}
				if v != 0 {
					s.NonZero++
				}
				s.Min = math.Min(s.Min, v)
				s.Max = math.Max(s.Max, v)
				s.MaxAbs = math.Max(s.MaxAbs, math.Abs(v))
			}
		}
	}
	if s.NaNs == a.Len() {
		s.Min, s.Max = math.NaN(), math.NaN()
	}
	return s
}
