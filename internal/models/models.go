package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuroplot/pkg/array"
)

// Affine is a 4x4 transform mapping voxel indices (i, j, k) to physical
// coordinates (x, y, z), stored row-major.
type Affine [4][4]float64

// Identity returns the identity transform.
func Identity() Affine {
	return Scaling(1, 1, 1)
}

// Scaling returns a diagonal transform with the given voxel sizes.
func Scaling(sx, sy, sz float64) Affine {
	return Affine{
		{sx, 0, 0, 0},
		{0, sy, 0, 0},
		{0, 0, sz, 0},
		{0, 0, 0, 1},
	}
}

// AffineFromDense converts a 4x4 gonum matrix.
func AffineFromDense(m mat.Matrix) (Affine, error) {
	var a Affine
	if r, c := m.Dims(); r != 4 || c != 4 {
		return a, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = m.At(r, c)
		}
	}
	return a, nil
}

// Dense returns the transform as a gonum matrix.
func (a Affine) Dense() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r][c])
		}
	}
	return m
}

// Apply maps voxel coordinates to physical coordinates.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// Inverse returns the transform mapping physical coordinates back to voxels.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	return AffineFromDense(&inv)
}

// ToVoxel maps physical coordinates to (fractional) voxel coordinates.
func (a Affine) ToVoxel(x, y, z float64) (i, j, k float64, err error) {
	inv, err := a.Inverse()
	if err != nil {
		return 0, 0, 0, err
	}
	i, j, k = inv.Apply(x, y, z)
	return i, j, k, nil
}

// VoxelSize returns the length of each voxel axis in physical units.
func (a Affine) VoxelSize() [3]float64 {
	var out [3]float64
	for c := 0; c < 3; c++ {
		out[c] = math.Sqrt(a[0][c]*a[0][c] + a[1][c]*a[1][c] + a[2][c]*a[2][c])
	}
	return out
}

// Image pairs voxel data with its affine.
type Image struct {
	Data   array.Array
	Affine Affine
}

// Close releases the voxel data.
func (img Image) Close() error {
	if img.Data == nil {
		return nil
	}
	return img.Data.Close()
}

// Axis names a display axis. Axis x cuts a sagittal plane at fixed i,
// y a coronal plane at fixed j and z an axial plane at fixed k.
type Axis byte

const (
	AxisX Axis = 'x'
	AxisY Axis = 'y'
	AxisZ Axis = 'z'
)

// ParseAxis accepts x, y or z in either case.
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
}

// Index returns the voxel axis the cut is taken along.
func (a Axis) Index() int {
	return int(a - AxisX)
}

func (a Axis) String() string { return string(a) }

// Slice is a 2D cut through a volume.
type Slice struct {
	Axis Axis

	// Index is the voxel position of the cut along Axis.
	Index int

	// Coord is the physical position of the cut along Axis.
	Coord float64

	// Width and Height are the in-plane dimensions. Values is stored
	// row-major with Values[row*Width+col].
	Width, Height int
	Values        []float64
}

// At returns the value at column c and row r.
func (s *Slice) At(c, r int) float64 {
	return s.Values[r*s.Width+c]
}
