package ndimage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

func TestLargestComponent(t *testing.T) {
	m := NewMask([3]int{6, 6, 6})
	// Small blob of 2 voxels.
	m.Data[m.Index(0, 0, 0)] = true
	m.Data[m.Index(0, 0, 1)] = true
	// Larger blob of 8 voxels.
	for i := 3; i < 5; i++ {
		for j := 3; j < 5; j++ {
			for k := 3; k < 5; k++ {
				m.Data[m.Index(i, j, k)] = true
			}
		}
	}
	// Diagonal neighbour is not 6-connected.
	m.Data[m.Index(5, 5, 5)] = true

	largest := LargestComponent(m)
	assert.Equal(t, 8, largest.Count())
	assert.True(t, largest.Data[largest.Index(4, 4, 4)])
	assert.False(t, largest.Data[largest.Index(0, 0, 0)])
	assert.False(t, largest.Data[largest.Index(5, 5, 5)])

	assert.Zero(t, LargestComponent(NewMask([3]int{2, 2, 2})).Count())
}

func TestCenterOfMass(t *testing.T) {
	d, err := array.NewDense(5, 5, 5)
	require.NoError(t, err)
	d.Set(1, 2, 3, -2)
	d.Set(3, 2, 3, 2)

	c, ok := CenterOfMass(d, nil)
	require.True(t, ok)
	assert.Equal(t, [3]float64{2, 2, 3}, c)

	mask := NewMask(d.Shape())
	mask.Data[mask.Index(3, 2, 3)] = true
	c, ok = CenterOfMass(d, mask)
	require.True(t, ok)
	assert.Equal(t, [3]float64{3, 2, 3}, c)

	empty, err := array.NewDense(2, 2, 2)
	require.NoError(t, err)
	_, ok = CenterOfMass(empty, nil)
	assert.False(t, ok)
}

func TestAbsPercentile(t *testing.T) {
	d, err := array.NewDense(1, 1, 6)
	require.NoError(t, err)
	copy(d.Data(), []float64{0, -1, 2, -3, 4, 5})

	assert.Equal(t, 5.0, AbsPercentile(d, 100))
	assert.Equal(t, 1.0, AbsPercentile(d, 0))
	assert.InDelta(t, 3.0, AbsPercentile(d, 50), 1e-9)

	zeros, err := array.NewDense(2, 2, 2)
	require.NoError(t, err)
	assert.Zero(t, AbsPercentile(zeros, 80))
}

func TestResampleNearest(t *testing.T) {
	src, err := array.NewDense(4, 4, 4)
	require.NoError(t, err)
	for i := range src.Data() {
		src.Data()[i] = float64(i)
	}
	// Destination voxels are twice as large as source voxels.
	out, err := ResampleNearest(src, models.Identity(), [3]int{3, 3, 3}, models.Scaling(2, 2, 2), -1)
	require.NoError(t, err)

	assert.Equal(t, src.At(0, 0, 0), out.At(0, 0, 0))
	assert.Equal(t, src.At(2, 2, 2), out.At(1, 1, 1))
	assert.Equal(t, -1.0, out.At(2, 2, 2), "outside the source grid")
}

func TestErodeDilate(t *testing.T) {
	m := NewMask([3]int{5, 5, 5})
	for i := 1; i < 4; i++ {
		for j := 1; j < 4; j++ {
			for k := 1; k < 4; k++ {
				m.Data[m.Index(i, j, k)] = true
			}
		}
	}

	eroded := Erode(m, 1)
	assert.Equal(t, 1, eroded.Count())
	assert.True(t, eroded.Data[eroded.Index(2, 2, 2)])

	// The cross grows back to a 7 voxel star, not the cube.
	opened := Dilate(eroded, 1)
	assert.Equal(t, 7, opened.Count())

	// Voxels outside the grid are background for erosion.
	full := NewMask([3]int{3, 3, 3})
	for n := range full.Data {
		full.Data[n] = true
	}
	assert.Equal(t, 1, Erode(full, 1).Count())
	assert.Zero(t, Erode(full, 2).Count())

	// Zero iterations copy the mask.
	same := Dilate(m, 0)
	same.Data[0] = true
	assert.False(t, m.Data[0])
}
