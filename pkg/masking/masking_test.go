package masking

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/ndimage"
)

// brain returns a 12^3 volume with a bright 8^3 cube, voxels 2 to 9, on a
// dark, slightly varying background.
func brain(t *testing.T, level float64) *array.Dense {
	t.Helper()
	vol, err := array.NewDense(12, 12, 12)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			for k := 0; k < 12; k++ {
				v := 0.01 * float64((i+j+k)%3)
				if i >= 2 && i < 10 && j >= 2 && j < 10 && k >= 2 && k < 10 {
					v = level + 0.01*float64(i)
				}
				vol.Set(i, j, k, v)
			}
		}
	}
	return vol
}

func TestMeanImage(t *testing.T) {
	a := brain(t, 1)
	b := brain(t, 3)
	mean, err := MeanImage([]array.Array{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 2.05, mean.At(5, 5, 5), 1e-12)

	other, err := array.NewDense(2, 2, 2)
	require.NoError(t, err)
	_, err = MeanImage([]array.Array{a, other})
	assert.True(t, errors.Is(err, array.ErrShape))

	_, err = MeanImage(nil)
	assert.Error(t, err)
}

func TestComputeEPIMask(t *testing.T) {
	opts := DefaultEPIOptions()
	opts.Opening = 0
	mask, err := ComputeEPIMask(brain(t, 1), opts)
	require.NoError(t, err)
	assert.Equal(t, 8*8*8, mask.Count())

	// The opening rounds the corners off: the voxels kept are within
	// 2 cross steps of the eroded 4^3 core.
	mask, err = ComputeEPIMask(brain(t, 1), DefaultEPIOptions())
	require.NoError(t, err)
	assert.Equal(t, 304, mask.Count())
	assert.True(t, mask.Data[mask.Index(5, 5, 5)])
	assert.True(t, mask.Data[mask.Index(2, 5, 5)])
	assert.False(t, mask.Data[mask.Index(2, 2, 2)])
	assert.False(t, mask.Data[mask.Index(0, 0, 0)])

	// Without opening a stray bright voxel survives unless connected.
	vol := brain(t, 1)
	vol.Set(0, 0, 0, 2)
	mask, err = ComputeEPIMask(vol, opts)
	require.NoError(t, err)
	assert.False(t, mask.Data[mask.Index(0, 0, 0)])

	opts.Connected = false
	mask, err = ComputeEPIMask(vol, opts)
	require.NoError(t, err)
	assert.True(t, mask.Data[mask.Index(0, 0, 0)])
}

func TestComputeEPIMaskEmpty(t *testing.T) {
	vol, err := array.NewDense(4, 4, 4)
	require.NoError(t, err)
	opts := DefaultEPIOptions()
	opts.ExcludeZeros = true
	_, err = ComputeEPIMask(vol, opts)
	assert.True(t, errors.Is(err, ErrEmptyMask))
}

func TestComputeBackgroundMask(t *testing.T) {
	vol, err := array.NewDense(8, 8, 8)
	require.NoError(t, err)
	vol.Fill(7)
	for i := 3; i < 5; i++ {
		for j := 3; j < 5; j++ {
			for k := 3; k < 5; k++ {
				vol.Set(i, j, k, 1)
			}
		}
	}
	mask, err := ComputeBackgroundMask(vol, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, mask.Count())

	vol.Set(0, 0, 0, math.NaN())
	mask, err = ComputeBackgroundMask(vol, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 8*8*8-1, mask.Count(), "NaN is the background")

	flat, err := array.NewDense(6, 6, 6)
	require.NoError(t, err)
	_, err = ComputeBackgroundMask(flat, true, 0)
	assert.True(t, errors.Is(err, ErrEmptyMask))
}

func TestHistogramGap(t *testing.T) {
	sorted := []float64{0, 0, 0.1, 0.1, 0.2, 5, 5.1, 5.2, 5.3, 5.4}
	assert.InDelta(t, 2.6, histogramGap(sorted, 0.2, 0.85), 1e-12)
	assert.Equal(t, 3.0, histogramGap([]float64{3}, 0.2, 0.85))
}

func TestMode(t *testing.T) {
	assert.Equal(t, 2.0, mode([]float64{3, 2, 1, 2, 3}))
	assert.Equal(t, 4.0, mode([]float64{4}))
}

func TestMaskerRoundTrip(t *testing.T) {
	images := []array.Array{brain(t, 1), brain(t, 2), brain(t, 3)}
	m, err := NewMasker(StrategyEPI)
	require.NoError(t, err)

	_, err = m.Transform(images)
	assert.True(t, errors.Is(err, ErrNotFitted))

	aff := models.Scaling(3, 3, 3)
	require.NoError(t, m.Fit(images, aff))
	assert.Equal(t, aff, m.Affine())
	require.Equal(t, 304, m.NumFeatures())

	X, err := m.Transform(images)
	require.NoError(t, err)
	r, c := X.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 304, c)

	vol, err := m.InverseTransform(X.RawRowView(1))
	require.NoError(t, err)
	assert.Equal(t, images[1].At(4, 5, 6), vol.At(4, 5, 6))
	assert.Equal(t, 0.0, vol.At(0, 0, 0))

	_, err = m.InverseTransform([]float64{1, 2})
	assert.True(t, errors.Is(err, array.ErrShape))
}

func TestMaskerRestrict(t *testing.T) {
	m, err := NewMasker(StrategyBackground)
	require.NoError(t, err)
	mask := ndimage.NewMask([3]int{2, 2, 2})
	mask.Data[1], mask.Data[3], mask.Data[6] = true, true, true
	m.SetMask(mask, models.Identity())

	require.NoError(t, m.Restrict([]bool{true, false, true}))
	assert.Equal(t, 2, m.NumFeatures())
	assert.False(t, m.Mask().Data[3])

	assert.True(t, errors.Is(m.Restrict([]bool{true}), array.ErrShape))
	assert.True(t, errors.Is(m.Restrict([]bool{false, false}), ErrEmptyMask))

	_, err = NewMasker("magic")
	assert.Error(t, err)
}

func TestLowVariance(t *testing.T) {
	X := mat.NewDense(4, 3, []float64{
		1, 5, 0,
		1, 6, 0.1,
		1, 7, 0,
		1, 8, 0.1,
	})
	low := LowVariance(X, 0.01)
	assert.Equal(t, []bool{true, false, true}, low)

	ZeroColumns(X, low)
	assert.Equal(t, 0.0, X.At(1, 2))
	assert.Equal(t, 6.0, X.At(1, 1))

	kept := KeepColumns(X, []bool{false, true, false})
	r, c := kept.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 1, c)
	assert.Equal(t, 8.0, kept.At(3, 0))
	assert.Nil(t, KeepColumns(X, []bool{false, false, false}))
}
