// Package ndimage holds the small volume algorithms shared by plotting and
// masking: connected components, morphology, centers of mass, percentiles
// and resampling.
package ndimage

import (
	"math"
	"sort"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

// Mask is a boolean volume stored in C order, like array.Dense.
type Mask struct {
	Shape [3]int
	Data  []bool
}

// NewMask allocates an all-false mask.
func NewMask(shape [3]int) *Mask {
	return &Mask{Shape: shape, Data: make([]bool, shape[0]*shape[1]*shape[2])}
}

// Index returns the flat index of voxel (i, j, k).
func (m *Mask) Index(i, j, k int) int {
	return (i*m.Shape[1]+j)*m.Shape[2] + k
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Threshold returns the mask of voxels where keep(value) is true.
func Threshold(a array.Array, keep func(v float64) bool) *Mask {
	shape := a.Shape()
	m := NewMask(shape)
	idx := 0
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				m.Data[idx] = keep(a.At(i, j, k))
				idx++
			}
		}
	}
	return m
}

// LargestComponent keeps only the largest 6-connected component of m.
// An empty mask is returned unchanged.
func LargestComponent(m *Mask) *Mask {
	labels := make([]int, len(m.Data))
	best, bestSize := 0, 0
	label := 0
	stack := make([]int, 0, 64)
	s := m.Shape
	strideI, strideJ := s[1]*s[2], s[2]

	for start, on := range m.Data {
		if !on || labels[start] != 0 {
			continue
		}
		label++
		size := 0
		labels[start] = label
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++

			i, j, k := n/strideI, (n/strideJ)%s[1], n%s[2]
			for _, nb := range neighbors6 {
				ni, nj, nk := i+nb[0], j+nb[1], k+nb[2]
				if ni < 0 || nj < 0 || nk < 0 || ni >= s[0] || nj >= s[1] || nk >= s[2] {
					continue
				}
				idx := ni*strideI + nj*strideJ + nk
				if m.Data[idx] && labels[idx] == 0 {
					labels[idx] = label
					stack = append(stack, idx)
				}
			}
		}
		if size > bestSize {
			best, bestSize = label, size
		}
	}

	out := NewMask(s)
	for n, l := range labels {
		out.Data[n] = l != 0 && l == best
	}
	return out
}

// CenterOfMass returns the voxel coordinates of the center of mass of
// |a| restricted to mask. ok is false when the total weight is zero.
func CenterOfMass(a array.Array, mask *Mask) (center [3]float64, ok bool) {
	shape := a.Shape()
	var total float64
	idx := 0
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				if mask == nil || mask.Data[idx] {
					w := math.Abs(a.At(i, j, k))
					if !math.IsNaN(w) {
						center[0] += w * float64(i)
						center[1] += w * float64(j)
						center[2] += w * float64(k)
						total += w
					}
				}
				idx++
			}
		}
	}
	if total == 0 {
		return [3]float64{}, false
	}
	for d := range center {
		center[d] /= total
	}
	return center, true
}

// AbsPercentile returns the p-th percentile (0-100) of the absolute
// non-zero, non-NaN values of a. It returns 0 when there are none.
func AbsPercentile(a array.Array, p float64) float64 {
	shape := a.Shape()
	values := make([]float64, 0, a.Len())
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				v := math.Abs(a.At(i, j, k))
				if v != 0 && !math.IsNaN(v) {
					values = append(values, v)
				}
			}
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	return percentileSorted(values, p)
}

// percentileSorted interpolates linearly between closest ranks, matching
// numpy's default percentile.
func percentileSorted(sorted []float64, p float64) float64 {
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// ResampleNearest samples src (with affine srcAff) on the grid of shape
// and affine dstAff. Voxels falling outside src are set to fill.
func ResampleNearest(src array.Array, srcAff models.Affine, shape [3]int, dstAff models.Affine, fill float64) (*array.Dense, error) {
	out, err := array.NewDense(shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	inv, err := srcAff.Inverse()
	if err != nil {
		return nil, err
	}
	ss := src.Shape()
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				x, y, z := dstAff.Apply(float64(i), float64(j), float64(k))
				si, sj, sk := inv.Apply(x, y, z)
				ri, rj, rk := int(math.Round(si)), int(math.Round(sj)), int(math.Round(sk))
				if ri < 0 || rj < 0 || rk < 0 || ri >= ss[0] || rj >= ss[1] || rk >= ss[2] {
					out.Set(i, j, k, fill)
					continue
				}
				out.Set(i, j, k, src.At(ri, rj, rk))
			}
		}
	}
	return out, nil
}

// neighbors6 are the offsets of the 6-connected cross structuring element.
var neighbors6 = [6][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}

// Erode applies iterations of binary erosion with the 6-connected cross.
// Voxels outside the grid count as false, so the border erodes.
func Erode(m *Mask, iterations int) *Mask {
	out := m
	for it := 0; it < iterations; it++ {
		out = morph(out, false)
	}
	if out == m {
		out = &Mask{Shape: m.Shape, Data: append([]bool(nil), m.Data...)}
	}
	return out
}

// Dilate applies iterations of binary dilation with the 6-connected cross.
func Dilate(m *Mask, iterations int) *Mask {
	out := m
	for it := 0; it < iterations; it++ {
		out = morph(out, true)
	}
	if out == m {
		out = &Mask{Shape: m.Shape, Data: append([]bool(nil), m.Data...)}
	}
	return out
}

// morph runs one dilation step (grow) or erosion step (!grow).
func morph(m *Mask, grow bool) *Mask {
	s := m.Shape
	out := NewMask(s)
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			for k := 0; k < s[2]; k++ {
				idx := m.Index(i, j, k)
				v := m.Data[idx]
				for _, nb := range neighbors6 {
					ni, nj, nk := i+nb[0], j+nb[1], k+nb[2]
					inside := ni >= 0 && nj >= 0 && nk >= 0 && ni < s[0] && nj < s[1] && nk < s[2]
					if grow {
						if !v && inside && m.Data[m.Index(ni, nj, nk)] {
							v = true
						}
					} else if v && (!inside || !m.Data[m.Index(ni, nj, nk)]) {
						v = false
					}
				}
				out.Data[idx] = v
			}
		}
	}
	return out
}
