package visualization

import (
	"fmt"
	"math"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/ndimage"
)

// activationPercentile is the percentile of |values| used when no
// activation threshold is given.
const activationPercentile = 80

// DisplayMode lists the axes shown side by side, in drawing order.
type DisplayMode []models.Axis

// ParseDisplayMode accepts ortho, x, y, z or any combination of two
// distinct axes such as xz or yx.
func ParseDisplayMode(s string) (DisplayMode, error) {
	if s == "" || s == "ortho" {
		return DisplayMode{models.AxisX, models.AxisY, models.AxisZ}, nil
	}
	if len(s) > 2 {
		return nil, fmt.Errorf("invalid display mode: %s", s)
	}
	mode := make(DisplayMode, 0, len(s))
	for _, r := range s {
		axis, err := models.ParseAxis(string(r))
		if err != nil {
			return nil, fmt.Errorf("invalid display mode: %s", s)
		}
		for _, seen := range mode {
			if seen == axis {
				return nil, fmt.Errorf("invalid display mode: %s (repeated axis)", s)
			}
		}
		mode = append(mode, axis)
	}
	return mode, nil
}

// String returns the mode name, "ortho" for the three axes in order.
func (m DisplayMode) String() string {
	if len(m) == 3 && m[0] == models.AxisX && m[1] == models.AxisY && m[2] == models.AxisZ {
		return "ortho"
	}
	s := make([]byte, len(m))
	for i, a := range m {
		s[i] = byte(a)
	}
	return string(s)
}

// FindCutCoords returns the physical coordinates of a point at the center
// of the strongest cluster of vol: the voxels with |v| above the
// activation threshold are reduced to their largest connected component,
// and the center of mass of |v| over that component is mapped through
// affine. A NaN threshold selects the 80th percentile of the non-zero
// |values|. Volumes with nothing above threshold fall back to the center
// of the grid.
func FindCutCoords(vol array.Array, affine models.Affine, activationThreshold float64) (coords [3]float64, err error) {
	err = array.Check(func() {
		coords = findCutCoords(vol, affine, activationThreshold)
	})
	return coords, err
}

func findCutCoords(vol array.Array, affine models.Affine, thr float64) [3]float64 {
	shape := vol.Shape()
	if math.IsNaN(thr) {
		thr = ndimage.AbsPercentile(vol, activationPercentile)
	}

	center := [3]float64{
		float64(shape[0]-1) / 2,
		float64(shape[1]-1) / 2,
		float64(shape[2]-1) / 2,
	}

	mask := ndimage.Threshold(vol, func(v float64) bool {
		return math.Abs(v) > thr-1e-15 && v != 0
	})
	if mask.Count() > 0 {
		mask = ndimage.LargestComponent(mask)
		if com, ok := ndimage.CenterOfMass(vol, mask); ok {
			center = com
		}
	}

	x, y, z := affine.Apply(center[0], center[1], center[2])
	return [3]float64{x, y, z}
}

// cutIndex converts a physical coordinate along axis into the nearest
// voxel index, clamped to the grid.
func cutIndex(shape [3]int, affine models.Affine, axis models.Axis, coords [3]float64) (int, error) {
	i, j, k, err := affine.ToVoxel(coords[0], coords[1], coords[2])
	if err != nil {
		return 0, err
	}
	pos := [3]float64{i, j, k}[axis.Index()]
	idx := int(math.Round(pos))
	n := shape[axis.Index()]
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx, nil
}

// planeDims returns the in-plane (width, height) of a cut along axis.
// Cuts along x span (j, k), along y span (i, k) and along z span (i, j).
func planeDims(shape [3]int, axis models.Axis) (int, int) {
	switch axis {
	case models.AxisX:
		return shape[1], shape[2]
	case models.AxisY:
		return shape[0], shape[2]
	default:
		return shape[0], shape[1]
	}
}

// voxel maps in-plane (c, r) and the position along axis to (i, j, k).
func voxel(axis models.Axis, c, r, pos int) (int, int, int) {
	switch axis {
	case models.AxisX:
		return pos, c, r
	case models.AxisY:
		return c, pos, r
	default:
		return c, r, pos
	}
}

// extractCut reads the plane at index along axis.
func extractCut(vol array.Array, axis models.Axis, index int) *models.Slice {
	w, h := planeDims(vol.Shape(), axis)
	s := &models.Slice{Axis: axis, Index: index, Width: w, Height: h, Values: make([]float64, w*h)}
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			i, j, k := voxel(axis, c, r, index)
			s.Values[r*w+c] = vol.At(i, j, k)
		}
	}
	return s
}

// extractProjection keeps, for each in-plane position, the value of
// largest magnitude along axis.
func extractProjection(vol array.Array, axis models.Axis) *models.Slice {
	shape := vol.Shape()
	w, h := planeDims(shape, axis)
	depth := shape[axis.Index()]
	s := &models.Slice{Axis: axis, Index: -1, Width: w, Height: h, Values: make([]float64, w*h)}
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			best := math.NaN()
			for pos := 0; pos < depth; pos++ {
				v := vol.At(voxel(axis, c, r, pos))
				if math.IsNaN(v) {
					continue
				}
				if math.IsNaN(best) || math.Abs(v) > math.Abs(best) {
					best = v
				}
			}
			s.Values[r*w+c] = best
		}
	}
	return s
}
