// Package masking computes brain masks and converts between volumes and
// the (subjects x voxels) matrices used by mass-univariate models.
package masking

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/ndimage"
)

var (
	// ErrEmptyMask is returned when a mask keeps no voxel.
	ErrEmptyMask = errors.New("masking: computed an empty mask")

	// ErrNotFitted is returned when a Masker is used before Fit.
	ErrNotFitted = errors.New("masking: masker is not fitted")
)

// Mask strategies.
const (
	StrategyEPI        = "epi"
	StrategyBackground = "background"
)

// borderSize is the thickness of the border used to guess the background.
const borderSize = 2

// MeanImage averages volumes of identical shape voxel by voxel.
func MeanImage(images []array.Array) (*array.Dense, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to average")
	}
	shape := images[0].Shape()
	mean, err := array.NewDense(shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	data := mean.Data()
	for n, img := range images {
		if img.Shape() != shape {
			return nil, fmt.Errorf("%w: image %d has shape %v, expected %v", array.ErrShape, n, img.Shape(), shape)
		}
		err := array.Check(func() {
			idx := 0
			for i := 0; i < shape[0]; i++ {
				for j := 0; j < shape[1]; j++ {
					for k := 0; k < shape[2]; k++ {
						data[idx] += img.At(i, j, k)
						idx++
					}
				}
			}
		})
		if err != nil {
			return nil, fmt.Errorf("reading image %d: %w", n, err)
		}
	}
	for idx := range data {
		data[idx] /= float64(len(images))
	}
	return mean, nil
}

// EPIOptions tune ComputeEPIMask.
type EPIOptions struct {
	// LowerCutoff and UpperCutoff bound the fraction of the sorted
	// histogram searched for the largest intensity gap.
	LowerCutoff float64
	UpperCutoff float64

	// Connected keeps only the largest connected component.
	Connected bool

	// Opening is the number of erosion iterations of the morphological
	// opening applied to the mask. Zero disables it.
	Opening int

	// ExcludeZeros ignores zero voxels when computing the threshold.
	ExcludeZeros bool
}

// DefaultEPIOptions returns the usual cutoffs, 0.2 and 0.85, with an
// opening of 2 and connected component selection.
func DefaultEPIOptions() EPIOptions {
	return EPIOptions{LowerCutoff: 0.2, UpperCutoff: 0.85, Connected: true, Opening: 2}
}

// ComputeEPIMask thresholds mean at the largest gap of its sorted
// intensities between the lower and upper cutoffs. Non-finite voxels count
// as zero.
func ComputeEPIMask(mean array.Array, opts EPIOptions) (*ndimage.Mask, error) {
	dense, err := materialize(mean)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, dense.Len())
	for idx, v := range dense.Data() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
			dense.Data()[idx] = 0
		}
		if opts.ExcludeZeros && v == 0 {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, ErrEmptyMask
	}
	sort.Float64s(values)

	threshold := histogramGap(values, opts.LowerCutoff, opts.UpperCutoff)
	mask := ndimage.Threshold(dense, func(v float64) bool { return v >= threshold })
	return postProcess(mask, opts.Opening, opts.Connected)
}

func materialize(a array.Array) (d *array.Dense, err error) {
	err = array.Check(func() { d = array.Materialize(a) })
	return d, err
}

// histogramGap returns the midpoint of the largest jump between
// consecutive sorted values within [lower, upper] of the distribution.
func histogramGap(sorted []float64, lower, upper float64) float64 {
	n := len(sorted)
	lo := int(math.Floor(lower * float64(n)))
	hi := int(math.Floor(upper * float64(n)))
	if hi > n-1 {
		hi = n - 1
	}
	if lo >= hi {
		return sorted[lo]
	}
	best, bestDelta := lo, math.Inf(-1)
	for i := lo; i < hi; i++ {
		if delta := sorted[i+1] - sorted[i]; delta > bestDelta {
			best, bestDelta = i, delta
		}
	}
	return 0.5 * (sorted[best] + sorted[best+1])
}

// ComputeBackgroundMask keeps the voxels that differ from the background
// value, the most frequent value on the border of mean. A border holding
// NaN makes NaN the background.
func ComputeBackgroundMask(mean array.Array, connected bool, opening int) (*ndimage.Mask, error) {
	dense, err := materialize(mean)
	if err != nil {
		return nil, err
	}
	border := borderValues(dense)

	hasNaN := false
	for _, v := range border {
		if math.IsNaN(v) {
			hasNaN = true
			break
		}
	}

	var mask *ndimage.Mask
	if hasNaN {
		mask = ndimage.Threshold(dense, func(v float64) bool { return !math.IsNaN(v) })
	} else {
		background := mode(border)
		mask = ndimage.Threshold(dense, func(v float64) bool { return v != background })
	}
	return postProcess(mask, opening, connected)
}

// borderValues collects the voxels within borderSize of any face.
func borderValues(d *array.Dense) []float64 {
	s := d.Shape()
	var out []float64
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			for k := 0; k < s[2]; k++ {
				if onBorder(i, s[0]) || onBorder(j, s[1]) || onBorder(k, s[2]) {
					out = append(out, d.At(i, j, k))
				}
			}
		}
	}
	return out
}

func onBorder(i, n int) bool {
	return i < borderSize || i >= n-borderSize
}

// mode returns the most frequent value, the smallest one on ties.
func mode(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	best, bestCount := sorted[0], 0
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j] == sorted[i] {
			j++
		}
		if j-i > bestCount {
			best, bestCount = sorted[i], j-i
		}
		i = j
	}
	return best
}

// postProcess erodes, keeps the largest component, then closes back.
func postProcess(mask *ndimage.Mask, opening int, connected bool) (*ndimage.Mask, error) {
	if opening > 0 {
		mask = ndimage.Erode(mask, opening)
	}
	if mask.Count() == 0 {
		return nil, ErrEmptyMask
	}
	if connected {
		mask = ndimage.LargestComponent(mask)
	}
	if opening > 0 {
		mask = ndimage.Dilate(mask, 2*opening)
		mask = ndimage.Erode(mask, opening)
	}
	if mask.Count() == 0 {
		return nil, ErrEmptyMask
	}
	return mask, nil
}

// LowVariance flags the columns of X whose variance across rows is below
// minVar.
func LowVariance(X mat.Matrix, minVar float64) []bool {
	r, c := X.Dims()
	low := make([]bool, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, X)
		low[j] = stat.PopVariance(col, nil) < minVar
	}
	return low
}

// ZeroColumns sets the flagged columns of X to zero.
func ZeroColumns(X *mat.Dense, flags []bool) {
	r, _ := X.Dims()
	for j, f := range flags {
		if !f {
			continue
		}
		for i := 0; i < r; i++ {
			X.Set(i, j, 0)
		}
	}
}

// Masker converts volumes to rows of masked voxels and back.
type Masker struct {
	Strategy string

	// EPI tunes the epi strategy.
	EPI EPIOptions

	// Connected and Opening tune the background strategy.
	Connected bool
	Opening   int

	mask    *ndimage.Mask
	affine  models.Affine
	indices []int
}

// NewMasker returns a masker for the epi or background strategy.
func NewMasker(strategy string) (*Masker, error) {
	switch strategy {
	case StrategyEPI, StrategyBackground:
	default:
		return nil, fmt.Errorf("unknown mask strategy %q", strategy)
	}
	return &Masker{Strategy: strategy, EPI: DefaultEPIOptions()}, nil
}

// Fit computes the mask from the mean of images.
func (m *Masker) Fit(images []array.Array, affine models.Affine) error {
	mean, err := MeanImage(images)
	if err != nil {
		return err
	}

	var mask *ndimage.Mask
	switch m.Strategy {
	case StrategyBackground:
		mask, err = ComputeBackgroundMask(mean, m.Connected, m.Opening)
	default:
		mask, err = ComputeEPIMask(mean, m.EPI)
	}
	if err != nil {
		return err
	}
	m.SetMask(mask, affine)
	return nil
}

// SetMask uses an already computed mask.
func (m *Masker) SetMask(mask *ndimage.Mask, affine models.Affine) {
	m.mask = mask
	m.affine = affine
	m.indices = m.indices[:0]
	for idx, on := range mask.Data {
		if on {
			m.indices = append(m.indices, idx)
		}
	}
}

// Mask returns the fitted mask.
func (m *Masker) Mask() *ndimage.Mask { return m.mask }

// Affine returns the affine of the fitted mask.
func (m *Masker) Affine() models.Affine { return m.affine }

// NumFeatures returns the number of voxels in the mask.
func (m *Masker) NumFeatures() int { return len(m.indices) }

// Transform returns a (len(images) x NumFeatures) matrix of masked voxels.
func (m *Masker) Transform(images []array.Array) (*mat.Dense, error) {
	if m.mask == nil {
		return nil, ErrNotFitted
	}
	if len(images) == 0 || len(m.indices) == 0 {
		return nil, fmt.Errorf("%w: %d images, %d features", array.ErrShape, len(images), len(m.indices))
	}
	shape := m.mask.Shape
	X := mat.NewDense(len(images), len(m.indices), nil)
	for n, img := range images {
		if img.Shape() != shape {
			return nil, fmt.Errorf("%w: image %d has shape %v, mask has %v", array.ErrShape, n, img.Shape(), shape)
		}
		row := X.RawRowView(n)
		err := array.Check(func() {
			for f, idx := range m.indices {
				i, j, k := unravel(idx, shape)
				row[f] = img.At(i, j, k)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("reading image %d: %w", n, err)
		}
	}
	return X, nil
}

// InverseTransform places one row of features back in a volume. Voxels
// outside the mask are zero.
func (m *Masker) InverseTransform(row []float64) (*array.Dense, error) {
	if m.mask == nil {
		return nil, ErrNotFitted
	}
	if len(row) != len(m.indices) {
		return nil, fmt.Errorf("%w: %d values for %d features", array.ErrShape, len(row), len(m.indices))
	}
	s := m.mask.Shape
	out, err := array.NewDense(s[0], s[1], s[2])
	if err != nil {
		return nil, err
	}
	data := out.Data()
	for f, idx := range m.indices {
		data[idx] = row[f]
	}
	return out, nil
}

// Restrict drops the features whose keep flag is false from the mask.
func (m *Masker) Restrict(keep []bool) error {
	if m.mask == nil {
		return ErrNotFitted
	}
	if len(keep) != len(m.indices) {
		return fmt.Errorf("%w: %d flags for %d features", array.ErrShape, len(keep), len(m.indices))
	}
	mask := ndimage.NewMask(m.mask.Shape)
	for f, idx := range m.indices {
		mask.Data[idx] = keep[f]
	}
	if mask.Count() == 0 {
		return ErrEmptyMask
	}
	m.SetMask(mask, m.affine)
	return nil
}

// KeepColumns returns the columns of X whose keep flag is true, or nil
// when none is kept.
func KeepColumns(X *mat.Dense, keep []bool) *mat.Dense {
	r, _ := X.Dims()
	var cols []int
	for j, k := range keep {
		if k {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	out := mat.NewDense(r, len(cols), nil)
	for n, j := range cols {
		for i := 0; i < r; i++ {
			out.Set(i, n, X.At(i, j))
		}
	}
	return out
}

func unravel(idx int, shape [3]int) (int, int, int) {
	return idx / (shape[1] * shape[2]), (idx / shape[2]) % shape[1], idx % shape[2]
}
