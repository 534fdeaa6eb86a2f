// Package massunivariate fits one linear model per target variable (voxel)
// and controls the family-wise error with max-statistic permutation tests.
package massunivariate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"neuroplot/pkg/progress"
)

// ErrShape is returned when the design and the targets disagree.
var ErrShape = errors.New("massunivariate: inconsistent shapes")

// rankTol is the relative singular value below which a confound is
// considered redundant.
const rankTol = 1e-10

// Options tune PermutedOLS. The zero value runs no permutation.
type Options struct {
	// Confounds are extra covariates regressed out of both sides.
	Confounds *mat.Dense

	// NoIntercept disables the constant confound added by default.
	NoIntercept bool

	// NPerm is the number of permutations.
	NPerm int

	// OneSided tests positive effects only. Tests are two-sided by default.
	OneSided bool

	Seed int64

	// NumCores is the number of workers running permutations. Zero or
	// less uses every CPU.
	NumCores int

	// Progress is notified once per permutation.
	Progress progress.Tracker
}

// Result holds the output of PermutedOLS. Matrices are indexed by
// (tested variable, target variable).
type Result struct {
	// NegLog10PValues are the family-wise corrected -log10 p-values.
	NegLog10PValues *mat.Dense

	// Scores are the t-scores of the original data.
	Scores *mat.Dense

	// H0MaxT is the null distribution of the maximum score, one row per
	// tested variable and one column per permutation.
	H0MaxT *mat.Dense
}

// PermutedOLS regresses every column of target on every column of tested
// (n samples x r tested variables, n samples x d targets), after removing
// the confounds, and converts the t-scores to p-values corrected for the d
// comparisons using the distribution of the maximum score over
// permutations. When tested is a single constant column, the intercept
// itself is tested: no intercept confound is added and permutations flip
// the sign of the samples instead of shuffling them.
func PermutedOLS(tested, target *mat.Dense, opts Options) (*Result, error) {
	n, nReg := tested.Dims()
	nt, nDesc := target.Dims()
	if n != nt {
		return nil, fmt.Errorf("%w: %d tested samples, %d target samples", ErrShape, n, nt)
	}
	if opts.NPerm < 0 {
		return nil, fmt.Errorf("number of permutations must be non-negative, got %d", opts.NPerm)
	}

	interceptTest := nReg == 1 && isConstant(tested)
	confounds := opts.Confounds
	if confounds != nil {
		if r, _ := confounds.Dims(); r != n {
			return nil, fmt.Errorf("%w: %d confound samples, %d target samples", ErrShape, r, n)
		}
	}
	if !opts.NoIntercept && !interceptTest {
		confounds = withIntercept(confounds, n)
	}

	// Regress the confounds out of both sides, then normalize.
	var covars *mat.Dense
	testedResid, targetResid := mat.DenseCopyOf(tested), mat.DenseCopyOf(target)
	testedNorms, targetNorms := columnNorms(testedResid), columnNorms(targetResid)
	if confounds != nil {
		covars = orthonormalize(confounds)
	}
	if covars != nil {
		residualize(testedResid, covars)
		residualize(targetResid, covars)
	}
	normalizeColumns(testedResid, testedNorms)
	normalizeColumns(targetResid, targetNorms)

	lost := 0
	if covars != nil {
		_, lost = covars.Dims()
	}
	if n-lost-1 <= 0 {
		return nil, fmt.Errorf("%w: %d samples leave no degree of freedom with %d confounds", ErrShape, n, lost)
	}

	scores := tScores(testedResid, targetResid, covars)
	signs := make([]float64, nReg*nDesc)
	if !opts.OneSided {
		raw := scores.RawMatrix().Data
		for i, v := range raw {
			signs[i] = 1
			if v < 0 {
				signs[i] = -1
			}
			raw[i] = math.Abs(v)
		}
	}

	ranks, h0 := permute(scores, testedResid, targetResid, covars, interceptTest, opts)

	pvals := mat.NewDense(nReg, nDesc, nil)
	for r := 0; r < nReg; r++ {
		for d := 0; d < nDesc; d++ {
			p := (float64(opts.NPerm) + 1 - ranks.At(r, d)) / float64(opts.NPerm+1)
			pvals.Set(r, d, -math.Log10(p))
		}
	}

	if !opts.OneSided {
		raw := scores.RawMatrix().Data
		for i := range raw {
			raw[i] *= signs[i]
		}
	}

	return &Result{NegLog10PValues: pvals, Scores: scores, H0MaxT: h0}, nil
}

// permute runs the permutations in chunks over the workers. It returns,
// for every score, the number of permutations whose maximum is below it,
// and the maxima themselves.
func permute(scores, tested, target, covars *mat.Dense, interceptTest bool, opts Options) (*mat.Dense, *mat.Dense) {
	nReg, nDesc := scores.Dims()
	ranks := mat.NewDense(nReg, nDesc, nil)
	if opts.NPerm == 0 {
		return ranks, nil
	}
	h0 := mat.NewDense(nReg, opts.NPerm, nil)

	numCores := opts.NumCores
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}
	if numCores > opts.NPerm {
		numCores = opts.NPerm
	}
	tracker := opts.Progress
	if tracker == nil {
		tracker = progress.Nop{}
	}

	// Chunks draw their seeds from the master generator: results depend on
	// Seed and NumCores only.
	master := rand.New(rand.NewSource(opts.Seed))
	type chunkResult struct {
		offset int
		ranks  *mat.Dense
		h0     *mat.Dense
	}
	results := make(chan chunkResult)

	offset := 0
	for c := 0; c < numCores; c++ {
		size := opts.NPerm / numCores
		if c == numCores-1 {
			size += opts.NPerm % numCores
		}
		go func(offset, size int, seed int64) {
			r, h := permuteChunk(scores, tested, target, covars, interceptTest, !opts.OneSided, size, seed, tracker)
			results <- chunkResult{offset: offset, ranks: r, h0: h}
		}(offset, size, master.Int63())
		offset += size
	}

	for c := 0; c < numCores; c++ {
		res := <-results
		ranks.Add(ranks, res.ranks)
		_, size := res.h0.Dims()
		h0.Slice(0, nReg, res.offset, res.offset+size).(*mat.Dense).Copy(res.h0)
	}
	return ranks, h0
}

func permuteChunk(scores, tested, target, covars *mat.Dense, interceptTest, twoSided bool, size int, seed int64, tracker progress.Tracker) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewSource(seed))
	nReg, nDesc := scores.Dims()
	n, _ := tested.Dims()

	ranks := mat.NewDense(nReg, nDesc, nil)
	h0 := mat.NewDense(nReg, size, nil)

	permTested := mat.DenseCopyOf(tested)
	permTarget := target
	if interceptTest {
		permTarget = mat.DenseCopyOf(target)
	}

	for p := 0; p < size; p++ {
		if interceptTest {
			// Flip the sign of every sample at random.
			for i := 0; i < n; i++ {
				if rng.Intn(2) == 0 {
					row := permTarget.RawRowView(i)
					floats.Scale(-1, row)
				}
			}
		} else {
			// Shuffle the tested variables, which are much smaller than
			// the targets.
			for i, src := range rng.Perm(n) {
				permTested.SetRow(i, tested.RawRowView(src))
			}
		}

		perm := tScores(permTested, permTarget, covars)
		for r := 0; r < nReg; r++ {
			maxT := math.Inf(-1)
			for d := 0; d < nDesc; d++ {
				v := perm.At(r, d)
				if twoSided {
					v = math.Abs(v)
				}
				if v > maxT {
					maxT = v
				}
			}
			h0.Set(r, p, maxT)
			row := ranks.RawRowView(r)
			for d := 0; d < nDesc; d++ {
				if maxT < scores.At(r, d) {
					row[d]++
				}
			}
		}
		tracker.Show("")
	}
	return ranks, h0
}

// tScores computes the t-score of every (tested, target) pair from
// normalized residuals. The covariates cost their number of degrees of
// freedom.
func tScores(tested, target, covars *mat.Dense) *mat.Dense {
	n, nDesc := target.Dims()
	_, nReg := tested.Dims()
	lost := 0
	if covars != nil {
		_, lost = covars.Dims()
	}
	dof := float64(n - lost)

	var beta mat.Dense
	beta.Mul(tested.T(), target)

	a2 := make([]float64, nDesc)
	if covars != nil {
		var bc mat.Dense
		bc.Mul(covars.T(), target)
		rows, _ := bc.Dims()
		for c := 0; c < rows; c++ {
			for d, v := range bc.RawRowView(c) {
				a2[d] += v * v
			}
		}
	}

	out := mat.NewDense(nReg, nDesc, nil)
	for r := 0; r < nReg; r++ {
		dst := out.RawRowView(r)
		for d, b := range beta.RawRowView(r) {
			rss := 1 - a2[d] - b*b
			if rss <= 0 {
				rss = math.SmallestNonzeroFloat64
			}
			dst[d] = b * math.Sqrt((dof-1)/rss)
		}
	}
	return out
}

// orthonormalize returns an orthonormal basis of the column space of m,
// or nil when m is null.
func orthonormalize(m *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil
	}
	values := svd.Values(nil)
	rank := 0
	for _, s := range values {
		if s > rankTol*values[0] {
			rank++
		}
	}
	if rank == 0 {
		return nil
	}
	var u mat.Dense
	svd.UTo(&u)
	r, _ := u.Dims()
	return mat.DenseCopyOf(u.Slice(0, r, 0, rank))
}

// residualize removes from the columns of m their projection on the
// orthonormal columns of basis.
func residualize(m, basis *mat.Dense) {
	var coef, fitted mat.Dense
	coef.Mul(basis.T(), m)
	fitted.Mul(basis, &coef)
	m.Sub(m, &fitted)
}

// normalizeColumns scales every column to unit norm. Columns whose norm
// fell below rankTol times their norm before residualization are only
// rounding noise left by the confounds: they are set to zero.
func normalizeColumns(m *mat.Dense, before []float64) {
	r, c := m.Dims()
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		norm := floats.Norm(col, 2)
		if norm == 0 || norm <= rankTol*before[j] {
			for i := range col {
				col[i] = 0
			}
		} else {
			floats.Scale(1/norm, col)
		}
		m.SetCol(j, col)
	}
}

func columnNorms(m *mat.Dense) []float64 {
	r, c := m.Dims()
	col := make([]float64, r)
	norms := make([]float64, c)
	for j := range norms {
		mat.Col(col, j, m)
		norms[j] = floats.Norm(col, 2)
	}
	return norms
}

func withIntercept(confounds *mat.Dense, n int) *mat.Dense {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	if confounds == nil {
		return mat.NewDense(n, 1, ones)
	}
	_, c := confounds.Dims()
	out := mat.NewDense(n, c+1, nil)
	out.Slice(0, n, 0, c).(*mat.Dense).Copy(confounds)
	out.SetCol(c, ones)
	return out
}

func isConstant(m *mat.Dense) bool {
	r, _ := m.Dims()
	first := m.At(0, 0)
	for i := 1; i < r; i++ {
		if m.At(i, 0) != first {
			return false
		}
	}
	return true
}
