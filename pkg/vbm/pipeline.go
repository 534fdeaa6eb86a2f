// Package vbm runs a voxel-based morphometry experiment: it relates gray
// matter density maps of several subjects to a covariate, voxel by voxel,
// and plots the corrected significance maps.
package vbm

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/masking"
	"neuroplot/pkg/massunivariate"
	"neuroplot/pkg/ndimage"
	"neuroplot/pkg/nifti"
	"neuroplot/pkg/npy"
	"neuroplot/pkg/progress"
	"neuroplot/pkg/visualization"
)

// ErrNoSubjects is returned when the datasets and the covariates share too
// few subjects to fit a model.
var ErrNoSubjects = errors.New("vbm: not enough subjects")

// minSubjects is the smallest sample that leaves a degree of freedom once the
// intercept and the covariate are fitted.
const minSubjects = 3

// Dataset is a directory of gray matter maps, one NIfTI file per subject
// named after the subject id (for example OAS1_0001.nii.gz).
type Dataset struct {
	Name string
	Dir  string
}

// Params holds the experiment parameters.
type Params struct {
	// Datasets are analyzed independently, restricted to the subjects they
	// all share, and drawn side by side.
	Datasets []Dataset

	// CovariatesFile is a CSV file with an id column and a numeric
	// covariate column (age by default).
	CovariatesFile string

	// Covariate names the tested column of CovariatesFile.
	Covariate string

	// OutputDir receives the significance maps and the figure.
	OutputDir string

	// Format of the figure: png, jpg, tiff, svg, pdf or eps.
	Format string

	NPerm    int
	NumCores int
	Seed     int64
	OneSided bool

	// VarianceThreshold drops the voxels whose variance across subjects is
	// below it.
	VarianceThreshold float64

	// VMin and VMax bound the displayed -log10 p-values. Voxels below VMin
	// are hidden and not counted as detections.
	VMin, VMax float64

	// PickedSlice is the axial voxel index drawn in the figure.
	PickedSlice int

	// MaskStrategy is epi or background.
	MaskStrategy string

	// Mmap maps uncompressed maps instead of reading them into memory.
	Mmap bool

	// SaveIntermediaryResults determines whether the mean anatomy, the mask
	// and the maps are also dumped as NPY files in IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// Verbose prints the step banners and a progress bar for the
	// permutations on Logger.
	Verbose bool
	Logger  *log.Logger
}

// DatasetResult summarizes the analysis of one dataset.
type DatasetResult struct {
	Name     string
	Subjects int

	// Features is the number of voxels tested.
	Features int

	// Detections counts the voxels above VMin, SliceDetections those of the
	// picked slice.
	Detections      int
	SliceDetections int

	MaxNegLog10P float64

	// MapFile is the saved -log10 p-value map.
	MapFile string
}

// Results holds the outcome of Process.
type Results struct {
	Datasets []DatasetResult
	Figure   string
}

// Pipeline runs the experiment described by its Params.
type Pipeline struct {
	params *Params
	logger *log.Logger

	subjects   []string
	covariates map[string]float64
	displays   []*visualization.Display
	results    Results
}

// NewPipeline creates a pipeline instance with the provided parameters.
func NewPipeline(params *Params) *Pipeline {
	logger := params.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{params: params, logger: logger}
}

func (p *Pipeline) step(format string, args ...interface{}) {
	if p.params.Verbose {
		p.logger.Printf(format, args...)
	}
}

// Process runs the complete experiment.
func (p *Pipeline) Process() (*Results, error) {
	if len(p.params.Datasets) == 0 {
		return nil, fmt.Errorf("no dataset to analyze")
	}
	if p.params.SaveIntermediaryResults {
		if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Step 1: Read the covariate of every subject
	p.step("Step 1: Reading covariates from %s...", p.params.CovariatesFile)
	column := p.params.Covariate
	if column == "" {
		column = "age"
	}
	covariates, err := ReadCovariates(p.params.CovariatesFile, column)
	if err != nil {
		return nil, fmt.Errorf("failed to read covariates: %w", err)
	}
	p.covariates = covariates

	// Step 2: Keep the subjects every dataset has
	p.step("Step 2: Matching subjects across %d datasets...", len(p.params.Datasets))
	files := make([]map[string]string, len(p.params.Datasets))
	for n, ds := range p.params.Datasets {
		files[n], err = listSubjects(ds.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list dataset %s: %w", ds.Name, err)
		}
	}
	p.subjects = commonSubjects(files, covariates)
	if len(p.subjects) < minSubjects {
		return nil, fmt.Errorf("%w: %d shared, need %d", ErrNoSubjects, len(p.subjects), minSubjects)
	}
	p.step("Using %d subjects", len(p.subjects))

	// Step 3: Analyze every dataset
	for n, ds := range p.params.Datasets {
		p.step("Step 3.%d: Analyzing %s data...", n+1, ds.Name)
		res, err := p.analyze(ds, files[n])
		if err != nil {
			return nil, fmt.Errorf("failed to analyze %s data: %w", ds.Name, err)
		}
		p.results.Datasets = append(p.results.Datasets, *res)
	}

	// Step 4: Draw the picked slice of every dataset in one figure
	p.step("Step 4: Plotting slice %d...", p.params.PickedSlice)
	figure, err := visualization.Join(p.displays...)
	if err != nil {
		return nil, err
	}
	format := p.params.Format
	if format == "" {
		format = "png"
	}
	p.results.Figure = filepath.Join(p.params.OutputDir, "neg_log10_pvals."+format)
	if err := figure.Save(p.results.Figure); err != nil {
		return nil, fmt.Errorf("failed to save figure: %w", err)
	}

	return &p.results, nil
}

// analyze fits the model of one dataset and prepares its panel.
func (p *Pipeline) analyze(ds Dataset, files map[string]string) (*DatasetResult, error) {
	images := make([]array.Array, 0, len(p.subjects))
	defer func() {
		for _, img := range images {
			if err := img.Close(); err != nil {
				p.logger.Printf("Warning: failed to release image: %v", err)
			}
		}
	}()

	var affine models.Affine
	for n, id := range p.subjects {
		img, err := nifti.Load(files[id], nifti.LoadOptions{Mmap: p.params.Mmap})
		if err != nil {
			return nil, err
		}
		images = append(images, img.Data)
		if n == 0 {
			affine = img.Affine
		} else if img.Data.Shape() != images[0].Shape() {
			return nil, fmt.Errorf("%w: subject %s has shape %v, expected %v",
				array.ErrShape, id, img.Data.Shape(), images[0].Shape())
		}
	}

	masker, err := masking.NewMasker(p.params.MaskStrategy)
	if err != nil {
		return nil, err
	}
	if err := masker.Fit(images, affine); err != nil {
		return nil, fmt.Errorf("failed to compute mask: %w", err)
	}
	X, err := masker.Transform(images)
	if err != nil {
		return nil, err
	}

	// Drop the voxels that barely vary across subjects.
	keep := masking.LowVariance(X, p.params.VarianceThreshold)
	for n := range keep {
		keep[n] = !keep[n]
	}
	if err := masker.Restrict(keep); err != nil {
		return nil, err
	}
	X = masking.KeepColumns(X, keep)
	_, features := X.Dims()
	p.step("Testing %d voxels with %d permutations", features, p.params.NPerm)

	tested := mat.NewDense(len(p.subjects), 1, nil)
	for n, id := range p.subjects {
		tested.Set(n, 0, p.covariates[id])
	}
	verbosity := 0
	if p.params.Verbose {
		verbosity = 1
	}
	ols, err := massunivariate.PermutedOLS(tested, X, massunivariate.Options{
		NPerm:    p.params.NPerm,
		OneSided: p.params.OneSided,
		Seed:     p.params.Seed,
		NumCores: p.params.NumCores,
		Progress: progress.Make(p.params.NPerm, verbosity, p.logger.Writer()),
	})
	if err != nil {
		return nil, err
	}
	if p.params.Verbose && p.params.NPerm > 1 {
		fmt.Fprintln(p.logger.Writer())
	}

	negLogP, err := masker.InverseTransform(ols.NegLog10PValues.RawRowView(0))
	if err != nil {
		return nil, err
	}
	anat, err := masking.MeanImage(images)
	if err != nil {
		return nil, err
	}

	res := &DatasetResult{
		Name:     ds.Name,
		Subjects: len(p.subjects),
		Features: features,
		MapFile:  filepath.Join(p.params.OutputDir, fmt.Sprintf("neg_log10_pvals_%s.nii.gz", safeName(ds.Name))),
	}
	res.Detections, res.SliceDetections, res.MaxNegLog10P = p.count(negLogP)

	err = nifti.Save(res.MapFile, models.Image{Data: negLogP, Affine: affine}, nifti.SaveOptions{
		DType:       array.Float32,
		Description: "-log10 p " + ds.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save map: %w", err)
	}

	if p.params.SaveIntermediaryResults {
		stage := safeName(ds.Name)
		for name, data := range map[string]interface{}{
			"01_mean_anatomy":    anat,
			"02_mask":            masker.Mask(),
			"03_features":        X,
			"04_neg_log10_pvals": negLogP,
			"05_h0_max_t":        ols.H0MaxT,
		} {
			if err := p.saveIntermediaryResult(filepath.Join(stage, name), data); err != nil {
				p.logger.Printf("Warning: Failed to save %s of %s: %v", name, ds.Name, err)
			}
		}
	}

	d, err := p.panel(negLogP, anat, affine, res)
	if err != nil {
		return nil, fmt.Errorf("failed to plot: %w", err)
	}
	p.displays = append(p.displays, d)
	return res, nil
}

// count returns the number of detections overall and in the picked slice,
// and the largest value.
func (p *Pipeline) count(negLogP *array.Dense) (total, slice int, maxValue float64) {
	shape := negLogP.Shape()
	k := p.pickedIndex(shape)
	maxValue = math.Inf(-1)
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for z := 0; z < shape[2]; z++ {
				v := negLogP.At(i, j, z)
				maxValue = math.Max(maxValue, v)
				if v <= p.params.VMin {
					continue
				}
				total++
				if z == k {
					slice++
				}
			}
		}
	}
	return total, slice, maxValue
}

func (p *Pipeline) pickedIndex(shape [3]int) int {
	k := p.params.PickedSlice
	if k < 0 {
		k = 0
	}
	if k >= shape[2] {
		k = shape[2] - 1
	}
	return k
}

// panel draws the picked axial slice of the map over the mean anatomy.
func (p *Pipeline) panel(negLogP, anat *array.Dense, affine models.Affine, res *DatasetResult) (*visualization.Display, error) {
	x, y, z := affine.Apply(0, 0, float64(p.pickedIndex(negLogP.Shape())))
	opts := &visualization.Options{
		DisplayMode: "z",
		CutCoords:   &[3]float64{x, y, z},
		Colormap:    "autumn",
		OneSided:    true,
		VMin:        p.params.VMin,
		VMax:        p.params.VMax,
		Background:  &models.Image{Data: anat, Affine: affine},
		Title:       fmt.Sprintf("Negative log10 p-values\n(%s data)\n%d detections", res.Name, res.SliceDetections),
		Colorbar:    true,
		Width:       4,
		Height:      5,
		Format:      p.params.Format,
	}
	return visualization.PlotMap(negLogP, affine, p.params.VMin, opts)
}

// saveIntermediaryResult dumps data as NPY under the intermediary directory.
// Matrices are stored as (rows, columns, 1) arrays and masks as 0/1.
func (p *Pipeline) saveIntermediaryResult(stage string, data interface{}) error {
	path := filepath.Join(p.params.IntermediaryDir, stage)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}

	switch v := data.(type) {
	case array.Array:
		return npy.Save(path+".npy", v, npy.Options{})

	case *ndimage.Mask:
		a, err := array.NewDense(v.Shape[0], v.Shape[1], v.Shape[2])
		if err != nil {
			return err
		}
		for n, in := range v.Data {
			if in {
				a.Data()[n] = 1
			}
		}
		return npy.Save(path+".npy", a, npy.Options{DType: array.Uint8})

	case *mat.Dense:
		if v == nil {
			return nil
		}
		r, c := v.Dims()
		a, err := array.NewDenseFrom([3]int{r, c, 1}, mat.DenseCopyOf(v).RawMatrix().Data)
		if err != nil {
			return err
		}
		return npy.Save(path+".npy", a, npy.Options{})

	default:
		file, err := os.Create(path + ".txt")
		if err != nil {
			return fmt.Errorf("failed to create text file: %w", err)
		}
		defer file.Close()
		_, err = fmt.Fprintf(file, "%v", v)
		return err
	}
}

// safeName turns a dataset name into a file name component.
func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.ToLower(name))
}
