package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/config"
	"neuroplot/pkg/nifti"
	"neuroplot/pkg/npy"
	"neuroplot/pkg/vbm"
	"neuroplot/pkg/visualization"
)

const usage = `Usage: neuroplot <command> [flags]

Commands:
  plot         draw orthogonal cuts of a NIfTI or NPY volume
  view         write an interactive HTML view of one cut
  slices       save every slice of a volume as JPEG images
  vbm          run the voxel-based morphometry experiment
  init-config  write a default configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "plot":
		err = runPlot(os.Args[2:])
	case "view":
		err = runView(os.Args[2:])
	case "slices":
		err = runSlices(os.Args[2:])
	case "vbm":
		err = runVBM(os.Args[2:])
	case "init-config":
		err = runInitConfig(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// loadConfig reads the file named by the -config flag, or the defaults.
func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// volume is an opened input volume and the scratch space backing it.
type volume struct {
	models.Image
	scratch *array.Scratch
}

// Close releases the voxel data, removing the scratch copy if any.
func (v *volume) Close() error {
	if v.scratch != nil {
		return v.scratch.Close()
	}
	return v.Image.Close()
}

// openVolume loads a NIfTI or NPY file. With mmap, compressed NIfTI files
// are decompressed to a scratch NPY file that is mapped in turn.
func openVolume(path string, cfg *config.Config) (*volume, error) {
	mmap := cfg.Storage.Mmap
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		var data array.Array
		var err error
		if mmap {
			data, err = npy.LoadMapped(path)
		} else {
			data, err = npy.Load(path)
		}
		if err != nil {
			return nil, err
		}
		return &volume{Image: models.Image{Data: data, Affine: models.Identity()}}, nil
	}

	img, err := nifti.Load(path, nifti.LoadOptions{Mmap: mmap})
	if err != nil {
		return nil, err
	}
	if !mmap || !nifti.IsCompressed(path) {
		return &volume{Image: img.Image}, nil
	}

	scratch, err := array.NewScratch(cfg.Storage.ScratchDir)
	if err != nil {
		img.Close()
		return nil, err
	}
	tmp := scratch.Path(".npy")
	err = npy.Save(tmp, img.Data, npy.Options{})
	img.Close()
	if err != nil {
		scratch.Close()
		return nil, err
	}
	mapped, err := npy.LoadMapped(tmp)
	if err != nil {
		scratch.Close()
		return nil, err
	}
	scratch.Track(mapped)
	return &volume{Image: models.Image{Data: mapped, Affine: img.Affine}, scratch: scratch}, nil
}

func plotOptions(cfg *config.Config) *visualization.Options {
	return &visualization.Options{
		DisplayMode:   cfg.Plotting.DisplayMode,
		Colormap:      cfg.Plotting.Colormap,
		ThresholdAuto: cfg.Plotting.AutoThreshold,
		Projection:    cfg.Plotting.Projection,
		Title:         cfg.Plotting.Title,
		Colorbar:      cfg.Plotting.Colorbar,
		Annotate:      cfg.Plotting.Annotate,
		Width:         cfg.Plotting.Width,
		Height:        cfg.Plotting.Height,
		Format:        cfg.Plotting.Format,
	}
}

func runPlot(args []string) error {
	fs := flag.NewFlagSet("plot", flag.ExitOnError)
	configFile := fs.String("config", "neuroplot.yaml", "Configuration file")
	input := fs.String("input", "", "NIfTI (.nii, .nii.gz) or NPY volume")
	output := fs.String("output", "plot.png", "Output image; the extension selects the format")
	threshold := fs.Float64("threshold", -1, "Hide voxels with |value| at or below it (default from config)")
	auto := fs.Bool("auto-threshold", false, "Use the 80th percentile of |values| as threshold")
	mode := fs.String("display-mode", "", "ortho, x, y, z or a pair such as xz (default from config)")
	background := fs.String("bg", "", "Optional anatomical background volume")
	mmap := fs.Bool("mmap", true, "Memory-map the input")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configFile)
	cfg.Storage.Mmap = *mmap
	opts := plotOptions(cfg)
	if *mode != "" {
		opts.DisplayMode = *mode
	}
	opts.ThresholdAuto = opts.ThresholdAuto || *auto
	thr := cfg.Plotting.Threshold
	if *threshold >= 0 {
		thr = *threshold
	}

	vol, err := openVolume(*input, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *input, err)
	}
	defer vol.Close()

	if *background != "" {
		bg, err := openVolume(*background, cfg)
		if err != nil {
			return fmt.Errorf("failed to open background %s: %w", *background, err)
		}
		defer bg.Close()
		opts.Background = &bg.Image
	}

	start := time.Now()
	fig, err := visualization.PlotMap(vol.Data, vol.Affine, thr, opts)
	if err != nil {
		return err
	}
	if err := fig.Save(*output); err != nil {
		return err
	}

	c := fig.CutCoords
	fmt.Printf("Threshold: %g\n", fig.Threshold)
	fmt.Printf("Cut coordinates: (%.1f, %.1f, %.1f)\n", c[0], c[1], c[2])
	fmt.Printf("Figure saved to %s in %.2f seconds\n", *output, time.Since(start).Seconds())
	return nil
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	configFile := fs.String("config", "neuroplot.yaml", "Configuration file")
	input := fs.String("input", "", "NIfTI (.nii, .nii.gz) or NPY volume")
	output := fs.String("output", "view.html", "Output HTML page")
	axisName := fs.String("axis", "z", "Cut axis: x, y or z")
	coord := fs.Float64("coord", 0, "Physical position of the cut")
	threshold := fs.Float64("threshold", -1, "Hide voxels with |value| at or below it (default from config)")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}
	axis, err := models.ParseAxis(*axisName)
	if err != nil {
		return err
	}

	cfg := loadConfig(*configFile)
	thr := cfg.Plotting.Threshold
	if *threshold >= 0 {
		thr = *threshold
	}

	vol, err := openVolume(*input, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *input, err)
	}
	defer vol.Close()

	file, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := visualization.ViewHTML(file, vol.Data, vol.Affine, axis, *coord, thr); err != nil {
		return err
	}
	fmt.Printf("View saved to %s\n", *output)
	return nil
}

func runSlices(args []string) error {
	fs := flag.NewFlagSet("slices", flag.ExitOnError)
	configFile := fs.String("config", "neuroplot.yaml", "Configuration file")
	input := fs.String("input", "", "NIfTI (.nii, .nii.gz) or NPY volume")
	outputDir := fs.String("output", "slices", "Directory receiving one sub-directory per axis")
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg := loadConfig(*configFile)

	vol, err := openVolume(*input, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *input, err)
	}
	defer vol.Close()

	viewer := visualization.NewViewer(vol.Data, vol.Affine)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(*outputDir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
		}
	}
	return nil
}

// datasetList parses name=dir pairs.
type datasetList []vbm.Dataset

func (d *datasetList) String() string {
	parts := make([]string, len(*d))
	for n, ds := range *d {
		parts[n] = ds.Name + "=" + ds.Dir
	}
	return strings.Join(parts, ",")
}

func (d *datasetList) Set(value string) error {
	name, dir, ok := strings.Cut(value, "=")
	if !ok || name == "" || dir == "" {
		return fmt.Errorf("expected name=dir, got %q", value)
	}
	*d = append(*d, vbm.Dataset{Name: name, Dir: dir})
	return nil
}

func runVBM(args []string) error {
	fs := flag.NewFlagSet("vbm", flag.ExitOnError)
	configFile := fs.String("config", "neuroplot.yaml", "Configuration file")
	var datasets datasetList
	fs.Var(&datasets, "dataset", "Dataset as name=dir, repeat for several datasets")
	covariates := fs.String("covariates", "", "CSV file with id and age columns")
	covariate := fs.String("covariate", "age", "Tested covariate column")
	outputDir := fs.String("output", "vbm_results", "Output directory")
	nPerm := fs.Int("nperm", -1, "Number of permutations (default from config)")
	cores := fs.Int("cores", 0, "Number of CPU cores to use (default from config)")
	saveIntermediary := fs.Bool("save-intermediary", false, "Save intermediary results during processing")
	intermediaryDir := fs.String("intermediary-dir", "intermediary_results", "Directory to save intermediary results")
	fs.Parse(args)

	if len(datasets) == 0 || *covariates == "" {
		fs.Usage()
		os.Exit(1)
	}
	cfg := loadConfig(*configFile)

	params := &vbm.Params{
		Datasets:                datasets,
		CovariatesFile:          *covariates,
		Covariate:               *covariate,
		OutputDir:               *outputDir,
		Format:                  cfg.Plotting.Format,
		NPerm:                   cfg.Analysis.NPerm,
		NumCores:                cfg.Analysis.NumCores,
		Seed:                    cfg.Analysis.Seed,
		OneSided:                !cfg.Analysis.TwoSided,
		VarianceThreshold:       cfg.Analysis.VarianceThreshold,
		VMin:                    cfg.Analysis.VMin,
		VMax:                    cfg.Analysis.VMax,
		PickedSlice:             cfg.Analysis.PickedSlice,
		MaskStrategy:            cfg.Analysis.MaskStrategy,
		Mmap:                    cfg.Storage.Mmap,
		SaveIntermediaryResults: *saveIntermediary || cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         *intermediaryDir,
		Verbose:                 cfg.Output.Verbose,
		Logger:                  log.New(os.Stdout, "", 0),
	}
	if *nPerm >= 0 {
		params.NPerm = *nPerm
	}
	if *cores > 0 {
		params.NumCores = *cores
	}

	fmt.Println("================================")
	fmt.Println("VOXEL-BASED MORPHOMETRY: GRAY MATTER DENSITY VS", strings.ToUpper(*covariate))
	fmt.Println("================================")

	start := time.Now()
	results, err := vbm.NewPipeline(params).Process()
	if err != nil {
		return err
	}

	fmt.Printf("\nAnalysis completed in %.2f seconds\n", time.Since(start).Seconds())
	for _, ds := range results.Datasets {
		fmt.Printf("\n%s data (%d subjects, %d voxels tested):\n", ds.Name, ds.Subjects, ds.Features)
		fmt.Printf("- Detections: %d (%d in slice %d)\n", ds.Detections, ds.SliceDetections, params.PickedSlice)
		fmt.Printf("- Max -log10 p: %.3f\n", ds.MaxNegLog10P)
		fmt.Printf("- Map saved to: %s\n", ds.MapFile)
	}
	fmt.Printf("\nFigure saved to: %s\n", results.Figure)
	if params.SaveIntermediaryResults {
		fmt.Printf("Intermediary results saved to: %s\n", params.IntermediaryDir)
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("output", "neuroplot.yaml", "Configuration file to create")
	fs.Parse(args)

	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}
