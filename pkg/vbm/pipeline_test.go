package vbm

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/nifti"
	"neuroplot/pkg/npy"
)

// grayMatter returns a 12^3 map with a bright 8^3 cube, voxels 2 to 9. The
// slab i in [4, 8) of the cube grows with age.
func grayMatter(t *testing.T, rng *rand.Rand, age float64) *array.Dense {
	t.Helper()
	vol, err := array.NewDense(12, 12, 12)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			for k := 0; k < 12; k++ {
				v := 0.01 * float64((i+j+k)%3)
				if i >= 2 && i < 10 && j >= 2 && j < 10 && k >= 2 && k < 10 {
					v = 1 + 0.01*float64(i) + 0.05*rng.Float64()
					if i >= 4 && i < 8 {
						v += 0.02 * age
					}
				}
				vol.Set(i, j, k, v)
			}
		}
	}
	return vol
}

// experiment writes two datasets and a covariates file under dir. The
// second dataset misses the first subject, and the last covariate has no
// image.
func experiment(t *testing.T, dir string) *Params {
	t.Helper()
	ages := []float64{23, 31, 38, 45, 52, 60, 67, 74}
	var csv strings.Builder
	csv.WriteString("id,age,sex\n")
	for n, age := range ages {
		fmt.Fprintf(&csv, "OAS1_%04d,%g,F\n", n, age)
	}
	csv.WriteString("OAS1_9999,80,M\n")
	covariates := filepath.Join(dir, "covariates.csv")
	require.NoError(t, os.WriteFile(covariates, []byte(csv.String()), 0644))

	params := &Params{
		CovariatesFile:    covariates,
		OutputDir:         filepath.Join(dir, "out"),
		NPerm:             20,
		NumCores:          2,
		Seed:              42,
		VarianceThreshold: 0.01,
		VMin:              -math.Log10(0.1),
		VMax:              3,
		PickedSlice:       5,
		MaskStrategy:      "epi",
		Mmap:              true,
		Format:            "png",
	}
	for d, name := range []string{"non-DARTEL", "DARTEL"} {
		dsDir := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(dsDir, 0755))
		rng := rand.New(rand.NewSource(int64(d)))
		for n, age := range ages {
			if d == 1 && n == 0 {
				continue
			}
			path := filepath.Join(dsDir, fmt.Sprintf("OAS1_%04d.nii", n))
			img := models.Image{Data: grayMatter(t, rng, age), Affine: models.Scaling(2, 2, 2)}
			require.NoError(t, nifti.Save(path, img, nifti.SaveOptions{DType: array.Float32}))
		}
		params.Datasets = append(params.Datasets, Dataset{Name: name, Dir: dsDir})
	}
	return params
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()
	params := experiment(t, dir)
	params.SaveIntermediaryResults = true
	params.IntermediaryDir = filepath.Join(dir, "intermediary")
	var logs bytes.Buffer
	params.Logger = log.New(&logs, "", 0)
	params.Verbose = true

	res, err := NewPipeline(params).Process()
	require.NoError(t, err)
	require.Len(t, res.Datasets, 2)

	for _, ds := range res.Datasets {
		assert.Equal(t, 7, ds.Subjects, ds.Name)
		assert.Greater(t, ds.Features, 0, ds.Name)
		assert.Less(t, ds.Features, 304, "constant voxels are dropped in %s", ds.Name)
		assert.Greater(t, ds.SliceDetections, 0, ds.Name)
		assert.GreaterOrEqual(t, ds.Detections, ds.SliceDetections, ds.Name)
		assert.InDelta(t, math.Log10(21), ds.MaxNegLog10P, 1e-6, ds.Name)

		img, err := nifti.Load(ds.MapFile, nifti.LoadOptions{})
		require.NoError(t, err)
		assert.Equal(t, [3]int{12, 12, 12}, img.Data.Shape())
		assert.Equal(t, 0.0, img.Data.At(0, 0, 0), "voxels outside the mask are zero")
		assert.InDelta(t, math.Log10(21), array.Stats(img.Data).Max, 1e-6)
	}
	assert.Equal(t, filepath.Join(params.OutputDir, "neg_log10_pvals.png"), res.Figure)

	figure, err := os.ReadFile(res.Figure)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(figure, []byte("\x89PNG")))

	for _, name := range []string{"01_mean_anatomy", "02_mask", "03_features", "04_neg_log10_pvals", "05_h0_max_t"} {
		_, err := os.Stat(filepath.Join(params.IntermediaryDir, "dartel", name+".npy"))
		assert.NoError(t, err, name)
	}
	h0, err := npy.Load(filepath.Join(params.IntermediaryDir, "non-dartel", "05_h0_max_t.npy"))
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 20, 1}, h0.Shape())

	assert.Contains(t, logs.String(), "Step 1:")
	assert.Contains(t, logs.String(), "Using 7 subjects")
}

func TestProcessInMemoryMatchesMapped(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping repeated pipeline run in short mode")
	}
	params := experiment(t, t.TempDir())
	params.Datasets = params.Datasets[:1]
	params.Logger = log.New(&bytes.Buffer{}, "", 0)
	mapped, err := NewPipeline(params).Process()
	require.NoError(t, err)

	params.Mmap = false
	params.OutputDir = filepath.Join(t.TempDir(), "memory")
	memory, err := NewPipeline(params).Process()
	require.NoError(t, err)

	assert.Equal(t, mapped.Datasets[0].Detections, memory.Datasets[0].Detections)
	a, err := os.ReadFile(mapped.Figure)
	require.NoError(t, err)
	b, err := os.ReadFile(memory.Figure)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	params := experiment(t, dir)
	params.Logger = log.New(&bytes.Buffer{}, "", 0)

	empty := *params
	empty.Datasets = nil
	_, err := NewPipeline(&empty).Process()
	assert.Error(t, err)

	other := filepath.Join(dir, "other.csv")
	require.NoError(t, os.WriteFile(other, []byte("id,age\nnobody,30\n"), 0644))
	unmatched := *params
	unmatched.CovariatesFile = other
	_, err = NewPipeline(&unmatched).Process()
	assert.True(t, errors.Is(err, ErrNoSubjects))

	missing := *params
	missing.Datasets = []Dataset{{Name: "missing", Dir: filepath.Join(dir, "nowhere")}}
	_, err = NewPipeline(&missing).Process()
	assert.Error(t, err)

	badMask := *params
	badMask.MaskStrategy = "magic"
	_, err = NewPipeline(&badMask).Process()
	assert.Error(t, err)
}

func TestReadCovariates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cov.csv")
	require.NoError(t, os.WriteFile(path, []byte("ID, Age\na, 30\nb,\nc,41.5\n"), 0644))

	values, err := ReadCovariates(path, "age")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 30, "c": 41.5}, values)

	_, err = ReadCovariates(path, "weight")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("id,age\na,old\n"), 0644))
	_, err = ReadCovariates(path, "age")
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"OAS1_0001.nii", "OAS1_0001", true},
		{"OAS1_0002.NII.GZ", "OAS1_0002", true},
		{"notes.txt", "", false},
		{"mask.npy", "", false},
	}
	for _, tt := range tests {
		id, ok := subjectID(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("subjectID(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}

	ids := commonSubjects([]map[string]string{
		{"b": "b.nii", "a": "a.nii", "c": "c.nii"},
		{"a": "a.nii", "b": "b.nii"},
	}, map[string]float64{"a": 1, "b": 2, "c": 3, "d": 4})
	assert.Equal(t, []string{"a", "b"}, ids)

	assert.Equal(t, "non-dartel", safeName("non-DARTEL"))
	assert.Equal(t, "my_data", safeName("my data"))
}
