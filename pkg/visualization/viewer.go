package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

// Viewer extracts grayscale cuts and subregions from a volume. Intensities
// are scaled so that the volume minimum is black and its maximum white.
type Viewer struct {
	// volume holds the voxel data, in memory or memory-mapped
	volume array.Array

	// affine places the volume in physical space
	affine models.Affine

	// intensity range used for the gray scaling
	min float64
	max float64
}

// NewViewer creates a new viewer over vol
func NewViewer(vol array.Array, affine models.Affine) *Viewer {
	s := array.Stats(vol)
	v := &Viewer{volume: vol, affine: affine, min: s.Min, max: s.Max}
	if math.IsNaN(v.min) || !(v.max > v.min) {
		v.min, v.max = 0, 1
	}
	return v
}

// ExtractSlice extracts a 2D cut from the volume at the voxel position
// along the specified axis. Rows are flipped so that the last voxel row is
// at the top of the image.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	a, err := models.ParseAxis(axis)
	if err != nil {
		return nil, err
	}

	shape := v.volume.Shape()
	if position >= shape[a.Index()] {
		return nil, fmt.Errorf("position %d exceeds %s dimension %d", position, a, shape[a.Index()])
	}

	var s *models.Slice
	if err := array.Check(func() { s = extractCut(v.volume, a, position) }); err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, s.Width, s.Height))
	for r := 0; r < s.Height; r++ {
		for c := 0; c < s.Width; c++ {
			img.SetGray16(c, s.Height-1-r, color.Gray16{Y: v.gray(s.At(c, r))})
		}
	}

	return img, nil
}

func (v *Viewer) gray(value float64) uint16 {
	if math.IsNaN(value) {
		return 0
	}
	scaled := (value - v.min) / (v.max - v.min)
	return uint16(math.Max(0, math.Min(65535, scaled*65535)))
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*array.Dense, error) {
	// Validate parameters
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	shape := v.volume.Shape()
	if startX+sizeX > shape[0] || startY+sizeY > shape[1] || startZ+sizeZ > shape[2] {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region, err := array.NewDense(sizeX, sizeY, sizeZ)
	if err != nil {
		return nil, err
	}

	err = array.Check(func() {
		for x := 0; x < sizeX; x++ {
			for y := 0; y < sizeY; y++ {
				for z := 0; z < sizeZ; z++ {
					region.Set(x, y, z, v.volume.At(startX+x, startY+y, startZ+z))
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return region, nil
}

// RegionAffine returns the affine of a region extracted at the given start.
func (v *Viewer) RegionAffine(startX, startY, startZ int) models.Affine {
	out := v.affine
	x, y, z := v.affine.Apply(float64(startX), float64(startY), float64(startZ))
	out[0][3], out[1][3], out[2][3] = x, y, z
	return out
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	a, err := models.ParseAxis(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < v.volume.Shape()[a.Index()]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", a, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
