package nifti

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

// Image is a loaded NIfTI volume.
type Image struct {
	models.Image
	Header Header
}

// LoadOptions control how voxel data is loaded.
type LoadOptions struct {
	// Mmap maps uncompressed files instead of reading them into memory.
	// Compressed files are always read into memory.
	Mmap bool
}

// IsCompressed reports whether path names a gzip compressed image.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Load reads the first volume of the image at path.
func Load(path string, opts LoadOptions) (*Image, error) {
	return LoadVolume(path, 0, opts)
}

// LoadVolume reads volume t of a 3D or 4D image.
func LoadVolume(path string, t int, opts LoadOptions) (*Image, error) {
	if IsCompressed(path) {
		return loadCompressed(path, t)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize)
	_, err = io.ReadFull(f, buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	layout, err := h.Layout(t)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var data array.Array
	if opts.Mmap {
		f.Close()
		data, err = array.OpenMapped(path, layout)
	} else {
		var raw []byte
		raw, err = io.ReadAll(io.NewSectionReader(f, layout.Offset, layout.DataSize()))
		f.Close()
		if err == nil {
			layout.Offset = 0
			data, err = array.Decode(raw, layout)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Image: models.Image{Data: data, Affine: h.Affine()}, Header: h}, nil
}

func loadCompressed(path string, t int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}

	h, err := ParseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	layout, err := h.Layout(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := array.Decode(raw, layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Image: models.Image{Data: data, Affine: h.Affine()}, Header: h}, nil
}

// SaveOptions control how Save encodes voxel data.
type SaveOptions struct {
	DType       array.DType
	Description string
}

// Save writes img as a single file image, compressed when path ends in .gz.
func Save(path string, img models.Image, opts SaveOptions) error {
	h, err := NewHeader(img.Data.Shape(), opts.DType, img.Affine)
	if err != nil {
		return err
	}
	h.Descrip = opts.Description

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	var w io.Writer = f
	var zw *gzip.Writer
	if IsCompressed(path) {
		zw = gzip.NewWriter(f)
		w = zw
	}

	err = write(w, h, img.Data, opts.DType)
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func write(w io.Writer, h Header, data array.Array, dt array.DType) error {
	hdr, err := h.Marshal()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.Write(hdr)

	buf := make([]byte, dt.Size())
	shape := data.Shape()
	if err := array.Check(func() {
		for k := 0; k < shape[2]; k++ {
			for j := 0; j < shape[1]; j++ {
				for i := 0; i < shape[0]; i++ {
					dt.Encode(buf, h.Order, data.At(i, j, k))
					bw.Write(buf)
				}
			}
		}
	}); err != nil {
		return err
	}
	return bw.Flush()
}
