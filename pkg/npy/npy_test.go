package npy

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroplot/pkg/array"
)

func randomVolume(t *testing.T, nx, ny, nz int) *array.Dense {
	t.Helper()
	d, err := array.NewDense(nx, ny, nz)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	for i := range d.Data() {
		d.Data()[i] = float64(rng.Intn(200)) - 100
	}
	return d
}

func TestWriteHeaderIsAligned(t *testing.T) {
	d := randomVolume(t, 3, 4, 5)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, d, Options{}))

	h, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.DataOffset%headerAlign)
	assert.Equal(t, int64(buf.Len()), h.DataOffset+int64(d.Len()*8))

	want := Header{
		Major: 1, Minor: 0,
		DType:      array.Float64,
		Order:      binary.LittleEndian,
		Shape:      []int{3, 4, 5},
		DataOffset: h.DataOffset,
	}
	if diff := cmp.Diff(want, h, cmp.Comparer(func(a, b binary.ByteOrder) bool { return a == b })); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := randomVolume(t, 5, 4, 3)
	cases := []struct {
		name string
		opts Options
	}{
		{"float64", Options{}},
		{"float32 fortran", Options{DType: array.Float32, Fortran: true}},
		{"int16 big endian", Options{DType: array.Int16, BigEndian: true}},
		{"float16", Options{DType: array.Float16}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vol.npy")
			require.NoError(t, Save(path, d, tc.opts))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.True(t, array.Equal(d, loaded), "loaded values differ")

			mapped, err := LoadMapped(path)
			require.NoError(t, err)
			defer mapped.Close()
			assert.True(t, array.Equal(d, mapped), "mapped values differ")
			assert.Equal(t, tc.opts.Fortran, mapped.Layout().Fortran)
		})
	}
}

// A header as numpy writes it for a (2, 3) Fortran ordered
// big-endian float32 array.
func TestReadNumpyHeader(t *testing.T) {
	dict := "{'descr': '>f4', 'fortran_order': True, 'shape': (2, 3), }"
	header := dict + string(bytes.Repeat([]byte(" "), 128-10-len(dict)-1)) + "\n"
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	// Column-major values 0..5 of [[0, 2, 4], [1, 3, 5]].
	for v := 0; v < 6; v++ {
		binary.Write(&buf, binary.BigEndian, math.Float32bits(float32(v)))
	}
	path := filepath.Join(t.TempDir(), "numpy.npy")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 3, 1}, loaded.Shape())
	assert.Equal(t, 4.0, loaded.At(0, 2, 0))
	assert.Equal(t, 3.0, loaded.At(1, 1, 0))

	mapped, err := LoadMapped(path)
	require.NoError(t, err)
	defer mapped.Close()
	assert.True(t, array.Equal(loaded, mapped))
}

func TestReadHeaderErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrFormat},
		{"bad magic", []byte("NOTNUMPYxxxxxxxx"), ErrFormat},
		{"complex dtype", buildHeader("{'descr': '<c16', 'fortran_order': False, 'shape': (2,), }"), ErrUnsupportedDType},
		{"missing shape", buildHeader("{'descr': '<f8', 'fortran_order': False, }"), ErrFormat},
		{"rank 4", buildHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (2, 2, 2, 2), }"), ErrFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadHeader(bytes.NewReader(tc.data))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTrailingSingletonDimsAccepted(t *testing.T) {
	h, err := ReadHeader(bytes.NewReader(buildHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (4, 3, 2, 1), }")))
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 3, 2}, h.Volume())
}

func TestLoadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.npy")
	require.NoError(t, os.WriteFile(path, buildHeader("{'descr': '<f8', 'fortran_order': False, 'shape': (4,), }"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = LoadMapped(path)
	assert.ErrorIs(t, err, array.ErrShape)
}

func buildHeader(dict string) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(dict)+1))
	buf.WriteString(dict + "\n")
	return buf.Bytes()
}
