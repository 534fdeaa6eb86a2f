package array

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRaw stores d in the given layout and returns the file path.
func writeRaw(t *testing.T, d *Dense, l Layout) string {
	t.Helper()
	if l.Order == nil {
		l.Order = binary.LittleEndian
	}
	size := l.DType.Size()
	buf := make([]byte, l.Offset+l.DataSize())
	s := d.Shape()
	for i := 0; i < s[0]; i++ {
		for j := 0; j < s[1]; j++ {
			for k := 0; k < s[2]; k++ {
				var idx int
				if l.Fortran {
					idx = (k*s[1]+j)*s[0] + i
				} else {
					idx = (i*s[1]+j)*s[2] + k
				}
				off := l.Offset + int64(idx*size)
				l.DType.Encode(buf[off:off+int64(size)], l.Order, d.At(i, j, k))
			}
		}
	}
	path := filepath.Join(t.TempDir(), "raw.bin")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func testVolume(t *testing.T) *Dense {
	t.Helper()
	d, err := NewDense(4, 3, 2)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 2; k++ {
				d.Set(i, j, k, float64(i*100+j*10+k))
			}
		}
	}
	return d
}

func TestNewDenseRejectsBadShape(t *testing.T) {
	_, err := NewDense(0, 3, 3)
	assert.ErrorIs(t, err, ErrShape)

	_, err = NewDenseFrom([3]int{2, 2, 2}, make([]float64, 7))
	assert.ErrorIs(t, err, ErrShape)
}

func TestDenseIndexing(t *testing.T) {
	d := testVolume(t)
	assert.Equal(t, 24, d.Len())
	assert.Equal(t, 321.0, d.At(3, 2, 1))
	// C order: last index varies fastest.
	assert.Equal(t, 1.0, d.Data()[1])
	assert.Equal(t, 10.0, d.Data()[2])

	err := Check(func() { d.At(4, 0, 0) })
	assert.ErrorIs(t, err, ErrIndex)
}

func TestMappedMatchesDense(t *testing.T) {
	d := testVolume(t)
	cases := []struct {
		name   string
		layout Layout
	}{
		{"float64 C order", Layout{Shape: d.Shape(), DType: Float64, Order: binary.LittleEndian}},
		{"float32 fortran with offset", Layout{Shape: d.Shape(), DType: Float32, Order: binary.LittleEndian, Offset: 352, Fortran: true}},
		{"int16 big endian", Layout{Shape: d.Shape(), DType: Int16, Order: binary.BigEndian, Offset: 16}},
		{"float16", Layout{Shape: d.Shape(), DType: Float16, Order: binary.LittleEndian}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeRaw(t, d, tc.layout)
			m, err := OpenMapped(path, tc.layout)
			require.NoError(t, err)
			defer m.Close()

			assert.Equal(t, d.Shape(), m.Shape())
			assert.True(t, Equal(d, m), "mapped values differ from dense values")
		})
	}
}

func TestMappedScaling(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Int32, Order: binary.LittleEndian}
	path := writeRaw(t, d, l)

	l.Slope, l.Inter = 0.5, 1
	m, err := OpenMapped(path, l)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 321*0.5+1, m.At(3, 2, 1))
}

func TestMappedFileTooSmall(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Float32}
	path := writeRaw(t, d, l)

	l.Shape = [3]int{4, 3, 3}
	_, err := OpenMapped(path, l)
	assert.ErrorIs(t, err, ErrShape)
}

func TestMappedClose(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Float64, Order: binary.LittleEndian}
	m, err := OpenMapped(writeRaw(t, d, l), l)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "second close should be a no-op")

	err = Check(func() { m.At(0, 0, 0) })
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
}

func TestMappedUnmappedDuringRead(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Float64, Order: binary.LittleEndian}
	m, err := OpenMapped(writeRaw(t, d, l), l)
	require.NoError(t, err)

	// Unmap behind the closed flag, as a concurrent Close would.
	require.NoError(t, m.r.Close())
	err = Check(func() { m.At(1, 2, 1) })
	assert.True(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
	require.NoError(t, m.Close())
}

func TestMaterializeAndStats(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Float64, Order: binary.LittleEndian, Fortran: true}
	m, err := OpenMapped(writeRaw(t, d, l), l)
	require.NoError(t, err)
	defer m.Close()

	copied := Materialize(m)
	assert.Equal(t, d.Data(), copied.Data())

	s := Stats(m)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 321.0, s.Max)
	assert.Equal(t, 23, s.NonZero)
}

func TestStatsAllNaN(t *testing.T) {
	d, err := NewDense(2, 2, 2)
	require.NoError(t, err)
	d.Fill(math.NaN())
	s := Stats(d)
	assert.Equal(t, 8, s.NaNs)
	assert.True(t, math.IsNaN(s.Min))
}

func TestEncodeSaturates(t *testing.T) {
	b := make([]byte, 1)
	Uint8.Encode(b, binary.LittleEndian, 300)
	assert.Equal(t, byte(255), b[0])
	Int8.Encode(b, binary.LittleEndian, -3.6)
	assert.Equal(t, -4.0, Int8.Decode(b, binary.LittleEndian))
}

func TestScratchRemovesFiles(t *testing.T) {
	s, err := NewScratch(t.TempDir())
	require.NoError(t, err)

	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Float64, Order: binary.LittleEndian}
	path := s.Path(".bin")
	assert.NotEqual(t, path, s.Path(".bin"))

	raw := writeRaw(t, d, l)
	data, err := os.ReadFile(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	m, err := OpenMapped(path, l)
	require.NoError(t, err)
	s.Track(m)

	require.NoError(t, s.Close())
	_, err = os.Stat(s.Dir())
	assert.True(t, os.IsNotExist(err), "scratch directory still exists")
	assert.ErrorIs(t, Check(func() { m.At(0, 0, 0) }), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestDecodeMatchesMapped(t *testing.T) {
	d := testVolume(t)
	l := Layout{Shape: d.Shape(), DType: Uint16, Order: binary.BigEndian, Offset: 8, Fortran: true, Slope: 2}
	path := writeRaw(t, d, l)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	decoded, err := Decode(raw, l)
	require.NoError(t, err)
	m, err := OpenMapped(path, l)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, Equal(decoded, m))
	assert.Equal(t, 642.0, decoded.At(3, 2, 1))

	_, err = Decode(raw[:20], l)
	assert.ErrorIs(t, err, ErrShape)
}
