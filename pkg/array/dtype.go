package array

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the on-disk element type of a stored array.
type DType int

const (
	Float64 DType = iota
	Float32
	Float16
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
)

var dtypeNames = map[DType]string{
	Float64: "float64",
	Float32: "float32",
	Float16: "float16",
	Int8:    "int8",
	Uint8:   "uint8",
	Int16:   "int16",
	Uint16:  "uint16",
	Int32:   "int32",
	Uint32:  "uint32",
	Int64:   "int64",
}

// String returns the numpy-style name of the type.
func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	_, ok := dtypeNames[d]
	return ok
}

// Size returns the number of bytes of one element.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Float16, Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64:
		return 8
	}
	return 0
}

// Decode reads one element from b, which must hold at least Size() bytes.
func (d DType) Decode(b []byte, order binary.ByteOrder) float64 {
	switch d {
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float16:
		return float64(float16.Frombits(order.Uint16(b)).Float32())
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Uint32:
		return float64(order.Uint32(b))
	case Int64:
		return float64(int64(order.Uint64(b)))
	}
	return math.NaN()
}

// Encode writes v into b using the element type, rounding and saturating
// for integer types.
func (d DType) Encode(b []byte, order binary.ByteOrder, v float64) {
	switch d {
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float16:
		order.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case Int8:
		b[0] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
	case Uint8:
		b[0] = byte(clampRound(v, 0, math.MaxUint8))
	case Int16:
		order.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case Uint16:
		order.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
	case Int32:
		order.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case Uint32:
		order.PutUint32(b, uint32(clampRound(v, 0, math.MaxUint32)))
	case Int64:
		order.PutUint64(b, uint64(int64(clampRound(v, math.MinInt64, math.MaxInt64))))
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
