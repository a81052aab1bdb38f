package pixels

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode converts a native-endian buffer of element type t to float64 values.
func Decode(t DataType, data []byte) ([]float64, error) {
	size := t.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, t)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidRegion, len(data), size)
	}
	ne := binary.NativeEndian
	out := make([]float64, len(data)/size)
	for i := range out {
		b := data[i*size:]
		switch t {
		case Byte:
			out[i] = float64(int8(b[0]))
		case UByte:
			out[i] = float64(b[0])
		case Short:
			out[i] = float64(int16(ne.Uint16(b)))
		case UShort:
			out[i] = float64(ne.Uint16(b))
		case Int:
			out[i] = float64(int32(ne.Uint32(b)))
		case UInt:
			out[i] = float64(ne.Uint32(b))
		case Long:
			out[i] = float64(int64(ne.Uint64(b)))
		case ULong:
			out[i] = float64(ne.Uint64(b))
		case Float:
			out[i] = float64(math.Float32frombits(ne.Uint32(b)))
		case Double:
			out[i] = math.Float64frombits(ne.Uint64(b))
		}
	}
	return out, nil
}

// Encode converts values to a native-endian buffer of element type t,
// rounding and saturating for integer types.
func Encode(t DataType, vals []float64) ([]byte, error) {
	size := t.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, t)
	}
	ne := binary.NativeEndian
	out := make([]byte, len(vals)*size)
	for i, v := range vals {
		b := out[i*size:]
		switch t {
		case Byte:
			b[0] = byte(int8(saturate(v, math.MinInt8, math.MaxInt8)))
		case UByte:
			b[0] = byte(saturate(v, 0, math.MaxUint8))
		case Short:
			ne.PutUint16(b, uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		case UShort:
			ne.PutUint16(b, uint16(saturate(v, 0, math.MaxUint16)))
		case Int:
			ne.PutUint32(b, uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		case UInt:
			ne.PutUint32(b, uint32(saturate(v, 0, math.MaxUint32)))
		case Long:
			ne.PutUint64(b, uint64(int64(saturate(v, math.MinInt64, math.MaxInt64))))
		case ULong:
			ne.PutUint64(b, uint64(saturate(v, 0, math.MaxUint64)))
		case Float:
			ne.PutUint32(b, math.Float32bits(float32(v)))
		case Double:
			ne.PutUint64(b, math.Float64bits(v))
		}
	}
	return out, nil
}

func saturate(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// subsample picks the region's elements out of a dense x-fastest volume of
// the given dimensions.
func subsample(vals []float64, dims []int, r Region) []float64 {
	out := make([]float64, 0, r.Len())
	var walk func(axis, offset int)
	walk = func(axis, offset int) {
		d := r.Dims[axis]
		stride := 1
		for i := 0; i < axis; i++ {
			stride *= dims[i]
		}
		for p := d.Start; p <= d.End; p += d.Inc {
			idx := offset + (p-1)*stride
			if axis == 0 {
				out = append(out, vals[idx])
				continue
			}
			walk(axis-1, idx)
		}
	}
	walk(len(r.Dims)-1, 0)
	return out
}
