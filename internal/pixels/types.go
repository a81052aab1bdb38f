// Package pixels reads typed pixel regions of sequence frames and caches them.
package pixels

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnsupportedType = errors.New("unsupported pixel element type")
	ErrInvalidRegion   = errors.New("invalid pixel region")
	ErrFrameRange      = errors.New("frame index out of range")
)

// DataType is the element type of a pixel buffer.
type DataType int

const (
	Byte DataType = iota
	UByte
	Short
	UShort
	Int
	UInt
	Long
	ULong
	Float
	Double
)

var dataTypeNames = [...]string{"byte", "ubyte", "short", "ushort", "int", "uint", "long", "ulong", "float", "double"}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return fmt.Sprintf("DataType(%d)", int(t))
	}
	return dataTypeNames[t]
}

// Size returns the element width in bytes.
func (t DataType) Size() int {
	switch t {
	case Byte, UByte:
		return 1
	case Short, UShort:
		return 2
	case Int, UInt, Float:
		return 4
	case Long, ULong, Double:
		return 8
	}
	return 0
}

// MaxValue returns the largest value representable by the type.
func (t DataType) MaxValue() float64 {
	switch t {
	case Byte:
		return math.MaxInt8
	case UByte:
		return math.MaxUint8
	case Short:
		return math.MaxInt16
	case UShort:
		return math.MaxUint16
	case Int:
		return math.MaxInt32
	case UInt:
		return math.MaxUint32
	case Long:
		return math.MaxInt64
	case ULong:
		return math.MaxUint64
	case Float:
		return math.MaxFloat32
	case Double:
		return math.MaxFloat64
	}
	return 0
}

// Dim selects elements Start, Start+Inc, ... up to End along one axis.
// Indices are 1-based and End is inclusive.
type Dim struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Inc   int `json:"inc"`
}

// Count returns the number of selected elements.
func (d Dim) Count() int {
	if d.Inc <= 0 || d.End < d.Start {
		return 0
	}
	return (d.End-d.Start)/d.Inc + 1
}

// Full selects a whole axis of length n.
func Full(n int) Dim {
	return Dim{Start: 1, End: n, Inc: 1}
}

// Region describes a typed sub-volume of a frame. Dims are ordered x, y,
// then layer.
type Region struct {
	Type DataType `json:"type"`
	Dims []Dim    `json:"dims"`
}

// LayerRegion selects the whole of one 0-based layer of a frame.
func LayerRegion(p Parameters, layer int) Region {
	r := Region{Type: p.Type, Dims: []Dim{Full(p.Width()), Full(p.Height())}}
	if len(p.Dims) > 2 {
		r.Dims = append(r.Dims, Dim{Start: layer + 1, End: layer + 1, Inc: 1})
	}
	return r
}

// Len returns the number of elements in the region.
func (r Region) Len() int {
	if len(r.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range r.Dims {
		n *= d.Count()
	}
	return n
}

// Validate checks the region against the frame parameters.
func (r Region) Validate(p Parameters) error {
	if r.Type.Size() == 0 {
		return fmt.Errorf("%w: %v", ErrUnsupportedType, r.Type)
	}
	if len(r.Dims) == 0 || len(r.Dims) > len(p.Dims) {
		return fmt.Errorf("%w: %d dimensions for a %d-dimensional frame", ErrInvalidRegion, len(r.Dims), len(p.Dims))
	}
	for i, d := range r.Dims {
		if d.Inc <= 0 || d.Start < 1 || d.End < d.Start || d.End > p.Dims[i] {
			return fmt.Errorf("%w: axis %d %d..%d step %d of %d", ErrInvalidRegion, i, d.Start, d.End, d.Inc, p.Dims[i])
		}
	}
	return nil
}

func (r Region) key() string {
	var b strings.Builder
	b.WriteString(r.Type.String())
	for _, d := range r.Dims {
		fmt.Fprintf(&b, "|%d:%d:%d", d.Start, d.End, d.Inc)
	}
	return b.String()
}

// Parameters describes the stored pixels of a frame.
type Parameters struct {
	Type DataType `json:"type"`
	Dims []int    `json:"dims"`
}

func (p Parameters) Width() int  { return p.dim(0) }
func (p Parameters) Height() int { return p.dim(1) }

// Layers returns the number of layers, 1 for two-dimensional frames.
func (p Parameters) Layers() int {
	if len(p.Dims) < 3 {
		return 1
	}
	return p.Dims[2]
}

func (p Parameters) dim(i int) int {
	if i >= len(p.Dims) {
		return 0
	}
	return p.Dims[i]
}

// Source provides raw pixel data of sequence frames.
type Source interface {
	ImageParameters(ctx context.Context, frame int) (Parameters, error)
	// ReadPixels returns the region's elements in native byte order, x
	// varying fastest.
	ReadPixels(ctx context.Context, frame int, r Region) ([]byte, error)
	MaxValue() float64
}
