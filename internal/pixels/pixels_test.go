package pixels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ramp(w, h int) []float64 {
	out := make([]float64, w*h)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestDecodeEncodeTypes(t *testing.T) {
	vals := []float64{0, 1, 127, 300}
	for _, dt := range []DataType{Short, UShort, Int, UInt, Long, ULong, Float, Double} {
		b, err := Encode(dt, vals)
		require.NoError(t, err)
		require.Len(t, b, len(vals)*dt.Size())
		got, err := Decode(dt, b)
		require.NoError(t, err)
		require.Equal(t, vals, got, "type %v", dt)
	}

	b, err := Encode(UByte, []float64{-5, 300, 7.6})
	require.NoError(t, err)
	got, _ := Decode(UByte, b)
	require.Equal(t, []float64{0, 255, 8}, got, "ubyte saturates and rounds")

	_, err = Decode(UShort, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidRegion)
	_, err = Decode(DataType(42), nil)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestRegionSubsampling(t *testing.T) {
	src := NewMemorySource(4, 3, ramp(4, 3))
	r := Region{Type: Double, Dims: []Dim{{Start: 2, End: 4, Inc: 2}, {Start: 1, End: 3, Inc: 2}}}
	b, err := src.ReadPixels(context.Background(), 0, r)
	require.NoError(t, err)
	got, err := Decode(Double, b)
	require.NoError(t, err)
	// x = 2,4 and y = 1,3 in 1-based coordinates
	require.Equal(t, []float64{1, 3, 9, 11}, got)
	require.Equal(t, 4, r.Len())
}

func TestRegionValidate(t *testing.T) {
	p := Parameters{Type: UShort, Dims: []int{4, 3}}
	cases := []Region{
		{Type: UShort, Dims: []Dim{{Start: 0, End: 4, Inc: 1}, Full(3)}},
		{Type: UShort, Dims: []Dim{Full(5), Full(3)}},
		{Type: UShort, Dims: []Dim{{Start: 1, End: 4, Inc: 0}, Full(3)}},
		{Type: UShort, Dims: []Dim{Full(4), Full(3), Full(1)}},
		{Type: UShort},
	}
	for i, r := range cases {
		if err := r.Validate(p); !errors.Is(err, ErrInvalidRegion) {
			t.Fatalf("case %d: expected ErrInvalidRegion, got %v", i, err)
		}
	}
	require.NoError(t, LayerRegion(p, 0).Validate(p))
}

func TestRegionCacheHitsAndEviction(t *testing.T) {
	src := NewMemorySource(2, 2, ramp(2, 2), ramp(2, 2), ramp(2, 2))
	cache := NewRegionCache(src, 2, quietLog())
	ctx := context.Background()
	region := Region{Type: UShort, Dims: []Dim{Full(2), Full(2)}}

	h0, err := cache.Get(ctx, 0, region)
	require.NoError(t, err)
	again, err := cache.Get(ctx, 0, region)
	require.NoError(t, err)
	require.Same(t, h0.Buffer(), again.Buffer())
	require.EqualValues(t, 1, src.Reads())
	again.Release()

	h1, err := cache.Get(ctx, 1, region)
	require.NoError(t, err)
	h1.Release()

	// frame 0 is still held, so inserting frame 2 evicts frame 1
	h2, err := cache.Get(ctx, 2, region)
	require.NoError(t, err)
	h2.Release()
	require.Equal(t, 2, cache.Len())

	h0b, err := cache.Get(ctx, 0, region)
	require.NoError(t, err)
	h0b.Release()
	require.EqualValues(t, 3, src.Reads(), "frame 0 should still be cached")

	h1b, err := cache.Get(ctx, 1, region)
	require.NoError(t, err)
	h1b.Release()
	require.EqualValues(t, 4, src.Reads(), "frame 1 should have been evicted")

	h0.Release()
	h0.Release()
	hits, misses := cache.Stats()
	require.Equal(t, 2, hits)
	require.Equal(t, 4, misses)
}

func TestRegionCacheKeepsReferencedEntries(t *testing.T) {
	src := NewMemorySource(1, 1, []float64{1}, []float64{2}, []float64{3})
	cache := NewRegionCache(src, 1, quietLog())
	region := Region{Type: UShort, Dims: []Dim{Full(1), Full(1)}}

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := cache.Get(context.Background(), i, region)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Equal(t, 3, cache.Len(), "referenced entries are never evicted")

	for _, h := range handles {
		h.Release()
	}
	require.Equal(t, 1, cache.Len())
}

func TestImageMatrix(t *testing.T) {
	src := NewCachedSource(NewMemorySource(3, 2, ramp(3, 2)), 4, quietLog())
	m, err := src.ImageMatrix(context.Background(), 0, 0)
	require.NoError(t, err)
	r, c := m.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	require.Equal(t, 5.0, m.At(1, 2))

	_, err = src.ImageMatrix(context.Background(), 4, 0)
	require.ErrorIs(t, err, ErrFrameRange)
}

func TestImageMatrixRejectsUnsupportedTypes(t *testing.T) {
	for _, dt := range []DataType{Byte, Long, ULong} {
		mem := NewMemorySource(2, 2, ramp(2, 2))
		mem.Params.Type = dt
		src := NewCachedSource(mem, 4, quietLog())
		_, err := src.ImageMatrix(context.Background(), 0, 0)
		if !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("%v: expected ErrUnsupportedType, got %v", dt, err)
		}
	}
}

func TestComputeStats(t *testing.T) {
	mem := NewMemorySource(5, 1, []float64{0, 2, 4, 6, 8})
	src := NewCachedSource(mem, 4, quietLog())
	st, err := src.ComputeStats(context.Background(), 0, 0)
	require.NoError(t, err)

	require.EqualValues(t, 5, st.TotalPixels)
	require.EqualValues(t, 4, st.GoodPixels)
	value := func(v float64, ok bool) float64 {
		require.True(t, ok)
		return v
	}
	require.Equal(t, 4.0, value(st.Mean.Value()))
	require.Equal(t, 4.0, value(st.Median.Value()))
	require.Equal(t, 0.0, value(st.Min.Value()))
	require.Equal(t, 8.0, value(st.Max.Value()))
	require.Equal(t, 2.4, value(st.AvgDev.Value()))
	require.Equal(t, 2.0, value(st.MAD.Value()))
	require.Equal(t, 65535.0, value(st.NormValue.Value()))
	_, ok := st.BgNoise.Value()
	require.False(t, ok)
}

func TestFrameFile(t *testing.T) {
	require.Equal(t, filepath.Join("d", "light_00012.fit"), FrameFile("d", "light_", 5, 12, ".fit"))
	require.Equal(t, filepath.Join("d", "light_12.fits"), FrameFile("d", "light_", 0, 12, ".fits"))
}
