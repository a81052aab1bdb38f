package pixels

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MemorySource serves frames held in memory. Each frame is a dense x-fastest
// volume of Params.Dims.
type MemorySource struct {
	Params Parameters
	Frames [][]float64
	Max    float64

	reads atomic.Int64
}

// NewMemorySource returns a source of UShort frames of width x height.
func NewMemorySource(width, height int, frames ...[]float64) *MemorySource {
	return &MemorySource{
		Params: Parameters{Type: UShort, Dims: []int{width, height}},
		Frames: frames,
		Max:    UShort.MaxValue(),
	}
}

func (m *MemorySource) ImageParameters(_ context.Context, frame int) (Parameters, error) {
	if frame < 0 || frame >= len(m.Frames) {
		return Parameters{}, fmt.Errorf("%w: %d of %d", ErrFrameRange, frame, len(m.Frames))
	}
	return m.Params, nil
}

func (m *MemorySource) ReadPixels(ctx context.Context, frame int, r Region) ([]byte, error) {
	p, err := m.ImageParameters(ctx, frame)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(p); err != nil {
		return nil, err
	}
	m.reads.Add(1)
	return Encode(r.Type, subsample(m.Frames[frame], p.Dims, r))
}

func (m *MemorySource) MaxValue() float64 { return m.Max }

// Reads returns how many regions were read from the source.
func (m *MemorySource) Reads() int64 { return m.reads.Load() }
