package pixels

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"starlign/internal/seq"
)

// ComputeStats derives the statistics of one layer of frame. Measures with no
// pixel-based estimator here are left absent.
func (s *CachedSource) ComputeStats(ctx context.Context, frame, layer int) (seq.Stats, error) {
	p, vals, err := s.Layer(ctx, frame, layer)
	if err != nil {
		return seq.Stats{}, err
	}
	st := StatsOf(vals, s.MaxValue())
	st.TotalPixels = int64(p.Width()) * int64(p.Height())
	return st, nil
}

// StatsOf computes statistics over vals. Zero-valued pixels are not counted as
// good pixels.
func StatsOf(vals []float64, maxValue float64) seq.Stats {
	st := seq.Stats{
		TotalPixels: int64(len(vals)),
		NormValue:   seq.Known(maxValue),
	}
	for _, v := range vals {
		if v != 0 {
			st.GoodPixels++
		}
	}
	if len(vals) == 0 {
		return st
	}

	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	mean := stat.Mean(vals, nil)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	st.Mean = seq.Known(mean)
	st.Median = seq.Known(median)
	st.Min = seq.Known(floats.Min(vals))
	st.Max = seq.Known(floats.Max(vals))
	if len(vals) > 1 {
		st.Sigma = seq.Known(stat.StdDev(vals, nil))
	} else {
		st.Sigma = seq.Known(0)
	}

	dev := make([]float64, len(vals))
	var sum float64
	for i, v := range vals {
		sum += math.Abs(v - mean)
		dev[i] = math.Abs(v - median)
	}
	st.AvgDev = seq.Known(sum / float64(len(vals)))
	sort.Float64s(dev)
	st.MAD = seq.Known(stat.Quantile(0.5, stat.Empirical, dev, nil))
	return st
}
