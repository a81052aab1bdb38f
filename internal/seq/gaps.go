package seq

import (
	"context"
	"fmt"
)

// StatsFunc computes the statistics of one frame layer from pixel data.
type StatsFunc func(ctx context.Context, frame, layer int) (Stats, error)

// FillGaps completes missing records so that a write emits every computed
// record. Walking from the last frame back, frames before a registered frame
// get an identity registration and frames before one with stats get their
// missing layers computed by compute.
func (s *Sequence) FillGaps(ctx context.Context, compute StatsFunc) error {
	type job struct{ frame, layer int }
	var pending []job

	s.mu.Lock()
	seenReg, seenStats := false, false
	var filled []int
	for i := len(s.frames) - 1; i >= 0; i-- {
		f := s.frames[i]
		if f.reg != nil {
			seenReg = true
		} else if seenReg {
			reg := NewRegistration()
			f.reg = &reg
			filled = append(filled, i)
		}

		hasAny, hasAll := false, true
		for l := 0; l < s.layers; l++ {
			if f.statsAt(l) != nil {
				hasAny = true
			} else {
				hasAll = false
			}
		}
		if hasAny {
			seenStats = true
		}
		if (hasAny && !hasAll) || (!hasAny && seenStats) {
			for l := 0; l < s.layers; l++ {
				if f.statsAt(l) == nil {
					pending = append(pending, job{i, l})
				}
			}
		}
	}
	if len(filled) > 0 {
		s.dirty = true
	}
	layer := s.regLayer
	s.mu.Unlock()

	for _, i := range filled {
		s.notify(Change{Kind: ChangeRegistration, Frame: i, Layer: layer})
	}

	if len(pending) > 0 && compute == nil {
		return fmt.Errorf("fill gaps: %d stats records missing and no stats source", len(pending))
	}
	for _, j := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := compute(ctx, j.frame, j.layer)
		if err != nil {
			return fmt.Errorf("stats for image %d layer %d: %w", j.frame, j.layer, err)
		}
		if err := s.SetStats(j.frame, j.layer, st); err != nil {
			return err
		}
	}
	return nil
}
