package seq

import (
	"math"
	"strconv"
)

// Sentinel is the on-disk value of a statistic that was never computed.
const Sentinel = -999999

// Measure is a statistic that may be absent. The zero value is absent.
type Measure struct {
	v  float64
	ok bool
}

// Known wraps a computed value.
func Known(v float64) Measure {
	return Measure{v: v, ok: true}
}

// measureOf maps the file sentinel back to an absent Measure.
func measureOf(v float64) Measure {
	if v == Sentinel {
		return Measure{}
	}
	return Known(v)
}

// Value returns the value and whether it was computed.
func (m Measure) Value() (float64, bool) {
	return m.v, m.ok
}

// Float returns the value, or Sentinel when absent.
func (m Measure) Float() float64 {
	if !m.ok {
		return Sentinel
	}
	return m.v
}

// Equal reports whether two measures hold the same value. NaN equals NaN so
// that a re-read sequence compares equal to its source.
func (m Measure) Equal(o Measure) bool {
	if m.ok != o.ok {
		return false
	}
	if !m.ok {
		return true
	}
	return m.v == o.v || (math.IsNaN(m.v) && math.IsNaN(o.v))
}

// MarshalJSON encodes absent and non-finite values as null.
func (m Measure) MarshalJSON() ([]byte, error) {
	if !m.ok || math.IsNaN(m.v) || math.IsInf(m.v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, m.v, 'g', -1, 64), nil
}

// Stats holds per-frame, per-layer pixel statistics in file field order.
type Stats struct {
	TotalPixels int64 `json:"total_pixels"`
	GoodPixels  int64 `json:"good_pixels"`

	Mean      Measure `json:"mean"`
	Median    Measure `json:"median"`
	Sigma     Measure `json:"sigma"`
	AvgDev    Measure `json:"avg_dev"`
	MAD       Measure `json:"mad"`
	SqrtBWMV  Measure `json:"sqrt_bwmv"`
	Location  Measure `json:"location"`
	Scale     Measure `json:"scale"`
	Min       Measure `json:"min"`
	Max       Measure `json:"max"`
	NormValue Measure `json:"norm_value"`
	BgNoise   Measure `json:"bg_noise"`
}

func (s *Stats) measures() [12]*Measure {
	return [12]*Measure{
		&s.Mean, &s.Median, &s.Sigma, &s.AvgDev, &s.MAD, &s.SqrtBWMV,
		&s.Location, &s.Scale, &s.Min, &s.Max, &s.NormValue, &s.BgNoise,
	}
}

// Homography is a 3x3 planar transform stored row-major.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row r, column c.
func (h Homography) At(r, c int) float64 {
	return h[r*3+c]
}

// Set stores v at row r, column c.
func (h *Homography) Set(r, c int, v float64) {
	h[r*3+c] = v
}

// Registration holds alignment quality metrics and the frame transform.
type Registration struct {
	FWHM            float32    `json:"fwhm"`
	WeightedFWHM    float32    `json:"weighted_fwhm"`
	Roundness       float32    `json:"roundness"`
	Quality         float64    `json:"quality"`
	BackgroundLevel float32    `json:"background_level"`
	Stars           int        `json:"stars"`
	H               Homography `json:"homography"`
}

// NewRegistration returns an empty registration carrying the identity transform.
func NewRegistration() Registration {
	return Registration{H: Identity()}
}
