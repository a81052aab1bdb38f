// Package register aligns sequence frames to a reference frame by matching
// local image features and fitting a similarity transform.
package register

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/bits"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNoReference     = errors.New("no reference frame")
	ErrNotDetected     = errors.New("frame features not detected")
	ErrAlignmentFailed = errors.New("alignment failed")
)

// Point is an image position in pixels.
type Point struct {
	X, Y float64
}

// Keypoint is a detected feature location.
type Keypoint struct {
	X, Y     float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
}

func (k Keypoint) Point() Point { return Point{X: k.X, Y: k.Y} }

// Descriptors holds one descriptor per row. Binary descriptors store one
// byte per element and compare by Hamming distance; others compare by L2.
type Descriptors struct {
	Data   *mat.Dense
	Binary bool
}

// Len returns the number of descriptors.
func (d Descriptors) Len() int {
	if d.Data == nil || d.Data.IsEmpty() {
		return 0
	}
	r, _ := d.Data.Dims()
	return r
}

// Width returns the descriptor length.
func (d Descriptors) Width() int {
	if d.Len() == 0 {
		return 0
	}
	_, c := d.Data.Dims()
	return c
}

// Match pairs a query descriptor with a train (reference) descriptor.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// Detector finds keypoints and computes their descriptors on an 8-bit image.
type Detector interface {
	Detect(img *image.Gray) ([]Keypoint, Descriptors, error)
}

// Matcher returns up to k nearest train descriptors for every query
// descriptor, closest first.
type Matcher interface {
	KnnMatch(query, train Descriptors, k int) ([][]Match, error)
}

// BruteForceMatcher compares every query descriptor with every train
// descriptor.
type BruteForceMatcher struct{}

func (BruteForceMatcher) KnnMatch(query, train Descriptors, k int) ([][]Match, error) {
	if query.Len() == 0 || train.Len() == 0 {
		return nil, nil
	}
	if query.Width() != train.Width() || query.Binary != train.Binary {
		return nil, fmt.Errorf("descriptor mismatch: %d vs %d columns", query.Width(), train.Width())
	}
	dist := l2
	if query.Binary {
		dist = hamming
	}

	out := make([][]Match, query.Len())
	candidates := make([]Match, train.Len())
	for q := range out {
		qrow := query.Data.RawRowView(q)
		for t := range candidates {
			candidates[t] = Match{QueryIdx: q, TrainIdx: t, Distance: dist(qrow, train.Data.RawRowView(t))}
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
		n := min(k, len(candidates))
		out[q] = append([]Match(nil), candidates[:n]...)
	}
	return out, nil
}

func l2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func hamming(a, b []float64) float64 {
	n := 0
	for i := range a {
		n += bits.OnesCount8(uint8(a[i]) ^ uint8(b[i]))
	}
	return float64(n)
}

// RatioTest keeps the best match of every neighbour list whose distance is
// strictly below threshold times the second best distance. Lists with fewer
// than two neighbours are dropped.
func RatioTest(knn [][]Match, threshold float64) []Match {
	var good []Match
	for _, m := range knn {
		if len(m) < 2 {
			continue
		}
		if m[0].Distance < threshold*m[1].Distance {
			good = append(good, m[0])
		}
	}
	return good
}

// Normalize8 clamps m to [lo, hi], rescales that window to [0,1] and then to
// 8-bit depth.
func Normalize8(m *mat.Dense, lo, hi float64) *image.Gray {
	rows, cols := m.Dims()
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	span := hi - lo
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := math.Min(math.Max(m.At(y, x), lo), hi)
			n := 0.0
			if span > 0 {
				n = (v - lo) / span
			}
			img.Pix[y*img.Stride+x] = uint8(math.Round(n * 255))
		}
	}
	return img
}
