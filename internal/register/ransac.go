package register

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"starlign/internal/seq"
)

// Affine is a 2x3 transform mapping (x, y) to (A00 x + A01 y + A02, A10 x + A11 y + A12).
type Affine [2][3]float64

// Apply transforms p.
func (a Affine) Apply(p Point) Point {
	return Point{
		X: a[0][0]*p.X + a[0][1]*p.Y + a[0][2],
		Y: a[1][0]*p.X + a[1][1]*p.Y + a[1][2],
	}
}

// similarity builds the rotation+scale+translation affine
// [[a, -b, tx], [b, a, ty]].
func similarity(a, b, tx, ty float64) Affine {
	return Affine{{a, -b, tx}, {b, a, ty}}
}

// RANSACOptions tunes EstimatePartialAffine.
type RANSACOptions struct {
	Threshold  float64
	Iterations int
	Seed       int64
}

// DefaultRANSACOptions returns a 4 px inlier threshold and 2000 iterations.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{Threshold: 4.0, Iterations: 2000, Seed: 1}
}

// Estimate is the result of a robust fit.
type Estimate struct {
	A       Affine
	Inliers []bool
}

// InlierCount returns the number of correspondences within the threshold.
func (e Estimate) InlierCount() int {
	n := 0
	for _, in := range e.Inliers {
		if in {
			n++
		}
	}
	return n
}

// EstimatePartialAffine fits a similarity transform mapping src onto dst
// with RANSAC over two-point samples, then refits on the consensus set by
// least squares.
func EstimatePartialAffine(src, dst []Point, opts RANSACOptions) (Estimate, error) {
	if len(src) != len(dst) {
		return Estimate{}, fmt.Errorf("%w: point count mismatch %d vs %d", ErrAlignmentFailed, len(src), len(dst))
	}
	n := len(src)
	if n < 2 {
		return Estimate{}, fmt.Errorf("%w: need at least 2 correspondences, got %d", ErrAlignmentFailed, n)
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultRANSACOptions().Iterations
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultRANSACOptions().Threshold
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var best []bool
	bestCount := 0
	for iter := 0; iter < opts.Iterations; iter++ {
		i0 := rng.Intn(n)
		i1 := rng.Intn(n - 1)
		if i1 >= i0 {
			i1++
		}
		model, ok := similarityFrom2(src[i0], src[i1], dst[i0], dst[i1])
		if !ok {
			continue
		}
		mask, count := inliers(model, src, dst, opts.Threshold)
		if count > bestCount {
			best, bestCount = mask, count
			if count == n {
				break
			}
		}
	}
	if bestCount < 2 {
		return Estimate{}, fmt.Errorf("%w: no consensus among %d correspondences", ErrAlignmentFailed, n)
	}

	var inSrc, inDst []Point
	for i, in := range best {
		if in {
			inSrc = append(inSrc, src[i])
			inDst = append(inDst, dst[i])
		}
	}
	model, err := similarityLeastSquares(inSrc, inDst)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrAlignmentFailed, err)
	}
	mask, _ := inliers(model, src, dst, opts.Threshold)
	return Estimate{A: model, Inliers: mask}, nil
}

func inliers(a Affine, src, dst []Point, threshold float64) ([]bool, int) {
	mask := make([]bool, len(src))
	count := 0
	for i := range src {
		p := a.Apply(src[i])
		if math.Hypot(p.X-dst[i].X, p.Y-dst[i].Y) <= threshold {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// similarityFrom2 solves the similarity exactly from two correspondences.
func similarityFrom2(s0, s1, d0, d1 Point) (Affine, bool) {
	sx, sy := s1.X-s0.X, s1.Y-s0.Y
	dx, dy := d1.X-d0.X, d1.Y-d0.Y
	den := sx*sx + sy*sy
	if den < 1e-9 {
		return Affine{}, false
	}
	// (dx + i dy) = (a + i b)(sx + i sy)
	a := (dx*sx + dy*sy) / den
	b := (dy*sx - dx*sy) / den
	tx := d0.X - (a*s0.X - b*s0.Y)
	ty := d0.Y - (b*s0.X + a*s0.Y)
	return similarity(a, b, tx, ty), true
}

func similarityLeastSquares(src, dst []Point) (Affine, error) {
	n := len(src)
	A := mat.NewDense(n*2, 4, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		// x' = a x - b y + tx
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, -y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)
		// y' = b x + a y + ty
		A.Set(i*2+1, 0, y)
		A.Set(i*2+1, 1, x)
		A.Set(i*2+1, 3, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var qr mat.QR
	qr.Factorize(A)
	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return Affine{}, err
	}
	return similarity(params.AtVec(0), params.AtVec(1), params.AtVec(2), params.AtVec(3)), nil
}

// HomographyFromAffine embeds a into a 3x3 homography in the stacking tool's
// convention: the Y translation is negated and scaled by the reference
// aspect ratio.
func HomographyFromAffine(a Affine, refWidth, refHeight int) seq.Homography {
	var h seq.Homography
	h.Set(0, 0, a[0][0])
	h.Set(0, 1, a[0][1])
	h.Set(0, 2, a[0][2])
	h.Set(1, 0, a[1][0])
	h.Set(1, 1, a[1][1])
	h.Set(1, 2, -a[1][2]*float64(refWidth)/float64(refHeight))
	h.Set(2, 2, 1)
	return h
}
