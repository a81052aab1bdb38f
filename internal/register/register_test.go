package register

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"starlign/internal/pixels"
	"starlign/internal/seq"
)

// brightDetector reports every non-black pixel as a keypoint described by its
// gray level, so identical stars in two frames match exactly.
type brightDetector struct{}

func (brightDetector) Detect(img *image.Gray) ([]Keypoint, Descriptors, error) {
	var kps []Keypoint
	var data []float64
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.GrayAt(x, y).Y
			if v == 0 {
				continue
			}
			kps = append(kps, Keypoint{X: float64(x), Y: float64(y), Size: 1})
			data = append(data, float64(v))
		}
	}
	if len(kps) == 0 {
		return nil, Descriptors{}, nil
	}
	return kps, Descriptors{Data: mat.NewDense(len(kps), 1, data)}, nil
}

type star struct {
	x, y int
	adu  float64
}

var testStars = []star{
	{5, 5, 1500}, {30, 4, 2000}, {12, 15, 2500}, {35, 17, 3000}, {20, 10, 3500},
}

const testW, testH = 40, 20

func starField(dx, dy int) []float64 {
	px := make([]float64, testW*testH)
	for i := range px {
		px[i] = 990
	}
	for _, s := range testStars {
		px[(s.y+dy)*testW+s.x+dx] = s.adu
	}
	return px
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistrar(t *testing.T, frames ...[]float64) (*Registrar, *seq.Sequence) {
	t.Helper()
	s := seq.New("stars_", 1)
	for i := range frames {
		s.AppendFrame(i+1, true, 0, 0)
	}
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, frames...), 8, quietLog())
	opts := DefaultOptions()
	opts.Workers = 2
	return New(s, src, brightDetector{}, BruteForceMatcher{}, opts, quietLog()), s
}

func TestRatioTestStrictInequality(t *testing.T) {
	knn := [][]Match{
		{{QueryIdx: 0, Distance: 1}, {Distance: 2}},
		{{QueryIdx: 1, Distance: 0.9}, {Distance: 2}},
		{{QueryIdx: 2, Distance: 3}, {Distance: 4}},
		{{QueryIdx: 3, Distance: 0}},
		{},
	}
	got := RatioTest(knn, 0.5)
	if len(got) != 1 || got[0].QueryIdx != 1 {
		t.Fatalf("expected only query 1 to pass at 0.5, got %+v", got)
	}
	got = RatioTest(knn, 0.75)
	if len(got) != 2 {
		t.Fatalf("expected boundary match 3/4 rejected at 0.75, got %+v", got)
	}
}

func TestHomographyFromAffine(t *testing.T) {
	a := Affine{{2, 0, 5}, {0, 2, 10}}
	h := HomographyFromAffine(a, 200, 100)
	want := seq.Homography{2, 0, 5, 0, 2, -20, 0, 0, 1}
	if h != want {
		t.Fatalf("expected %v, got %v", want, h)
	}
}

func TestEstimatePartialAffineRejectsOutliers(t *testing.T) {
	scale, theta := 1.5, 0.3
	truth := similarity(scale*math.Cos(theta), scale*math.Sin(theta), 12, -7)

	var src, dst []Point
	for i := 0; i < 12; i++ {
		p := Point{X: float64(i*17%50) + 3, Y: float64(i*29%40) + 1}
		src = append(src, p)
		dst = append(dst, truth.Apply(p))
	}
	src = append(src, Point{1, 1}, Point{40, 2})
	dst = append(dst, Point{90, -60}, Point{-30, 75})

	est, err := EstimatePartialAffine(src, dst, DefaultRANSACOptions())
	require.NoError(t, err)
	require.Equal(t, 12, est.InlierCount())
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			require.InDelta(t, truth[r][c], est.A[r][c], 1e-6)
		}
	}
	require.False(t, est.Inliers[12])
	require.False(t, est.Inliers[13])
}

func TestEstimatePartialAffineDegenerate(t *testing.T) {
	_, err := EstimatePartialAffine(nil, nil, DefaultRANSACOptions())
	require.ErrorIs(t, err, ErrAlignmentFailed)

	_, err = EstimatePartialAffine([]Point{{1, 1}}, []Point{{2, 2}}, DefaultRANSACOptions())
	require.ErrorIs(t, err, ErrAlignmentFailed)

	same := []Point{{3, 3}, {3, 3}, {3, 3}}
	_, err = EstimatePartialAffine(same, same, DefaultRANSACOptions())
	require.ErrorIs(t, err, ErrAlignmentFailed)
}

func TestBruteForceMatcherHamming(t *testing.T) {
	query := Descriptors{Data: mat.NewDense(1, 2, []float64{0xF0, 0x01}), Binary: true}
	train := Descriptors{Data: mat.NewDense(3, 2, []float64{
		0x0F, 0x01,
		0xF0, 0x03,
		0xFF, 0xFF,
	}), Binary: true}
	knn, err := BruteForceMatcher{}.KnnMatch(query, train, 2)
	require.NoError(t, err)
	require.Len(t, knn, 1)
	require.Equal(t, 1, knn[0][0].TrainIdx)
	require.Equal(t, 1.0, knn[0][0].Distance)
	require.Equal(t, 0, knn[0][1].TrainIdx)
	require.Equal(t, 8.0, knn[0][1].Distance)

	_, err = BruteForceMatcher{}.KnnMatch(query, Descriptors{Data: mat.NewDense(1, 3, nil)}, 2)
	require.Error(t, err)
}

func TestNormalize8(t *testing.T) {
	m := mat.NewDense(1, 4, []float64{0, 990, 2445, 5000})
	img := Normalize8(m, 990, 3900)
	require.Equal(t, []uint8{0, 0, 128, 255}, img.Pix)
}

func TestEnsureFeaturesCaches(t *testing.T) {
	r, _ := newTestRegistrar(t, starField(0, 0))
	ctx := context.Background()
	first, err := r.EnsureFeatures(ctx, 0, false)
	require.NoError(t, err)
	require.Len(t, first.Keypoints, len(testStars))
	require.Equal(t, testW, first.Width)
	require.Equal(t, testH, first.Height)

	again, err := r.EnsureFeatures(ctx, 0, false)
	require.NoError(t, err)
	require.Same(t, first, again)

	forced, err := r.EnsureFeatures(ctx, 0, true)
	require.NoError(t, err)
	require.NotSame(t, first, forced)
}

func TestEnsureFeaturesUnsupportedType(t *testing.T) {
	mem := pixels.NewMemorySource(testW, testH, starField(0, 0))
	mem.Params.Type = pixels.Long
	s := seq.New("long", 1)
	s.AppendFrame(1, true, 0, 0)
	r := New(s, pixels.NewCachedSource(mem, 2, quietLog()), brightDetector{}, nil, DefaultOptions(), quietLog())

	_, err := r.EnsureFeatures(context.Background(), 0, false)
	require.ErrorIs(t, err, pixels.ErrUnsupportedType)
	require.Equal(t, 0, r.Cache().Len())
}

func TestMatchThenAlign(t *testing.T) {
	r, s := newTestRegistrar(t, starField(0, 0), starField(2, 1))
	ctx := context.Background()

	_, err := r.MatchFeatures(ctx, 1)
	require.ErrorIs(t, err, ErrNoReference)

	ref, err := r.AddReference(ctx, 0)
	require.NoError(t, err)
	require.True(t, ref.Reference)

	matches, err := r.MatchFeatures(ctx, 1)
	require.NoError(t, err)
	require.Len(t, matches, len(testStars))
	d, _ := r.Cache().Get(1)
	require.Len(t, d.Matches, len(testStars))

	res, err := r.AlignFeatures(1)
	require.NoError(t, err)
	require.Equal(t, len(testStars), res.Inliers)

	reg, ok := s.Registration(1)
	require.True(t, ok)
	require.InDelta(t, 1, reg.H.At(0, 0), 1e-9)
	require.InDelta(t, 0, reg.H.At(0, 1), 1e-9)
	require.InDelta(t, -2, reg.H.At(0, 2), 1e-9)
	require.InDelta(t, 1, reg.H.At(1, 1), 1e-9)
	// target to reference y shift of -1 becomes +1 scaled by 40/20
	require.InDelta(t, 2, reg.H.At(1, 2), 1e-9)
	require.Equal(t, 1.0, reg.H.At(2, 2))
}

func TestAlignWithoutMatchesLeavesRegistration(t *testing.T) {
	blank := make([]float64, testW*testH)
	r, s := newTestRegistrar(t, starField(0, 0), blank)
	ctx := context.Background()
	_, err := r.AddReference(ctx, 0)
	require.NoError(t, err)

	res, err := r.MatchAndAlign(ctx, 1)
	require.ErrorIs(t, err, ErrAlignmentFailed)
	require.True(t, res.Failed())
	require.Equal(t, 0, res.Matches)
	_, ok := s.Registration(1)
	require.False(t, ok)

	_, err = r.AlignFeatures(5)
	require.ErrorIs(t, err, ErrNotDetected)
}

func TestRunAlignsSequence(t *testing.T) {
	blank := make([]float64, testW*testH)
	r, s := newTestRegistrar(t, starField(0, 0), starField(-3, 2), blank, starField(1, -1))
	require.NoError(t, s.SetIncluded(3, false))

	var seen atomic.Int32
	r.OnFrame(func(FrameResult) { seen.Add(1) })
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 0, sum.Reference)
	require.Equal(t, 0, sum.Layer)
	require.Len(t, sum.Frames, 3)
	require.Equal(t, 2, sum.Aligned)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, []int{1, 2, 3}, []int{sum.Frames[0].Frame, sum.Frames[1].Frame, sum.Frames[2].Frame})
	require.True(t, sum.Frames[1].Failed())

	refReg, ok := s.Registration(0)
	require.True(t, ok)
	require.Equal(t, seq.Identity(), refReg.H)

	reg, ok := s.Registration(1)
	require.True(t, ok)
	require.InDelta(t, 3, reg.H.At(0, 2), 1e-9)
	require.InDelta(t, 4, reg.H.At(1, 2), 1e-9)
	require.EqualValues(t, 3, seen.Load())
}

func TestRunSelectedOnlySkipsExcluded(t *testing.T) {
	s := seq.New("sel_", 1)
	s.AppendFrame(1, true, 0, 0)
	s.AppendFrame(2, false, 0, 0)
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, starField(0, 0), starField(1, 1)), 4, quietLog())
	opts := DefaultOptions()
	opts.SelectedOnly = true
	r := New(s, src, brightDetector{}, nil, opts, quietLog())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, sum.Frames)
	_, ok := s.Registration(1)
	require.False(t, ok)
}

func TestRunHonorsCancellation(t *testing.T) {
	r, _ := newTestRegistrar(t, starField(0, 0), starField(1, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunAfterReferenceChange(t *testing.T) {
	r, s := newTestRegistrar(t, starField(0, 0), starField(-3, 2), starField(1, -1))
	_, err := r.Run(context.Background())
	require.NoError(t, err)
	stale, ok := s.Registration(2)
	require.True(t, ok)
	require.NotEqual(t, seq.Identity(), stale.H)

	// frame 2 no longer has detectable stars when registering against frame 1
	blank := make([]float64, testW*testH)
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, starField(0, 0), starField(-3, 2), blank), 8, quietLog())
	require.NoError(t, s.SetReference(1))
	r2 := New(s, src, brightDetector{}, BruteForceMatcher{}, r.opts, quietLog())
	sum, err := r2.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Reference)
	require.Equal(t, 1, sum.Aligned)
	require.Equal(t, 1, sum.Failed)

	refReg, ok := s.Registration(1)
	require.True(t, ok)
	require.Equal(t, seq.Identity(), refReg.H)

	_, ok = s.Registration(2)
	require.False(t, ok, "failed frame must not keep the transform of the previous reference")

	reg, ok := s.Registration(0)
	require.True(t, ok)
	require.NotEqual(t, seq.Identity(), reg.H)
}

func TestRunFallsBackFromUnsetReference(t *testing.T) {
	in := "S 'stars_' 1 3 2 0 -1 4 0 0\nL 1\nI 1 0\nI 2 1\nI 3 1\n"
	s, err := seq.NewReader(quietLog()).Read(strings.NewReader(in))
	require.NoError(t, err)
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, starField(0, 0), starField(0, 0), starField(2, 1)), 8, quietLog())
	r := New(s, src, brightDetector{}, nil, DefaultOptions(), quietLog())

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Reference)
	require.Equal(t, 1, s.Reference())
	require.Equal(t, 2, sum.Aligned)
}

func TestRunWithoutIncludedFrames(t *testing.T) {
	in := "S 'stars_' 1 2 0 0 -1 4 0 0\nL 1\nI 1 0\nI 2 0\n"
	s, err := seq.NewReader(quietLog()).Read(strings.NewReader(in))
	require.NoError(t, err)
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, starField(0, 0), starField(1, 1)), 4, quietLog())
	r := New(s, src, brightDetector{}, nil, DefaultOptions(), quietLog())

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrNoReference)
}

func TestRunRejectsLayerMismatch(t *testing.T) {
	s := seq.New("rgb_", 3)
	s.AppendFrame(1, true, 0, 0)
	s.AppendFrame(2, true, 0, 0)
	require.NoError(t, s.SetRegistration(0, 2, seq.NewRegistration()))
	src := pixels.NewCachedSource(pixels.NewMemorySource(testW, testH, starField(0, 0), starField(1, 1)), 4, quietLog())

	opts := DefaultOptions()
	opts.Layer = 1
	_, err := New(s, src, brightDetector{}, nil, opts, quietLog()).Run(context.Background())
	require.ErrorIs(t, err, seq.ErrRegistrationLayer)

	opts.Layer = AutoLayer
	r := New(s, src, brightDetector{}, nil, opts, quietLog())
	require.Equal(t, 2, r.Layer())
}
