package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"starlign/internal/pixels"
	"starlign/internal/seq"
)

// AutoLayer selects the green layer of three-layer sequences and layer 0
// otherwise.
const AutoLayer = -2

// MatrixSource supplies the raw pixel matrix of a frame layer.
type MatrixSource interface {
	ImageMatrix(ctx context.Context, frame, layer int) (*mat.Dense, error)
}

// Options configures a Registrar.
type Options struct {
	RatioThreshold float64
	ClampLow       float64
	ClampHigh      float64
	RANSAC         RANSACOptions
	Workers        int
	SelectedOnly   bool
	Layer          int
}

func DefaultOptions() Options {
	return Options{
		RatioThreshold: 0.7,
		ClampLow:       990,
		ClampHigh:      3900,
		RANSAC:         DefaultRANSACOptions(),
		Workers:        runtime.NumCPU(),
		Layer:          AutoLayer,
	}
}

// FrameResult reports the outcome of aligning one frame.
type FrameResult struct {
	Frame     int            `json:"frame"`
	Keypoints int            `json:"keypoints"`
	Matches   int            `json:"matches"`
	Inliers   int            `json:"inliers"`
	H         seq.Homography `json:"homography"`
	Duration  time.Duration  `json:"duration"`
	Err       error          `json:"-"`
}

func (r FrameResult) Failed() bool { return r.Err != nil }

// Summary reports a whole registration run.
type Summary struct {
	Reference int           `json:"reference"`
	Layer     int           `json:"layer"`
	Frames    []FrameResult `json:"frames"`
	Aligned   int           `json:"aligned"`
	Failed    int           `json:"failed"`
}

// Registrar detects, matches and aligns sequence frames against a reference.
type Registrar struct {
	seq     *seq.Sequence
	src     MatrixSource
	det     Detector
	matcher Matcher
	opts    Options
	log     *slog.Logger
	cache   *FeatureCache

	refMu sync.RWMutex
	refs  []*ImgData

	progress func(FrameResult)
}

// New returns a Registrar for s reading pixels from src.
func New(s *seq.Sequence, src MatrixSource, det Detector, matcher Matcher, opts Options, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	if matcher == nil {
		matcher = BruteForceMatcher{}
	}
	if opts.RatioThreshold <= 0 {
		opts.RatioThreshold = DefaultOptions().RatioThreshold
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Registrar{
		seq:     s,
		src:     src,
		det:     det,
		matcher: matcher,
		opts:    opts,
		log:     log,
		cache:   NewFeatureCache(),
	}
}

// OnFrame registers fn to be called after every aligned or failed frame of
// Run. fn is called from worker goroutines.
func (r *Registrar) OnFrame(fn func(FrameResult)) {
	r.progress = fn
}

func (r *Registrar) Cache() *FeatureCache { return r.cache }

// Layer returns the layer registration data is recorded on.
func (r *Registrar) Layer() int {
	if l, ok := r.seq.RegistrationLayer(); ok {
		return l
	}
	if r.opts.Layer != AutoLayer {
		return r.opts.Layer
	}
	if r.seq.LayerCount() == 3 {
		return 1
	}
	return 0
}

// checkLayer rejects an explicit layer that differs from the layer the
// sequence already records registrations on.
func (r *Registrar) checkLayer() error {
	l, ok := r.seq.RegistrationLayer()
	if !ok || r.opts.Layer == AutoLayer || r.opts.Layer == l {
		return nil
	}
	return fmt.Errorf("%w: sequence is registered on layer %d, requested %d", seq.ErrRegistrationLayer, l, r.opts.Layer)
}

// resolveReference returns the reference frame of the sequence. An unset or
// out of range reference falls back to the first included frame.
func (r *Registrar) resolveReference() (int, error) {
	ref, n := r.seq.Reference(), r.seq.Len()
	if ref >= 0 && ref < n {
		return ref, nil
	}
	for _, f := range r.seq.Frames() {
		if !f.Included {
			continue
		}
		if err := r.seq.SetReference(f.Index); err != nil {
			return ref, err
		}
		r.log.Warn("reference frame out of range, using first included frame", "reference", ref, "frames", n, "using", f.Index)
		return f.Index, nil
	}
	return ref, fmt.Errorf("%w: reference %d of %d frames and no included frame", ErrNoReference, ref, n)
}

func (r *Registrar) pixelLayer() int {
	if l := r.Layer(); l > 0 {
		return l
	}
	return 0
}

// EnsureFeatures returns the cached ImgData of frame, detecting it first when
// missing or when force is set.
func (r *Registrar) EnsureFeatures(ctx context.Context, frame int, force bool) (*ImgData, error) {
	if !force {
		if d, ok := r.cache.Get(frame); ok {
			return d, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := r.src.ImageMatrix(ctx, frame, r.pixelLayer())
	if err != nil {
		if errors.Is(err, pixels.ErrUnsupportedType) {
			r.log.Error("cannot detect features", "frame", frame, "error", err)
		}
		return nil, fmt.Errorf("frame %d: %w", frame, err)
	}
	img := Normalize8(m, r.opts.ClampLow, r.opts.ClampHigh)
	kps, desc, err := r.det.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", frame, err)
	}

	rows, cols := m.Dims()
	d := &ImgData{Frame: frame, Width: cols, Height: rows, Keypoints: kps, Desc: desc}
	r.cache.Put(d)
	r.log.Info("detected keypoints", "frame", frame, "keypoints", len(kps))
	return d, nil
}

// AddReference detects frame and appends it to the reference list. Only the
// first reference is used for matching.
func (r *Registrar) AddReference(ctx context.Context, frame int) (*ImgData, error) {
	d, err := r.EnsureFeatures(ctx, frame, false)
	if err != nil {
		return nil, err
	}
	ref := *d
	ref.Reference = true
	ref.Matches = nil
	r.cache.Put(&ref)

	r.refMu.Lock()
	r.refs = append(r.refs, &ref)
	r.refMu.Unlock()
	return &ref, nil
}

// ClearReferences empties the reference list.
func (r *Registrar) ClearReferences() {
	r.refMu.Lock()
	r.refs = nil
	r.refMu.Unlock()
}

// Reference returns the primary reference.
func (r *Registrar) Reference() (*ImgData, error) {
	r.refMu.RLock()
	defer r.refMu.RUnlock()
	if len(r.refs) == 0 {
		return nil, ErrNoReference
	}
	return r.refs[0], nil
}

func (r *Registrar) match(ctx context.Context, frame int) (*ImgData, *ImgData, []Match, error) {
	ref, err := r.Reference()
	if err != nil {
		return nil, nil, nil, err
	}
	d, err := r.EnsureFeatures(ctx, frame, false)
	if err != nil {
		return nil, nil, nil, err
	}
	knn, err := r.matcher.KnnMatch(d.Desc, ref.Desc, 2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("match frame %d: %w", frame, err)
	}
	return ref, d, RatioTest(knn, r.opts.RatioThreshold), nil
}

// MatchFeatures matches frame against the primary reference and stores the
// accepted matches on its ImgData.
func (r *Registrar) MatchFeatures(ctx context.Context, frame int) ([]Match, error) {
	_, d, good, err := r.match(ctx, frame)
	if err != nil {
		return nil, err
	}
	r.cache.Put(d.withMatches(good))
	r.log.Debug("matched features", "frame", frame, "matches", len(good))
	return good, nil
}

// AlignFeatures estimates the transform of frame from its stored matches and
// writes it into the frame's registration.
func (r *Registrar) AlignFeatures(frame int) (FrameResult, error) {
	ref, err := r.Reference()
	if err != nil {
		return FrameResult{Frame: frame}, err
	}
	d, ok := r.cache.Get(frame)
	if !ok {
		return FrameResult{Frame: frame}, fmt.Errorf("%w: frame %d", ErrNotDetected, frame)
	}
	return r.align(ref, d, d.Matches)
}

// MatchAndAlign matches and aligns frame, storing its matches once.
func (r *Registrar) MatchAndAlign(ctx context.Context, frame int) (FrameResult, error) {
	start := time.Now()
	ref, d, good, err := r.match(ctx, frame)
	if err != nil {
		return FrameResult{Frame: frame, Err: err}, err
	}
	r.cache.Put(d.withMatches(good))
	res, err := r.align(ref, d, good)
	res.Duration = time.Since(start)
	return res, err
}

func (r *Registrar) align(ref, d *ImgData, matches []Match) (FrameResult, error) {
	res := FrameResult{Frame: d.Frame, Keypoints: len(d.Keypoints), Matches: len(matches)}

	refPts := make([]Point, 0, len(matches))
	pts := make([]Point, 0, len(matches))
	for _, m := range matches {
		if m.TrainIdx >= len(ref.Keypoints) || m.QueryIdx >= len(d.Keypoints) {
			continue
		}
		refPts = append(refPts, ref.Keypoints[m.TrainIdx].Point())
		pts = append(pts, d.Keypoints[m.QueryIdx].Point())
	}

	est, err := EstimatePartialAffine(pts, refPts, r.opts.RANSAC)
	if err != nil {
		res.Err = fmt.Errorf("frame %d: %w", d.Frame, err)
		r.log.Warn("alignment failed", "frame", d.Frame, "matches", len(matches), "error", err)
		return res, res.Err
	}
	res.Inliers = est.InlierCount()
	res.H = HomographyFromAffine(est.A, ref.Width, ref.Height)

	reg, ok := r.seq.Registration(d.Frame)
	if !ok {
		reg = seq.NewRegistration()
	}
	reg.H = res.H
	if err := r.seq.SetRegistration(d.Frame, r.Layer(), reg); err != nil {
		res.Err = err
		return res, err
	}
	r.log.Debug("aligned frame", "frame", d.Frame, "inliers", res.Inliers, "matches", len(matches))
	return res, nil
}

// Run aligns every frame of the sequence to its reference frame using a
// bounded pool of workers. Per-frame failures are reported in the summary;
// only cancellation or a reference failure aborts the run.
func (r *Registrar) Run(ctx context.Context) (Summary, error) {
	if err := r.checkLayer(); err != nil {
		return Summary{Reference: r.seq.Reference(), Layer: r.opts.Layer}, err
	}
	refFrame, err := r.resolveReference()
	layer := r.Layer()
	sum := Summary{Reference: refFrame, Layer: layer}
	if err != nil {
		return sum, err
	}

	r.ClearReferences()
	if _, err := r.AddReference(ctx, refFrame); err != nil {
		return sum, fmt.Errorf("reference frame %d: %w", refFrame, err)
	}
	reg, ok := r.seq.Registration(refFrame)
	if !ok {
		reg = seq.NewRegistration()
	}
	reg.H = seq.Identity()
	if err := r.seq.SetRegistration(refFrame, layer, reg); err != nil {
		return sum, err
	}

	var frames []int
	for _, f := range r.seq.Frames() {
		if f.Index == refFrame || (r.opts.SelectedOnly && !f.Included) {
			continue
		}
		frames = append(frames, f.Index)
	}
	r.log.Info("registration started", "frames", len(frames), "reference", refFrame, "layer", layer, "workers", r.opts.Workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, frame := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.MatchAndAlign(gctx, frame)
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			if res.Failed() {
				if cerr := r.seq.ClearRegistration(frame); cerr != nil {
					r.log.Warn("cannot clear registration", "frame", frame, "error", cerr)
				}
			}
			mu.Lock()
			sum.Frames = append(sum.Frames, res)
			mu.Unlock()
			if r.progress != nil {
				r.progress(res)
			}
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(sum.Frames, func(i, j int) bool { return sum.Frames[i].Frame < sum.Frames[j].Frame })
	for _, f := range sum.Frames {
		if f.Failed() {
			sum.Failed++
		} else {
			sum.Aligned++
		}
	}
	if err != nil {
		return sum, err
	}
	r.log.Info("registration finished", "aligned", sum.Aligned, "failed", sum.Failed)
	return sum, nil
}
