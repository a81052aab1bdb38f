package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"starlign/internal/config"
	"starlign/internal/fsutil"
	"starlign/internal/logging"
	"starlign/internal/pixels"
	"starlign/internal/register"
	"starlign/internal/register/opencv"
	"starlign/internal/seq"
	"starlign/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        *config.Config
	sequences  *seq.Registry
	openSource sourceFactory
	newEngine  engineFactory
}

// frameSource is a pixel source holding resources until closed.
type frameSource interface {
	pixels.Source
	Close()
}

type sourceFactory func(dir string, s *seq.Sequence) (frameSource, error)

type engineFactory func(cfg config.Registration) (register.Detector, register.Matcher, func(), error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, sequences *seq.Registry) *router {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		sequences: sequences,
		openSource: func(dir string, s *seq.Sequence) (frameSource, error) {
			ext := cfg.Pixels.Extension
			if ext == "auto" {
				if ext = fsutil.DetectExtension(dir, s.Name()); ext == "" {
					return nil, fmt.Errorf("no frame files for %q in %s", s.Name(), dir)
				}
				logger.Debug("detected frame extension", "sequence", s.Name(), "ext", ext)
			}
			return pixels.NewMagickSource(dir, s, ext, logger), nil
		},
		newEngine: OpenCVEngine,
	}
}

// OpenCVEngine builds the detector and matcher named in cfg. The "native"
// matcher uses the pure-Go brute force matcher with an OpenCV detector.
func OpenCVEngine(cfg config.Registration) (register.Detector, register.Matcher, func(), error) {
	det, err := opencv.NewDetector(cfg.Detector)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Matcher == "native" {
		return det, register.BruteForceMatcher{}, func() { det.Close() }, nil
	}
	m, err := opencv.NewMatcher(cfg.Matcher, det.Binary())
	if err != nil {
		det.Close()
		return nil, nil, nil, err
	}
	return det, m, func() {
		m.Close()
		det.Close()
	}, nil
}

// RegistrationOptions maps configuration onto registrar options.
func RegistrationOptions(cfg config.Registration) register.Options {
	opts := register.DefaultOptions()
	if cfg.RatioThreshold > 0 {
		opts.RatioThreshold = cfg.RatioThreshold
	}
	if cfg.ClampHigh > cfg.ClampLow {
		opts.ClampLow, opts.ClampHigh = cfg.ClampLow, cfg.ClampHigh
	}
	if cfg.RANSACThreshold > 0 {
		opts.RANSAC.Threshold = cfg.RANSACThreshold
	}
	if cfg.RANSACIterations > 0 {
		opts.RANSAC.Iterations = cfg.RANSACIterations
	}
	opts.RANSAC.Seed = cfg.RANSACSeed
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	opts.SelectedOnly = cfg.SelectedOnly
	opts.Layer = cfg.Layer
	return opts
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobStats:
		return r.handleStats(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// open acquires the shared sequence of job for the duration of the job and
// opens its frames. The returned function releases both.
func (r *router) open(job Job) (*seq.Sequence, *pixels.CachedSource, func(), error) {
	release, err := r.sequences.Acquire(job.SequencePath)
	if err != nil {
		return nil, nil, nil, err
	}
	s, _, err := r.sequences.Open(job.SequencePath)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	if ref, ok := job.Options["reference"]; ok {
		if err := s.SetReference(toInt(ref, s.Reference())); err != nil {
			release()
			return nil, nil, nil, err
		}
	}
	src, err := r.openSource(filepath.Dir(job.SequencePath), s)
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("open frames: %w", err)
	}
	return s, pixels.NewCachedSource(src, r.cfg.Pixels.CacheEntries, r.log), func() {
		src.Close()
		release()
	}, nil
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	regCfg := r.cfg.Registration
	if d := stringOption(job.Options, "detector"); d != "" {
		regCfg.Detector = d
	}
	if m := stringOption(job.Options, "matcher"); m != "" {
		regCfg.Matcher = m
	}
	opts := RegistrationOptions(regCfg)
	opts.Layer = intOption(job.Options, "layer", opts.Layer)
	opts.Workers = intOption(job.Options, "workers", opts.Workers)
	if v, ok := job.Options["selectedOnly"].(bool); ok {
		opts.SelectedOnly = v
	}

	s, src, closeSrc, err := r.open(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer closeSrc()

	det, matcher, closeEngine, err := r.newEngine(regCfg)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer closeEngine()

	runLog := logging.ForRun(r.log, job.ID, job.SequencePath)
	reg := register.New(s, src, det, matcher, opts, runLog)
	reg.OnFrame(func(fr register.FrameResult) {
		status, details := "ok", map[string]any{"keypoints": fr.Keypoints, "matches": fr.Matches, "inliers": fr.Inliers}
		rec := storage.FrameRecord{
			RunID:     job.ID,
			Frame:     fr.Frame,
			Keypoints: fr.Keypoints,
			Matches:   fr.Matches,
			Inliers:   fr.Inliers,
			Duration:  fr.Duration,
		}
		if fr.Failed() {
			status, details["error"] = "failed", fr.Err.Error()
			rec.Error = fr.Err.Error()
		} else {
			rec.Homography = fr.H[:]
		}
		logging.LogFrameStep(runLog, fr.Frame, "align", status, details)
		if r.store != nil {
			if err := r.store.RecordFrame(rec); err != nil {
				runLog.Warn("record frame failed", "frame", fr.Frame, "error", err)
			}
		}
	})

	sum, err := reg.Run(ctx)
	if err != nil {
		return Result{Job: job, Error: err, Summary: &sum}
	}
	if err := s.FillGaps(ctx, src.ComputeStats); err != nil {
		return Result{Job: job, Error: fmt.Errorf("fill gaps: %w", err), Summary: &sum}
	}
	if err := r.sequences.Save(job.SequencePath); err != nil {
		return Result{Job: job, Error: err, Summary: &sum}
	}

	hits, misses := src.Cache().Stats()
	meta := map[string]any{
		"reference":   sum.Reference,
		"layer":       sum.Layer,
		"aligned":     sum.Aligned,
		"failed":      sum.Failed,
		"cacheHits":   hits,
		"cacheMisses": misses,
	}
	return Result{Job: job, Meta: meta, Summary: &sum}
}

func (r *router) handleStats(ctx context.Context, job Job) Result {
	force := getBoolOption(job.Options, "force")

	s, src, closeSrc, err := r.open(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer closeSrc()

	computed := 0
	for _, f := range s.Frames() {
		for l := 0; l < s.LayerCount(); l++ {
			if err := ctx.Err(); err != nil {
				return Result{Job: job, Error: err}
			}
			if _, ok := s.Stats(f.Index, l); ok && !force {
				continue
			}
			st, err := src.ComputeStats(ctx, f.Index, l)
			if err != nil {
				return Result{Job: job, Error: fmt.Errorf("frame %d layer %d: %w", f.Index, l, err)}
			}
			if err := s.SetStats(f.Index, l, st); err != nil {
				return Result{Job: job, Error: err}
			}
			computed++
		}
	}
	if err := s.FillGaps(ctx, src.ComputeStats); err != nil {
		return Result{Job: job, Error: err}
	}
	if err := r.sequences.Save(job.SequencePath); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"computed": computed, "frames": s.Len(), "layers": s.LayerCount()}}
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func stringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func intOption(options map[string]any, key string, def int) int {
	v, ok := options[key]
	if !ok {
		return def
	}
	return toInt(v, def)
}

// toInt accepts ints and the float64 values produced by JSON decoding.
func toInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
