package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"starlign/internal/config"
	"starlign/internal/pixels"
	"starlign/internal/register"
	"starlign/internal/seq"
	"starlign/internal/storage"
)

const fieldW, fieldH = 40, 20

const threeFrames = `S 'stars_' 1 3 3 0 0 4 0 0
L 1
I 1 1
I 2 1
I 3 1
`

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func starField(dx, dy int) []float64 {
	px := make([]float64, fieldW*fieldH)
	for i := range px {
		px[i] = 990
	}
	for i, s := range [][2]int{{5, 5}, {30, 4}, {12, 15}, {35, 17}, {20, 10}} {
		px[(s[1]+dy)*fieldW+s[0]+dx] = 1500 + float64(i)*500
	}
	return px
}

// closableSource adapts the in-memory source to the router's frame source.
type closableSource struct {
	*pixels.MemorySource
	closed bool
}

func (c *closableSource) Close() { c.closed = true }

// grayDetector treats every lit pixel as a keypoint described by its level.
type grayDetector struct{}

func (grayDetector) Detect(img *image.Gray) ([]register.Keypoint, register.Descriptors, error) {
	var kps []register.Keypoint
	var data []float64
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			if v := img.GrayAt(x, y).Y; v != 0 {
				kps = append(kps, register.Keypoint{X: float64(x), Y: float64(y), Size: 1})
				data = append(data, float64(v))
			}
		}
	}
	if len(kps) == 0 {
		return nil, register.Descriptors{}, nil
	}
	return kps, register.Descriptors{Data: mat.NewDense(len(kps), 1, data)}, nil
}

func writeSequence(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stars_.seq")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write sequence: %v", err)
	}
	return path
}

func testRouter(t *testing.T, store *storage.Store, frames ...[]float64) (*router, *closableSource) {
	t.Helper()
	cfg := config.Default()
	cfg.Registration.Workers = 2
	src := &closableSource{MemorySource: pixels.NewMemorySource(fieldW, fieldH, frames...)}
	return &router{
		log:       quietLog(),
		store:     store,
		cfg:       cfg,
		sequences: seq.NewRegistry(quietLog()),
		openSource: func(dir string, s *seq.Sequence) (frameSource, error) {
			return src, nil
		},
		newEngine: func(config.Registration) (register.Detector, register.Matcher, func(), error) {
			return grayDetector{}, register.BruteForceMatcher{}, func() {}, nil
		},
	}, src
}

func TestRouterRegisterWritesSequence(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	path := writeSequence(t, threeFrames)
	r, src := testRouter(t, store, starField(0, 0), starField(2, 1), make([]float64, fieldW*fieldH))

	res := r.Process(context.Background(), Job{ID: "run-1", Type: JobRegister, SequencePath: path})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if !src.closed {
		t.Fatalf("expected frame source closed")
	}
	if res.Summary == nil || res.Summary.Aligned != 1 || res.Summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
	if res.Meta["layer"] != 0 {
		t.Fatalf("expected layer 0 in meta, got %v", res.Meta["layer"])
	}

	s, err := seq.ReadFile(path)
	if err != nil {
		t.Fatalf("reread sequence: %v", err)
	}
	reg, ok := s.Registration(1)
	if !ok {
		t.Fatalf("expected registration for frame 1")
	}
	if h := reg.H.At(0, 2); h < -2.0001 || h > -1.9999 {
		t.Fatalf("expected x shift -2, got %v", h)
	}
	if _, ok := s.Registration(2); ok {
		t.Fatalf("expected failed last frame to stay unregistered")
	}

	frames, err := store.RunFrames("run-1")
	if err != nil {
		t.Fatalf("run frames: %v", err)
	}
	if len(frames) != 2 || frames[1].Error == "" {
		t.Fatalf("expected two frame records with the second failed, got %+v", frames)
	}
}

func TestRouterRegisterOverridesLayerAndReference(t *testing.T) {
	path := writeSequence(t, threeFrames)
	r, _ := testRouter(t, nil, starField(0, 0), starField(1, 1), starField(-1, 0))

	res := r.Process(context.Background(), Job{
		Type:         JobRegister,
		SequencePath: path,
		Options:      map[string]any{"reference": float64(2), "layer": float64(-1)},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Summary.Reference != 2 || res.Summary.Layer != -1 {
		t.Fatalf("expected reference 2 and layer -1, got %+v", res.Summary)
	}
	s, err := seq.ReadFile(path)
	if err != nil {
		t.Fatalf("reread sequence: %v", err)
	}
	if l, ok := s.RegistrationLayer(); !ok || l != seq.AllLayers {
		t.Fatalf("expected all-layers registration, got %d %v", l, ok)
	}
}

func TestRouterStatsComputesMissingLayers(t *testing.T) {
	path := writeSequence(t, threeFrames)
	r, _ := testRouter(t, nil, starField(0, 0), starField(1, 1), starField(-1, 0))

	res := r.Process(context.Background(), Job{Type: JobStats, SequencePath: path})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["computed"] != 3 {
		t.Fatalf("expected 3 computed layers, got %v", res.Meta["computed"])
	}

	again := r.Process(context.Background(), Job{Type: JobStats, SequencePath: path})
	if again.Meta["computed"] != 0 {
		t.Fatalf("expected cached stats to be kept, got %v", again.Meta["computed"])
	}

	s, err := seq.ReadFile(path)
	if err != nil {
		t.Fatalf("reread sequence: %v", err)
	}
	st, ok := s.Stats(0, 0)
	if !ok {
		t.Fatalf("expected stats for frame 0")
	}
	if v, _ := st.Max.Value(); v != 3500 {
		t.Fatalf("expected max 3500, got %v", v)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := testRouter(t, nil)
	res := r.Process(context.Background(), Job{Type: "stack"})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRouterMissingSequence(t *testing.T) {
	r, _ := testRouter(t, nil)
	res := r.Process(context.Background(), Job{Type: JobRegister, SequencePath: filepath.Join(t.TempDir(), "none.seq")})
	if !errors.Is(res.Error, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", res.Error)
	}
}

type stubProcessor struct{}

func (stubProcessor) Process(ctx context.Context, job Job) Result {
	if job.SequencePath == "bad" {
		return Result{Job: job, Error: errors.New("boom")}
	}
	return Result{Job: job, Summary: &register.Summary{Aligned: 4}}
}

func TestPipelineBroadcastsResults(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := newWithProcessor(context.Background(), 1, quietLog(), store, seq.NewRegistry(quietLog()), stubProcessor{})
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	good := NewJob(JobRegister, "good", nil)
	bad := NewJob(JobRegister, "bad", nil)
	if err := p.Submit(good); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Submit(bad); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Wait()

	got := map[string]Result{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			got[res.Job.ID] = res
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for results")
		}
	}
	if got[good.ID].Error != nil || got[bad.ID].Error == nil {
		t.Fatalf("unexpected results %+v", got)
	}

	runs, err := store.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	status := map[string]string{}
	for _, r := range runs {
		status[r.ID] = r.Status
	}
	if status[good.ID] != "completed" || status[bad.ID] != "failed" {
		t.Fatalf("unexpected run statuses %v", status)
	}
}

func TestRouterAutoExtensionNeedsFrames(t *testing.T) {
	cfg := config.Default()
	cfg.Pixels.Extension = "auto"
	r := newRouter(quietLog(), nil, cfg, seq.NewRegistry(quietLog()))

	s, err := seq.ReadFile(writeSequence(t, threeFrames))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.openSource(t.TempDir(), s); err == nil {
		t.Fatalf("expected error for a directory without frames")
	}
}

func TestRouterSharesSequenceWithOtherHolders(t *testing.T) {
	path := writeSequence(t, threeFrames)
	r, _ := testRouter(t, nil, starField(0, 0), starField(2, 1), starField(-1, 1))

	// a server holding the sequence before the job runs
	held, _, err := r.sequences.Open(path)
	if err != nil {
		t.Fatalf("open shared sequence: %v", err)
	}
	res := r.Process(context.Background(), Job{ID: "run-1", Type: JobRegister, SequencePath: path})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if _, ok := held.Registration(1); !ok {
		t.Fatalf("expected the held sequence to see the job's registrations")
	}

	// an edit saved after the job must keep the job's records
	err = r.sequences.Update(path, func(s *seq.Sequence) error { return s.SetIncluded(1, false) })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	s, err := seq.ReadFile(path)
	if err != nil {
		t.Fatalf("reread sequence: %v", err)
	}
	f, _ := s.Frame(1)
	if f.Included {
		t.Fatalf("expected frame 1 excluded on disk")
	}
	for i := 0; i < 3; i++ {
		if _, ok := s.Registration(i); !ok {
			t.Fatalf("expected registration for frame %d to survive the edit", i)
		}
	}
}

func TestPipelineLogsFrameCount(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	path := writeSequence(t, threeFrames)

	p := newWithProcessor(context.Background(), 1, logger, nil, seq.NewRegistry(quietLog()), stubProcessor{})
	defer p.Stop()
	if err := p.Submit(NewJob(JobStats, path, nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Wait()

	if !strings.Contains(buf.String(), `msg="stats started"`) || !strings.Contains(buf.String(), "frames=3") {
		t.Fatalf("expected start record with the frame count, got %q", buf.String())
	}
}
