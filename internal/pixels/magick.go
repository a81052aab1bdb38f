package pixels

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"starlign/internal/seq"
)

// FrameFile returns the path of a per-frame FITS file in the sequence naming
// scheme: name, file index zero-padded to fixedLen when set, extension.
func FrameFile(dir, name string, fixedLen, fileIndex int, ext string) string {
	if fixedLen > 0 {
		return filepath.Join(dir, fmt.Sprintf("%s%0*d%s", name, fixedLen, fileIndex, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", name, fileIndex, ext))
}

// MagickSource reads sequence frames through ImageMagick. File-series
// sequences keep one file per frame; FITS cubes keep every frame as scenes
// of a single file.
type MagickSource struct {
	dir string
	ext string
	seq *seq.Sequence
	log *slog.Logger

	mu     sync.Mutex
	params map[int]Parameters
	max    float64
}

// NewMagickSource initializes ImageMagick; call Close when done.
func NewMagickSource(dir string, s *seq.Sequence, ext string, log *slog.Logger) *MagickSource {
	if log == nil {
		log = slog.Default()
	}
	if ext == "" {
		ext = ".fit"
	}
	imagick.Initialize()
	return &MagickSource{dir: dir, ext: ext, seq: s, log: log, params: make(map[int]Parameters)}
}

func (m *MagickSource) Close() {
	imagick.Terminate()
}

// Path returns the file holding frame and the scene index of its first layer.
func (m *MagickSource) Path(frame int) (string, int, error) {
	f, ok := m.seq.Frame(frame)
	if !ok {
		return "", 0, fmt.Errorf("%w: %d", ErrFrameRange, frame)
	}
	if m.seq.Kind() == seq.KindFitsCube {
		layers := m.seq.LayerCount()
		if layers < 1 {
			layers = 1
		}
		return filepath.Join(m.dir, m.seq.Name()+m.ext), frame * layers, nil
	}
	return FrameFile(m.dir, m.seq.Name(), m.seq.FixedLength(), f.FileIndex, m.ext), 0, nil
}

func (m *MagickSource) readScene(path string, scene int) (*imagick.MagickWand, error) {
	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(fmt.Sprintf("%s[%d]", path, scene)); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("read %s scene %d: %w", path, scene, err)
	}
	return mw, nil
}

func (m *MagickSource) ImageParameters(_ context.Context, frame int) (Parameters, error) {
	m.mu.Lock()
	if p, ok := m.params[frame]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	path, scene, err := m.Path(frame)
	if err != nil {
		return Parameters{}, err
	}
	mw, err := m.readScene(path, scene)
	if err != nil {
		return Parameters{}, err
	}
	defer mw.Destroy()

	p := Parameters{
		Type: typeForDepth(mw.GetImageDepth()),
		Dims: []int{int(mw.GetImageWidth()), int(mw.GetImageHeight())},
	}
	if layers := m.seq.LayerCount(); layers > 1 {
		p.Dims = append(p.Dims, layers)
	}

	m.mu.Lock()
	m.params[frame] = p
	if m.max == 0 {
		m.max = normalizedMax(p.Type)
	}
	m.mu.Unlock()
	m.log.Debug("read frame parameters", "frame", frame, "path", path, "type", p.Type.String(), "width", p.Width(), "height", p.Height())
	return p, nil
}

// floating point frames are exported normalized to [0,1]
func normalizedMax(t DataType) float64 {
	if t == Float || t == Double {
		return 1
	}
	return t.MaxValue()
}

func typeForDepth(depth uint) DataType {
	switch {
	case depth <= 8:
		return UByte
	case depth <= 16:
		return UShort
	default:
		return Float
	}
}

// ReadPixels exports the region's bounding box of every selected layer and
// converts normalized intensities back to the frame's element range.
func (m *MagickSource) ReadPixels(ctx context.Context, frame int, r Region) ([]byte, error) {
	p, err := m.ImageParameters(ctx, frame)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(p); err != nil {
		return nil, err
	}
	path, scene, err := m.Path(frame)
	if err != nil {
		return nil, err
	}

	x, y := r.Dims[0], r.Dims[1]
	layerDim := Dim{Start: 1, End: 1, Inc: 1}
	if len(r.Dims) > 2 {
		layerDim = r.Dims[2]
	}
	w, h := x.End-x.Start+1, y.End-y.Start+1
	box := Region{Type: r.Type, Dims: []Dim{
		{Start: 1, End: w, Inc: x.Inc},
		{Start: 1, End: h, Inc: y.Inc},
	}}

	scale := 1.0
	if r.Type != Float && r.Type != Double {
		scale = r.Type.MaxValue()
	}

	var vals []float64
	for l := layerDim.Start; l <= layerDim.End; l += layerDim.Inc {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plane, err := m.exportPlane(path, scene+l-1, x.Start-1, y.Start-1, w, h)
		if err != nil {
			return nil, err
		}
		for i := range plane {
			plane[i] *= scale
		}
		vals = append(vals, subsample(plane, []int{w, h}, box)...)
	}
	return Encode(r.Type, vals)
}

func (m *MagickSource) exportPlane(path string, scene, x, y, w, h int) ([]float64, error) {
	mw, err := m.readScene(path, scene)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	raw, err := mw.ExportImagePixels(x, y, uint(w), uint(h), "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels from %s: %w", path, err)
	}
	switch v := raw.(type) {
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return out, nil
	case []float64:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected pixel type: %T", raw)
	}
}

// MaxValue returns the largest value of the element type of the first inspected
// frame, falling back to 16-bit data.
func (m *MagickSource) MaxValue() float64 {
	m.mu.Lock()
	max := m.max
	m.mu.Unlock()
	if max == 0 && m.seq.Len() > 0 {
		if p, err := m.ImageParameters(context.Background(), 0); err == nil {
			return normalizedMax(p.Type)
		}
	}
	if max == 0 {
		return UShort.MaxValue()
	}
	return max
}
