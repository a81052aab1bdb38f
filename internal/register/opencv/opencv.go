// Package opencv adapts gocv feature detectors and descriptor matchers to the
// register package.
package opencv

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"starlign/internal/register"
)

type detectAndComputer interface {
	DetectAndCompute(src gocv.Mat, mask gocv.Mat) ([]gocv.KeyPoint, gocv.Mat)
	Close() error
}

// Detector runs an OpenCV feature detector. OpenCV algorithm objects are not
// safe for concurrent use, so calls are serialized.
type Detector struct {
	mu     sync.Mutex
	name   string
	algo   detectAndComputer
	binary bool
}

// NewDetector returns the named detector: kaze, akaze, orb or sift.
func NewDetector(name string) (*Detector, error) {
	d := &Detector{name: strings.ToLower(name)}
	switch d.name {
	case "", "kaze":
		k := gocv.NewKAZE()
		d.name, d.algo = "kaze", &k
	case "akaze":
		a := gocv.NewAKAZE()
		d.algo, d.binary = &a, true
	case "orb":
		o := gocv.NewORB()
		d.algo, d.binary = &o, true
	case "sift":
		s := gocv.NewSIFT()
		d.algo = &s
	default:
		return nil, fmt.Errorf("unknown detector %q", name)
	}
	return d, nil
}

func (d *Detector) Name() string { return d.name }

// Binary reports whether descriptors are compared by Hamming distance.
func (d *Detector) Binary() bool { return d.binary }

func (d *Detector) Detect(img *image.Gray) ([]register.Keypoint, register.Descriptors, error) {
	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, register.Descriptors{}, fmt.Errorf("convert image: %w", err)
	}
	defer src.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	d.mu.Lock()
	kps, desc := d.algo.DetectAndCompute(src, mask)
	d.mu.Unlock()
	defer desc.Close()

	out := make([]register.Keypoint, len(kps))
	for i, k := range kps {
		out[i] = register.Keypoint{X: k.X, Y: k.Y, Size: k.Size, Angle: k.Angle, Response: k.Response, Octave: k.Octave}
	}
	return out, toDescriptors(desc, d.binary), nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.algo.Close()
}

func toDescriptors(m gocv.Mat, binary bool) register.Descriptors {
	if m.Empty() || m.Rows() == 0 {
		return register.Descriptors{Binary: binary}
	}
	rows, cols := m.Rows(), m.Cols()
	data := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if binary {
				data[r*cols+c] = float64(m.GetUCharAt(r, c))
			} else {
				data[r*cols+c] = float64(m.GetFloatAt(r, c))
			}
		}
	}
	return register.Descriptors{Data: mat.NewDense(rows, cols, data), Binary: binary}
}

func toMat(d register.Descriptors) gocv.Mat {
	rows, cols := d.Len(), d.Width()
	if d.Binary {
		m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				m.SetUCharAt(r, c, uint8(d.Data.At(r, c)))
			}
		}
		return m
	}
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.SetFloatAt(r, c, float32(d.Data.At(r, c)))
		}
	}
	return m
}

type knnMatcher interface {
	KnnMatch(query, train gocv.Mat, k int) [][]gocv.DMatch
	Close() error
}

// Matcher runs an OpenCV descriptor matcher.
type Matcher struct {
	mu   sync.Mutex
	name string
	algo knnMatcher
}

// NewMatcher returns the named matcher: flann or bf. The brute force matcher
// uses Hamming distance for binary descriptors.
func NewMatcher(name string, binary bool) (*Matcher, error) {
	m := &Matcher{name: strings.ToLower(name)}
	switch m.name {
	case "", "flann":
		if binary {
			return nil, fmt.Errorf("flann matcher needs float descriptors, use bf")
		}
		f := gocv.NewFlannBasedMatcher()
		m.name, m.algo = "flann", &f
	case "bf":
		norm := gocv.NormL2
		if binary {
			norm = gocv.NormHamming
		}
		b := gocv.NewBFMatcherWithParams(norm, false)
		m.algo = &b
	default:
		return nil, fmt.Errorf("unknown matcher %q", name)
	}
	return m, nil
}

func (m *Matcher) Name() string { return m.name }

func (m *Matcher) KnnMatch(query, train register.Descriptors, k int) ([][]register.Match, error) {
	if query.Len() == 0 || train.Len() == 0 {
		return nil, nil
	}
	q, t := toMat(query), toMat(train)
	defer q.Close()
	defer t.Close()

	m.mu.Lock()
	knn := m.algo.KnnMatch(q, t, k)
	m.mu.Unlock()

	out := make([][]register.Match, len(knn))
	for i, row := range knn {
		out[i] = make([]register.Match, len(row))
		for j, dm := range row {
			out[i][j] = register.Match{QueryIdx: dm.QueryIdx, TrainIdx: dm.TrainIdx, Distance: dm.Distance}
		}
	}
	return out, nil
}

func (m *Matcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.algo.Close()
}
