package seq

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// WriteTo serializes the sequence in .seq format. Stats and registration
// records are emitted per layer up to the first frame lacking one.
func (s *Sequence) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	var buf bytes.Buffer
	s.encode(&buf)
	s.mu.RUnlock()

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// WriteFile writes the sequence to path through a temporary file and rename,
// then clears the dirty flag.
func (s *Sequence) WriteFile(path string) error {
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return err
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	s.MarkClean()
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp sequence: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write sequence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sequence: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace sequence: %w", err)
	}
	return nil
}

func (s *Sequence) encode(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "S '%s' %d %d %d %d %d %d %d %d\n",
		s.name, s.firstIndex, s.imageCount, s.selected, s.fixedLength,
		s.reference, s.version, boolInt(s.variableSize), boolInt(s.fzFlag))
	if s.kind == KindFitsCube {
		buf.WriteString("TF\n")
	}
	fmt.Fprintf(buf, "L %d\n", s.layers)

	for _, f := range s.frames {
		fmt.Fprintf(buf, "I %d %d", f.fileIndex, boolInt(f.included))
		if s.variableSize {
			fmt.Fprintf(buf, " %d,%d", f.width, f.height)
		}
		buf.WriteByte('\n')
	}

	for l := 0; l < s.layers; l++ {
		if s.regLayerSet && (s.regLayer == l || (s.regLayer == AllLayers && l == 0)) {
			key := strconv.Itoa(l)
			if s.regLayer == AllLayers {
				key = "*"
			}
			for _, f := range s.frames {
				if f.reg == nil {
					break
				}
				writeRegistration(buf, key, f.reg)
			}
		}

		key := strconv.Itoa(l)
		if l == 0 && s.cfaStats {
			key = "*"
		}
		for i, f := range s.frames {
			st := f.statsAt(l)
			if st == nil {
				break
			}
			writeStats(buf, key, i, st)
		}
	}
}

func writeRegistration(buf *bytes.Buffer, key string, r *Registration) {
	fmt.Fprintf(buf, "R%s %s %s %s %s %s %d H",
		key,
		formatFloat(float64(r.FWHM), 32),
		formatFloat(float64(r.WeightedFWHM), 32),
		formatFloat(float64(r.Roundness), 32),
		formatFloat(r.Quality, 64),
		formatFloat(float64(r.BackgroundLevel), 32),
		r.Stars)
	for _, v := range r.H {
		buf.WriteByte(' ')
		buf.WriteString(formatFloat(v, 64))
	}
	buf.WriteByte('\n')
}

func writeStats(buf *bytes.Buffer, key string, frame int, st *Stats) {
	fmt.Fprintf(buf, "M%s-%d %d %d", key, frame, st.TotalPixels, st.GoodPixels)
	for _, m := range st.measures() {
		buf.WriteByte(' ')
		buf.WriteString(formatFloat(m.Float(), 64))
	}
	buf.WriteByte('\n')
}

// formatFloat returns the shortest text that parses back to v at the given
// bit size, preferring fixed notation unless exponent notation is shorter.
func formatFloat(v float64, bitSize int) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	fixed := strconv.FormatFloat(v, 'f', -1, bitSize)
	exp := strconv.FormatFloat(v, 'e', -1, bitSize)
	if len(exp) < len(fixed) {
		return exp
	}
	return fixed
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
