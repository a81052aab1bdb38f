package seq

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Reader parses .seq files. A Reader collects the non-fatal warnings of the
// last Read so callers can surface them.
type Reader struct {
	log      *slog.Logger
	warnings []string
}

// NewReader returns a Reader logging through log, or slog.Default when nil.
func NewReader(log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{log: log}
}

// Warnings returns the non-fatal problems found by the last Read.
func (r *Reader) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// Read parses a sequence from src. Any grammar violation aborts the parse and
// no sequence is returned.
func Read(src io.Reader) (*Sequence, error) {
	return NewReader(nil).Read(src)
}

// ReadFile parses the sequence file at path.
func ReadFile(path string) (*Sequence, error) {
	return NewReader(nil).ReadFile(path)
}

// ReadFile parses the sequence file at path.
func (r *Reader) ReadFile(path string) (*Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sequence: %w", err)
	}
	defer f.Close()
	r.log.Info("reading sequence file", "path", path)
	return r.Read(f)
}

type parseState struct {
	seq      *Sequence
	regIndex int
}

// Read parses a sequence from src.
func (r *Reader) Read(src io.Reader) (*Sequence, error) {
	r.warnings = nil
	st := &parseState{}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if err := r.parseLine(st, line); err != nil {
			return nil, &ParseError{Line: lineNo, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	if st.seq == nil {
		return nil, ErrMissingHeader
	}

	r.warnings = append(r.warnings, st.seq.validate(r.log)...)
	st.seq.dirty = false
	return st.seq, nil
}

func (r *Reader) parseLine(st *parseState, line string) error {
	if line == "" {
		return nil
	}
	switch line[0] {
	case '#':
		return nil
	case 'S':
		if st.seq != nil {
			return ErrDuplicateHeader
		}
		seq, err := parseHeader(line)
		if err != nil {
			return err
		}
		st.seq = seq
		return nil
	case 'L', 'I', 'T', 'M', 'R':
		if st.seq == nil {
			return fmt.Errorf("%w: %q line before header", ErrMissingHeader, line[0])
		}
	default:
		msg := fmt.Sprintf("unsupported line %q in sequence", line)
		r.log.Warn("unsupported sequence line", "prefix", string(line[0]))
		r.warnings = append(r.warnings, msg)
		return nil
	}

	switch line[0] {
	case 'L':
		return parseLayers(st.seq, line)
	case 'I':
		return parseImage(st.seq, line)
	case 'T':
		if len(line) < 2 || line[1] != 'F' {
			return fmt.Errorf("%w: %q", ErrUnsupportedKind, line)
		}
		st.seq.kind = KindFitsCube
		return nil
	case 'M':
		return parseStats(st.seq, line)
	default:
		return parseRegistration(st, line)
	}
}

func parseHeader(line string) (*Sequence, error) {
	rest := strings.TrimLeft(line[1:], " \t")
	var name string
	switch {
	case rest == "":
		return nil, ErrEmptyName
	case rest[0] == '\'' || rest[0] == '"':
		end := strings.IndexByte(rest[1:], rest[0])
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated sequence name", ErrMalformedLine)
		}
		name = rest[1 : end+1]
		rest = rest[end+2:]
	default:
		name = strings.Fields(rest)[0]
		rest = rest[len(name):]
	}
	if name == "" {
		return nil, ErrEmptyName
	}

	var vals [8]int
	parsed := 1
	for i, tok := range strings.Fields(rest) {
		if i >= len(vals) {
			break
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			break
		}
		vals[i] = v
		parsed++
	}
	if parsed < 6 {
		return nil, fmt.Errorf("%w: sequence header has %d fields", ErrMalformedLine, parsed)
	}

	s := &Sequence{
		name:         name,
		firstIndex:   vals[0],
		imageCount:   vals[1],
		selected:     vals[2],
		fixedLength:  vals[3],
		reference:    vals[4],
		version:      vals[5],
		variableSize: vals[6] != 0,
		fzFlag:       vals[7] != 0,
	}
	if s.version < minVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, s.version)
	}
	return s, nil
}

func parseLayers(s *Sequence, line string) error {
	if len(line) < 2 || line[1] != ' ' {
		return nil
	}
	fields := strings.Fields(line[2:])
	if len(fields) != 1 {
		return fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return fmt.Errorf("%w: layer count %q", ErrMalformedLine, fields[0])
	}
	s.layers = n
	return nil
}

func parseImage(s *Sequence, line string) error {
	fields := strings.Fields(line[1:])
	if s.variableSize && len(fields) > 3 {
		// sizes may be written as "w, h" or "w ,h"
		fields = append(fields[:2], strings.Join(fields[2:], ""))
	}
	want := 2
	if s.variableSize {
		want = 3
	}
	if len(fields) != want {
		return fmt.Errorf("%w: image line %q", ErrMalformedLine, line)
	}
	fileIndex, err1 := strconv.Atoi(fields[0])
	included, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%w: image line %q", ErrMalformedLine, line)
	}
	f := &frame{fileIndex: fileIndex, included: included != 0}
	if s.variableSize {
		ws, hs, ok := strings.Cut(fields[2], ",")
		w, err1 := strconv.Atoi(ws)
		h, err2 := strconv.Atoi(hs)
		if !ok || err1 != nil || err2 != nil {
			return fmt.Errorf("%w: image size %q", ErrMalformedLine, fields[2])
		}
		f.width, f.height = w, h
	}
	s.frames = append(s.frames, f)
	return nil
}

// parseLayerKey decodes the layer digit after a record prefix. The '*' key
// is reported as AllLayers.
func parseLayerKey(line string) (int, bool) {
	if len(line) < 2 {
		return 0, false
	}
	switch c := line[1]; {
	case c == '*':
		return AllLayers, true
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	}
	return 0, false
}

func parseStats(s *Sequence, line string) error {
	layer, ok := parseLayerKey(line)
	if !ok || len(line) < 3 || line[2] != '-' {
		return fmt.Errorf("%w: invalid stats layer key %q", ErrMalformedLine, line)
	}
	if layer == AllLayers {
		layer = 0
		s.cfaStats = true
	}
	fields := strings.Fields(line[3:])
	if len(fields) == 0 {
		return fmt.Errorf("%w: missing stats image index", ErrMalformedLine)
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("%w: stats image index %q", ErrMalformedLine, fields[0])
	}
	if idx < 0 || idx >= len(s.frames) {
		return fmt.Errorf("%w: stats for image %d", ErrUnknownFrame, idx)
	}
	if layer >= s.layers {
		return fmt.Errorf("%w: stats on layer %d of %d", ErrUnknownLayer, layer, s.layers)
	}
	vals := fields[1:]
	if len(vals) != 14 {
		return fmt.Errorf("%w: stats line has %d values, want 14", ErrMalformedLine, len(vals))
	}

	var st Stats
	if st.TotalPixels, err = strconv.ParseInt(vals[0], 10, 64); err != nil {
		return fmt.Errorf("%w: total pixels %q", ErrMalformedLine, vals[0])
	}
	if st.GoodPixels, err = strconv.ParseInt(vals[1], 10, 64); err != nil {
		return fmt.Errorf("%w: good pixels %q", ErrMalformedLine, vals[1])
	}
	for i, m := range st.measures() {
		v, err := strconv.ParseFloat(vals[i+2], 64)
		if err != nil {
			return fmt.Errorf("%w: stats value %q", ErrMalformedLine, vals[i+2])
		}
		*m = measureOf(v)
	}

	f := s.frames[idx]
	if f.statsAt(layer) != nil {
		return fmt.Errorf("%w: image %d layer %d", ErrStatsRedefined, idx, layer)
	}
	f.setStats(layer, &st)
	return nil
}

func parseRegistration(st *parseState, line string) error {
	s := st.seq
	layer, ok := parseLayerKey(line)
	if !ok {
		return fmt.Errorf("%w: invalid registration layer key %q", ErrMalformedLine, line)
	}
	if layer != AllLayers && layer >= s.layers {
		return fmt.Errorf("%w: registration on layer %d of %d", ErrUnknownLayer, layer, s.layers)
	}
	if err := s.claimRegLayer(layer); err != nil {
		return err
	}

	fields := strings.Fields(line[2:])
	if len(fields) != 16 || fields[6] != "H" {
		return fmt.Errorf("%w: registration line %q", ErrMalformedLine, line)
	}
	reg, err := parseRegistrationFields(fields)
	if err != nil {
		return err
	}

	if st.regIndex >= len(s.frames) {
		return fmt.Errorf("%w: registration %d for %d images", ErrUnknownFrame, st.regIndex, len(s.frames))
	}
	s.frames[st.regIndex].reg = &reg
	st.regIndex++
	return nil
}

func parseRegistrationFields(fields []string) (Registration, error) {
	var reg Registration
	f32 := func(tok string) (float32, error) {
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: registration value %q", ErrMalformedLine, tok)
		}
		return float32(v), nil
	}
	var err error
	if reg.FWHM, err = f32(fields[0]); err != nil {
		return reg, err
	}
	if reg.WeightedFWHM, err = f32(fields[1]); err != nil {
		return reg, err
	}
	if reg.Roundness, err = f32(fields[2]); err != nil {
		return reg, err
	}
	if reg.Quality, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return reg, fmt.Errorf("%w: registration quality %q", ErrMalformedLine, fields[3])
	}
	if reg.BackgroundLevel, err = f32(fields[4]); err != nil {
		return reg, err
	}
	if reg.Stars, err = strconv.Atoi(fields[5]); err != nil {
		return reg, fmt.Errorf("%w: star count %q", ErrMalformedLine, fields[5])
	}
	for i, tok := range fields[7:] {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return reg, fmt.Errorf("%w: homography value %q", ErrMalformedLine, tok)
		}
		reg.H[i] = v
	}
	return reg, nil
}
