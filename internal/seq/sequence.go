// Package seq models Siril-compatible image sequences and their .seq file codec.
package seq

import (
	"fmt"
	"log/slog"
	"sync"
)

// Kind selects how frames are stored on disk.
type Kind int

const (
	// KindFileSeries stores one FITS file per frame. It is the default and
	// has no T line.
	KindFileSeries Kind = iota
	// KindFitsCube stores every frame in a single FITS file (T line "TF").
	KindFitsCube
)

func (k Kind) String() string {
	switch k {
	case KindFitsCube:
		return "fits-cube"
	default:
		return "file-series"
	}
}

// AllLayers is the registration layer encoded as "*" on disk.
const AllLayers = -1

const minVersion = 4

// ChangeKind names what part of a sequence changed.
type ChangeKind string

const (
	ChangeHeader       ChangeKind = "header"
	ChangeFrame        ChangeKind = "frame"
	ChangeStats        ChangeKind = "stats"
	ChangeRegistration ChangeKind = "registration"
)

// Change is delivered to subscribers after a setter mutates the sequence.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Frame int        `json:"frame"`
	Layer int        `json:"layer"`
}

type frame struct {
	fileIndex int
	included  bool
	width     int
	height    int
	stats     []*Stats
	reg       *Registration
}

// Frame is a read-only snapshot of one sequence entry.
type Frame struct {
	Index         int  `json:"index"`
	FileIndex     int  `json:"file_index"`
	Included      bool `json:"included"`
	Width         int  `json:"width,omitempty"`
	Height        int  `json:"height,omitempty"`
	StatsLayers   int  `json:"stats_layers"`
	HasRegistered bool `json:"registered"`
}

// Sequence is the header plus ordered frame entries of a .seq file. It is safe
// for concurrent use; Stats and Registration records are replaced wholesale.
type Sequence struct {
	mu sync.RWMutex

	name         string
	firstIndex   int
	imageCount   int
	selected     int
	fixedLength  int
	reference    int
	version      int
	variableSize bool
	fzFlag       bool
	layers       int
	kind         Kind
	regLayer     int
	regLayerSet  bool
	cfaStats     bool

	frames []*frame
	dirty  bool

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int
}

// New creates an empty sequence for frames that are not yet on disk.
func New(name string, layers int) *Sequence {
	return &Sequence{
		name:    name,
		version: minVersion,
		layers:  layers,
		dirty:   true,
	}
}

func (s *Sequence) Name() string         { s.mu.RLock(); defer s.mu.RUnlock(); return s.name }
func (s *Sequence) FirstIndex() int      { s.mu.RLock(); defer s.mu.RUnlock(); return s.firstIndex }
func (s *Sequence) ImageCount() int      { s.mu.RLock(); defer s.mu.RUnlock(); return s.imageCount }
func (s *Sequence) SelectedCount() int   { s.mu.RLock(); defer s.mu.RUnlock(); return s.selected }
func (s *Sequence) FixedLength() int     { s.mu.RLock(); defer s.mu.RUnlock(); return s.fixedLength }
func (s *Sequence) Reference() int       { s.mu.RLock(); defer s.mu.RUnlock(); return s.reference }
func (s *Sequence) Version() int         { s.mu.RLock(); defer s.mu.RUnlock(); return s.version }
func (s *Sequence) VariableSize() bool   { s.mu.RLock(); defer s.mu.RUnlock(); return s.variableSize }
func (s *Sequence) FzFlag() bool         { s.mu.RLock(); defer s.mu.RUnlock(); return s.fzFlag }
func (s *Sequence) LayerCount() int      { s.mu.RLock(); defer s.mu.RUnlock(); return s.layers }
func (s *Sequence) Kind() Kind           { s.mu.RLock(); defer s.mu.RUnlock(); return s.kind }
func (s *Sequence) Len() int             { s.mu.RLock(); defer s.mu.RUnlock(); return len(s.frames) }
func (s *Sequence) IsDirty() bool        { s.mu.RLock(); defer s.mu.RUnlock(); return s.dirty }
func (s *Sequence) MarkClean()           { s.mu.Lock(); s.dirty = false; s.mu.Unlock() }
func (s *Sequence) SetKind(k Kind)       { s.setHeader(func() { s.kind = k }) }
func (s *Sequence) SetFixedLength(n int) { s.setHeader(func() { s.fixedLength = n }) }

// RegistrationLayer returns the layer registration data is recorded on, and
// whether any registration fixed it yet.
func (s *Sequence) RegistrationLayer() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regLayer, s.regLayerSet
}

// SetReference marks frame i as the registration reference.
func (s *Sequence) SetReference(i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.frames) {
		s.mu.Unlock()
		return fmt.Errorf("%w: reference %d of %d", ErrUnknownFrame, i, len(s.frames))
	}
	s.reference = i
	s.dirty = true
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeHeader, Frame: i})
	return nil
}

// SetLayerCount changes the declared number of layers.
func (s *Sequence) SetLayerCount(n int) {
	s.setHeader(func() { s.layers = n })
}

func (s *Sequence) setHeader(fn func()) {
	s.mu.Lock()
	fn()
	s.dirty = true
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeHeader, Frame: -1})
}

// AppendFrame adds a frame entry and keeps the header counts in step.
func (s *Sequence) AppendFrame(fileIndex int, included bool, width, height int) int {
	s.mu.Lock()
	s.frames = append(s.frames, &frame{fileIndex: fileIndex, included: included, width: width, height: height})
	s.imageCount = len(s.frames)
	if included {
		s.selected++
	}
	if width > 0 || height > 0 {
		s.variableSize = true
	}
	idx := len(s.frames) - 1
	s.dirty = true
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeFrame, Frame: idx})
	return idx
}

// Frame returns a snapshot of frame i.
func (s *Sequence) Frame(i int) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return Frame{}, false
	}
	return s.snapshot(i), true
}

// Frames returns snapshots of every frame in index order.
func (s *Sequence) Frames() []Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Frame, len(s.frames))
	for i := range s.frames {
		out[i] = s.snapshot(i)
	}
	return out
}

func (s *Sequence) snapshot(i int) Frame {
	f := s.frames[i]
	n := 0
	for _, st := range f.stats {
		if st != nil {
			n++
		}
	}
	return Frame{
		Index:         i,
		FileIndex:     f.fileIndex,
		Included:      f.included,
		Width:         f.width,
		Height:        f.height,
		StatsLayers:   n,
		HasRegistered: f.reg != nil,
	}
}

// SetIncluded toggles a frame's inclusion and adjusts the selected count.
func (s *Sequence) SetIncluded(i int, included bool) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.frames) {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame %d", ErrUnknownFrame, i)
	}
	f := s.frames[i]
	if f.included != included {
		f.included = included
		if included {
			s.selected++
		} else {
			s.selected--
		}
		s.dirty = true
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeFrame, Frame: i})
	return nil
}

// Stats returns a copy of the stats of frame i on layer.
func (s *Sequence) Stats(i, layer int) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return Stats{}, false
	}
	st := s.frames[i].statsAt(layer)
	if st == nil {
		return Stats{}, false
	}
	return *st, true
}

// SetStats replaces the stats of frame i on layer.
func (s *Sequence) SetStats(i, layer int, st Stats) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.frames) {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame %d", ErrUnknownFrame, i)
	}
	if layer < 0 || layer >= s.layers {
		s.mu.Unlock()
		return fmt.Errorf("%w: layer %d of %d", ErrUnknownLayer, layer, s.layers)
	}
	s.frames[i].setStats(layer, &st)
	s.dirty = true
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeStats, Frame: i, Layer: layer})
	return nil
}

// Registration returns a copy of the registration of frame i.
func (s *Sequence) Registration(i int) (Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) || s.frames[i].reg == nil {
		return Registration{}, false
	}
	return *s.frames[i].reg, true
}

// SetRegistration replaces the registration of frame i. Only one layer may
// carry registration data across the whole sequence.
func (s *Sequence) SetRegistration(i, layer int, reg Registration) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.frames) {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame %d", ErrUnknownFrame, i)
	}
	if err := s.claimRegLayer(layer); err != nil {
		s.mu.Unlock()
		return err
	}
	s.frames[i].reg = &reg
	s.dirty = true
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRegistration, Frame: i, Layer: layer})
	return nil
}

// ClearRegistration drops the registration record of frame i. Frames after
// it are no longer written until the gap is filled.
func (s *Sequence) ClearRegistration(i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.frames) {
		s.mu.Unlock()
		return fmt.Errorf("%w: frame %d", ErrUnknownFrame, i)
	}
	if s.frames[i].reg == nil {
		s.mu.Unlock()
		return nil
	}
	s.frames[i].reg = nil
	s.dirty = true
	layer := s.regLayer
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeRegistration, Frame: i, Layer: layer})
	return nil
}

// replace swaps the content of s for that of o, keeping the subscribers of s.
func (s *Sequence) replace(o *Sequence) {
	o.mu.RLock()
	s.mu.Lock()
	s.name, s.firstIndex, s.imageCount, s.selected = o.name, o.firstIndex, o.imageCount, o.selected
	s.fixedLength, s.reference, s.version = o.fixedLength, o.reference, o.version
	s.variableSize, s.fzFlag, s.layers, s.kind = o.variableSize, o.fzFlag, o.layers, o.kind
	s.regLayer, s.regLayerSet, s.cfaStats = o.regLayer, o.regLayerSet, o.cfaStats
	s.frames, s.dirty = o.frames, o.dirty
	s.mu.Unlock()
	o.mu.RUnlock()
	s.notify(Change{Kind: ChangeHeader, Frame: -1})
}

// claimRegLayer must be called with s.mu held.
func (s *Sequence) claimRegLayer(layer int) error {
	if s.regLayerSet {
		if s.regLayer != layer {
			return fmt.Errorf("%w: layer %d already registered, got %d", ErrRegistrationLayer, s.regLayer, layer)
		}
		return nil
	}
	s.regLayer = layer
	s.regLayerSet = true
	return nil
}

func (f *frame) statsAt(layer int) *Stats {
	if layer < 0 || layer >= len(f.stats) {
		return nil
	}
	return f.stats[layer]
}

func (f *frame) setStats(layer int, st *Stats) {
	for len(f.stats) <= layer {
		f.stats = append(f.stats, nil)
	}
	f.stats[layer] = st
}

// validate corrects header counts that disagree with the frame entries.
func (s *Sequence) validate(log *slog.Logger) []string {
	var warnings []string
	if len(s.frames) != s.imageCount {
		msg := fmt.Sprintf("header declares %d images but %d were read, correcting header information", s.imageCount, len(s.frames))
		log.Warn("sequence image count mismatch", "declared", s.imageCount, "read", len(s.frames))
		warnings = append(warnings, msg)
		s.imageCount = len(s.frames)
	}
	selected := 0
	for _, f := range s.frames {
		if f.included {
			selected++
		}
	}
	if selected != s.selected {
		msg := fmt.Sprintf("header selected image count %d doesn't match the actual selected image count %d, correcting", s.selected, selected)
		log.Warn("sequence selected count mismatch", "declared", s.selected, "actual", selected)
		warnings = append(warnings, msg)
		s.selected = selected
	}
	return warnings
}

// Subscribe returns a channel of changes and a function to cancel it. Slow
// subscribers miss changes rather than block setters.
func (s *Sequence) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan Change)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan Change, 16)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	}
}

func (s *Sequence) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
