package seq

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Registry shares one in-memory Sequence per file among the jobs and servers
// of a process. Every holder of a path edits the same Sequence, so a save by
// one carries the edits of all others.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	path string

	// job is held for the whole of a registration or statistics job.
	job sync.Mutex

	mu       sync.Mutex
	seq      *Sequence
	warnings []string
	digest   [sha256.Size]byte
}

// NewRegistry returns an empty Registry logging through log.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, entries: make(map[string]*entry)}
}

func (r *Registry) lookup(path string) (*entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sequence path: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[abs]
	if !ok {
		e = &entry{path: abs}
		r.entries[abs] = e
	}
	return e, nil
}

// load reads e from disk unless it is already loaded. e.mu must be held.
func (r *Registry) load(e *entry) error {
	if e.seq != nil {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("open sequence: %w", err)
	}
	rd := NewReader(r.log)
	s, err := rd.Read(bytes.NewReader(data))
	if err != nil {
		return err
	}
	r.log.Info("loaded sequence", "path", e.path, "frames", s.Len())
	e.seq, e.warnings, e.digest = s, rd.Warnings(), sha256.Sum256(data)
	return nil
}

// Open returns the shared sequence of path and the warnings of its last read,
// reading the file on first use.
func (r *Registry) Open(path string) (*Sequence, []string, error) {
	e, err := r.lookup(path)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.load(e); err != nil {
		return nil, nil, err
	}
	return e.seq, append([]string(nil), e.warnings...), nil
}

// Acquire gives the caller exclusive use of path among jobs until release is
// called. Saves and updates from other holders are not blocked.
func (r *Registry) Acquire(path string) (release func(), err error) {
	e, err := r.lookup(path)
	if err != nil {
		return nil, err
	}
	e.job.Lock()
	return e.job.Unlock, nil
}

// Save writes the shared sequence of path back to disk.
func (r *Registry) Save(path string) error {
	e, err := r.lookup(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == nil {
		return fmt.Errorf("save %s: sequence is not open", e.path)
	}
	return r.save(e)
}

// Update applies fn to the shared sequence of path and saves the result.
// Nothing is written when fn fails.
func (r *Registry) Update(path string, fn func(*Sequence) error) error {
	e, err := r.lookup(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.load(e); err != nil {
		return err
	}
	if err := fn(e.seq); err != nil {
		return err
	}
	return r.save(e)
}

func (r *Registry) save(e *entry) error {
	var buf bytes.Buffer
	if _, err := e.seq.WriteTo(&buf); err != nil {
		return err
	}
	if err := writeAtomic(e.path, buf.Bytes()); err != nil {
		return err
	}
	e.seq.MarkClean()
	e.digest = sha256.Sum256(buf.Bytes())
	return nil
}

// Reload re-reads path when its content differs from what the registry last
// read or wrote, replacing the content of the shared sequence in place. It
// reports whether the sequence changed.
func (r *Registry) Reload(path string) (bool, error) {
	e, err := r.lookup(path)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq == nil {
		return true, r.load(e)
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return false, fmt.Errorf("open sequence: %w", err)
	}
	digest := sha256.Sum256(data)
	if digest == e.digest {
		return false, nil
	}
	rd := NewReader(r.log)
	s, err := rd.Read(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	e.seq.replace(s)
	e.warnings, e.digest = rd.Warnings(), digest
	r.log.Info("reloaded sequence", "path", e.path, "frames", s.Len())
	return true, nil
}
