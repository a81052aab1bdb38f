package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"starlign/internal/pipeline"
	"starlign/internal/seq"
	"starlign/internal/storage"

	"github.com/gorilla/mux"
)

// JobQueue accepts jobs and reports their results. Sequences is the registry
// its jobs read and write sequence files through.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	Sequences() *seq.Registry
}

// Server exposes one sequence, its registration runs and a live event feed.
// The sequence is shared with the jobs of the queue, so edits made over HTTP
// and job results are written back together.
type Server struct {
	addr      string
	seqPath   string
	store     *storage.Store
	jobs      JobQueue
	sequences *seq.Registry
	hub       *Hub
	watch     bool
	log       *slog.Logger
	server    *http.Server
}

// NewServer loads the sequence at seqPath and prepares the HTTP API.
func NewServer(addr, seqPath string, store *storage.Store, jobs JobQueue, watch bool, log *slog.Logger) (*Server, error) {
	var sequences *seq.Registry
	if jobs != nil {
		sequences = jobs.Sequences()
	}
	if sequences == nil {
		sequences = seq.NewRegistry(log)
	}
	if _, _, err := sequences.Open(seqPath); err != nil {
		return nil, err
	}
	return &Server{
		addr:      addr,
		seqPath:   seqPath,
		store:     store,
		jobs:      jobs,
		sequences: sequences,
		hub:       NewHub(log),
		watch:     watch,
		log:       log,
	}, nil
}

// Sequence returns the served sequence.
func (s *Server) Sequence() *seq.Sequence {
	sq, _ := s.current()
	return sq
}

func (s *Server) current() (*seq.Sequence, []string) {
	sq, warnings, err := s.sequences.Open(s.seqPath)
	if err != nil {
		// loaded by NewServer, so only a broken path resolution lands here
		s.log.Error("sequence unavailable", "path", s.seqPath, "error", err)
	}
	return sq, warnings
}

func (s *Server) publishChanges(ctx context.Context) {
	changes, unsub := s.Sequence().Subscribe()
	go func() {
		<-ctx.Done()
		unsub()
	}()
	for c := range changes {
		s.hub.Publish(Event{Type: "change", Data: c})
	}
}

// Start begins the server and monitoring services
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardResults(ctx)
	go s.publishChanges(ctx)

	if s.watch {
		w, err := NewSequenceWatcher(s.seqPath, s.log)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		go s.followChanges(w)
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr, "sequence", s.seqPath)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) followChanges(w *SequenceWatcher) {
	for range w.Changes {
		changed, err := s.sequences.Reload(s.seqPath)
		if err != nil {
			s.log.Warn("sequence reload failed", "path", s.seqPath, "error", err)
			continue
		}
		if !changed {
			continue
		}
		s.log.Info("sequence reloaded", "path", s.seqPath)
		s.hub.Publish(Event{Type: "reload", Data: s.sequenceView()})
	}
}

func (s *Server) forwardResults(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			s.hub.Publish(Event{Type: "result", Data: resultView(res)})
		}
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/sequence", s.handleSequence).Methods("GET")
	r.HandleFunc("/api/sequence/frames/{index:[0-9]+}", s.handleFrame).Methods("GET")
	r.HandleFunc("/api/sequence/frames/{index:[0-9]+}", s.handleFrameUpdate).Methods("PATCH")
	r.HandleFunc("/api/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}/frames", s.handleRunFrames).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type sequenceView struct {
	Path              string   `json:"path"`
	Name              string   `json:"name"`
	FirstIndex        int      `json:"first_index"`
	ImageCount        int      `json:"image_count"`
	Selected          int      `json:"selected"`
	FixedLength       int      `json:"fixed_length"`
	Reference         int      `json:"reference"`
	Version           int      `json:"version"`
	VariableSize      bool     `json:"variable_size"`
	Layers            int      `json:"layers"`
	Kind              string   `json:"kind"`
	RegistrationLayer *int     `json:"registration_layer,omitempty"`
	Dirty             bool     `json:"dirty"`
	Warnings          []string `json:"warnings,omitempty"`
}

func (s *Server) sequenceView() sequenceView {
	sq, warnings := s.current()

	v := sequenceView{
		Path:         s.seqPath,
		Name:         sq.Name(),
		FirstIndex:   sq.FirstIndex(),
		ImageCount:   sq.ImageCount(),
		Selected:     sq.SelectedCount(),
		FixedLength:  sq.FixedLength(),
		Reference:    sq.Reference(),
		Version:      sq.Version(),
		VariableSize: sq.VariableSize(),
		Layers:       sq.LayerCount(),
		Kind:         sq.Kind().String(),
		Dirty:        sq.IsDirty(),
		Warnings:     warnings,
	}
	if l, ok := sq.RegistrationLayer(); ok {
		v.RegistrationLayer = &l
	}
	return v
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sequenceView())
}

type frameView struct {
	seq.Frame
	Stats        []*seq.Stats      `json:"stats"`
	Registration *seq.Registration `json:"registration,omitempty"`
}

func (s *Server) frameView(index int) (frameView, bool) {
	sq := s.Sequence()
	f, ok := sq.Frame(index)
	if !ok {
		return frameView{}, false
	}
	v := frameView{Frame: f, Stats: make([]*seq.Stats, sq.LayerCount())}
	for l := range v.Stats {
		if st, ok := sq.Stats(index, l); ok {
			v.Stats[l] = &st
		}
	}
	if reg, ok := sq.Registration(index); ok {
		v.Registration = &reg
	}
	return v, true
}

func frameIndex(r *http.Request) int {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		return -1
	}
	return i
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	v, ok := s.frameView(frameIndex(r))
	if !ok {
		http.Error(w, "frame not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleFrameUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Included *bool `json:"included"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Included == nil {
		http.Error(w, "expected {\"included\": bool}", http.StatusBadRequest)
		return
	}
	index := frameIndex(r)
	err := s.sequences.Update(s.seqPath, func(sq *seq.Sequence) error {
		return sq.SetIncluded(index, *body.Included)
	})
	switch {
	case errors.Is(err, seq.ErrUnknownFrame):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	v, _ := s.frameView(index)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Type    pipeline.JobType `json:"type"`
		Options map[string]any   `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch body.Type {
	case pipeline.JobRegister, pipeline.JobStats:
	default:
		http.Error(w, "unknown job type: "+string(body.Type), http.StatusBadRequest)
		return
	}
	job := pipeline.NewJob(body.Type, s.seqPath, body.Options)
	if err := s.jobs.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunFrames(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunFrames(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func resultView(res pipeline.Result) map[string]any {
	v := map[string]any{
		"job":  res.Job,
		"meta": res.Meta,
	}
	if res.Summary != nil {
		v["summary"] = res.Summary
	}
	if res.Error != nil {
		v["error"] = res.Error.Error()
	}
	return v
}
