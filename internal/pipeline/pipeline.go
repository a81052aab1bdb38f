package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"starlign/internal/config"
	"starlign/internal/logging"
	"starlign/internal/register"
	"starlign/internal/seq"
	"starlign/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobRegister JobType = "register"
	JobStats    JobType = "stats"
)

// Job represents a single processing request against a sequence file.
type Job struct {
	ID           string         `json:"id"`
	Type         JobType        `json:"type"`
	SequencePath string         `json:"sequence"`
	Options      map[string]any `json:"options,omitempty"`
}

// NewJob returns a job with a fresh identifier.
func NewJob(t JobType, sequencePath string, options map[string]any) Job {
	return Job{ID: uuid.NewString(), Type: t, SequencePath: sequencePath, Options: options}
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job               `json:"job"`
	Error   error             `json:"-"`
	Meta    map[string]any    `json:"meta,omitempty"`
	Summary *register.Summary `json:"summary,omitempty"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	sequences *seq.Registry
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	pending   sync.WaitGroup
}

// New creates a new Pipeline with the given concurrency, routing jobs to the
// registration and statistics handlers configured by cfg.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	sequences := seq.NewRegistry(logger)
	return newWithProcessor(ctx, concurrency, logger, store, sequences, newRouter(logger, store, cfg, sequences))
}

func newWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, sequences *seq.Registry, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		sequences: sequences,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Sequences returns the registry jobs read and write sequence files through.
// Other holders of a sequence should share it.
func (p *Pipeline) Sequences() *seq.Registry {
	return p.sequences
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.store != nil && job.Type == JobRegister {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:           job.ID,
			SequencePath: job.SequencePath,
			Status:       "queued",
			Detector:     stringOption(job.Options, "detector"),
			Matcher:      stringOption(job.Options, "matcher"),
			Layer:        intOption(job.Options, "layer", register.AutoLayer),
			OptionsJSON:  string(optsJSON),
		})
	}

	p.pending.Add(1)
	select {
	case p.jobs <- job:
		return nil
	default:
		p.pending.Done()
		return errors.New("job queue is full")
	}
}

// Wait blocks until every submitted job has been processed.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
			p.pending.Done()
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	log := logging.ForRun(p.log, job.ID, job.SequencePath)
	logging.LogRunStart(log, string(job.Type), p.frameCount(job.SequencePath), intOption(job.Options, "layer", register.AutoLayer), job.Options)

	if p.store != nil && job.Type == JobRegister {
		_ = p.store.RecordRunStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogRunError(log, string(job.Type), duration, res.Error, map[string]any{
			"options": job.Options,
		})
	} else {
		var aligned, failed int
		if res.Summary != nil {
			aligned, failed = res.Summary.Aligned, res.Summary.Failed
		}
		logging.LogRunComplete(log, string(job.Type), duration, aligned, failed)
	}

	if p.store != nil && job.Type == JobRegister {
		var sum register.Summary
		if res.Summary != nil {
			sum = *res.Summary
		}
		_ = p.store.RecordRunResult(job.ID, status, sum.Layer, sum.Reference, sum.Aligned, sum.Failed, errString(res.Error))
	}

	p.broadcast(res)
}

// frameCount returns the number of frames of the sequence at path, or 0 when
// it cannot be read.
func (p *Pipeline) frameCount(path string) int {
	if p.sequences == nil {
		return 0
	}
	s, _, err := p.sequences.Open(path)
	if err != nil {
		return 0
	}
	return s.Len()
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
