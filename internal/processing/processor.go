// Package processing runs table extractions on a fixed pool of goroutines so
// request handlers never parse PDFs themselves.
package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/model"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
)

// ErrQueueFull is returned by Extract when no queue slot is free.
var ErrQueueFull = errors.New("processing queue full")

// Extractor is satisfied by *extract.Aggregator.
type Extractor interface {
	ExtractTables(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error)
}

// Job asks for the tables of one stored upload.
type Job struct {
	FileID   string
	Path     string
	Selector extract.PageSelector
}

type outcome struct {
	result extract.Result
	err    error
}

type task struct {
	ctx   context.Context
	job   Job
	reply chan outcome
	state *taskState
}

// taskState decides who records a task's final status: the worker once it
// has a result, or the waiting caller once it gives up. Whoever comes
// second leaves the store alone.
type taskState struct {
	mu        sync.Mutex
	abandoned bool
	finished  bool
}

// Processor consumes extraction tasks and records their outcome in the store.
type Processor struct {
	store     *storage.MemoryStore
	extractor Extractor
	queue     chan task
	workers   int
	timeout   time.Duration
	logger    logrus.FieldLogger
}

// New builds a Processor with queue capacity tied to worker count.
func New(store *storage.MemoryStore, extractor Extractor, workers int, timeout time.Duration, logger logrus.FieldLogger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		queue:     make(chan task, workers*4),
		workers:   workers,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start launches worker goroutines that run until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// Extract queues job and waits for its result, the processor timeout or
// ctx, whichever comes first.
func (p *Processor) Extract(ctx context.Context, job Job) (extract.Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	t := task{ctx: ctx, job: job, reply: make(chan outcome, 1), state: &taskState{}}
	// Non-blocking send: a full buffer means every worker is busy and the
	// backlog is already long, so the request is turned away.
	select {
	case p.queue <- t:
	default:
		p.logger.WithField("file", job.FileID).Warn("processor queue full, rejecting extraction")
		return extract.Result{}, ErrQueueFull
	}
	select {
	case out := <-t.reply:
		return out.result, out.err
	case <-ctx.Done():
	}

	t.state.mu.Lock()
	if t.state.finished {
		// The worker already stored its outcome; its reply is on the way.
		t.state.mu.Unlock()
		out := <-t.reply
		return out.result, out.err
	}
	t.state.abandoned = true
	_ = p.store.UpdateStatus(job.FileID, model.StatusFailed, abandonMessage(ctx.Err()))
	t.state.mu.Unlock()
	return extract.Result{}, ctx.Err()
}

func abandonMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "extraction timed out"
	}
	return "extraction cancelled"
}

func (p *Processor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			t.reply <- p.process(t)
		}
	}
}

func (p *Processor) process(t task) outcome {
	log := p.logger.WithFields(logrus.Fields{"file": t.job.FileID, "page": t.job.Selector.String()})
	t.state.mu.Lock()
	if t.state.abandoned || t.ctx.Err() != nil {
		t.state.mu.Unlock()
		return outcome{err: t.ctx.Err()}
	}
	err := p.store.UpdateStatus(t.job.FileID, model.StatusProcessing, "extraction started")
	t.state.mu.Unlock()
	if err != nil {
		return outcome{err: err}
	}
	start := time.Now()
	res, err := p.extractor.ExtractTables(t.ctx, extract.FileSource(t.job.Path), t.job.Selector)

	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.abandoned {
		// The caller has already given up and marked the file.
		return outcome{err: t.ctx.Err()}
	}
	t.state.finished = true
	if err != nil {
		log.WithError(err).Warn("extraction failed")
		_ = p.store.UpdateStatus(t.job.FileID, model.StatusFailed, err.Error())
		return outcome{err: err}
	}
	if err := p.store.SaveResult(t.job.FileID, t.job.Selector.String(), res.Table, res.Pages); err != nil {
		return outcome{err: err}
	}
	log.WithFields(logrus.Fields{"found": res.Found(), "duration": time.Since(start)}).Info("extraction finished")
	return outcome{result: res}
}
