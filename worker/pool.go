// Package worker runs CPU-bound jobs on a fixed set of goroutines behind a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/RyanBlaney/sonido-eeg/logging"
)

var (
	// ErrQueueFull is returned by TrySubmit when every queue slot is taken.
	ErrQueueFull = errors.New("worker: queue full")
	// ErrPoolClosed is returned for submissions after Close.
	ErrPoolClosed = errors.New("worker: pool closed")
)

// Pool is a fixed-size worker pool. Submissions wait for a free queue slot, which
// applies backpressure to callers when the workers fall behind.
type Pool struct {
	jobs    chan func()
	workers int
	logger  logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active atomic.Int64
}

// New starts workers goroutines with queueSize queue slots. workers <= 0 uses one per
// CPU and queueSize < 0 is treated as 0 (unbuffered hand-off).
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queueSize = max(queueSize, 0)

	p := &Pool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		logger: logging.WithFields(logging.Fields{
			"component": "worker_pool",
		}),
	}

	p.wg.Add(workers)
	for range workers {
		go p.run()
	}

	p.logger.Debug("Worker pool started", logging.Fields{
		"workers": workers,
		"queue":   queueSize,
	})
	return p
}

// SetLogger replaces the pool logger.
func (p *Pool) SetLogger(logger logging.Logger) {
	p.logger = logger.WithFields(logging.Fields{"component": "worker_pool"})
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.execute(job)
	}
}

func (p *Pool) execute(job func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(fmt.Errorf("%v", r), "Job panicked")
		}
	}()
	job()
}

// Submit queues job, waiting for a slot until ctx is done.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job without waiting.
func (p *Pool) TrySubmit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, runs the queued ones and waits for the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Worker pool stopped")
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int { return len(p.jobs) }

// Active returns the number of jobs running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Do runs fn on the pool and waits for its result. ctx bounds only the wait for a queue
// slot: once fn is queued it runs to completion.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	err := p.Submit(ctx, func() {
		var r result
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("worker: job panicked: %v", rec)
			}
			done <- r
		}()
		r.val, r.err = fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}

	r := <-done
	return r.val, r.err
}
