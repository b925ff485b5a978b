// Package queue provides the bounded in-memory worker pool that executes
// search runs enqueued by the scheduler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Run is a unit of work: one execution of a saved search.
type Run struct {
	SearchID uint
	Fn       func(ctx context.Context) error
}

// Pool is a fixed-size worker pool over a bounded channel. New runs are
// rejected, never silently dropped, once the channel is full or the pool
// has been shut down.
type Pool struct {
	logger  *slog.Logger
	workers int
	runs    chan Run

	wg     sync.WaitGroup
	closed atomic.Bool

	stats poolStats
}

type poolStats struct {
	Enqueued  atomic.Int64
	Processed atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Rejected  atomic.Int64
	Panics    atomic.Int64
}

// Stats is a copyable snapshot of the pool counters.
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Rejected  int64
	Panics    int64
}

// ErrFull is returned by Submit when the run channel is at capacity.
var ErrFull = errors.New("run queue full")

// ErrClosed is returned when submitting to a pool that has shut down.
var ErrClosed = errors.New("run queue closed")

// NewPool creates a pool with the given worker count and queue capacity.
// Values below 1 are clamped to 1.
func NewPool(logger *slog.Logger, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		runs:    make(chan Run, capacity),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the pool
// is shut down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case run, ok := <-p.runs:
			if !ok {
				p.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if run.Fn != nil {
				p.execute(ctx, run, id)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, run Run, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.Panics.Add(1)
			p.logger.Error("run panic recovered",
				slog.Int("worker_id", workerID),
				slog.Uint64("search_id", uint64(run.SearchID)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := run.Fn(ctx)
	p.stats.Processed.Add(1)

	if err != nil {
		p.stats.Failed.Add(1)
		p.logger.Warn("run failed",
			slog.Int("worker_id", workerID),
			slog.Uint64("search_id", uint64(run.SearchID)),
			slog.String("error", err.Error()))
		return
	}
	p.stats.Succeeded.Add(1)
}

// Submit enqueues a run without blocking.
func (p *Pool) Submit(run Run) error {
	if run.Fn == nil {
		return fmt.Errorf("run has no function")
	}
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.runs <- run:
		p.stats.Enqueued.Add(1)
		return nil
	default:
		p.stats.Rejected.Add(1)
		p.logger.Warn("run queue full, reject run",
			slog.Uint64("search_id", uint64(run.SearchID)),
			slog.Int("capacity", cap(p.runs)),
			slog.Int("pending", len(p.runs)))
		return ErrFull
	}
}

// SubmitBlocking enqueues a run, waiting until there is room or ctx is
// cancelled.
func (p *Pool) SubmitBlocking(ctx context.Context, run Run) error {
	if run.Fn == nil {
		return fmt.Errorf("run has no function")
	}
	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.runs <- run:
		p.stats.Enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting runs, then waits up to timeout for in-flight
// runs to finish.
func (p *Pool) Shutdown(timeout time.Duration) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(p.runs)
	p.logger.Info("run pool shutdown initiated", slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("run pool shutdown completed")
		return nil
	case <-time.After(timeout):
		p.logger.Error("run pool shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Enqueued:  p.stats.Enqueued.Load(),
		Processed: p.stats.Processed.Load(),
		Succeeded: p.stats.Succeeded.Load(),
		Failed:    p.stats.Failed.Load(),
		Rejected:  p.stats.Rejected.Load(),
		Panics:    p.stats.Panics.Load(),
	}
}

// Depth returns the number of pending runs.
func (p *Pool) Depth() int { return len(p.runs) }
