// Package scheduler drives saved searches: a minute tick checks every
// search's cron schedule against its last success and enqueues due runs on
// the worker pool, each behind its Redis run lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/cron"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/lock"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/metrics"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/queue"
)

// ErrAlreadyRunning is returned by RunNow when the search's run lease is
// held by an in-flight run.
var ErrAlreadyRunning = errors.New("search is already running")

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListSearches(ctx context.Context) ([]model.Search, error)
	GetSearch(ctx context.Context, id uint) (*model.Search, error)
	CreateExecution(ctx context.Context, searchID uint) (*model.TaskExecution, error)
	FinishExecution(ctx context.Context, execID uint, status, result string) error
}

// Executor runs one search against a ledger entry.
type Executor interface {
	Run(ctx context.Context, searchID, execID uint, notifySubs bool) error
}

// Scheduler owns the tick loop and manual triggers.
type Scheduler struct {
	store    Store
	locker   *lock.Locker
	pool     *queue.Pool
	executor Executor
	logger   *slog.Logger
	interval time.Duration
}

func New(store Store, locker *lock.Locker, pool *queue.Pool, executor Executor, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		locker:   locker,
		pool:     pool,
		executor: executor,
		logger:   logger,
		interval: interval,
	}
}

// Start blocks on the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", slog.String("interval", s.interval.String()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick enqueues every search whose schedule fires at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	metrics.QueueDepth.Set(float64(s.pool.Depth()))

	searches, err := s.store.ListSearches(ctx)
	if err != nil {
		s.logger.Error("list searches", slog.String("error", err.Error()))
		return
	}

	for i := range searches {
		search := &searches[i]

		sched, err := cron.Parse(search.Cron)
		if err != nil {
			s.logger.Warn("invalid cron expression, skipping search",
				slog.Uint64("search_id", uint64(search.ID)),
				slog.String("cron", search.Cron),
				slog.String("error", err.Error()))
			continue
		}
		if !cron.Due(sched, search.LastSuccess, now) {
			continue
		}

		if _, err := s.launch(ctx, search.ID, true); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				metrics.SkippedLockedTotal.Inc()
				s.logger.Debug("search still running, skipping tick", slog.Uint64("search_id", uint64(search.ID)))
				continue
			}
			s.logger.Error("enqueue due search",
				slog.Uint64("search_id", uint64(search.ID)),
				slog.String("error", err.Error()))
		}
	}
}

// RunNow triggers a search outside its schedule. The run still takes the
// lease, so it cannot overlap a scheduled run of the same search.
func (s *Scheduler) RunNow(ctx context.Context, searchID uint, notifySubs bool) (*model.TaskExecution, error) {
	if _, err := s.store.GetSearch(ctx, searchID); err != nil {
		return nil, err
	}
	return s.launch(ctx, searchID, notifySubs)
}

// launch takes the run lease, opens a ledger entry and hands the run to
// the pool. The lease is released when the run finishes.
func (s *Scheduler) launch(ctx context.Context, searchID uint, notifySubs bool) (*model.TaskExecution, error) {
	lease, acquired, err := s.locker.Acquire(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !acquired {
		return nil, ErrAlreadyRunning
	}

	exec, err := s.store.CreateExecution(ctx, searchID)
	if err != nil {
		s.releaseLease(lease)
		return nil, err
	}

	run := queue.Run{
		SearchID: searchID,
		Fn: func(runCtx context.Context) error {
			defer s.releaseLease(lease)
			return s.executor.Run(runCtx, searchID, exec.ID, notifySubs)
		},
	}
	if err := s.pool.Submit(run); err != nil {
		s.releaseLease(lease)
		if ferr := s.store.FinishExecution(ctx, exec.ID, model.TaskStatusFailed, err.Error()); ferr != nil {
			s.logger.Error("close unqueued execution", slog.Uint64("execution_id", uint64(exec.ID)), slog.String("error", ferr.Error()))
		}
		return nil, err
	}
	return exec, nil
}

// releaseLease frees a run lease with its own timeout so a cancelled run
// context cannot leak the lock until TTL.
func (s *Scheduler) releaseLease(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		s.logger.Warn("release run lease", slog.String("error", err.Error()))
	}
}
