package caravan

import (
	"context"
	"log/slog"
	"time"
)

// Janitor defaults.
const (
	DefaultSweepInterval = time.Minute
	DefaultOrphanAge     = 15 * time.Minute
)

// Janitor moves runs that outlived their owner to a terminal state:
// runs whose expires_at has passed become expired, and in_progress runs
// whose engine goroutine is gone (a crash, a restart) become failed with
// code orphaned. One janitor per store is enough; sweeps are idempotent.
type Janitor struct {
	runs      RunStore
	interval  time.Duration
	orphanAge time.Duration
	isLive    func(runID string) bool
	logger    *slog.Logger
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithSweepInterval sets the time between sweeps.
func WithSweepInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.interval = d }
}

// WithOrphanAge sets how long an in_progress run may go without
// finishing before it is presumed orphaned. Zero disables the orphan
// sweep.
func WithOrphanAge(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.orphanAge = d }
}

// WithLiveCheck installs the liveness probe consulted before a run is
// declared orphaned. Wire the coordinator's IsLive here so runs still
// executing in this process are never touched.
func WithLiveCheck(fn func(runID string) bool) JanitorOption {
	return func(j *Janitor) { j.isLive = fn }
}

// WithJanitorLogger sets the sweep logger.
func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// NewJanitor builds a janitor over the run store.
func NewJanitor(runs RunStore, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		runs:      runs,
		interval:  DefaultSweepInterval,
		orphanAge: DefaultOrphanAge,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("janitor started", "interval", j.interval)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Warn("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over the store. It keeps going past
// per-run failures and returns the first error it saw.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := NowUnix()
	var firstErr error

	expired, err := j.runs.ListRuns(ctx, RunFilter{
		Statuses:      []RunStatus{RunQueued, RunInProgress, RunRequiresAction},
		ExpiresBefore: now,
	})
	if err != nil {
		firstErr = &StorageError{Op: "list expired runs", Err: err}
	}
	for _, run := range expired {
		if _, err := j.runs.UpdateRunStatus(ctx, run.ID, RunExpired, &RunError{
			Code:    CodeExpired,
			Message: "run expired",
		}); err != nil {
			j.logger.Warn("janitor: expire failed", "run_id", run.ID, "error", err)
			if firstErr == nil {
				firstErr = &StorageError{Op: "expire run", Err: err}
			}
			continue
		}
		j.logger.Info("janitor: run expired", "run_id", run.ID, "thread_id", run.ThreadID)
	}

	if j.orphanAge <= 0 {
		return firstErr
	}
	stale, err := j.runs.ListRuns(ctx, RunFilter{
		Statuses:      []RunStatus{RunInProgress},
		StartedBefore: now - int64(j.orphanAge/time.Second),
	})
	if err != nil {
		if firstErr == nil {
			firstErr = &StorageError{Op: "list stale runs", Err: err}
		}
		return firstErr
	}
	for _, run := range stale {
		if j.isLive != nil && j.isLive(run.ID) {
			continue
		}
		if _, err := j.runs.UpdateRunStatus(ctx, run.ID, RunFailed, &RunError{
			Code:    CodeOrphaned,
			Message: "run abandoned by its engine",
		}); err != nil {
			j.logger.Warn("janitor: orphan update failed", "run_id", run.ID, "error", err)
			if firstErr == nil {
				firstErr = &StorageError{Op: "fail orphaned run", Err: err}
			}
			continue
		}
		j.logger.Warn("janitor: run orphaned", "run_id", run.ID, "thread_id", run.ThreadID)
	}
	return firstErr
}
