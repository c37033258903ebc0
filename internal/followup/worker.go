package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oraxen/licensing/internal/model"
	"github.com/oraxen/licensing/internal/store"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultBatchSize    = 20

	// In-process retries inside one execution, for blips that resolve in
	// seconds.
	inProcessRetries uint64 = 2
	inProcessBase           = 2 * time.Second

	// Budget of persisted executions before a run is marked failed.
	maxRunAttempts = 5

	// Base delay for putting a failed run back in the queue; doubles per
	// recorded attempt.
	rescheduleBase = 5 * time.Minute

	// A run still marked running after this long belongs to a worker that
	// died mid-execution and gets put back in the queue. Well above any
	// legitimate execution, which is a handful of HTTP calls.
	staleRunAfter = 10 * time.Minute
)

// Worker polls the run queue and executes due follow-ups.
type Worker struct {
	mu        sync.RWMutex
	runs      *store.FollowupRunStore
	workflow  *Workflow
	logger    *slog.Logger
	interval  time.Duration
	batch     int
	retries   uint64
	retryBase time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWorker(runs *store.FollowupRunStore, workflow *Workflow, logger *slog.Logger) *Worker {
	return &Worker{
		runs:      runs,
		workflow:  workflow,
		logger:    logger,
		interval:  defaultPollInterval,
		batch:     defaultBatchSize,
		retries:   inProcessRetries,
		retryBase: inProcessBase,
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.RLock()
	cancel := w.cancel
	done := w.done
	w.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Worker) tick(ctx context.Context) {
	if n, err := w.runs.ReclaimStale(time.Now().Add(-staleRunAfter)); err != nil {
		w.logger.Error("reclaim stale followup runs", "error", err)
	} else if n > 0 {
		w.logger.Warn("reclaimed stale followup runs", "count", n)
	}

	due, err := w.runs.Due(time.Now(), w.batch)
	if err != nil {
		w.logger.Error("list due followup runs", "error", err)
		return
	}

	for _, run := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.executeRun(ctx, run)
	}
}

// executeRun claims one run and drives it to completed, rescheduled, or
// failed.
func (w *Worker) executeRun(ctx context.Context, run model.FollowupRun) {
	claimed, err := w.runs.ClaimForExecution(run.ID)
	if err != nil {
		w.logger.Error("claim followup run", "run_id", run.ID, "error", err)
		return
	}
	if !claimed {
		return
	}
	attempt := run.Attempts + 1

	var result string
	backoff := retry.WithMaxRetries(w.retries, retry.NewExponential(w.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var runErr error
		result, runErr = w.workflow.Run(run)
		if runErr == nil {
			return nil
		}
		if IsRetryable(runErr) {
			return retry.RetryableError(runErr)
		}
		return runErr
	})

	if err == nil {
		if markErr := w.runs.MarkCompleted(run.ID, result); markErr != nil {
			w.logger.Error("mark followup run completed", "run_id", run.ID, "error", markErr)
		}
		w.logger.Info("followup run completed", "run_id", run.ID, "result", result, "attempt", attempt)
		return
	}

	if ctx.Err() != nil {
		// Shutdown mid-run. Put it back so the next process picks it up.
		if markErr := w.runs.Reschedule(run.ID, time.Now(), "interrupted by shutdown"); markErr != nil {
			w.logger.Error("reschedule interrupted run", "run_id", run.ID, "error", markErr)
		}
		return
	}

	if !IsRetryable(err) {
		w.logger.Error("followup run failed permanently", "run_id", run.ID, "error", err)
		if markErr := w.runs.MarkFailed(run.ID, err.Error()); markErr != nil {
			w.logger.Error("mark followup run failed", "run_id", run.ID, "error", markErr)
		}
		return
	}

	if attempt >= maxRunAttempts {
		w.logger.Error("followup run exhausted attempts", "run_id", run.ID, "attempts", attempt, "error", err)
		if markErr := w.runs.MarkFailed(run.ID, err.Error()); markErr != nil {
			w.logger.Error("mark followup run failed", "run_id", run.ID, "error", markErr)
		}
		return
	}

	delay := rescheduleBase << (attempt - 1)
	runAt := time.Now().Add(delay)
	w.logger.Warn("followup run rescheduled",
		"run_id", run.ID, "attempt", attempt, "next_run_at", runAt, "error", err)
	if markErr := w.runs.Reschedule(run.ID, runAt, err.Error()); markErr != nil {
		w.logger.Error("reschedule followup run", "run_id", run.ID, "error", markErr)
	}
}
