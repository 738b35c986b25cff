package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Handler processes one delivered job. The processor satisfies this.
type Handler interface {
	Process(ctx context.Context, jobID string, data session.JobData) error
}

// Worker consumes the queue with a fixed number of concurrent consumers plus
// one housekeeping loop (backoff promotion and stalled-job reclaim).
type Worker struct {
	queue       *Queue
	handler     Handler
	concurrency int
	log         *slog.Logger
}

func NewWorker(q *Queue, h Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{queue: q, handler: h, concurrency: concurrency, log: slog.Default()}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.housekeeping(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("take failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if id == "" {
			continue
		}
		w.runJob(ctx, id)
	}
}

func (w *Worker) runJob(ctx context.Context, id string) {
	log := w.log.With("jobId", id)

	job, err := w.queue.Load(ctx, id)
	if errors.Is(err, ErrJobMissing) {
		// Completed or trimmed elsewhere; drop the dangling active entry.
		if cerr := w.queue.Complete(ctx, id); cerr != nil {
			log.Warn("cleanup of missing job failed", "error", cerr)
		}
		return
	}
	if err != nil {
		log.Error("load failed", "error", err)
		return
	}

	// Lease refresh keeps the stalled scrubber off a live job.
	leaseCtx, stopLease := context.WithCancel(ctx)
	var leaseDone sync.WaitGroup
	leaseDone.Add(1)
	go func() {
		defer leaseDone.Done()
		w.keepLease(leaseCtx, id)
	}()
	defer func() {
		stopLease()
		leaseDone.Wait()
	}()

	// Identifiers are validated before any side effect; a malformed job is
	// parked immediately rather than retried.
	if verr := job.Data.Validate(); verr != nil {
		log.Error("job failed validation", "error", verr)
		if ferr := w.queue.Fail(ctx, id, verr); ferr != nil {
			log.Error("park of invalid job failed", "error", ferr)
		}
		return
	}

	perr := w.handler.Process(ctx, id, job.Data)
	if perr == nil {
		if cerr := w.queue.Complete(ctx, id); cerr != nil {
			log.Error("complete failed", "error", cerr)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts < w.queue.Config().MaxAttempts {
		log.Warn("job failed, scheduling retry", "attempt", attempts, "error", perr)
		if rerr := w.queue.Retry(ctx, id, attempts, perr); rerr != nil {
			log.Error("retry scheduling failed", "error", rerr)
		}
		return
	}

	log.Error("job failed permanently", "attempts", attempts, "error", perr)
	if ferr := w.queue.Fail(ctx, id, perr); ferr != nil {
		log.Error("park of failed job failed", "error", ferr)
	}
}

func (w *Worker) keepLease(ctx context.Context, id string) {
	interval := w.queue.Config().StalledInterval / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.RefreshLease(ctx, id); err != nil && ctx.Err() == nil {
				w.log.Warn("lease refresh failed", "jobId", id, "error", err)
			}
		}
	}
}

func (w *Worker) housekeeping(ctx context.Context) {
	cfg := w.queue.Config()

	// Promotion runs at the backoff granularity so retries don't sit ready
	// but invisible; the stalled scrub is heavier and runs on its own cadence.
	promote := time.NewTicker(cfg.BackoffBase)
	defer promote.Stop()
	scrub := time.NewTicker(cfg.StalledInterval)
	defer scrub.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if n, err := w.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("promote of delayed jobs failed", "error", err)
			} else if n > 0 {
				w.log.Info("promoted delayed jobs", "count", n)
			}
		case <-scrub.C:
			if _, _, err := w.queue.ScrubStalled(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("stalled scrub failed", "error", err)
			}
		}
	}
}
