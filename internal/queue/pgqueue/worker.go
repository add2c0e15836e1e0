package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"wagate/internal/domain"
	"wagate/internal/observability"
)

// Backend is the part of Queue a Worker drives.
type Backend interface {
	Claim(ctx context.Context, queue string, n int) ([]*Job, error)
	Complete(ctx context.Context, id string, result domain.Outcome) error
	Fail(ctx context.Context, id string, cause error) (final bool, err error)
	FailNow(ctx context.Context, id string, cause error) error
	Release(ctx context.Context, id string) error
}

// Handler runs one job. A returned error schedules a retry; Exhausted is
// called once no attempts remain. Done and skipped outcomes complete the job,
// a failed outcome fails it without retry.
type Handler interface {
	Process(ctx context.Context, job *Job) (domain.Outcome, error)
	Exhausted(ctx context.Context, job *Job, err error)
}

type Worker struct {
	Queue        Backend
	Name         string
	Concurrency  int
	PollInterval time.Duration
	Handler      Handler
}

// Run claims and processes jobs until ctx is canceled, then waits for the
// runs in flight.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		free := concurrency - len(slots)
		claimed := 0
		if free > 0 {
			jobs, err := w.Queue.Claim(ctx, w.Name, free)
			if err != nil && ctx.Err() == nil {
				slog.Error("queue claim failed", "queue", w.Name, "err", err)
			}
			for _, job := range jobs {
				slots <- struct{}{}
				wg.Add(1)
				go func(job *Job) {
					defer wg.Done()
					defer func() { <-slots }()
					w.run(ctx, job)
				}(job)
			}
			claimed = len(jobs)
		}

		// a full batch means more may be due
		if claimed > 0 && claimed == free {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (w *Worker) run(ctx context.Context, job *Job) {
	start := time.Now()
	outcome, err := w.process(ctx, job)
	observability.JobDuration.WithLabelValues(w.Name).Observe(time.Since(start).Seconds())

	// bookkeeping survives shutdown
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	log := slog.With("queue", w.Name, "job_id", job.ID, "attempt", job.Attempt(), "duration", time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			if rerr := w.Queue.Release(dbCtx, job.ID); rerr != nil {
				log.Error("queue release failed", "err", rerr)
			}
			log.Info("job interrupted by shutdown", "err", err)
			return
		}
		final, ferr := w.Queue.Fail(dbCtx, job.ID, err)
		if ferr != nil {
			log.Error("queue fail failed", "err", ferr)
			return
		}
		if final {
			observability.JobOutcomes.WithLabelValues(w.Name, "exhausted").Inc()
			log.Warn("job exhausted", "err", err)
			w.Handler.Exhausted(dbCtx, job, err)
			return
		}
		observability.JobOutcomes.WithLabelValues(w.Name, "retry").Inc()
		log.Info("job failed, will retry", "err", err)
		return
	}

	switch outcome {
	case domain.OutcomeFailed:
		if ferr := w.Queue.FailNow(dbCtx, job.ID, errors.New("handler reported failure")); ferr != nil {
			log.Error("queue fail failed", "err", ferr)
		}
	case domain.OutcomeSkipped:
		if cerr := w.Queue.Complete(dbCtx, job.ID, domain.OutcomeSkipped); cerr != nil {
			log.Error("queue complete failed", "err", cerr)
		}
	default:
		outcome = domain.OutcomeDone
		if cerr := w.Queue.Complete(dbCtx, job.ID, domain.OutcomeDone); cerr != nil {
			log.Error("queue complete failed", "err", cerr)
		}
	}
	observability.JobOutcomes.WithLabelValues(w.Name, string(outcome)).Inc()
	log.Debug("job finished", "outcome", outcome)
}

func (w *Worker) process(ctx context.Context, job *Job) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "queue", w.Name, "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			outcome, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Handler.Process(ctx, job)
}
