package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wagate/internal/observability"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/util"
)

type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

// DefaultRetention is how long finished jobs stay visible per queue.
var DefaultRetention = map[string]Retention{
	pgqueue.Webhook:   {Completed: 6 * time.Hour, Failed: 7 * 24 * time.Hour},
	pgqueue.Scheduler: {Completed: 24 * time.Hour, Failed: 7 * 24 * time.Hour},
	pgqueue.Broadcast: {Completed: 24 * time.Hour, Failed: 7 * 24 * time.Hour},
}

const DefaultAttemptRetention = 7 * 24 * time.Hour

type Cleaner interface {
	Clean(ctx context.Context, queue string, completedAge, failedAge time.Duration) (int64, error)
}

type AttemptPruner interface {
	PruneWebhookAttempts(ctx context.Context, olderThan time.Time) (int64, error)
}

type Housekeeping struct {
	Queue            Cleaner
	Attempts         AttemptPruner
	Retention        map[string]Retention
	AttemptRetention time.Duration
	Now              func() time.Time
}

// Run cleans every queue and prunes old delivery attempts. A failing step
// does not stop the others.
func (h *Housekeeping) Run(ctx context.Context) error {
	retention := h.Retention
	if retention == nil {
		retention = DefaultRetention
	}
	var errs []error
	for _, q := range pgqueue.Names {
		r, ok := retention[q]
		if !ok {
			continue
		}
		n, err := h.Queue.Clean(ctx, q, r.Completed, r.Failed)
		if err != nil {
			errs = append(errs, err)
			slog.Error("queue clean failed", "queue", q, "err", err)
			continue
		}
		observability.QueueCleaned.WithLabelValues(q).Add(float64(n))
		if n > 0 {
			slog.Info("queue cleaned", "queue", q, "removed", n)
		}
	}

	if h.Attempts != nil {
		keep := h.AttemptRetention
		if keep <= 0 {
			keep = DefaultAttemptRetention
		}
		now := util.NowUTC()
		if h.Now != nil {
			now = h.Now()
		}
		n, err := h.Attempts.PruneWebhookAttempts(ctx, now.Add(-keep))
		if err != nil {
			errs = append(errs, err)
			slog.Error("webhook attempts prune failed", "err", err)
		} else if n > 0 {
			slog.Info("webhook attempts pruned", "removed", n)
		}
	}
	return errors.Join(errs...)
}
