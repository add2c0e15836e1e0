package delivery

import (
	"context"
	"log/slog"
	"time"

	"wagate/internal/domain"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/store"
	"wagate/internal/util"
)

type ScheduledStore interface {
	GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, bool, error)
	MarkScheduledSent(ctx context.Context, id, providerMsgID string, now time.Time) error
	RecordScheduledFailure(ctx context.Context, id, lastError string, now time.Time) error
	MarkScheduledFailed(ctx context.Context, id, lastError string, now time.Time) error
}

// SchedulerHandler sends one scheduled message per job.
type SchedulerHandler struct {
	Store    ScheduledStore
	Sessions Sessions
	Now      func() time.Time
}

func (h *SchedulerHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return util.NowUTC()
}

func (h *SchedulerHandler) Process(ctx context.Context, job *pgqueue.Job) (domain.Outcome, error) {
	var p ScheduledJob
	if err := job.Decode(&p); err != nil || p.ScheduledID == "" {
		slog.Error("scheduler job payload unreadable", "job_id", job.ID, "err", err)
		return domain.OutcomeFailed, nil
	}

	msg, found, err := h.Store.GetScheduled(ctx, p.ScheduledID)
	if err != nil {
		return "", err
	}
	if !found || msg.Status != domain.ScheduledPending {
		slog.Info("scheduled message already processed", "id", p.ScheduledID, "job_id", job.ID)
		return domain.OutcomeSkipped, nil
	}

	msgID, err := h.send(ctx, msg)
	if err != nil {
		if rerr := h.Store.RecordScheduledFailure(ctx, msg.ID, err.Error(), h.now()); rerr != nil {
			slog.Warn("scheduled failure not recorded", "id", msg.ID, "err", rerr)
		}
		return "", err
	}

	if err := h.Store.MarkScheduledSent(ctx, msg.ID, msgID, h.now()); err != nil {
		// the message is out; a retry would send it twice
		slog.Error("scheduled message sent but not marked", "id", msg.ID, "provider_msg_id", msgID, "err", err)
	}
	slog.Info("scheduled message sent", "id", msg.ID, "instance", msg.Instance, "provider_msg_id", msgID)
	return domain.OutcomeDone, nil
}

func (h *SchedulerHandler) send(ctx context.Context, msg store.ScheduledMessage) (string, error) {
	p, err := h.Sessions.Connected(msg.Instance)
	if err != nil {
		return "", err
	}
	return sendMessage(ctx, p, msg.Recipient, msg.Text, msg.Media)
}

func (h *SchedulerHandler) Exhausted(ctx context.Context, job *pgqueue.Job, cause error) {
	var p ScheduledJob
	if err := job.Decode(&p); err != nil {
		return
	}
	if err := h.Store.MarkScheduledFailed(ctx, p.ScheduledID, cause.Error(), h.now()); err != nil {
		slog.Error("scheduled message not marked failed", "id", p.ScheduledID, "err", err)
		return
	}
	slog.Warn("scheduled message failed", "id", p.ScheduledID, "attempts", job.Attempt(), "err", cause)
}
