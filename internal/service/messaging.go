package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"wagate/internal/delivery"
	"wagate/internal/domain"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/util"
)

type MessageStore interface {
	InsertScheduled(ctx context.Context, m store.ScheduledMessage) error
	GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, bool, error)
	CancelScheduled(ctx context.Context, id string, now time.Time) (bool, error)
	MarkScheduledFailed(ctx context.Context, id, lastError string, now time.Time) error

	InsertCampaign(ctx context.Context, c store.Campaign) error
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	SetCampaignJob(ctx context.Context, id, jobID string) error
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, from []domain.CampaignStatus, now time.Time) (bool, error)
	FailCampaign(ctx context.Context, id, lastError string, now time.Time) error
}

type JobQueue interface {
	Add(ctx context.Context, queue string, j pgqueue.Job) (string, error)
	Remove(ctx context.Context, id string, includeActive bool) (bool, error)
	RemoveWaiting(ctx context.Context, queue, instance string) (int64, error)
	Counts(ctx context.Context, queue string) (pgqueue.Counts, error)
}

// Instances reports whether an instance is registered.
type Instances interface {
	Get(name string) (session.Summary, bool)
}

type Messaging struct {
	Store          MessageStore
	Queue          JobQueue
	Instances      Instances
	BroadcastDelay time.Duration
	Now            func() time.Time
}

func (s *Messaging) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Messaging) requireInstance(name string) error {
	if s.Instances == nil {
		return nil
	}
	if _, ok := s.Instances.Get(name); !ok {
		return fmt.Errorf("%w: instance %s", domain.ErrNotFound, name)
	}
	return nil
}

// ScheduleMessage persists a pending message and enqueues its delayed job.
// A scheduledAt in the past runs as soon as a worker is free.
func (s *Messaging) ScheduleMessage(ctx context.Context, req domain.ScheduleRequest) (domain.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateResponse{}, err
	}
	if err := s.requireInstance(req.Instance); err != nil {
		return domain.CreateResponse{}, err
	}
	now := s.now()
	msg := store.ScheduledMessage{
		ID:          util.NewScheduledID(),
		Instance:    req.Instance,
		Recipient:   util.NormalizePhone(req.To),
		Text:        req.Text,
		Media:       req.Media,
		ScheduledAt: req.ScheduledAt.UTC(),
		Status:      domain.ScheduledPending,
		JobID:       util.NewJobID(),
		CreatedAt:   now,
	}

	// 1) row first, so a redelivered job always finds it
	if err := s.Store.InsertScheduled(ctx, msg); err != nil {
		return domain.CreateResponse{}, err
	}

	// 2) enqueue
	payload, _ := json.Marshal(delivery.ScheduledJob{ScheduledID: msg.ID})
	delay := msg.ScheduledAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	_, err := s.Queue.Add(ctx, pgqueue.Scheduler, pgqueue.Job{
		ID:          msg.JobID,
		Instance:    msg.Instance,
		Payload:     payload,
		Delay:       delay,
		MaxAttempts: delivery.MaxAttempts,
		Backoff:     delivery.SchedulerBackoff,
	})
	if err != nil {
		if ferr := s.Store.MarkScheduledFailed(context.WithoutCancel(ctx), msg.ID, "enqueue_failed", now); ferr != nil {
			slog.Error("scheduled message not marked failed", "scheduled_id", msg.ID, "err", ferr)
		}
		return domain.CreateResponse{}, err
	}
	return domain.CreateResponse{ID: msg.ID, JobID: msg.JobID, Status: string(domain.ScheduledPending)}, nil
}

func (s *Messaging) GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, error) {
	msg, found, err := s.Store.GetScheduled(ctx, id)
	if err != nil {
		return store.ScheduledMessage{}, err
	}
	if !found {
		return store.ScheduledMessage{}, domain.ErrNotFound
	}
	return msg, nil
}

// CancelScheduled withdraws a message whose job has not started.
func (s *Messaging) CancelScheduled(ctx context.Context, id string) error {
	msg, err := s.GetScheduled(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status != domain.ScheduledPending {
		return fmt.Errorf("%w: message is %s", domain.ErrInvalidState, msg.Status)
	}
	if msg.JobID != "" {
		removed, err := s.Queue.Remove(ctx, msg.JobID, false)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: message is being sent", domain.ErrInvalidState)
		}
	}
	ok, err := s.Store.CancelScheduled(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: message is no longer pending", domain.ErrInvalidState)
	}
	return nil
}

func (s *Messaging) CreateBroadcast(ctx context.Context, req domain.BroadcastRequest) (domain.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateResponse{}, err
	}
	if err := s.requireInstance(req.Instance); err != nil {
		return domain.CreateResponse{}, err
	}
	delay := s.BroadcastDelay
	if delay <= 0 {
		delay = delivery.DefaultBroadcastDelay
	}
	delayMs := min(int(delay.Milliseconds()), domain.MaxDelayMs)
	if req.DelayMs != nil {
		delayMs = *req.DelayMs
	}
	recipients := make([]domain.Recipient, len(req.Recipients))
	for i, rc := range req.Recipients {
		rc.Phone = util.NormalizePhone(rc.Phone)
		recipients[i] = rc
	}

	now := s.now()
	c := store.Campaign{
		ID:         util.NewCampaignID(),
		Instance:   req.Instance,
		Message:    req.Message,
		Media:      req.Media,
		DelayMs:    delayMs,
		Recipients: recipients,
		Status:     domain.CampaignPending,
		JobID:      util.NewJobID(),
		CreatedAt:  now,
	}
	if err := s.Store.InsertCampaign(ctx, c); err != nil {
		return domain.CreateResponse{}, err
	}
	if err := s.enqueueBroadcast(ctx, c.ID, c.Instance, c.JobID); err != nil {
		if ferr := s.Store.FailCampaign(context.WithoutCancel(ctx), c.ID, "enqueue_failed", now); ferr != nil {
			slog.Error("campaign not marked failed", "campaign_id", c.ID, "err", ferr)
		}
		return domain.CreateResponse{}, err
	}
	return domain.CreateResponse{ID: c.ID, JobID: c.JobID, Status: string(domain.CampaignPending)}, nil
}

func (s *Messaging) enqueueBroadcast(ctx context.Context, campaignID, instance, jobID string) error {
	payload, _ := json.Marshal(delivery.BroadcastJob{CampaignID: campaignID})
	_, err := s.Queue.Add(ctx, pgqueue.Broadcast, pgqueue.Job{
		ID:          jobID,
		Instance:    instance,
		Payload:     payload,
		MaxAttempts: delivery.MaxAttempts,
		Backoff:     delivery.BroadcastBackoff,
	})
	return err
}

func (s *Messaging) GetBroadcast(ctx context.Context, id string) (store.Campaign, error) {
	c, found, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}
	if !found {
		return store.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

// PauseBroadcast stops a campaign. A run in progress notices the status
// before its next send; counters keep the cursor.
func (s *Messaging) PauseBroadcast(ctx context.Context, id string) error {
	return s.stopBroadcast(ctx, id, domain.CampaignPaused,
		[]domain.CampaignStatus{domain.CampaignPending, domain.CampaignRunning})
}

func (s *Messaging) CancelBroadcast(ctx context.Context, id string) error {
	return s.stopBroadcast(ctx, id, domain.CampaignCancelled,
		[]domain.CampaignStatus{domain.CampaignPending, domain.CampaignRunning, domain.CampaignPaused})
}

func (s *Messaging) stopBroadcast(ctx context.Context, id string, to domain.CampaignStatus, from []domain.CampaignStatus) error {
	c, err := s.GetBroadcast(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.Store.SetCampaignStatus(ctx, id, to, from, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign is %s", domain.ErrInvalidState, c.Status)
	}
	if c.JobID != "" {
		if _, err := s.Queue.Remove(ctx, c.JobID, true); err != nil {
			return err
		}
	}
	return nil
}

// ResumeBroadcast re-enqueues a paused campaign under a new job. The run
// continues at the persisted cursor.
func (s *Messaging) ResumeBroadcast(ctx context.Context, id string) (domain.CreateResponse, error) {
	c, err := s.GetBroadcast(ctx, id)
	if err != nil {
		return domain.CreateResponse{}, err
	}
	ok, err := s.Store.SetCampaignStatus(ctx, id, domain.CampaignPending, []domain.CampaignStatus{domain.CampaignPaused}, s.now())
	if err != nil {
		return domain.CreateResponse{}, err
	}
	if !ok {
		return domain.CreateResponse{}, fmt.Errorf("%w: campaign is %s", domain.ErrInvalidState, c.Status)
	}
	jobID := util.NewJobID()
	if err := s.Store.SetCampaignJob(ctx, id, jobID); err != nil {
		return domain.CreateResponse{}, err
	}
	if err := s.enqueueBroadcast(ctx, id, c.Instance, jobID); err != nil {
		return domain.CreateResponse{}, err
	}
	return domain.CreateResponse{ID: id, JobID: jobID, Status: string(domain.CampaignPending)}, nil
}

func (s *Messaging) QueueCounts(ctx context.Context, queue string) (pgqueue.Counts, error) {
	known := false
	for _, n := range pgqueue.Names {
		known = known || n == queue
	}
	if !known {
		return pgqueue.Counts{}, fmt.Errorf("%w: queue %s", domain.ErrNotFound, queue)
	}
	return s.Queue.Counts(ctx, queue)
}

func (s *Messaging) AllQueueCounts(ctx context.Context) (map[string]pgqueue.Counts, error) {
	out := make(map[string]pgqueue.Counts, len(pgqueue.Names))
	for _, n := range pgqueue.Names {
		c, err := s.Queue.Counts(ctx, n)
		if err != nil {
			return nil, err
		}
		out[n] = c
	}
	return out, nil
}
