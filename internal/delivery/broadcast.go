package delivery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"wagate/internal/domain"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/store"
	"wagate/internal/util"
)

const (
	DefaultBroadcastDelay = time.Second
	flushEvery            = 10

	defaultAcquireEvery   = time.Second
	defaultHeartbeatEvery = 30 * time.Second
)

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error)
	// AcquireCampaign marks the campaign running under runner when jobID owns
	// it and no other live runner holds it. Runners last seen before
	// staleBefore are taken over.
	AcquireCampaign(ctx context.Context, id, jobID, runner string, now, staleBefore time.Time) (store.Campaign, bool, error)
	TouchCampaign(ctx context.Context, id, runner string, now time.Time) (bool, error)
	// SaveCampaignCounters writes counters only while c.Runner holds the
	// campaign. With c.Release the runner is dropped in the same write.
	SaveCampaignCounters(ctx context.Context, c store.CampaignCounters) (bool, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, from []domain.CampaignStatus, now time.Time) (bool, error)
	FailCampaign(ctx context.Context, id, lastError string, now time.Time) error
}

// ProgressReporter records job progress as a percentage. Reporting also
// renews the job lease.
type ProgressReporter interface {
	Progress(ctx context.Context, id string, pct int) error
}

// BroadcastHandler sends a campaign to its recipients one by one. A job
// resumes at the persisted cursor, so a paused or crashed campaign picks up
// where its counters left off. Counters are flushed every ten sends, which
// bounds how many recipients a crash can repeat.
//
// Only the job named in the campaign row may run it, and only one run at a
// time: a resumed job waits until the run it replaced has saved its cursor
// and let go.
type BroadcastHandler struct {
	Store    CampaignStore
	Sessions Sessions
	Progress ProgressReporter
	Now      func() time.Time

	// LeaseTimeout is how long a silent runner keeps the campaign. It
	// should match the queue's stale lease.
	LeaseTimeout   time.Duration
	AcquireEvery   time.Duration
	HeartbeatEvery time.Duration
}

func (h *BroadcastHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return util.NowUTC()
}

func (h *BroadcastHandler) leaseTimeout() time.Duration {
	if h.LeaseTimeout > 0 {
		return h.LeaseTimeout
	}
	return pgqueue.DefaultStaleAfter
}

func (h *BroadcastHandler) acquireEvery() time.Duration {
	if h.AcquireEvery > 0 {
		return h.AcquireEvery
	}
	return defaultAcquireEvery
}

func (h *BroadcastHandler) heartbeatEvery() time.Duration {
	if h.HeartbeatEvery > 0 {
		return h.HeartbeatEvery
	}
	return defaultHeartbeatEvery
}

type campaignRun struct {
	id       string
	jobID    string
	runner   string
	sent     int
	failed   int
	progress int
	lastErr  string
}

func (h *BroadcastHandler) Process(ctx context.Context, job *pgqueue.Job) (domain.Outcome, error) {
	var p BroadcastJob
	if err := job.Decode(&p); err != nil || p.CampaignID == "" {
		slog.Error("broadcast job payload unreadable", "job_id", job.ID, "err", err)
		return domain.OutcomeFailed, nil
	}

	c, found, err := h.Store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return "", err
	}
	if !found || !c.Status.Resumable() {
		slog.Info("campaign not runnable", "campaign_id", p.CampaignID, "job_id", job.ID, "status", c.Status)
		return domain.OutcomeSkipped, nil
	}
	if !ownedBy(c, job.ID) {
		slog.Info("campaign moved to another job", "campaign_id", c.ID, "job_id", job.ID, "owner", c.JobID)
		return domain.OutcomeSkipped, nil
	}

	sender, err := h.Sessions.Connected(c.Instance)
	if err != nil {
		return "", err
	}

	run := &campaignRun{id: c.ID, jobID: job.ID, runner: util.NewID("run")}
	c, ok, err := h.acquire(ctx, run)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.OutcomeSkipped, nil
	}
	run.sent, run.failed, run.progress = c.SentCount, c.FailedCount, c.Progress

	total := len(c.Recipients)
	delay := time.Duration(c.DelayMs) * time.Millisecond
	start := c.Cursor()
	if start > 0 {
		slog.Info("campaign resuming", "campaign_id", c.ID, "cursor", start, "total", total)
	}

	for i := start; i < total; i++ {
		cur, found, err := h.Store.GetCampaign(ctx, c.ID)
		if err != nil {
			h.release(ctx, run)
			return "", err
		}
		if !found || cur.Status != domain.CampaignRunning || !ownedBy(cur, job.ID) || cur.Runner != run.runner {
			h.release(ctx, run)
			slog.Info("campaign stopped", "campaign_id", c.ID, "status", cur.Status, "cursor", i)
			return domain.OutcomeSkipped, nil
		}
		h.heartbeat(ctx, run)

		rc := c.Recipients[i]
		text := util.RenderTemplate(c.Message, recipientVars(rc))
		if _, err := sendMessage(ctx, sender, rc.Phone, text, c.Media); err != nil {
			run.failed++
			run.lastErr = err.Error()
			slog.Warn("broadcast send failed", "campaign_id", c.ID, "recipient", rc.Phone, "err", err)
		} else {
			run.sent++
		}
		run.progress = int(math.Round(float64(i+1) / float64(total) * 100))

		if (i+1-start)%flushEvery == 0 {
			h.flush(ctx, run, false)
		}
		if ctx.Err() != nil {
			h.release(ctx, run)
			return "", ctx.Err()
		}
		if i < total-1 && delay > 0 {
			if err := h.wait(ctx, run, delay); err != nil {
				h.release(ctx, run)
				return "", err
			}
		}
	}

	h.release(ctx, run)
	if _, err := h.Store.SetCampaignStatus(ctx, c.ID, domain.CampaignCompleted,
		[]domain.CampaignStatus{domain.CampaignRunning}, h.now()); err != nil {
		return "", err
	}
	slog.Info("campaign completed", "campaign_id", c.ID, "sent", run.sent, "failed", run.failed, "last_error", run.lastErr)
	return domain.OutcomeDone, nil
}

// ownedBy reports whether jobID is the job the campaign row points at. Rows
// without a job id predate job tracking and accept any job.
func ownedBy(c store.Campaign, jobID string) bool {
	return c.JobID == "" || c.JobID == jobID
}

// acquire blocks until the run holds the campaign, or until the campaign is
// no longer this job's to run.
func (h *BroadcastHandler) acquire(ctx context.Context, run *campaignRun) (store.Campaign, bool, error) {
	waiting := false
	for {
		now := h.now()
		c, ok, err := h.Store.AcquireCampaign(ctx, run.id, run.jobID, run.runner, now, now.Add(-h.leaseTimeout()))
		if err != nil || ok {
			return c, ok, err
		}
		cur, found, err := h.Store.GetCampaign(ctx, run.id)
		if err != nil {
			return store.Campaign{}, false, err
		}
		if !found || !cur.Status.Resumable() || !ownedBy(cur, run.jobID) {
			slog.Info("campaign not runnable", "campaign_id", run.id, "job_id", run.jobID, "status", cur.Status)
			return store.Campaign{}, false, nil
		}
		if !waiting {
			slog.Info("campaign held by previous run, waiting", "campaign_id", run.id, "job_id", run.jobID)
			waiting = true
		}
		if h.Progress != nil {
			if err := h.Progress.Progress(ctx, run.jobID, cur.Progress); err != nil {
				slog.Warn("job progress not saved", "job_id", run.jobID, "err", err)
			}
		}
		if err := sleep(ctx, h.acquireEvery()); err != nil {
			return store.Campaign{}, false, err
		}
	}
}

// wait sleeps for d, renewing both leases along the way.
func (h *BroadcastHandler) wait(ctx context.Context, run *campaignRun, d time.Duration) error {
	for d > 0 {
		step := min(d, h.heartbeatEvery())
		if err := sleep(ctx, step); err != nil {
			return err
		}
		d -= step
		if d > 0 {
			h.heartbeat(ctx, run)
		}
	}
	return nil
}

func (h *BroadcastHandler) heartbeat(ctx context.Context, run *campaignRun) {
	if _, err := h.Store.TouchCampaign(ctx, run.id, run.runner, h.now()); err != nil {
		slog.Warn("campaign lease not renewed", "campaign_id", run.id, "err", err)
	}
	if h.Progress != nil {
		if err := h.Progress.Progress(ctx, run.jobID, run.progress); err != nil {
			slog.Warn("job progress not saved", "job_id", run.jobID, "err", err)
		}
	}
}

func (h *BroadcastHandler) release(ctx context.Context, run *campaignRun) {
	h.flush(ctx, run, true)
}

// flush persists the counters even when ctx is already canceled.
func (h *BroadcastHandler) flush(ctx context.Context, run *campaignRun, release bool) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := h.Store.SaveCampaignCounters(fctx, store.CampaignCounters{
		ID:          run.id,
		Runner:      run.runner,
		SentCount:   run.sent,
		FailedCount: run.failed,
		Progress:    run.progress,
		Release:     release,
		Now:         h.now(),
	})
	switch {
	case err != nil:
		slog.Error("campaign counters not saved", "campaign_id", run.id, "err", err)
	case !ok:
		slog.Warn("campaign taken over, counters dropped", "campaign_id", run.id, "job_id", run.jobID)
	}
	if h.Progress != nil {
		if err := h.Progress.Progress(fctx, run.jobID, run.progress); err != nil {
			slog.Warn("job progress not saved", "job_id", run.jobID, "err", err)
		}
	}
}

func (h *BroadcastHandler) Exhausted(ctx context.Context, job *pgqueue.Job, cause error) {
	var p BroadcastJob
	if err := job.Decode(&p); err != nil {
		return
	}
	if err := h.Store.FailCampaign(ctx, p.CampaignID, cause.Error(), h.now()); err != nil {
		slog.Error("campaign not marked failed", "campaign_id", p.CampaignID, "err", err)
		return
	}
	slog.Warn("campaign failed", "campaign_id", p.CampaignID, "err", cause)
}

func recipientVars(rc domain.Recipient) map[string]string {
	vars := make(map[string]string, len(rc.Vars)+2)
	for k, v := range rc.Vars {
		vars[k] = v
	}
	if _, ok := vars["name"]; !ok {
		vars["name"] = rc.Name
	}
	if _, ok := vars["phone"]; !ok {
		vars["phone"] = rc.Phone
	}
	return vars
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
