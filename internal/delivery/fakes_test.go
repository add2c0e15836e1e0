package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wagate/internal/domain"
	"wagate/internal/providers"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/store"
)

type sendFn func(to, text string) (string, error)

type stubProvider struct {
	mu     sync.Mutex
	onSend sendFn
	sent   []string
}

func (p *stubProvider) Initialize(ctx context.Context) error { return nil }

func (p *stubProvider) SendText(ctx context.Context, to, text string) (string, error) {
	p.mu.Lock()
	fn := p.onSend
	p.mu.Unlock()
	if fn != nil {
		if id, err := fn(to, text); err != nil || id != "" {
			if err == nil {
				p.record(to)
			}
			return id, err
		}
	}
	n := p.record(to)
	return fmt.Sprintf("wamid.%d", n), nil
}

func (p *stubProvider) record(to string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, to)
	return len(p.sent)
}

func (p *stubProvider) SendMedia(ctx context.Context, to string, media domain.Media) (string, error) {
	return p.SendText(ctx, to, media.Caption)
}

func (p *stubProvider) SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	return p.SendText(ctx, to, tpl.Name)
}

func (p *stubProvider) Logout(ctx context.Context) error { return nil }
func (p *stubProvider) Close()                           {}
func (p *stubProvider) Status() providers.Status         { return providers.Status{Connected: true} }

func (p *stubProvider) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

// sessions maps instance names to providers; a missing name is disconnected.
type sessions map[string]providers.Provider

func (s sessions) Connected(name string) (providers.Provider, error) {
	if p, ok := s[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, name)
}

type memScheduled struct {
	mu   sync.Mutex
	rows map[string]store.ScheduledMessage
}

func (m *memScheduled) GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok, nil
}

func (m *memScheduled) MarkScheduledSent(ctx context.Context, id, providerMsgID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status, r.ProviderMsgID, r.SentAt = domain.ScheduledSent, providerMsgID, &now
	m.rows[id] = r
	return nil
}

func (m *memScheduled) RecordScheduledFailure(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.RetryCount++
	r.LastError = lastError
	m.rows[id] = r
	return nil
}

func (m *memScheduled) MarkScheduledFailed(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.Status == domain.ScheduledPending {
		r.Status, r.LastError = domain.ScheduledFailed, lastError
		m.rows[id] = r
	}
	return nil
}

type memCampaigns struct {
	mu       sync.Mutex
	rows     map[string]store.Campaign
	flushes  int
	touches  int
	progress map[string]int
	reports  map[string]int
}

func newMemCampaigns(cs ...store.Campaign) *memCampaigns {
	m := &memCampaigns{rows: map[string]store.Campaign{}, progress: map[string]int{}, reports: map[string]int{}}
	for _, c := range cs {
		m.rows[c.ID] = c
	}
	return m
}

func (m *memCampaigns) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	return c, ok, nil
}

func (m *memCampaigns) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, from []domain.CampaignStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	allowed := len(from) == 0
	for _, f := range from {
		if c.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	c.Status = status
	m.rows[id] = c
	return true, nil
}

func (m *memCampaigns) AcquireCampaign(ctx context.Context, id, jobID, runner string, now, staleBefore time.Time) (store.Campaign, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || !c.Status.Resumable() || (c.JobID != "" && c.JobID != jobID) {
		return store.Campaign{}, false, nil
	}
	if c.Runner != "" && c.Runner != runner && !c.RunnerAt.Before(staleBefore) {
		return store.Campaign{}, false, nil
	}
	c.Status, c.Runner, c.RunnerAt = domain.CampaignRunning, runner, &now
	m.rows[id] = c
	return c, true, nil
}

func (m *memCampaigns) TouchCampaign(ctx context.Context, id, runner string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	if c.Runner != runner {
		return false, nil
	}
	c.RunnerAt = &now
	m.rows[id] = c
	m.touches++
	return true, nil
}

func (m *memCampaigns) SaveCampaignCounters(ctx context.Context, in store.CampaignCounters) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[in.ID]
	if c.Runner != in.Runner {
		return false, nil
	}
	c.SentCount, c.FailedCount, c.Progress = in.SentCount, in.FailedCount, in.Progress
	if in.Release {
		c.Runner, c.RunnerAt = "", nil
	}
	m.rows[in.ID] = c
	m.flushes++
	return true, nil
}

func (m *memCampaigns) FailCampaign(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	if c.Status.Resumable() {
		c.Status, c.LastError = domain.CampaignFailed, lastError
		m.rows[id] = c
	}
	return nil
}

func (m *memCampaigns) Progress(ctx context.Context, id string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[id] = pct
	m.reports[id]++
	return nil
}

// resume does what the service does on resume: back to pending under a new job.
func (m *memCampaigns) resume(id, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	c.Status, c.JobID = domain.CampaignPending, jobID
	m.rows[id] = c
}

func (m *memCampaigns) setStatus(id string, st domain.CampaignStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	c.Status = st
	m.rows[id] = c
}

func (m *memCampaigns) get(id string) store.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type memAttempts struct {
	mu   sync.Mutex
	rows []store.WebhookAttempt
}

func (m *memAttempts) InsertWebhookAttempt(ctx context.Context, a store.WebhookAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, a)
	return nil
}

func (m *memAttempts) all() []store.WebhookAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.WebhookAttempt(nil), m.rows...)
}

// newJob builds a claimed job as the worker would hand it over.
func newJob(t *testing.T, id string, payload any, attemptsMade int) *pgqueue.Job {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return &pgqueue.Job{ID: id, Payload: b, MaxAttempts: MaxAttempts, AttemptsMade: attemptsMade, State: pgqueue.Active}
}
