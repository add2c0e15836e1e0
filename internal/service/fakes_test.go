package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"wagate/internal/domain"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/util"
)

type queuedJob struct {
	queue string
	job   pgqueue.Job
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]queuedJob
	order    []string
	addErr   error
	cleaned  []string
	cleanErr map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]queuedJob{}, cleanErr: map[string]error{}}
}

func (q *fakeQueue) Add(ctx context.Context, queue string, j pgqueue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.addErr != nil {
		return "", q.addErr
	}
	if j.ID == "" {
		j.ID = util.NewJobID()
	}
	j.Queue, j.State = queue, pgqueue.Waiting
	q.jobs[j.ID] = queuedJob{queue: queue, job: j}
	q.order = append(q.order, j.ID)
	return j.ID, nil
}

func (q *fakeQueue) Remove(ctx context.Context, id string, includeActive bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qj, ok := q.jobs[id]
	if !ok || (qj.job.State == pgqueue.Active && !includeActive) {
		return false, nil
	}
	delete(q.jobs, id)
	return true, nil
}

func (q *fakeQueue) RemoveWaiting(ctx context.Context, queue, instance string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, qj := range q.jobs {
		if qj.queue == queue && qj.job.Instance == instance && qj.job.State == pgqueue.Waiting {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) Counts(ctx context.Context, queue string) (pgqueue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c pgqueue.Counts
	for _, qj := range q.jobs {
		if qj.queue != queue {
			continue
		}
		c.Total++
		switch qj.job.State {
		case pgqueue.Waiting:
			c.Waiting++
		case pgqueue.Active:
			c.Active++
		}
	}
	return c, nil
}

func (q *fakeQueue) Clean(ctx context.Context, queue string, completedAge, failedAge time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleaned = append(q.cleaned, queue)
	if err := q.cleanErr[queue]; err != nil {
		return 0, err
	}
	return 1, nil
}

func (q *fakeQueue) get(id string) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qj, ok := q.jobs[id]
	return qj, ok
}

func (q *fakeQueue) setState(id string, st pgqueue.State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qj := q.jobs[id]
	qj.job.State = st
	q.jobs[id] = qj
}

func (q *fakeQueue) in(queue string) []pgqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []pgqueue.Job
	for _, id := range q.order {
		if qj, ok := q.jobs[id]; ok && qj.queue == queue {
			out = append(out, qj.job)
		}
	}
	return out
}

// memStore backs both the messaging and the webhook services.
type memStore struct {
	mu         sync.Mutex
	scheduled  map[string]store.ScheduledMessage
	campaigns  map[string]store.Campaign
	instances  map[string]store.Instance
	webhooks   map[string]store.WebhookConfig
	lastFilter store.AttemptFilter
	statsSince time.Time
	pruned     time.Time
	failErr    error
}

func newMemStore() *memStore {
	return &memStore{
		scheduled: map[string]store.ScheduledMessage{},
		campaigns: map[string]store.Campaign{},
		instances: map[string]store.Instance{},
		webhooks:  map[string]store.WebhookConfig{},
	}
}

func (m *memStore) InsertScheduled(ctx context.Context, s store.ScheduledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[s.ID] = s
	return nil
}

func (m *memStore) GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	return s, ok, nil
}

func (m *memStore) CancelScheduled(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	if !ok || s.Status != domain.ScheduledPending {
		return false, nil
	}
	s.Status = domain.ScheduledCancelled
	m.scheduled[id] = s
	return true, nil
}

func (m *memStore) MarkScheduledFailed(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	s := m.scheduled[id]
	s.Status, s.LastError = domain.ScheduledFailed, lastError
	m.scheduled[id] = s
	return nil
}

func (m *memStore) InsertCampaign(ctx context.Context, c store.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *memStore) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	return c, ok, nil
}

func (m *memStore) SetCampaignJob(ctx context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.JobID = jobID
	m.campaigns[id] = c
	return nil
}

func (m *memStore) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, from []domain.CampaignStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = status
			m.campaigns[id] = c
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) FailCampaign(ctx context.Context, id, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	c := m.campaigns[id]
	c.Status, c.LastError = domain.CampaignFailed, lastError
	m.campaigns[id] = c
	return nil
}

func (m *memStore) GetInstance(ctx context.Context, name string) (store.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[name]
	return in, ok, nil
}

func (m *memStore) UpsertWebhook(ctx context.Context, w store.WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.Instance] = w
	return nil
}

func (m *memStore) GetWebhook(ctx context.Context, instance string) (store.WebhookConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[instance]
	return w, ok, nil
}

func (m *memStore) DeleteWebhook(ctx context.Context, instance string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.webhooks[instance]
	delete(m.webhooks, instance)
	return ok, nil
}

func (m *memStore) ListWebhookAttempts(ctx context.Context, instance string, f store.AttemptFilter) ([]store.WebhookAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	return []store.WebhookAttempt{}, nil
}

func (m *memStore) WebhookStats(ctx context.Context, instance string, since time.Time) (store.WebhookStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsSince = since
	return store.WebhookStats{Total: 4, Success: 3}, nil
}

func (m *memStore) PruneWebhookAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = olderThan
	return 2, nil
}

type knownInstances map[string]bool

func (k knownInstances) Get(name string) (session.Summary, bool) {
	if !k[name] {
		return session.Summary{}, false
	}
	return session.Summary{Connected: true}, true
}

var errQueueDown = errors.New("queue down")

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }
