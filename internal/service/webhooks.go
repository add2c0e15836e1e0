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
	"wagate/internal/store"
	"wagate/internal/util"
)

const (
	DefaultWebhookTimeoutMs = 30000
	DefaultLogLimit         = 50
	MaxLogLimit             = 100
	qrPriority              = 1
)

type WebhookStore interface {
	GetInstance(ctx context.Context, name string) (store.Instance, bool, error)
	UpsertWebhook(ctx context.Context, w store.WebhookConfig) error
	GetWebhook(ctx context.Context, instance string) (store.WebhookConfig, bool, error)
	DeleteWebhook(ctx context.Context, instance string) (bool, error)
	ListWebhookAttempts(ctx context.Context, instance string, f store.AttemptFilter) ([]store.WebhookAttempt, error)
	WebhookStats(ctx context.Context, instance string, since time.Time) (store.WebhookStats, error)
}

// Webhooks owns tenant callback configuration and fans events out onto the
// webhook queue.
type Webhooks struct {
	Store     WebhookStore
	Queue     JobQueue
	Deliverer *delivery.Deliverer
	Now       func() time.Time
}

func (s *Webhooks) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Webhooks) instance(ctx context.Context, name string) (store.Instance, error) {
	in, found, err := s.Store.GetInstance(ctx, name)
	if err != nil {
		return store.Instance{}, err
	}
	if !found {
		return store.Instance{}, fmt.Errorf("%w: instance %s", domain.ErrNotFound, name)
	}
	return in, nil
}

func (s *Webhooks) Configure(ctx context.Context, instance string, req domain.WebhookConfigRequest) (store.WebhookConfig, error) {
	if err := req.Validate(); err != nil {
		return store.WebhookConfig{}, err
	}
	if _, err := s.instance(ctx, instance); err != nil {
		return store.WebhookConfig{}, err
	}
	now := s.now()
	w := store.WebhookConfig{
		Instance:   instance,
		URL:        req.URL,
		Enabled:    true,
		Headers:    req.Headers,
		TimeoutMs:  req.TimeoutMs,
		MaxRetries: req.MaxRetries,
		EventTypes: req.EventTypes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
	if w.TimeoutMs == 0 {
		w.TimeoutMs = DefaultWebhookTimeoutMs
	}
	if w.MaxRetries == 0 {
		w.MaxRetries = delivery.MaxAttempts
	}
	if err := s.Store.UpsertWebhook(ctx, w); err != nil {
		return store.WebhookConfig{}, err
	}
	return w, nil
}

func (s *Webhooks) Get(ctx context.Context, instance string) (store.WebhookConfig, error) {
	w, found, err := s.Store.GetWebhook(ctx, instance)
	if err != nil {
		return store.WebhookConfig{}, err
	}
	if !found {
		return store.WebhookConfig{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *Webhooks) Delete(ctx context.Context, instance string) error {
	ok, err := s.Store.DeleteWebhook(ctx, instance)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

// subscription resolves the callback for an instance. A stored config wins;
// otherwise the webhook URL given at instance creation applies with defaults.
func (s *Webhooks) subscription(ctx context.Context, in store.Instance) (store.WebhookConfig, bool, error) {
	w, found, err := s.Store.GetWebhook(ctx, in.Name)
	if err != nil {
		return store.WebhookConfig{}, false, err
	}
	if found {
		return w, true, nil
	}
	if in.WebhookURL == "" {
		return store.WebhookConfig{}, false, nil
	}
	return store.WebhookConfig{
		Instance:   in.Name,
		URL:        in.WebhookURL,
		Enabled:    true,
		TimeoutMs:  DefaultWebhookTimeoutMs,
		MaxRetries: delivery.MaxAttempts,
	}, true, nil
}

// Publish enqueues ev for the instance's callback. Events with no enabled
// matching subscription are dropped.
func (s *Webhooks) Publish(ctx context.Context, ev domain.Event) error {
	label := ev.Label()
	log := slog.With("instance", ev.InstanceName, "event_type", label)

	in, found, err := s.Store.GetInstance(ctx, ev.InstanceName)
	if err != nil {
		return err
	}
	if !found {
		log.Debug("webhook skipped, unknown instance")
		return nil
	}
	w, ok, err := s.subscription(ctx, in)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		log.Debug("webhook skipped, not configured")
		return nil
	case !w.Enabled:
		log.Debug("webhook skipped, disabled")
		return nil
	case !w.Accepts(label):
		log.Debug("webhook skipped, filtered")
		return nil
	}

	payload, err := json.Marshal(delivery.WebhookJob{
		Instance:  in.Name,
		URL:       w.URL,
		Token:     in.Token,
		Headers:   w.Headers,
		TimeoutMs: w.TimeoutMs,
		Event:     ev,
	})
	if err != nil {
		return err
	}
	priority := pgqueue.DefaultPriority
	if label == domain.EventQRCode {
		priority = qrPriority
	}
	maxAttempts := w.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = delivery.MaxAttempts
	}
	id, err := s.Queue.Add(ctx, pgqueue.Webhook, pgqueue.Job{
		Instance:    in.Name,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Backoff:     delivery.WebhookBackoff,
	})
	if err != nil {
		return err
	}
	log.Debug("webhook enqueued", "job_id", id)
	return nil
}

type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Test posts a webhook.test event synchronously, bypassing the queue and
// the breaker.
func (s *Webhooks) Test(ctx context.Context, instance string) (TestResult, error) {
	in, err := s.instance(ctx, instance)
	if err != nil {
		return TestResult{}, err
	}
	w, ok, err := s.subscription(ctx, in)
	if err != nil {
		return TestResult{}, err
	}
	if !ok {
		return TestResult{}, fmt.Errorf("%w: no webhook configured", domain.ErrNotFound)
	}
	ev := domain.Event{
		InstanceName: instance,
		EventType:    domain.EventTest,
		Timestamp:    s.now().Unix(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return TestResult{}, err
	}
	res := s.Deliverer.Post(ctx, delivery.WebhookJob{
		Instance: instance, URL: w.URL, Token: in.Token, Headers: w.Headers, TimeoutMs: w.TimeoutMs, Event: ev,
	}, body)
	out := TestResult{Success: res.OK(), StatusCode: res.StatusCode, DurationMs: res.Duration.Milliseconds()}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out, nil
}

type LogFilter struct {
	EventType string
	Status    string
	Since     time.Time
	Limit     int
}

func (s *Webhooks) Logs(ctx context.Context, instance string, f LogFilter) ([]store.WebhookAttempt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	return s.Store.ListWebhookAttempts(ctx, instance, store.AttemptFilter{
		EventType: f.EventType, Status: f.Status, Since: f.Since, Limit: limit,
	})
}

var statsPeriods = map[string]time.Duration{
	"hour": time.Hour,
	"day":  24 * time.Hour,
	"week": 7 * 24 * time.Hour,
}

func (s *Webhooks) Stats(ctx context.Context, instance, period string) (store.WebhookStats, error) {
	if period == "" {
		period = "day"
	}
	d, ok := statsPeriods[period]
	if !ok {
		return store.WebhookStats{}, fmt.Errorf("%w: period must be hour, day or week", domain.ErrConfig)
	}
	st, err := s.Store.WebhookStats(ctx, instance, s.now().Add(-d))
	if err != nil {
		return store.WebhookStats{}, err
	}
	st.Period = period
	return st, nil
}

// ClearQueue drops the instance's waiting webhook jobs. Jobs in flight finish.
func (s *Webhooks) ClearQueue(ctx context.Context, instance string) (int64, error) {
	return s.Queue.RemoveWaiting(ctx, pgqueue.Webhook, instance)
}
