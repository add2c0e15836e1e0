package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wagate/internal/breaker"
	"wagate/internal/domain"
	"wagate/internal/observability"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/store"
	"wagate/internal/util"
)

const (
	UserAgent             = "wagate-webhook/1.0"
	DefaultWebhookTimeout = 30 * time.Second
	maxResponseBody       = 500
)

type AttemptStore interface {
	InsertWebhookAttempt(ctx context.Context, a store.WebhookAttempt) error
}

// Result is the outcome of one POST to a tenant callback.
type Result struct {
	Status     string
	StatusCode int
	Duration   time.Duration
	ErrorType  string
	Body       string
	Err        error
}

func (r Result) OK() bool { return r.Status == store.AttemptSuccess }

// Deliverer POSTs canonical events to tenant callbacks.
type Deliverer struct {
	HTTP           *http.Client
	DefaultTimeout time.Duration
}

func NewDeliverer(client *http.Client, timeout time.Duration) *Deliverer {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Deliverer{HTTP: client, DefaultTimeout: timeout}
}

// Post sends body to job.URL. It never returns an error on its own; the
// Result carries the classification.
func (d *Deliverer) Post(ctx context.Context, job WebhookJob, body []byte) Result {
	timeout := d.DefaultTimeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Status: store.AttemptError, ErrorType: store.ErrorTypeNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Instance-Name", job.Instance)
	if job.Token != "" {
		req.Header.Set("X-Instance-Token", job.Token)
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.HTTP.Do(req)
	dur := time.Since(start)
	observability.WebhookLatency.Observe(dur.Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return Result{Status: store.AttemptTimeout, Duration: dur, ErrorType: store.ErrorTypeTimeout,
				Err: fmt.Errorf("%w: no response within %s", domain.ErrTimeout, timeout)}
		}
		return Result{Status: store.AttemptError, Duration: dur, ErrorType: store.ErrorTypeNetwork,
			Err: fmt.Errorf("%w: %v", domain.ErrNetwork, err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxResponseBody))
	res := Result{StatusCode: resp.StatusCode, Duration: dur, Body: util.Truncate(string(raw), maxResponseBody)}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Status = store.AttemptSuccess
		return res
	}
	res.Status = store.AttemptError
	res.ErrorType = store.ErrorTypeHTTP
	res.Err = fmt.Errorf("%w: callback returned %d", domain.ErrRemoteRejected, resp.StatusCode)
	return res
}

// WebhookHandler delivers one event per job, guarded by a per-URL breaker.
// Only exhausted jobs and failed half-open trials count as breaker failures.
type WebhookHandler struct {
	Deliverer *Deliverer
	Breaker   *breaker.Breaker
	Attempts  AttemptStore
	Now       func() time.Time
}

func (h *WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return util.NowUTC()
}

func (h *WebhookHandler) Process(ctx context.Context, job *pgqueue.Job) (domain.Outcome, error) {
	var p WebhookJob
	if err := job.Decode(&p); err != nil || p.URL == "" {
		slog.Error("webhook job payload unreadable", "job_id", job.ID, "err", err)
		return domain.OutcomeFailed, nil
	}
	label := p.Event.Label()

	if !h.Breaker.IsAvailable(p.URL) {
		observability.WebhookDeliveries.WithLabelValues("circuit_open", "").Inc()
		slog.Warn("webhook skipped, circuit open", "instance", p.Instance, "event_type", label, "url", p.URL, "job_id", job.ID)
		return domain.OutcomeSkipped, nil
	}

	body, err := json.Marshal(p.Event)
	if err != nil {
		slog.Error("webhook event not encodable", "job_id", job.ID, "err", err)
		return domain.OutcomeFailed, nil
	}

	res := h.Deliverer.Post(ctx, p, body)
	h.record(ctx, p, label, job.Attempt(), res)

	if res.OK() {
		h.Breaker.RecordSuccess(p.URL)
		return domain.OutcomeDone, nil
	}
	if h.Breaker.State(p.URL) == breaker.HalfOpen {
		h.Breaker.RecordFailure(p.URL)
		if res.Err != nil {
			return "", countedError{res.Err}
		}
	}
	return "", res.Err
}

// countedError marks a delivery failure the circuit has already seen.
type countedError struct{ error }

func (e countedError) Unwrap() error { return e.error }

func (h *WebhookHandler) Exhausted(ctx context.Context, job *pgqueue.Job, cause error) {
	var p WebhookJob
	if err := job.Decode(&p); err != nil {
		return
	}
	var counted countedError
	if !errors.As(cause, &counted) {
		h.Breaker.RecordFailure(p.URL)
	}
	h.record(ctx, p, p.Event.Label(), job.Attempt(), Result{Status: store.AttemptFailed, Err: cause})
}

// record writes the attempt row and its log line. Write errors are logged
// only; they never change the job outcome.
func (h *WebhookHandler) record(ctx context.Context, p WebhookJob, label string, attempt int, res Result) {
	a := store.WebhookAttempt{
		ID:           util.NewID("wha"),
		Instance:     p.Instance,
		EventType:    label,
		URL:          p.URL,
		Status:       res.Status,
		StatusCode:   res.StatusCode,
		Attempt:      attempt,
		DurationMs:   res.Duration.Milliseconds(),
		ErrorType:    res.ErrorType,
		ResponseBody: res.Body,
		CreatedAt:    h.now(),
	}
	if res.Err != nil {
		a.Error = res.Err.Error()
	}
	if err := h.Attempts.InsertWebhookAttempt(ctx, a); err != nil {
		slog.Error("webhook attempt not recorded", "instance", p.Instance, "url", p.URL, "err", err)
	}
	if res.Status != store.AttemptFailed {
		observability.WebhookDeliveries.WithLabelValues(res.Status, strconv.Itoa(res.StatusCode)).Inc()
	}

	log := slog.With("instance", p.Instance, "event_type", label, "url", p.URL, "status", res.Status,
		"status_code", res.StatusCode, "attempt", attempt, "duration", res.Duration)
	if res.Err != nil {
		log.Warn("webhook delivery", "err", res.Err)
		return
	}
	log.Info("webhook delivery")
}
