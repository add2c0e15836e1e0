package store

import (
	"time"

	"wagate/internal/domain"
)

type Instance struct {
	Name         string
	Variant      domain.Variant
	Status       domain.InstanceStatus
	Identity     string
	WebhookURL   string
	Token        string
	Official     domain.OfficialCredentials
	CreatedAt    time.Time
	LastActivity time.Time
}

func (i Instance) Config() domain.InstanceConfig {
	return domain.InstanceConfig{
		Variant:    i.Variant,
		WebhookURL: i.WebhookURL,
		Token:      i.Token,
		Official:   i.Official,
	}
}

type ScheduledMessage struct {
	ID            string                 `json:"id"`
	Instance      string                 `json:"instance"`
	Recipient     string                 `json:"to"`
	Text          string                 `json:"text,omitempty"`
	Media         *domain.Media          `json:"media,omitempty"`
	ScheduledAt   time.Time              `json:"scheduledAt"`
	Status        domain.ScheduledStatus `json:"status"`
	RetryCount    int                    `json:"retryCount"`
	LastError     string                 `json:"lastError,omitempty"`
	ProviderMsgID string                 `json:"providerMessageId,omitempty"`
	JobID         string                 `json:"jobId,omitempty"`
	SentAt        *time.Time             `json:"sentAt,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type Campaign struct {
	ID          string                `json:"id"`
	Instance    string                `json:"instance"`
	Message     string                `json:"message,omitempty"`
	Media       *domain.Media         `json:"media,omitempty"`
	DelayMs     int                   `json:"delayMs"`
	Recipients  []domain.Recipient    `json:"recipients"`
	SentCount   int                   `json:"sentCount"`
	FailedCount int                   `json:"failedCount"`
	Progress    int                   `json:"progress"`
	Status      domain.CampaignStatus `json:"status"`
	LastError   string                `json:"lastError,omitempty"`
	JobID       string                `json:"jobId,omitempty"`
	Runner      string                `json:"-"`
	RunnerAt    *time.Time            `json:"-"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	FinishedAt  *time.Time            `json:"finishedAt,omitempty"`
}

// Cursor is the index of the next recipient to attempt.
func (c Campaign) Cursor() int { return c.SentCount + c.FailedCount }

type CampaignCounters struct {
	ID          string
	Runner      string
	SentCount   int
	FailedCount int
	Progress    int
	Release     bool
	Now         time.Time
}

type WebhookConfig struct {
	Instance   string            `json:"instance"`
	URL        string            `json:"url"`
	Enabled    bool              `json:"enabled"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutMs  int               `json:"timeoutMs"`
	MaxRetries int               `json:"maxRetries"`
	EventTypes []string          `json:"eventTypes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Accepts reports whether label passes the event filter. An empty filter
// accepts everything.
func (w WebhookConfig) Accepts(label string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, t := range w.EventTypes {
		if t == label || t == "*" {
			return true
		}
	}
	return false
}

const (
	AttemptSuccess = "success"
	AttemptError   = "error"
	AttemptTimeout = "timeout"
	AttemptFailed  = "failed"

	ErrorTypeTimeout = "timeout"
	ErrorTypeNetwork = "network_error"
	ErrorTypeHTTP    = "http_error"
)

type WebhookAttempt struct {
	ID           string    `json:"id"`
	Instance     string    `json:"instance"`
	EventType    string    `json:"eventType"`
	URL          string    `json:"url"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"statusCode,omitempty"`
	Attempt      int       `json:"attempt"`
	DurationMs   int64     `json:"durationMs"`
	Error        string    `json:"error,omitempty"`
	ErrorType    string    `json:"errorType,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type AttemptFilter struct {
	EventType string
	Status    string
	Since     time.Time
	Limit     int
}

type EventTypeStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Error   int `json:"error"`
}

type WebhookStats struct {
	Period        string                    `json:"period"`
	Total         int                       `json:"total"`
	Success       int                       `json:"success"`
	Error         int                       `json:"error"`
	Timeout       int                       `json:"timeout"`
	Failed        int                       `json:"failed"`
	ByEventType   map[string]EventTypeStats `json:"byEventType"`
	AvgDurationMs float64                   `json:"avgDurationMs"`
	SuccessRate   float64                   `json:"successRate"`
}
