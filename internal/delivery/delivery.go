package delivery

import (
	"context"
	"time"

	"wagate/internal/domain"
	"wagate/internal/providers"
)

const (
	SchedulerBackoff = 5 * time.Second
	BroadcastBackoff = 3 * time.Second
	WebhookBackoff   = 5 * time.Second
	MaxAttempts      = 3
)

// Sessions resolves an instance to a provider that can send right now.
type Sessions interface {
	Connected(name string) (providers.Provider, error)
}

// ScheduledJob is the payload of a scheduler queue job.
type ScheduledJob struct {
	ScheduledID string `json:"scheduledId"`
}

// BroadcastJob is the payload of a broadcast queue job.
type BroadcastJob struct {
	CampaignID string `json:"campaignId"`
}

// WebhookJob is the payload of a webhook queue job. The destination is
// resolved when the job is created.
type WebhookJob struct {
	Instance  string            `json:"instance"`
	URL       string            `json:"url"`
	Token     string            `json:"token,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Event     domain.Event      `json:"event"`
}

// sendMessage routes to the media or text send of p.
func sendMessage(ctx context.Context, p providers.Provider, to, text string, media *domain.Media) (string, error) {
	if media != nil {
		m := *media
		if m.Caption == "" {
			m.Caption = text
		}
		return p.SendMedia(ctx, to, m)
	}
	return p.SendText(ctx, to, text)
}
