package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Instance names double as credential file names.
var instanceName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Variant string

const (
	VariantUnofficial Variant = "unofficial"
	VariantOfficial   Variant = "official"
)

func (v Variant) Valid() bool {
	return v == VariantUnofficial || v == VariantOfficial
}

type InstanceStatus string

const (
	StatusDisconnected   InstanceStatus = "disconnected"
	StatusQRPending      InstanceStatus = "qr_pending"
	StatusPairingPending InstanceStatus = "pairing_pending"
	StatusConnected      InstanceStatus = "connected"
)

type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "pending"
	ScheduledSent      ScheduledStatus = "sent"
	ScheduledFailed    ScheduledStatus = "failed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Resumable reports whether a queued campaign job may (re)start work.
func (s CampaignStatus) Resumable() bool {
	return s == CampaignPending || s == CampaignRunning
}

// Outcome is the result of one queue job run that did not error.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

func (t MediaType) Valid() bool {
	switch t {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return true
	}
	return false
}

type Media struct {
	URL      string    `json:"url"`
	Type     MediaType `json:"type"`
	Caption  string    `json:"caption,omitempty"`
	FileName string    `json:"fileName,omitempty"`
}

// Template is a pre-approved message. Official instances send it by name;
// unofficial ones render Body with the positional Params.
type Template struct {
	Name     string   `json:"name"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
	Body     string   `json:"body,omitempty"`
}

// OfficialCredentials are the static Cloud API credentials of an official instance.
type OfficialCredentials struct {
	AccessToken   string `json:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
}

type InstanceConfig struct {
	Variant    Variant             `json:"variant"`
	WebhookURL string              `json:"webhookUrl,omitempty"`
	Token      string              `json:"token,omitempty"`
	Official   OfficialCredentials `json:"official"`
}

type CreateInstanceRequest struct {
	Name       string              `json:"name"`
	Provider   Variant             `json:"provider"`
	WebhookURL string              `json:"webhookUrl,omitempty"`
	Official   OfficialCredentials `json:"cloudApi"`
}

func (r CreateInstanceRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrMissingFields
	}
	if !instanceName.MatchString(r.Name) {
		return ErrConfig
	}
	if r.Provider != "" && !r.Provider.Valid() {
		return ErrConfig
	}
	return nil
}

func (r CreateInstanceRequest) Config() InstanceConfig {
	v := r.Provider
	if v == "" {
		v = VariantUnofficial
	}
	return InstanceConfig{Variant: v, WebhookURL: r.WebhookURL, Official: r.Official}
}

type SendRequest struct {
	To       string    `json:"to"`
	Text     string    `json:"text,omitempty"`
	Media    *Media    `json:"media,omitempty"`
	Template *Template `json:"template,omitempty"`
}

func (r SendRequest) Validate() error {
	if r.To == "" {
		return ErrMissingFields
	}
	if r.Text == "" && r.Media == nil && r.Template == nil {
		return ErrMissingFields
	}
	if r.Media != nil && (r.Media.URL == "" || !r.Media.Type.Valid()) {
		return ErrMissingFields
	}
	return nil
}

type ScheduleRequest struct {
	Instance    string    `json:"instance"`
	To          string    `json:"to"`
	Text        string    `json:"text,omitempty"`
	Media       *Media    `json:"media,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (r ScheduleRequest) Validate() error {
	if r.Instance == "" || r.To == "" || r.ScheduledAt.IsZero() {
		return ErrMissingFields
	}
	if r.Text == "" && r.Media == nil {
		return ErrMissingFields
	}
	if r.Media != nil && (r.Media.URL == "" || !r.Media.Type.Valid()) {
		return ErrMissingFields
	}
	return nil
}

type Recipient struct {
	Phone string            `json:"phone"`
	Name  string            `json:"name,omitempty"`
	Vars  map[string]string `json:"vars,omitempty"`
}

// MaxDelayMs bounds the pause between two broadcast sends.
const MaxDelayMs = 5 * 60 * 1000

type BroadcastRequest struct {
	Instance   string      `json:"instance"`
	Message    string      `json:"message"`
	Media      *Media      `json:"media,omitempty"`
	DelayMs    *int        `json:"delayMs,omitempty"`
	Recipients []Recipient `json:"recipients"`
}

func (r BroadcastRequest) Validate() error {
	if r.Instance == "" || len(r.Recipients) == 0 {
		return ErrMissingFields
	}
	if r.Message == "" && r.Media == nil {
		return ErrMissingFields
	}
	for _, rc := range r.Recipients {
		if rc.Phone == "" {
			return ErrMissingFields
		}
	}
	if r.DelayMs != nil && (*r.DelayMs < 0 || *r.DelayMs > MaxDelayMs) {
		return fmt.Errorf("%w: delayMs must be between 0 and %d", ErrMissingFields, MaxDelayMs)
	}
	return nil
}

type WebhookConfigRequest struct {
	URL        string            `json:"url"`
	Enabled    *bool             `json:"enabled,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutMs  int               `json:"timeoutMs,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty"`
	EventTypes []string          `json:"eventTypes,omitempty"`
}

func (r WebhookConfigRequest) Validate() error {
	if r.URL == "" {
		return ErrMissingFields
	}
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return ErrConfig
	}
	if r.TimeoutMs < 0 || r.MaxRetries < 0 {
		return ErrConfig
	}
	return nil
}

type CreateResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"jobId,omitempty"`
	Status string `json:"status"`
}
