//go:build integration

package pg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/domain"
	"wagate/internal/store"
	"wagate/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestInstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.SetupDB(t))

	in := store.Instance{
		Name: "acme", Variant: domain.VariantOfficial, Status: domain.StatusDisconnected, Token: "tok",
		Official:  domain.OfficialCredentials{AccessToken: "at", PhoneNumberID: "1001"},
		CreatedAt: t0,
	}
	require.NoError(t, s.UpsertInstance(ctx, in))
	require.NoError(t, s.UpdateInstanceStatus(ctx, "acme", domain.StatusConnected, "+1 555 0100", t0.Add(time.Minute)))

	got, ok, err := s.GetInstance(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusConnected, got.Status)
	assert.Equal(t, "+1 555 0100", got.Identity)
	assert.Equal(t, "1001", got.Official.PhoneNumberID)

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteInstance(ctx, "acme"))
	_, ok, err = s.GetInstance(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduledTransitionsOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.SetupDB(t))

	m := store.ScheduledMessage{
		ID: "sch_1", Instance: "acme", Recipient: "5511999999999", Text: "hi",
		Media:       &domain.Media{URL: "https://cdn.example.com/a.png", Type: domain.MediaImage},
		ScheduledAt: t0.Add(time.Hour), Status: domain.ScheduledPending, JobID: "job_1", CreatedAt: t0,
	}
	require.NoError(t, s.InsertScheduled(ctx, m))
	require.NoError(t, s.RecordScheduledFailure(ctx, "sch_1", "boom", t0))
	require.NoError(t, s.MarkScheduledSent(ctx, "sch_1", "wamid.1", t0))

	got, ok, err := s.GetScheduled(ctx, "sch_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ScheduledSent, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.Media)
	assert.Equal(t, domain.MediaImage, got.Media.Type)

	cancelled, err := s.CancelScheduled(ctx, "sch_1", t0)
	require.NoError(t, err)
	assert.False(t, cancelled)
	require.NoError(t, s.MarkScheduledFailed(ctx, "sch_1", "late", t0))
	got, _, _ = s.GetScheduled(ctx, "sch_1")
	assert.Equal(t, domain.ScheduledSent, got.Status)
}

func TestCampaignStatusGuards(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.SetupDB(t))

	c := store.Campaign{
		ID: "bc_1", Instance: "acme", Message: "hi {name}", DelayMs: 1000, Status: domain.CampaignPending, CreatedAt: t0,
		Recipients: []domain.Recipient{{Phone: "1", Name: "Ana"}, {Phone: "2", Vars: map[string]string{"code": "X"}}},
	}
	require.NoError(t, s.InsertCampaign(ctx, c))

	ok, err := s.SetCampaignStatus(ctx, "bc_1", domain.CampaignRunning, []domain.CampaignStatus{domain.CampaignPending}, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetCampaignStatus(ctx, "bc_1", domain.CampaignPaused, []domain.CampaignStatus{domain.CampaignPending}, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.AcquireCampaign(ctx, "bc_1", "job_1", "run_a", t0, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	saved, err := s.SaveCampaignCounters(ctx, store.CampaignCounters{ID: "bc_1", Runner: "run_a", SentCount: 1, Progress: 50, Now: t0})
	require.NoError(t, err)
	assert.True(t, saved)
	require.NoError(t, s.FailCampaign(ctx, "bc_1", "instance gone", t0))

	got, found, err := s.GetCampaign(ctx, "bc_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Equal(t, 1, got.Cursor())
	assert.Equal(t, "X", got.Recipients[1].Vars["code"])
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestCampaignRunnerIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.SetupDB(t))
	stale := 15 * time.Minute

	require.NoError(t, s.InsertCampaign(ctx, store.Campaign{
		ID: "bc_1", Instance: "acme", Message: "hi", DelayMs: 1000, Status: domain.CampaignPending, JobID: "job_1", CreatedAt: t0,
		Recipients: []domain.Recipient{{Phone: "1"}, {Phone: "2"}, {Phone: "3"}},
	}))

	_, ok, err := s.AcquireCampaign(ctx, "bc_1", "job_1", "run_a", t0, t0.Add(-stale))
	require.NoError(t, err)
	require.True(t, ok)

	// paused and resumed under a new job while run_a still holds the row
	ok, err = s.SetCampaignStatus(ctx, "bc_1", domain.CampaignPaused, []domain.CampaignStatus{domain.CampaignRunning}, t0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SetCampaignStatus(ctx, "bc_1", domain.CampaignPending, []domain.CampaignStatus{domain.CampaignPaused}, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SetCampaignJob(ctx, "bc_1", "job_2"))

	_, ok, err = s.AcquireCampaign(ctx, "bc_1", "job_1", "run_c", t0, t0.Add(-stale))
	require.NoError(t, err)
	assert.False(t, ok, "replaced job must not run")
	_, ok, err = s.AcquireCampaign(ctx, "bc_1", "job_2", "run_b", t0, t0.Add(-stale))
	require.NoError(t, err)
	assert.False(t, ok, "previous runner still holds the campaign")

	alive, err := s.TouchCampaign(ctx, "bc_1", "run_a", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, alive)
	saved, err := s.SaveCampaignCounters(ctx, store.CampaignCounters{ID: "bc_1", Runner: "run_a", SentCount: 2, Progress: 67, Release: true, Now: t0})
	require.NoError(t, err)
	require.True(t, saved)

	got, ok, err := s.AcquireCampaign(ctx, "bc_1", "job_2", "run_b", t0, t0.Add(-stale))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Cursor())
	assert.Equal(t, domain.CampaignRunning, got.Status)
	assert.Equal(t, "run_b", got.Runner)

	saved, err = s.SaveCampaignCounters(ctx, store.CampaignCounters{ID: "bc_1", Runner: "run_a", SentCount: 1, Now: t0})
	require.NoError(t, err)
	assert.False(t, saved, "a released runner cannot write counters")

	// a runner that stopped renewing is taken over
	late := t0.Add(stale + time.Minute)
	_, ok, err = s.AcquireCampaign(ctx, "bc_1", "job_2", "run_d", late, late.Add(-stale))
	require.NoError(t, err)
	assert.True(t, ok)
	alive, err = s.TouchCampaign(ctx, "bc_1", "run_b", late)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestWebhookAttemptsFilterStatsAndPrune(t *testing.T) {
	ctx := context.Background()
	s := New(testutil.SetupDB(t))

	require.NoError(t, s.UpsertWebhook(ctx, store.WebhookConfig{
		Instance: "acme", URL: "https://hooks.example.com", Enabled: true, TimeoutMs: 30000, MaxRetries: 3,
		Headers: map[string]string{"X-Tenant": "acme"}, UpdatedAt: t0,
	}))
	w, ok, err := s.GetWebhook(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", w.Headers["X-Tenant"])
	assert.Empty(t, w.EventTypes)

	add := func(id, eventType, status string, dur int64, at time.Time) {
		require.NoError(t, s.InsertWebhookAttempt(ctx, store.WebhookAttempt{
			ID: id, Instance: "acme", EventType: eventType, URL: w.URL, Status: status, Attempt: 1, DurationMs: dur, CreatedAt: at,
		}))
	}
	add("a1", domain.EventMessage, store.AttemptSuccess, 100, t0)
	add("a2", domain.EventMessage, store.AttemptSuccess, 300, t0.Add(time.Second))
	add("a3", domain.EventStatus, store.AttemptTimeout, 30000, t0.Add(2*time.Second))
	add("a4", domain.EventStatus, store.AttemptError, 10, t0.Add(-30*24*time.Hour))

	logs, err := s.ListWebhookAttempts(ctx, "acme", store.AttemptFilter{EventType: domain.EventMessage, Since: t0.Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "a2", logs[0].ID)

	st, err := s.WebhookStats(ctx, "acme", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Success)
	assert.Equal(t, 1, st.Timeout)
	assert.Equal(t, 200.0, st.AvgDurationMs)
	assert.Equal(t, 66.67, st.SuccessRate)
	assert.Equal(t, 1, st.ByEventType[domain.EventStatus].Error)

	n, err := s.PruneWebhookAttempts(ctx, t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := s.DeleteWebhook(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, deleted)
}
