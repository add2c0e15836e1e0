package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/domain"
	"wagate/internal/store"
)

func recipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{Phone: fmt.Sprintf("55110000%04d", i), Name: fmt.Sprintf("r%d", i)}
	}
	return out
}

func TestBroadcastPauseAndResumeNeverResends(t *testing.T) {
	ctx := context.Background()
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi {name}", Recipients: recipients(100), Status: domain.CampaignPending,
	})
	p := &stubProvider{}
	p.onSend = func(to, text string) (string, error) {
		// pause lands while the 37th message is in flight
		if len(p.recipients()) == 36 {
			camps.setStatus("bc_1", domain.CampaignPaused)
		}
		return "", nil
	}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}, Progress: camps}

	out, err := h.Process(ctx, newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)

	c := camps.get("bc_1")
	assert.Equal(t, domain.CampaignPaused, c.Status)
	assert.Equal(t, 37, c.SentCount)
	assert.Equal(t, 37, c.Cursor())
	assert.Equal(t, 37, c.Progress)
	assert.Equal(t, 37, camps.progress["job_1"])

	// resume
	p.onSend = nil
	camps.setStatus("bc_1", domain.CampaignPending)
	out, err = h.Process(ctx, newJob(t, "job_2", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, out)

	c = camps.get("bc_1")
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	assert.Equal(t, 100, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	assert.Equal(t, 100, c.Progress)

	sent := p.recipients()
	require.Len(t, sent, 100)
	seen := map[string]bool{}
	for i, to := range sent {
		assert.Equal(t, recipients(100)[i].Phone, to)
		assert.False(t, seen[to], "resent %s", to)
		seen[to] = true
	}
}

func TestBroadcastCountsFailuresAndContinues(t *testing.T) {
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(25), Status: domain.CampaignPending,
	})
	p := &stubProvider{onSend: func(to, text string) (string, error) {
		if to == recipients(25)[3].Phone || to == recipients(25)[20].Phone {
			return "", errors.New("remote rejected")
		}
		return "", nil
	}}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}}

	out, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, out)

	c := camps.get("bc_1")
	assert.Equal(t, 23, c.SentCount)
	assert.Equal(t, 2, c.FailedCount)
	// flushed at 10 and 20 and once at the end
	assert.Equal(t, 3, camps.flushes)
}

func TestBroadcastRendersRecipientVars(t *testing.T) {
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "Hi {name}, code {code}", Status: domain.CampaignPending,
		Recipients: []domain.Recipient{{Phone: "1", Name: "Ana", Vars: map[string]string{"code": "X1"}}},
	})
	var got string
	p := &stubProvider{onSend: func(to, text string) (string, error) { got = text; return "", nil }}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}}

	_, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana, code X1", got)
}

func TestBroadcastDisconnectedRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "offline", Message: "hi", Recipients: recipients(3), Status: domain.CampaignPending,
	})
	h := &BroadcastHandler{Store: camps, Sessions: sessions{}}

	job := newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 2)
	_, err := h.Process(ctx, job)
	require.ErrorIs(t, err, domain.ErrNotConnected)
	require.True(t, job.FinalAttempt())
	h.Exhausted(ctx, job, err)

	c := camps.get("bc_1")
	assert.Equal(t, domain.CampaignFailed, c.Status)
	assert.Contains(t, c.LastError, "instance not connected")
}

func TestBroadcastCancelledIsSkipped(t *testing.T) {
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(3), Status: domain.CampaignCancelled,
	})
	p := &stubProvider{}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}}

	out, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)
	assert.Empty(t, p.recipients())
}

func TestBroadcastShutdownFlushesCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(5), Status: domain.CampaignPending, DelayMs: 60_000,
	})
	p := &stubProvider{onSend: func(to, text string) (string, error) { cancel(); return "", nil }}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}}

	_, err := h.Process(ctx, newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.ErrorIs(t, err, context.Canceled)

	c := camps.get("bc_1")
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, domain.CampaignRunning, c.Status)
}

func TestBroadcastResumeDuringDelayWaitsForPreviousRun(t *testing.T) {
	ctx := context.Background()
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(20), Status: domain.CampaignPending,
		DelayMs: 20, JobID: "job_1",
	})
	p := &stubProvider{}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}, Progress: camps, AcquireEvery: 5 * time.Millisecond}

	type result struct {
		out domain.Outcome
		err error
	}
	second := make(chan result, 1)
	job2 := newJob(t, "job_2", BroadcastJob{CampaignID: "bc_1"}, 0)
	var once sync.Once
	p.onSend = func(to, text string) (string, error) {
		if len(p.recipients()) != 1 {
			return "", nil
		}
		// pause and resume while the 2nd message is in flight; the new job
		// starts before the first run wakes from its delay
		once.Do(func() {
			camps.setStatus("bc_1", domain.CampaignPaused)
			camps.resume("bc_1", "job_2")
			go func() {
				out, err := h.Process(ctx, job2)
				second <- result{out, err}
			}()
		})
		return "", nil
	}

	out, err := h.Process(ctx, newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)

	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, domain.OutcomeDone, r.out)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed job never finished")
	}

	sent := p.recipients()
	require.Len(t, sent, 20)
	seen := map[string]bool{}
	for _, to := range sent {
		assert.False(t, seen[to], "resent %s", to)
		seen[to] = true
	}
	c := camps.get("bc_1")
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	assert.Equal(t, 20, c.SentCount)
	assert.Equal(t, 20, c.Cursor())
	assert.Empty(t, c.Runner)

	// the replaced job delivered again does nothing
	out, err = h.Process(ctx, newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)
	assert.Len(t, p.recipients(), 20)
}

func TestBroadcastReplacedJobIsSkipped(t *testing.T) {
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(3), Status: domain.CampaignPending, JobID: "job_2",
	})
	p := &stubProvider{}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}}

	out, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, out)
	assert.Empty(t, p.recipients())
	assert.Equal(t, domain.CampaignPending, camps.get("bc_1").Status)
}

func TestBroadcastRenewsLeaseThroughDelays(t *testing.T) {
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(5), Status: domain.CampaignPending, DelayMs: 30,
	})
	p := &stubProvider{}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}, Progress: camps, HeartbeatEvery: 10 * time.Millisecond}

	out, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, out)

	// one renewal per send plus two inside each 30ms delay
	assert.Equal(t, 5+4*2, camps.touches)
	assert.GreaterOrEqual(t, camps.reports["job_1"], 5+4*2)
	assert.Equal(t, 1, camps.flushes)
}

func TestBroadcastTakesOverSilentRunner(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lastSeen := now.Add(-time.Hour)
	camps := newMemCampaigns(store.Campaign{
		ID: "bc_1", Instance: "demo", Message: "hi", Recipients: recipients(4), Status: domain.CampaignRunning,
		SentCount: 2, Runner: "run_gone", RunnerAt: &lastSeen,
	})
	p := &stubProvider{}
	h := &BroadcastHandler{Store: camps, Sessions: sessions{"demo": p}, Now: func() time.Time { return now }}

	out, err := h.Process(context.Background(), newJob(t, "job_1", BroadcastJob{CampaignID: "bc_1"}, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDone, out)
	assert.Equal(t, []string{recipients(4)[2].Phone, recipients(4)[3].Phone}, p.recipients())
	assert.Equal(t, 4, camps.get("bc_1").SentCount)
}
