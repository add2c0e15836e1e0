package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagate/internal/domain"
	"wagate/internal/providers/cloudapi"
	sqsqueue "wagate/internal/queue/sqs"
)

type memEnqueuer struct {
	events []sqsqueue.InboundEvent
	err    error
}

func (m *memEnqueuer) Enqueue(ctx context.Context, ev sqsqueue.InboundEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func newIngress(q Enqueuer) http.Handler {
	s := New()
	(&CloudAPIIngress{
		Queue: q, AppSecret: "s3cret", VerifyToken: "verify-me", MaxBodySize: 64,
		Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}).Register(s.Mux)
	return s.Mux
}

func TestIngressVerifyHandshake(t *testing.T) {
	h := newIngress(&memEnqueuer{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/cloudapi/acme?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/cloudapi/acme?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func post(h http.Handler, body, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/cloudapi/acme", strings.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngressForwardsSignedCallbacks(t *testing.T) {
	q := &memEnqueuer{}
	h := newIngress(q)
	body := `{"entry":[]}`

	rec := post(h, body, cloudapi.Sign("s3cret", []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.events, 1)
	assert.Equal(t, "acme", q.events[0].Instance)
	assert.Equal(t, domain.VariantOfficial, q.events[0].Variant)
	assert.JSONEq(t, body, string(q.events[0].Payload))
}

func TestIngressRejects(t *testing.T) {
	q := &memEnqueuer{}
	h := newIngress(q)
	body := `{"entry":[]}`

	assert.Equal(t, http.StatusUnauthorized, post(h, body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(h, body, cloudapi.Sign("other", []byte(body))).Code)

	notJSON := "hello"
	assert.Equal(t, http.StatusBadRequest, post(h, notJSON, cloudapi.Sign("s3cret", []byte(notJSON))).Code)

	big := `{"x":"` + strings.Repeat("a", 100) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(h, big, cloudapi.Sign("s3cret", []byte(big))).Code)
	assert.Empty(t, q.events)
}

func TestIngressEnqueueFailureAsksForRetry(t *testing.T) {
	h := newIngress(&memEnqueuer{err: errors.New("sqs unavailable")})
	body := `{}`
	assert.Equal(t, http.StatusInternalServerError, post(h, body, cloudapi.Sign("s3cret", []byte(body))).Code)
}
