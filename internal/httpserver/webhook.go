package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wagate/internal/domain"
	"wagate/internal/observability"
	"wagate/internal/providers/cloudapi"
	sqsqueue "wagate/internal/queue/sqs"
	"wagate/internal/util"
)

const defaultMaxBody = 1 << 20

type Enqueuer interface {
	Enqueue(ctx context.Context, ev sqsqueue.InboundEvent) error
}

// CloudAPIIngress is the public callback endpoint Meta posts to. It only
// authenticates and forwards; normalization happens in the processor.
type CloudAPIIngress struct {
	Queue       Enqueuer
	AppSecret   string
	VerifyToken string
	MaxBodySize int64
	Now         func() time.Time
}

func (h *CloudAPIIngress) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/cloudapi/{instance}", h.handleVerify).Methods(http.MethodGet)
	m.HandleFunc("/v1/webhooks/cloudapi/{instance}", h.handleCallback).Methods(http.MethodPost)
}

// handleVerify answers the subscription handshake.
func (h *CloudAPIIngress) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.VerifyToken == "" || q.Get("hub.verify_token") != h.VerifyToken {
		http.Error(w, ErrForbidden, http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *CloudAPIIngress) handleCallback(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]
	limit := h.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if !cloudapi.VerifySignature(h.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		observability.InboundEvents.WithLabelValues(string(domain.VariantOfficial), "bad_signature").Inc()
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	now := util.NowUTC()
	if h.Now != nil {
		now = h.Now()
	}
	if err := h.Queue.Enqueue(r.Context(), sqsqueue.InboundEvent{
		Instance:   instance,
		Variant:    domain.VariantOfficial,
		Payload:    body,
		ReceivedAt: now,
	}); err != nil {
		// non-2xx makes Meta retry the callback
		slog.Error("inbound enqueue failed", "instance", instance, "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.InboundEvents.WithLabelValues(string(domain.VariantOfficial), "received").Inc()
	w.WriteHeader(http.StatusOK)
}
