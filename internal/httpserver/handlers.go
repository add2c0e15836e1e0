package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"wagate/internal/domain"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/service"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/util"
)

type Sessions interface {
	Create(ctx context.Context, name string, cfg domain.InstanceConfig) (session.Summary, error)
	Get(name string) (session.Summary, bool)
	List() map[string]session.Summary
	Delete(ctx context.Context, name string) error
	Logout(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	QR(name string) (session.QRInfo, error)
	RequestPairingCode(ctx context.Context, name, phone string) (string, error)
	SendText(ctx context.Context, name, to, text string) (string, error)
	SendMedia(ctx context.Context, name, to string, media domain.Media) (string, error)
	SendTemplate(ctx context.Context, name, to string, tpl domain.Template) (string, error)
}

type Messaging interface {
	ScheduleMessage(ctx context.Context, req domain.ScheduleRequest) (domain.CreateResponse, error)
	GetScheduled(ctx context.Context, id string) (store.ScheduledMessage, error)
	CancelScheduled(ctx context.Context, id string) error
	CreateBroadcast(ctx context.Context, req domain.BroadcastRequest) (domain.CreateResponse, error)
	GetBroadcast(ctx context.Context, id string) (store.Campaign, error)
	PauseBroadcast(ctx context.Context, id string) error
	ResumeBroadcast(ctx context.Context, id string) (domain.CreateResponse, error)
	CancelBroadcast(ctx context.Context, id string) error
	QueueCounts(ctx context.Context, queue string) (pgqueue.Counts, error)
	AllQueueCounts(ctx context.Context) (map[string]pgqueue.Counts, error)
}

type Webhooks interface {
	Configure(ctx context.Context, instance string, req domain.WebhookConfigRequest) (store.WebhookConfig, error)
	Get(ctx context.Context, instance string) (store.WebhookConfig, error)
	Delete(ctx context.Context, instance string) error
	Test(ctx context.Context, instance string) (service.TestResult, error)
	Logs(ctx context.Context, instance string, f service.LogFilter) ([]store.WebhookAttempt, error)
	Stats(ctx context.Context, instance, period string) (store.WebhookStats, error)
	ClearQueue(ctx context.Context, instance string) (int64, error)
}

type API struct {
	Sessions  Sessions
	Messaging Messaging
	Webhooks  Webhooks
}

func (a *API) Register(m *mux.Router) {
	v1 := m.PathPrefix("/v1").Subrouter()
	// a known path with the wrong verb is 405, not 404
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	v1.HandleFunc("/instances", a.handleCreateInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances", a.handleListInstances).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{name}", a.handleGetInstance).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{name}", a.handleDeleteInstance).Methods(http.MethodDelete)
	in := v1.PathPrefix("/instances/{name}").Subrouter()
	in.HandleFunc("/status", a.handleGetInstance).Methods(http.MethodGet)
	in.HandleFunc("/logout", a.handleLogout).Methods(http.MethodPost)
	in.HandleFunc("/restart", a.handleRestart).Methods(http.MethodPost)
	in.HandleFunc("/qr", a.handleQR).Methods(http.MethodGet)
	in.HandleFunc("/pairing-code", a.handlePairingCode).Methods(http.MethodPost)
	in.HandleFunc("/messages", a.handleSend).Methods(http.MethodPost)

	in.HandleFunc("/webhook", a.handlePutWebhook).Methods(http.MethodPut)
	in.HandleFunc("/webhook", a.handleGetWebhook).Methods(http.MethodGet)
	in.HandleFunc("/webhook", a.handleDeleteWebhook).Methods(http.MethodDelete)
	in.HandleFunc("/webhook/test", a.handleTestWebhook).Methods(http.MethodPost)
	in.HandleFunc("/webhook/logs", a.handleWebhookLogs).Methods(http.MethodGet)
	in.HandleFunc("/webhook/stats", a.handleWebhookStats).Methods(http.MethodGet)
	in.HandleFunc("/webhook/queue", a.handleClearWebhookQueue).Methods(http.MethodDelete)

	v1.HandleFunc("/scheduled-messages", a.handleSchedule).Methods(http.MethodPost)
	v1.HandleFunc("/scheduled-messages/{id}", a.handleGetScheduled).Methods(http.MethodGet)
	v1.HandleFunc("/scheduled-messages/{id}", a.handleCancelScheduled).Methods(http.MethodDelete)

	v1.HandleFunc("/broadcasts", a.handleCreateBroadcast).Methods(http.MethodPost)
	v1.HandleFunc("/broadcasts/{id}", a.handleGetBroadcast).Methods(http.MethodGet)
	v1.HandleFunc("/broadcasts/{id}/{action:pause|resume|cancel}", a.handleBroadcastAction).Methods(http.MethodPost)

	v1.HandleFunc("/queues", a.handleAllQueues).Methods(http.MethodGet)
	v1.HandleFunc("/queues/{queue}", a.handleQueue).Methods(http.MethodGet)
}

// instances

type createInstanceResponse struct {
	Name     string          `json:"name"`
	Token    string          `json:"token"`
	Instance session.Summary `json:"instance"`
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateInstanceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	cfg := req.Config()
	cfg.Token = uuid.NewString()
	sum, err := a.Sessions.Create(r.Context(), req.Name, cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createInstanceResponse{Name: req.Name, Token: cfg.Token, Instance: sum})
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions.List())
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	sum, ok := a.Sessions.Get(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Logout(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Restart(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, err := a.Sessions.QR(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}

func (a *API) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Phone == "" {
		writeError(w, r, domain.ErrMissingFields)
		return
	}
	code, err := a.Sessions.RequestPairingCode(r.Context(), mux.Vars(r)["name"], util.DigitsOnly(req.Phone))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pairingCode": code})
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["name"]
	to := util.NormalizePhone(req.To)

	var id string
	var err error
	switch {
	case req.Template != nil:
		id, err = a.Sessions.SendTemplate(r.Context(), name, to, *req.Template)
	case req.Media != nil:
		media := *req.Media
		if media.Caption == "" {
			media.Caption = req.Text
		}
		id, err = a.Sessions.SendMedia(r.Context(), name, to, media)
	default:
		id, err = a.Sessions.SendText(r.Context(), name, to, req.Text)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

// webhooks

func (a *API) handlePutWebhook(w http.ResponseWriter, r *http.Request) {
	var req domain.WebhookConfigRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := a.Webhooks.Configure(r.Context(), mux.Vars(r)["name"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Webhooks.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := a.Webhooks.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := a.Webhooks.Test(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := service.LogFilter{EventType: q.Get("eventType"), Status: q.Get("status")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, ErrBadQuery, http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, ErrBadQuery, http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	logs, err := a.Webhooks.Logs(r.Context(), mux.Vars(r)["name"], f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Webhooks.Stats(r.Context(), mux.Vars(r)["name"], r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleClearWebhookQueue(w http.ResponseWriter, r *http.Request) {
	n, err := a.Webhooks.ClearQueue(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// scheduled messages

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req domain.ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.Messaging.ScheduleMessage(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleGetScheduled(w http.ResponseWriter, r *http.Request) {
	msg, err := a.Messaging.GetScheduled(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	if err := a.Messaging.CancelScheduled(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// broadcasts

func (a *API) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req domain.BroadcastRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.Messaging.CreateBroadcast(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	c, err := a.Messaging.GetBroadcast(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleBroadcastAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	switch vars["action"] {
	case "pause":
		if err := a.Messaging.PauseBroadcast(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
	case "cancel":
		if err := a.Messaging.CancelBroadcast(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
	case "resume":
		resp, err := a.Messaging.ResumeBroadcast(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queues

func (a *API) handleAllQueues(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Messaging.AllQueueCounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	c, err := a.Messaging.QueueCounts(r.Context(), mux.Vars(r)["queue"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
