package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"wagate/internal/config"
	"wagate/internal/providers/cloudapi"
)

// server fakes the Meta Cloud API for load and failure testing, and doubles
// as a tenant webhook sink that records what the gateway delivers.
type server struct {
	cfg      config.MockProviderConfig
	outcomes []string
	weights  []weightedOutcome
	idx      uint64
	rr       uint64
	rng      *rand.Rand
	rngMu    sync.Mutex
	client   *http.Client

	sinkMu   sync.Mutex
	sinkHits int
	received []sinkRecord
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type sinkRecord struct {
	Path       string          `json:"path"`
	Instance   string          `json:"instance"`
	Token      string          `json:"token"`
	StatusSent int             `json:"statusSent"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func newServer(cfg config.MockProviderConfig) *server {
	return &server{
		cfg:      cfg,
		outcomes: parseCSV(cfg.OutcomesRaw),
		weights:  parseWeightedOutcomes(cfg.WeightsRaw),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *server) Register(m *mux.Router) {
	m.HandleFunc("/{version}/{phoneNumberId}/messages", s.handleSend).Methods(http.MethodPost)
	m.HandleFunc("/{version}/{phoneNumberId}", s.handlePhone).Methods(http.MethodGet)
	m.PathPrefix("/sink/").HandlerFunc(s.handleSink).Methods(http.MethodPost)
	m.HandleFunc("/sink", s.handleSinkList).Methods(http.MethodGet)
	m.HandleFunc("/sink", s.handleSinkReset).Methods(http.MethodDelete)
}

func (s *server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.AccessToken
}

func (s *server) handlePhone(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, apiError{Message: "Invalid OAuth access token.", Type: "OAuthException", Code: 190})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":                   mux.Vars(r)["phoneNumberId"],
		"display_phone_number": s.cfg.DisplayNum,
		"verified_name":        "Mock Business",
	})
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, apiError{Message: "Invalid OAuth access token.", Type: "OAuthException", Code: 190})
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.To == "" {
		writeError(w, http.StatusBadRequest, apiError{Message: "(#100) Invalid parameter", Type: "OAuthException", Code: 100})
		return
	}

	if s.cfg.Delay > 0 {
		sleepCtx(r.Context(), s.cfg.Delay)
	}

	res := classifyOutcome(s.nextOutcome())
	if res.timeout {
		sleepCtx(r.Context(), s.cfg.TimeoutDelay)
	}
	if res.httpStatus != http.StatusOK {
		writeError(w, res.httpStatus, res.err)
		return
	}

	id := fmtMessageID(atomic.AddUint64(&s.idx, 1))
	if s.cfg.CallbackURL != "" {
		go s.statusSequence(mux.Vars(r)["phoneNumberId"], id, req.To, res.finalStatus, res.errorCode)
	}
	s.minLatency(r.Context(), start)
	writeJSON(w, http.StatusOK, map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          []map[string]string{{"input": req.To, "wa_id": req.To}},
		"messages":          []map[string]string{{"id": id}},
	})
}

// statusSequence posts "sent" and then the final status, the way Meta reports
// a message's lifecycle.
func (s *server) statusSequence(phoneNumberID, msgID, to, final string, errorCode int) {
	ctx := context.Background()
	for _, st := range []string{"sent", final} {
		time.Sleep(s.cfg.CallbackDelay)
		body, _ := json.Marshal(statusPayload(phoneNumberID, msgID, to, st, errorCode))
		if err := s.postWithRetry(ctx, body); err != nil {
			slog.Warn("mock status callback failed", "message_id", msgID, "status", st, "err", err)
			return
		}
	}
}

func statusPayload(phoneNumberID, msgID, to, status string, errorCode int) map[string]any {
	st := map[string]any{
		"id":           msgID,
		"status":       status,
		"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
		"recipient_id": to,
	}
	if status == "failed" {
		st["errors"] = []map[string]any{{"code": errorCode, "title": "Message undeliverable"}}
	}
	return map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": "mock-waba",
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata":          map[string]string{"phone_number_id": phoneNumberID},
					"statuses":          []map[string]any{st},
				},
			}},
		}},
	}
}

func (s *server) postWithRetry(ctx context.Context, body []byte) error {
	sig := cloudapi.Sign(s.cfg.AppSecret, body)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.CallbackRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryBackoff(attempt))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", sig)
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("callback returned %d", resp.StatusCode)
		if !isRetryableStatus(resp.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

// retryBackoff doubles from 250ms up to 10s with +/-20% jitter.
func (s *server) retryBackoff(attempt int) time.Duration {
	const (
		base = 250 * time.Millisecond
		max  = 10 * time.Second
	)
	wait := base << (attempt - 1)
	if wait > max || wait <= 0 {
		wait = max
	}
	delta := int64(wait) / 5
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.rr, 1) - 1
		return s.outcomes[int(idx)%len(s.outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.weights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.outcomes))
		s.rngMu.Unlock()
		return s.outcomes[i]
	default:
		return s.outcomes[0]
	}
}

// minLatency pads fast responses to a realistic 100-500ms.
func (s *server) minLatency(ctx context.Context, start time.Time) {
	const (
		min = 100 * time.Millisecond
		max = 500 * time.Millisecond
	)
	elapsed := time.Since(start)
	if elapsed >= min {
		return
	}
	s.rngMu.Lock()
	target := min + time.Duration(s.rng.Int63n(int64(max-min)+1))
	s.rngMu.Unlock()
	sleepCtx(ctx, target-elapsed)
}

type outcome struct {
	httpStatus  int
	finalStatus string
	errorCode   int
	timeout     bool
	err         apiError
}

// classifyOutcome maps an outcome token such as "ok", "failed:131026" or
// "rate_limit" to the response and status callbacks the mock produces.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeRaw, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeRaw)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	switch kind {
	case "ok", "success", "delivered":
		return outcome{httpStatus: http.StatusOK, finalStatus: "delivered"}
	case "read":
		return outcome{httpStatus: http.StatusOK, finalStatus: "read"}
	case "failed", "undelivered":
		return outcome{httpStatus: http.StatusOK, finalStatus: "failed", errorCode: withCode(131026)}
	case "rate_limit", "429":
		return outcome{httpStatus: http.StatusTooManyRequests,
			err: apiError{Message: "(#130429) Rate limit hit", Type: "OAuthException", Code: withCode(130429)}}
	case "bad_request", "400":
		return outcome{httpStatus: http.StatusBadRequest,
			err: apiError{Message: "(#131009) Parameter value is not valid", Type: "OAuthException", Code: withCode(131009)}}
	case "server_error", "500":
		return outcome{httpStatus: http.StatusInternalServerError,
			err: apiError{Message: "(#131000) Something went wrong", Type: "OAuthException", Code: withCode(131000)}}
	case "timeout":
		return outcome{httpStatus: http.StatusGatewayTimeout, timeout: true,
			err: apiError{Message: "Request timed out", Type: "OAuthException", Code: withCode(131000)}}
	default:
		return outcome{httpStatus: http.StatusInternalServerError,
			err: apiError{Message: "mock error: " + kind, Type: "OAuthException", Code: withCode(131000)}}
	}
}

// handleSink records a delivered webhook. The first MOCK_SINK_FAIL_FIRST
// requests get a 503; after that MOCK_SINK_STATUS (default 200) is returned.
func (s *server) handleSink(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	status := http.StatusOK
	if s.cfg.SinkStatus != 0 {
		status = s.cfg.SinkStatus
	}

	s.sinkMu.Lock()
	s.sinkHits++
	if s.sinkHits <= s.cfg.SinkFailN {
		status = http.StatusServiceUnavailable
	}
	rec := sinkRecord{
		Path:       r.URL.Path,
		Instance:   r.Header.Get("X-Instance-Name"),
		Token:      r.Header.Get("X-Instance-Token"),
		StatusSent: status,
		ReceivedAt: time.Now().UTC(),
	}
	if json.Valid(body) {
		rec.Body = body
	}
	s.received = append(s.received, rec)
	s.sinkMu.Unlock()

	writeJSON(w, status, map[string]bool{"ok": status < 300})
}

func (s *server) handleSinkList(w http.ResponseWriter, r *http.Request) {
	s.sinkMu.Lock()
	out := append([]sinkRecord{}, s.received...)
	s.sinkMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "requests": out})
}

func (s *server) handleSinkReset(w http.ResponseWriter, r *http.Request) {
	s.sinkMu.Lock()
	s.received, s.sinkHits = nil, 0
	s.sinkMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, map[string]apiError{"error": e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fmtMessageID(i uint64) string {
	return fmt.Sprintf("wamid.MOCK%010d", i)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

// parseWeightedOutcomes reads "failed:0.7,rate_limit:0.3".
func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, raw, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || w <= 0 || strings.TrimSpace(kind) == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kind), Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "failed"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[0].Kind
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
