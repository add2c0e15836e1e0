package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wagate/internal/domain"
	"wagate/internal/observability"
	"wagate/internal/providers"
	"wagate/internal/util"
)

const (
	DefaultBaseURL  = "https://graph.facebook.com"
	DefaultVersion  = "v18.0"
	defaultLanguage = "en_US"
)

type Options struct {
	Name          string
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	Version       string
	HTTP          *http.Client
	RPS           float64
	Burst         int
}

// Client is the official, stateless provider. Credentials live remotely; the
// only local state is whether Initialize validated them.
type Client struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	Version       string
	HTTP          *http.Client
	Limiter       *rate.Limiter
	Breaker       *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	ready    bool
	identity string
}

func New(o Options) *Client {
	c := &Client{
		AccessToken:   o.AccessToken,
		PhoneNumberID: o.PhoneNumberID,
		BaseURL:       o.BaseURL,
		Version:       o.Version,
		HTTP:          o.HTTP,
	}
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if o.RPS > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(o.RPS), burst)
	}
	c.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloudapi:" + o.Name,
		MaxRequests: 1,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		// a rejected payload means the API is up
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrRemoteRejected)
		},
	})
	return c
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type phoneResponse struct {
	DisplayPhoneNumber string    `json:"display_phone_number"`
	VerifiedName       string    `json:"verified_name"`
	Error              *apiError `json:"error"`
}

func (c *Client) Initialize(ctx context.Context) error {
	if strings.TrimSpace(c.AccessToken) == "" || strings.TrimSpace(c.PhoneNumberID) == "" {
		return fmt.Errorf("%w: accessToken and phoneNumberId are required", domain.ErrConfig)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		c.endpoint(c.PhoneNumberID)+"?fields=display_phone_number,verified_name", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out phoneResponse
	_ = json.Unmarshal(b, &out)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrConfig, apiMessage(out.Error, "credentials rejected"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s", domain.ErrRemoteRejected, apiMessage(out.Error, "phone number lookup failed"))
	}

	c.mu.Lock()
	c.ready = true
	c.identity = out.DisplayPhoneNumber
	if c.identity == "" {
		c.identity = c.PhoneNumberID
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	return c.send(ctx, to, "text", map[string]any{
		"body":        text,
		"preview_url": false,
	})
}

func (c *Client) SendMedia(ctx context.Context, to string, media domain.Media) (string, error) {
	if !media.Type.Valid() || media.URL == "" {
		return "", fmt.Errorf("%w: unsupported media", domain.ErrRemoteRejected)
	}
	obj := map[string]any{"link": media.URL}
	if media.Caption != "" && media.Type != domain.MediaAudio {
		obj["caption"] = media.Caption
	}
	if media.Type == domain.MediaDocument && media.FileName != "" {
		obj["filename"] = media.FileName
	}
	return c.send(ctx, to, string(media.Type), obj)
}

func (c *Client) SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	if tpl.Name == "" {
		return "", fmt.Errorf("%w: template name is required", domain.ErrRemoteRejected)
	}
	lang := tpl.Language
	if lang == "" {
		lang = defaultLanguage
	}
	obj := map[string]any{
		"name":     tpl.Name,
		"language": map[string]string{"code": lang},
	}
	if len(tpl.Params) > 0 {
		params := make([]map[string]string, 0, len(tpl.Params))
		for _, p := range tpl.Params {
			params = append(params, map[string]string{"type": "text", "text": p})
		}
		obj["components"] = []map[string]any{{"type": "body", "parameters": params}}
	}
	return c.send(ctx, to, "template", obj)
}

// Logout is a no-op: credentials are held remotely.
func (c *Client) Logout(ctx context.Context) error { return nil }

func (c *Client) Close() {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
}

func (c *Client) Status() providers.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return providers.Status{Connected: c.ready}
}

func (c *Client) send(ctx context.Context, to, kind string, obj map[string]any) (string, error) {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()
	if !ready {
		return "", domain.ErrNotConnected
	}

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                util.DigitsOnly(to),
		"type":              kind,
		kind:                obj,
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt < 3; attempt++ {
		if c.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := c.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.CloudAPISend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = fmt.Errorf("%w: local rate limit", domain.ErrTimeout)
				continue
			}
		}

		id, err := c.executeWithBreaker(ctx, body)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.CloudAPISend.WithLabelValues("cb_open", "0").Inc()
			return "", fmt.Errorf("%w: cloud api circuit open", domain.ErrNetwork)
		}
		if err == nil {
			observability.CloudAPISend.WithLabelValues("ok", "200").Inc()
			observability.CloudAPILatency.Observe(time.Since(start).Seconds())
			return id, nil
		}

		lastErr = err
		var ce callError
		httpStatus := 0
		if errors.As(err, &ce) {
			httpStatus = ce.httpStatus
		}
		observability.CloudAPISend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		if !ShouldRetry(err, httpStatus) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", transportError(ctx.Err())
		case <-time.After(Backoff(attempt)):
		}
	}
	return "", lastErr
}

func (c *Client) executeWithBreaker(ctx context.Context, body []byte) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint(c.PhoneNumberID, "messages"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

		resp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return nil, callError{err: transportError(err)}
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		var out sendResponse
		_ = json.Unmarshal(raw, &out)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, callError{
				err:        fmt.Errorf("%w: %s", domain.ErrRemoteRejected, apiMessage(out.Error, "cloud api send failed")),
				httpStatus: resp.StatusCode,
				raw:        raw,
			}
		}
		if len(out.Messages) == 0 || out.Messages[0].ID == "" {
			return nil, callError{
				err:        fmt.Errorf("%w: response without message id", domain.ErrRemoteRejected),
				httpStatus: resp.StatusCode,
				raw:        raw,
			}
		}
		return out.Messages[0].ID, nil
	}

	var res any
	var err error
	if c.Breaker == nil {
		res, err = call()
	} else {
		res, err = c.Breaker.Execute(call)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Client) endpoint(parts ...string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := c.Version
	if version == "" {
		version = DefaultVersion
	}
	return base + "/" + version + "/" + strings.Join(parts, "/")
}

func apiMessage(e *apiError, fallback string) string {
	if e != nil && e.Message != "" {
		return e.Message
	}
	return fallback
}

// transportError maps a client-side failure onto the error taxonomy.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// ShouldRetry decides whether an in-call retry is worth it.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 0 && err != nil {
		return errors.Is(err, domain.ErrTimeout)
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

type callError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }
