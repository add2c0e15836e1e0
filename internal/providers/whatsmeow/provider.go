package whatsmeow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wagate/internal/adapter"
	"wagate/internal/domain"
	"wagate/internal/logging"
	"wagate/internal/observability"
	"wagate/internal/providers"
	"wagate/internal/util"
)

const maxMediaBytes = 64 << 20

type Options struct {
	Name     string
	Store    *CredentialStore
	Listener providers.Listener
	HTTP     *http.Client
	Logger   *slog.Logger
}

// Provider is the unofficial, socket-based variant. It owns one whatsmeow
// client and the credential file of its instance. Reconnects are left to the
// session manager.
type Provider struct {
	name     string
	creds    *CredentialStore
	listener providers.Listener
	http     *http.Client
	log      *slog.Logger

	mu          sync.RWMutex
	client      *wa.Client
	db          *sql.DB
	cancel      context.CancelFunc
	authPending bool
	closed      bool
}

func New(o Options) *Provider {
	p := &Provider{
		name:     o.Name,
		creds:    o.Store,
		listener: o.Listener,
		http:     o.HTTP,
		log:      o.Logger,
	}
	if p.http == nil {
		p.http = &http.Client{Timeout: 60 * time.Second}
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("instance", o.Name, "variant", domain.VariantUnofficial)
	return p
}

// Initialize opens the credential store and connects. A device without
// credentials starts a QR flow; QR codes arrive as events.
func (p *Provider) Initialize(ctx context.Context) error {
	container, db, err := p.creds.Open(ctx, p.name, logging.WhatsmeowLogger(p.log, "store"))
	if err != nil {
		return err
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %v", domain.ErrCorruptCredentials, err)
	}

	client := wa.NewClient(device, logging.WhatsmeowLogger(p.log, "client"))
	client.EnableAutoReconnect = false
	client.AddEventHandler(p.handleEvent)

	// lives until Close; the QR channel is bound to it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		_ = db.Close()
		return domain.ErrNotConnected
	}
	p.client, p.db, p.cancel = client, db, cancel
	p.mu.Unlock()

	if client.Store.ID == nil {
		qrCh, err := client.GetQRChannel(runCtx)
		if err != nil {
			p.Close()
			return fmt.Errorf("%w: qr channel: %v", domain.ErrNetwork, err)
		}
		if err := client.Connect(); err != nil {
			p.Close()
			return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
		}
		p.setAuthPending(true)
		go p.watchQR(qrCh)
		return nil
	}

	if err := client.Connect(); err != nil {
		p.Close()
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	return nil
}

func (p *Provider) watchQR(ch <-chan wa.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case wa.QRChannelEventCode:
			b64, err := QRDataURL(item.Code)
			if err != nil {
				p.log.Warn("qr render failed", "err", err)
			}
			p.emit(providers.Event{Kind: providers.EventQR, QRCode: item.Code, QRCodeBase64: b64})
		case wa.QRChannelSuccess.Event:
			return
		case wa.QRChannelTimeout.Event:
			p.log.Info("qr codes expired")
			p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: errors.New("qr timeout")})
			return
		case wa.QRChannelEventError:
			p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: item.Error})
			return
		default:
			p.log.Warn("qr flow ended", "event", item.Event)
			p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: errors.New(item.Event)})
			return
		}
	}
}

func (p *Provider) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		p.setAuthPending(false)
		p.log.Info("paired", "jid", evt.ID.String())
	case *events.Connected:
		p.setAuthPending(false)
		p.emit(providers.Event{Kind: providers.EventConnected, Identity: p.identity()})
	case *events.Disconnected:
		p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable})
	case *events.StreamReplaced:
		p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: errors.New("stream replaced")})
	case *events.ConnectFailure:
		p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: fmt.Errorf("connect failure: %s", evt.Reason.String())})
	case *events.LoggedOut:
		p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseLoggedOut, Err: fmt.Errorf("logged out: %s", evt.Reason.String())})
	case *events.Message:
		p.inbound(MessageEnvelope(evt))
	case *events.Receipt:
		p.inbound(ReceiptEnvelope(evt))
	}
}

func (p *Provider) inbound(env *adapter.UnofficialEnvelope) {
	if env == nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		observability.InboundEvents.WithLabelValues(string(domain.VariantUnofficial), "encode_error").Inc()
		return
	}
	p.emit(providers.Event{Kind: providers.EventInbound, Payload: b})
}

func (p *Provider) emit(ev providers.Event) {
	if p.listener != nil {
		p.listener.OnEvent(ev)
	}
}

func (p *Provider) identity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil || p.client.Store == nil || p.client.Store.ID == nil {
		return ""
	}
	return p.client.Store.ID.User
}

func (p *Provider) setAuthPending(v bool) {
	p.mu.Lock()
	p.authPending = v
	p.mu.Unlock()
}

func (p *Provider) live() (*wa.Client, error) {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c == nil || !c.IsConnected() || !c.IsLoggedIn() {
		return nil, domain.ErrNotConnected
	}
	return c, nil
}

func (p *Provider) SendText(ctx context.Context, to, text string) (string, error) {
	c, err := p.live()
	if err != nil {
		return "", err
	}
	jid, err := RecipientJID(to)
	if err != nil {
		return "", err
	}
	resp, err := c.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", sendError(err)
	}
	return resp.ID, nil
}

func (p *Provider) SendMedia(ctx context.Context, to string, media domain.Media) (string, error) {
	c, err := p.live()
	if err != nil {
		return "", err
	}
	jid, err := RecipientJID(to)
	if err != nil {
		return "", err
	}
	data, mimetype, err := p.fetch(ctx, media.URL)
	if err != nil {
		return "", err
	}
	up, err := c.Upload(ctx, data, uploadType(media.Type))
	if err != nil {
		return "", sendError(err)
	}
	resp, err := c.SendMessage(ctx, jid, MediaMessage(media, up, mimetype))
	if err != nil {
		return "", sendError(err)
	}
	return resp.ID, nil
}

// SendTemplate renders the positional parameters into the body and sends it
// as text; the socket protocol has no template concept.
func (p *Provider) SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	if tpl.Body == "" {
		return "", fmt.Errorf("%w: template body is required", domain.ErrRemoteRejected)
	}
	return p.SendText(ctx, to, util.RenderPositional(tpl.Body, tpl.Params))
}

func (p *Provider) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c == nil || !c.IsConnected() {
		return "", domain.ErrNotConnected
	}
	if c.IsLoggedIn() {
		return "", fmt.Errorf("%w: already paired", domain.ErrInvalidState)
	}
	code, err := c.PairPhone(util.DigitsOnly(phone), true, wa.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", sendError(err)
	}
	p.setAuthPending(true)
	p.emit(providers.Event{Kind: providers.EventPairingCode, PairingCode: code})
	return code, nil
}

// Logout unlinks the device, wipes the local credentials and closes.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c == nil {
		return domain.ErrNotConnected
	}
	if c.IsLoggedIn() {
		if err := c.Logout(); err != nil {
			return sendError(err)
		}
	} else if c.Store != nil && c.Store.ID != nil {
		if err := c.Store.Delete(); err != nil {
			p.log.Warn("device store delete failed", "err", err)
		}
	}
	p.Close()
	p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseLoggedOut})
	return nil
}

func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	c, db, cancel := p.client, p.db, p.cancel
	p.client, p.db, p.cancel = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		c.RemoveEventHandlers()
		c.Disconnect()
	}
	if db != nil {
		_ = db.Close()
	}
}

func (p *Provider) Status() providers.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	connected := p.client != nil && p.client.IsConnected() && p.client.IsLoggedIn()
	return providers.Status{Connected: connected, AuthPending: p.authPending && !connected}
}

func (p *Provider) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: media url: %v", domain.ErrRemoteRejected, err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", fmt.Errorf("%w: media download: %v", domain.ErrTimeout, err)
		}
		return nil, "", fmt.Errorf("%w: media download: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: media download returned %d", domain.ErrRemoteRejected, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: media download: %v", domain.ErrNetwork, err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("%w: media larger than %d bytes", domain.ErrRemoteRejected, maxMediaBytes)
	}
	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	return data, mimetype, nil
}

func sendError(err error) error {
	switch {
	case errors.Is(err, wa.ErrNotConnected), errors.Is(err, wa.ErrNotLoggedIn):
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, wa.ErrIQTimedOut):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrRemoteRejected, err)
}
