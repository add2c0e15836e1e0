package session

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
	"wagate/internal/providers"
	"wagate/internal/store"
)

type fakeProvider struct {
	name     string
	listener providers.Listener
	onInit   func(p *fakeProvider) error

	mu        sync.Mutex
	connected bool
	closed    bool
	loggedOut bool
	sent      []string
}

func (p *fakeProvider) Initialize(ctx context.Context) error {
	if p.onInit != nil {
		return p.onInit(p)
	}
	return nil
}

func (p *fakeProvider) emit(ev providers.Event) {
	if ev.Kind == providers.EventConnected {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
	}
	p.listener.OnEvent(ev)
}

func (p *fakeProvider) SendText(ctx context.Context, to, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", domain.ErrNotConnected
	}
	p.sent = append(p.sent, to+":"+text)
	return fmt.Sprintf("wamid.%d", len(p.sent)), nil
}

func (p *fakeProvider) SendMedia(ctx context.Context, to string, media domain.Media) (string, error) {
	return p.SendText(ctx, to, media.URL)
}

func (p *fakeProvider) SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error) {
	return p.SendText(ctx, to, tpl.Name)
}

func (p *fakeProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.loggedOut = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Close() {
	p.mu.Lock()
	p.closed = true
	p.connected = false
	p.mu.Unlock()
}

func (p *fakeProvider) Status() providers.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return providers.Status{Connected: p.connected}
}

func (p *fakeProvider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu     sync.Mutex
	made   map[string][]*fakeProvider
	onInit map[string][]func(p *fakeProvider) error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{made: map[string][]*fakeProvider{}, onInit: map[string][]func(p *fakeProvider) error{}}
}

// script queues Initialize behaviour for successive providers of name.
func (f *fakeFactory) script(name string, fns ...func(p *fakeProvider) error) {
	f.mu.Lock()
	f.onInit[name] = append(f.onInit[name], fns...)
	f.mu.Unlock()
}

func (f *fakeFactory) build(name string, cfg domain.InstanceConfig, l providers.Listener) (providers.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProvider{name: name, listener: l}
	if q := f.onInit[name]; len(q) > 0 {
		p.onInit, f.onInit[name] = q[0], q[1:]
	}
	f.made[name] = append(f.made[name], p)
	return p, nil
}

func (f *fakeFactory) providers(name string) []*fakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProvider(nil), f.made[name]...)
}

func (f *fakeFactory) latest(name string) *fakeProvider {
	ps := f.providers(name)
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]store.Instance
}

func newMemStore(recs ...store.Instance) *memStore {
	s := &memStore{recs: map[string]store.Instance{}}
	for _, r := range recs {
		s.recs[r.Name] = r
	}
	return s
}

func (s *memStore) UpsertInstance(ctx context.Context, in store.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[in.Name] = in
	return nil
}

func (s *memStore) GetInstance(ctx context.Context, name string) (store.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[name]
	return r, ok, nil
}

func (s *memStore) ListInstances(ctx context.Context) ([]store.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Instance
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) UpdateInstanceStatus(ctx context.Context, name string, status domain.InstanceStatus, identity string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[name]
	if !ok {
		return nil
	}
	r.Status = status
	if identity != "" {
		r.Identity = identity
	}
	s.recs[name] = r
	return nil
}

func (s *memStore) DeleteInstance(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, name)
	return nil
}

func (s *memStore) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[name]
	return ok
}

type sink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sink) Publish(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *sink) connectionStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.EventType == domain.EventConnection {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (s *sink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type purger struct {
	mu     sync.Mutex
	purged []string
}

func (p *purger) Purge(name string) error {
	p.mu.Lock()
	p.purged = append(p.purged, name)
	p.mu.Unlock()
	return nil
}

func (p *purger) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.purged...)
}

type harness struct {
	m       *Manager
	factory *fakeFactory
	store   *memStore
	sink    *sink
	creds   *purger
}

func newHarness(t *testing.T, recs ...store.Instance) *harness {
	t.Helper()
	h := &harness{factory: newFakeFactory(), store: newMemStore(recs...), sink: &sink{}, creds: &purger{}}
	h.m = NewManager(h.store, h.factory.build, h.sink, h.creds, 20*time.Millisecond, nil)
	t.Cleanup(h.m.Close)
	return h
}

func unofficial() domain.InstanceConfig {
	return domain.InstanceConfig{Variant: domain.VariantUnofficial}
}

func TestCreateTwiceFailsUntilDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.Create(ctx, "demo", unofficial())
	require.NoError(t, err)

	_, err = h.m.Create(ctx, "demo", unofficial())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Len(t, h.factory.providers("demo"), 1)

	require.NoError(t, h.m.Delete(ctx, "demo"))
	_, err = h.m.Create(ctx, "demo", unofficial())
	require.NoError(t, err)
}

func TestCreateGeneratesToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), "demo", unofficial())
	require.NoError(t, err)

	rec, ok, err := h.store.GetInstance(context.Background(), "demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Token, 36)
}

func TestCreateFailureUnregisters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.factory.script("bad", func(p *fakeProvider) error { return domain.ErrConfig })

	_, err := h.m.Create(ctx, "bad", domain.InstanceConfig{Variant: domain.VariantOfficial})
	require.ErrorIs(t, err, domain.ErrConfig)

	_, ok := h.m.Get("bad")
	assert.False(t, ok)
	assert.False(t, h.store.has("bad"))
	assert.True(t, h.factory.latest("bad").isClosed())
}

func TestDemoScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.m.Create(ctx, "demo", unofficial())
	require.NoError(t, err)
	p := h.factory.latest("demo")

	p.emit(providers.Event{Kind: providers.EventQR, QRCode: "2@ref,key", QRCodeBase64: "data:image/png;base64,AAAA"})
	qr, err := h.m.QR("demo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQRPending, qr.Status)
	assert.Equal(t, "2@ref,key", qr.QRCode)

	s, _ := h.m.Get("demo")
	assert.True(t, s.HasPendingAuth)
	assert.False(t, s.Connected)

	_, err = h.m.SendText(ctx, "demo", "5511999999999", "hello")
	require.ErrorIs(t, err, domain.ErrNotConnected)

	p.emit(providers.Event{Kind: providers.EventConnected, Identity: "5511988887777"})
	qr, err = h.m.QR("demo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConnected, qr.Status)
	assert.Empty(t, qr.QRCode)

	s, _ = h.m.Get("demo")
	assert.True(t, s.Connected)
	assert.Equal(t, "5511988887777", s.Identity)

	id, err := h.m.SendText(ctx, "demo", "5511999999999", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	evs := h.sink.all()
	require.Len(t, evs, 2)
	assert.Equal(t, "qrcode", evs[0].Label())
	assert.Equal(t, string(domain.StatusConnected), evs[1].Status)

	rec, _, _ := h.store.GetInstance(ctx, "demo")
	assert.Equal(t, domain.StatusConnected, rec.Status)
}

func TestStatelessProviderConnectsOnInitialize(t *testing.T) {
	h := newHarness(t)
	h.factory.script("cloud", func(p *fakeProvider) error {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
		return nil
	})

	s, err := h.m.Create(context.Background(), "cloud", domain.InstanceConfig{Variant: domain.VariantOfficial})
	require.NoError(t, err)
	assert.True(t, s.Connected)
	assert.Equal(t, []string{"connected"}, h.sink.connectionStatuses())
}

func TestRecoverableCloseRestarts(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), "demo", unofficial())
	require.NoError(t, err)
	first := h.factory.latest("demo")
	first.emit(providers.Event{Kind: providers.EventConnected, Identity: "551100"})

	first.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseRecoverable, Err: errors.New("connection reset")})
	s, _ := h.m.Get("demo")
	assert.Equal(t, domain.StatusDisconnected, s.Status)

	require.Eventually(t, func() bool { return len(h.factory.providers("demo")) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())

	evs := h.sink.all()
	closed := evs[len(evs)-1].Connection
	require.NotNil(t, closed)
	assert.True(t, closed.WillReconnect)
	assert.Equal(t, "connection reset", closed.Reason)

	// the superseded provider no longer moves the instance
	first.emit(providers.Event{Kind: providers.EventConnected, Identity: "stale"})
	s, _ = h.m.Get("demo")
	assert.Equal(t, domain.StatusDisconnected, s.Status)
}

func TestLoggedOutCloseDoesNotRestart(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), "demo", unofficial())
	require.NoError(t, err)
	p := h.factory.latest("demo")
	p.emit(providers.Event{Kind: providers.EventConnected, Identity: "551100"})

	p.emit(providers.Event{Kind: providers.EventClosed, Reason: providers.CloseLoggedOut})
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, h.factory.providers("demo"), 1)
	assert.Equal(t, []string{"connected", domain.ConnectionLoggedOut}, h.sink.connectionStatuses())
	evs := h.sink.all()
	assert.False(t, evs[len(evs)-1].Connection.WillReconnect)

	s, _ := h.m.Get("demo")
	assert.Empty(t, s.Identity)
}

func TestLogoutKeepsRecordAndPurgesCredentials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.m.Create(ctx, "demo", unofficial())
	require.NoError(t, err)
	p := h.factory.latest("demo")
	p.emit(providers.Event{Kind: providers.EventConnected, Identity: "551100"})

	require.NoError(t, h.m.Logout(ctx, "demo"))
	assert.True(t, p.loggedOut)
	assert.True(t, p.isClosed())
	assert.Equal(t, []string{"demo"}, h.creds.names())
	assert.True(t, h.store.has("demo"))

	_, err = h.m.Connected("demo")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, []string{"connected", domain.ConnectionLoggedOut}, h.sink.connectionStatuses())

	require.NoError(t, h.m.Restart(ctx, "demo"))
	assert.Len(t, h.factory.providers("demo"), 2)
}

func TestReloadToleratesCorruptCredentials(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t,
		store.Instance{Name: "broken", Variant: domain.VariantUnofficial, CreatedAt: now},
		store.Instance{Name: "fine", Variant: domain.VariantUnofficial, CreatedAt: now},
		store.Instance{Name: "misconfigured", Variant: domain.VariantOfficial, CreatedAt: now},
	)
	h.factory.script("broken",
		func(p *fakeProvider) error { return fmt.Errorf("%w: bad header", domain.ErrCorruptCredentials) },
		func(p *fakeProvider) error {
			p.listener.OnEvent(providers.Event{Kind: providers.EventQR, QRCode: "2@fresh"})
			return nil
		},
	)
	h.factory.script("misconfigured", func(p *fakeProvider) error { return domain.ErrConfig })

	require.NoError(t, h.m.Reload(context.Background()))

	assert.Equal(t, []string{"broken"}, h.creds.names())
	all := h.m.List()
	require.Len(t, all, 3)
	assert.Equal(t, domain.StatusQRPending, all["broken"].Status)
	assert.Equal(t, domain.StatusDisconnected, all["fine"].Status)
	assert.Equal(t, domain.StatusDisconnected, all["misconfigured"].Status)
	assert.Equal(t, []string{"broken", "fine", "misconfigured"}, h.m.Names())

	_, err := h.m.Connected("misconfigured")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.m.Create(ctx, "demo", unofficial())
	require.NoError(t, err)
	p := h.factory.latest("demo")

	require.NoError(t, h.m.Delete(ctx, "demo"))
	require.NoError(t, h.m.Delete(ctx, "demo"))

	assert.True(t, p.loggedOut)
	assert.True(t, p.isClosed())
	assert.False(t, h.store.has("demo"))
	assert.Equal(t, []string{"demo", "demo"}, h.creds.names())

	_, err = h.m.Connected("demo")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboundIsNormalizedAndPublished(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), "demo", unofficial())
	require.NoError(t, err)
	p := h.factory.latest("demo")

	p.emit(providers.Event{Kind: providers.EventInbound, Payload: []byte(`{
		"event":"messages.upsert",
		"key":{"remoteJid":"5511977776666@s.whatsapp.net","fromMe":false,"id":"ABC"},
		"pushName":"Bia","messageTimestamp":1700000000,
		"message":{"kind":"text","conversation":"oi"}}`)})
	p.emit(providers.Event{Kind: providers.EventInbound, Payload: []byte(`{"event":"presence"}`)})

	evs := h.sink.all()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventMessage, evs[0].EventType)
	assert.Equal(t, "5511977776666", evs[0].ContactID)
	assert.Equal(t, "oi", evs[0].TextContent)
}

func TestPairingCodeRequiresPairer(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Create(context.Background(), "demo", unofficial())
	require.NoError(t, err)

	_, err = h.m.RequestPairingCode(context.Background(), "demo", "5511999999999")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.m.RequestPairingCode(context.Background(), "nope", "5511999999999")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
