package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wagate/internal/adapter"
	"wagate/internal/domain"
	"wagate/internal/observability"
	"wagate/internal/providers"
	"wagate/internal/store"
)

const (
	DefaultRestartDelay = 5 * time.Second

	initTimeout    = 30 * time.Second
	persistTimeout = 5 * time.Second
)

type Store interface {
	UpsertInstance(ctx context.Context, in store.Instance) error
	GetInstance(ctx context.Context, name string) (store.Instance, bool, error)
	ListInstances(ctx context.Context) ([]store.Instance, error)
	UpdateInstanceStatus(ctx context.Context, name string, status domain.InstanceStatus, identity string, now time.Time) error
	DeleteInstance(ctx context.Context, name string) error
}

// EventSink receives connection transitions and normalized inbound traffic.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Credentials removes the local credential blob of an instance.
type Credentials interface {
	Purge(name string) error
}

// Factory builds an uninitialized provider for the configured variant. The
// listener is bound to one provider generation.
type Factory func(name string, cfg domain.InstanceConfig, l providers.Listener) (providers.Provider, error)

type Summary struct {
	Connected      bool                  `json:"connected"`
	Identity       string                `json:"identity,omitempty"`
	HasPendingAuth bool                  `json:"hasPendingAuth"`
	Status         domain.InstanceStatus `json:"status"`
	Variant        domain.Variant        `json:"variant"`
	CreatedAt      time.Time             `json:"createdAt"`
	LastActivity   time.Time             `json:"lastActivity"`
}

type QRInfo struct {
	Status       domain.InstanceStatus `json:"status"`
	QRCode       string                `json:"qrCode,omitempty"`
	QRCodeBase64 string                `json:"qrCodeBase64,omitempty"`
	PairingCode  string                `json:"pairingCode,omitempty"`
}

type instance struct {
	name         string
	cfg          domain.InstanceConfig
	provider     providers.Provider
	gen          uint64
	status       domain.InstanceStatus
	identity     string
	qr           string
	qrBase64     string
	pairingCode  string
	createdAt    time.Time
	lastActivity time.Time
	restart      *time.Timer
}

func (in *instance) summary() Summary {
	return Summary{
		Connected:      in.status == domain.StatusConnected,
		Identity:       in.identity,
		HasPendingAuth: in.status == domain.StatusQRPending || in.status == domain.StatusPairingPending,
		Status:         in.status,
		Variant:        in.cfg.Variant,
		CreatedAt:      in.createdAt,
		LastActivity:   in.lastActivity,
	}
}

func (in *instance) stopRestart() {
	if in.restart != nil {
		in.restart.Stop()
		in.restart = nil
	}
}

// Manager owns every live provider handle. Nothing else holds a provider
// across calls.
type Manager struct {
	Store        Store
	Factory      Factory
	Sink         EventSink
	Credentials  Credentials
	RestartDelay time.Duration
	Log          *slog.Logger
	Now          func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool
}

func NewManager(st Store, f Factory, sink EventSink, creds Credentials, restartDelay time.Duration, log *slog.Logger) *Manager {
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		Store:        st,
		Factory:      f,
		Sink:         sink,
		Credentials:  creds,
		RestartDelay: restartDelay,
		Log:          log,
		instances:    map[string]*instance{},
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Create registers name, persists its record and initializes the provider.
// A live name fails with ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, name string, cfg domain.InstanceConfig) (Summary, error) {
	if cfg.Variant == "" {
		cfg.Variant = domain.VariantUnofficial
	}
	if !cfg.Variant.Valid() {
		return Summary{}, fmt.Errorf("%w: unknown variant %q", domain.ErrConfig, cfg.Variant)
	}
	if cfg.Token == "" {
		cfg.Token = uuid.NewString()
	}
	now := m.now()
	inst := &instance{name: name, cfg: cfg, status: domain.StatusDisconnected, createdAt: now, lastActivity: now}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: manager closed", domain.ErrInvalidState)
	}
	if _, ok := m.instances[name]; ok {
		m.mu.Unlock()
		return Summary{}, domain.ErrAlreadyExists
	}
	m.instances[name] = inst
	m.mu.Unlock()

	rec := store.Instance{
		Name:       name,
		Variant:    cfg.Variant,
		Status:     domain.StatusDisconnected,
		WebhookURL: cfg.WebhookURL,
		Token:      cfg.Token,
		Official:   cfg.Official,
		CreatedAt:  now,
	}
	if err := m.Store.UpsertInstance(ctx, rec); err != nil {
		m.unregister(name, inst)
		return Summary{}, err
	}

	if err := m.start(ctx, inst); err != nil {
		m.unregister(name, inst)
		if derr := m.Store.DeleteInstance(context.WithoutCancel(ctx), name); derr != nil {
			m.Log.Warn("instance record cleanup failed", "instance", name, "err", derr)
		}
		return Summary{}, err
	}
	m.Log.Info("instance created", "instance", name, "variant", cfg.Variant)
	return m.summary(name)
}

func (m *Manager) unregister(name string, inst *instance) {
	m.mu.Lock()
	var p providers.Provider
	if cur, ok := m.instances[name]; ok && cur == inst {
		delete(m.instances, name)
		inst.gen++
		inst.stopRestart()
		p, inst.provider = inst.provider, nil
		m.refreshGauge()
	}
	m.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// start builds and initializes a fresh provider generation. Unreadable
// credentials are purged once so the instance falls back to a new QR flow.
func (m *Manager) start(ctx context.Context, inst *instance) error {
	err := m.spawn(ctx, inst)
	if !errors.Is(err, domain.ErrCorruptCredentials) || m.Credentials == nil {
		return err
	}
	m.Log.Warn("credentials unreadable, purging", "instance", inst.name, "err", err)
	if perr := m.Credentials.Purge(inst.name); perr != nil {
		return errors.Join(err, perr)
	}
	return m.spawn(ctx, inst)
}

func (m *Manager) spawn(ctx context.Context, inst *instance) error {
	m.mu.Lock()
	inst.gen++
	gen := inst.gen
	cfg := inst.cfg
	m.mu.Unlock()

	listener := providers.ListenerFunc(func(ev providers.Event) { m.handle(inst.name, gen, ev) })
	p, err := m.Factory(inst.name, cfg, listener)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.instances[inst.name] != inst || inst.gen != gen {
		m.mu.Unlock()
		p.Close()
		return fmt.Errorf("%w: instance replaced during start", domain.ErrInvalidState)
	}
	inst.provider = p
	m.mu.Unlock()

	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := p.Initialize(ictx); err != nil {
		m.mu.Lock()
		if inst.provider == p {
			inst.provider = nil
		}
		m.mu.Unlock()
		p.Close()
		return err
	}

	// stateless providers come up without pushing an event
	if st := p.Status(); st.Connected {
		identity := ""
		if id, ok := p.(interface{ Identity() string }); ok {
			identity = id.Identity()
		}
		m.handle(inst.name, gen, providers.Event{Kind: providers.EventConnected, Identity: identity})
	}
	return nil
}

// handle applies one provider event. Events from a superseded generation are
// dropped.
func (m *Manager) handle(name string, gen uint64, ev providers.Event) {
	now := m.now()

	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok || inst.gen != gen {
		m.mu.Unlock()
		m.Log.Debug("stale provider event dropped", "instance", name, "kind", ev.Kind)
		return
	}
	inst.lastActivity = now

	if ev.Kind == providers.EventInbound {
		variant := inst.cfg.Variant
		m.mu.Unlock()
		m.inbound(name, variant, ev.Payload)
		return
	}

	prev := inst.status
	conn := &domain.ConnectionInfo{}
	switch ev.Kind {
	case providers.EventQR:
		inst.status = domain.StatusQRPending
		inst.qr, inst.qrBase64, inst.pairingCode = ev.QRCode, ev.QRCodeBase64, ""
		conn.QRCode, conn.QRCodeBase64 = ev.QRCode, ev.QRCodeBase64
	case providers.EventPairingCode:
		inst.status = domain.StatusPairingPending
		inst.qr, inst.qrBase64, inst.pairingCode = "", "", ev.PairingCode
		conn.PairingCode = ev.PairingCode
	case providers.EventConnected:
		inst.status = domain.StatusConnected
		if ev.Identity != "" {
			inst.identity = ev.Identity
		}
		inst.qr, inst.qrBase64, inst.pairingCode = "", "", ""
		conn.Identity = inst.identity
	case providers.EventClosed:
		inst.status = domain.StatusDisconnected
		inst.qr, inst.qrBase64, inst.pairingCode = "", "", ""
		if ev.Err != nil {
			conn.Reason = ev.Err.Error()
		}
		if ev.Reason == providers.CloseLoggedOut {
			inst.identity = ""
			inst.stopRestart()
		} else {
			conn.WillReconnect = true
			m.scheduleRestart(inst, gen)
		}
	default:
		m.mu.Unlock()
		return
	}
	status, identity := inst.status, inst.identity
	conn.Status = string(status)
	if ev.Kind == providers.EventClosed && ev.Reason == providers.CloseLoggedOut {
		conn.Status = domain.ConnectionLoggedOut
	}
	m.refreshGauge()
	m.mu.Unlock()

	if prev == status && ev.Kind == providers.EventConnected {
		return
	}
	observability.SessionTransitions.WithLabelValues(conn.Status).Inc()
	m.Log.Info("instance status", "instance", name, "from", prev, "to", conn.Status, "reason", conn.Reason)
	m.persist(name, status, identity, now)
	m.publish(domain.Event{
		InstanceName: name,
		EventType:    domain.EventConnection,
		Status:       conn.Status,
		Timestamp:    now.Unix(),
		Connection:   conn,
	})
}

// scheduleRestart arms the back-off timer. Callers hold m.mu.
func (m *Manager) scheduleRestart(inst *instance, gen uint64) {
	if m.closed {
		return
	}
	inst.stopRestart()
	inst.restart = time.AfterFunc(m.RestartDelay, func() {
		m.mu.Lock()
		current := m.instances[inst.name] == inst && inst.gen == gen
		m.mu.Unlock()
		if !current {
			return
		}
		observability.SessionRestarts.WithLabelValues("auto").Inc()
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		if err := m.restart(ctx, inst); err != nil {
			m.Log.Warn("auto restart failed", "instance", inst.name, "err", err)
		}
	})
}

func (m *Manager) inbound(name string, variant domain.Variant, payload []byte) {
	ev := adapter.Normalize(name, payload, variant)
	if ev == nil {
		observability.InboundEvents.WithLabelValues(string(variant), "ignored").Inc()
		return
	}
	observability.InboundEvents.WithLabelValues(string(variant), "ok").Inc()
	m.publish(*ev)
}

func (m *Manager) persist(name string, status domain.InstanceStatus, identity string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.Store.UpdateInstanceStatus(ctx, name, status, identity, now); err != nil {
		m.Log.Warn("instance status persist failed", "instance", name, "err", err)
	}
}

func (m *Manager) publish(ev domain.Event) {
	if m.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.Sink.Publish(ctx, ev); err != nil {
		m.Log.Warn("event publish failed", "instance", ev.InstanceName, "event_type", ev.Label(), "err", err)
	}
}

// refreshGauge recounts live instances by status. Callers hold m.mu.
func (m *Manager) refreshGauge() {
	counts := map[domain.InstanceStatus]float64{
		domain.StatusDisconnected:   0,
		domain.StatusQRPending:      0,
		domain.StatusPairingPending: 0,
		domain.StatusConnected:      0,
	}
	for _, in := range m.instances {
		counts[in.status]++
	}
	for st, n := range counts {
		observability.Sessions.WithLabelValues(string(st)).Set(n)
	}
}

func (m *Manager) summary(name string) (Summary, error) {
	s, ok := m.Get(name)
	if !ok {
		return Summary{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *Manager) Get(name string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return Summary{}, false
	}
	return inst.summary(), true
}

func (m *Manager) List() map[string]Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Summary, len(m.instances))
	for name, inst := range m.instances {
		out[name] = inst.summary()
	}
	return out
}

// Names returns the live instance names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

func (m *Manager) QR(name string) (QRInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return QRInfo{}, domain.ErrNotFound
	}
	return QRInfo{Status: inst.status, QRCode: inst.qr, QRCodeBase64: inst.qrBase64, PairingCode: inst.pairingCode}, nil
}

func (m *Manager) RequestPairingCode(ctx context.Context, name, phone string) (string, error) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	var p providers.Provider
	if ok {
		p = inst.provider
	}
	m.mu.Unlock()
	if !ok {
		return "", domain.ErrNotFound
	}
	pairer, ok := p.(providers.Pairer)
	if !ok {
		return "", fmt.Errorf("%w: pairing code not supported", domain.ErrInvalidState)
	}
	return pairer.RequestPairingCode(ctx, phone)
}

// Connected returns the provider of name when it can send right now.
func (m *Manager) Connected(name string) (providers.Provider, error) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	var p providers.Provider
	if ok {
		p = inst.provider
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", domain.ErrNotFound, name)
	}
	if p == nil || !p.Status().Connected {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, name)
	}
	return p, nil
}

func (m *Manager) SendText(ctx context.Context, name, to, text string) (string, error) {
	p, err := m.Connected(name)
	if err != nil {
		return "", err
	}
	return p.SendText(ctx, to, text)
}

func (m *Manager) SendMedia(ctx context.Context, name, to string, media domain.Media) (string, error) {
	p, err := m.Connected(name)
	if err != nil {
		return "", err
	}
	return p.SendMedia(ctx, to, media)
}

func (m *Manager) SendTemplate(ctx context.Context, name, to string, tpl domain.Template) (string, error) {
	p, err := m.Connected(name)
	if err != nil {
		return "", err
	}
	return p.SendTemplate(ctx, to, tpl)
}

// Delete logs out best-effort, releases the handle, purges credentials and
// removes the record. Deleting an unknown name is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	var p providers.Provider
	if ok {
		delete(m.instances, name)
		inst.gen++
		inst.stopRestart()
		p, inst.provider = inst.provider, nil
		m.refreshGauge()
	}
	m.mu.Unlock()

	if p != nil {
		if err := p.Logout(ctx); err != nil {
			m.Log.Debug("logout on delete failed", "instance", name, "err", err)
		}
		p.Close()
	}
	if m.Credentials != nil {
		if err := m.Credentials.Purge(name); err != nil {
			m.Log.Warn("credential purge failed", "instance", name, "err", err)
		}
	}
	if err := m.Store.DeleteInstance(ctx, name); err != nil {
		return err
	}
	if ok {
		m.Log.Info("instance deleted", "instance", name)
	}
	return nil
}

// Logout clears authentication and keeps the record. The instance stays
// disconnected until restarted, which starts a new QR flow.
func (m *Manager) Logout(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	inst.gen++
	gen := inst.gen
	inst.stopRestart()
	p := inst.provider
	inst.provider = nil
	variant := inst.cfg.Variant
	m.mu.Unlock()

	if p != nil {
		if err := p.Logout(ctx); err != nil {
			m.Log.Warn("remote logout failed, clearing local credentials", "instance", name, "err", err)
		}
		p.Close()
	}
	if variant == domain.VariantUnofficial && m.Credentials != nil {
		if err := m.Credentials.Purge(name); err != nil {
			return err
		}
	}
	m.handle(name, gen, providers.Event{Kind: providers.EventClosed, Reason: providers.CloseLoggedOut})
	return nil
}

// Restart tears the provider down and recreates it from the persisted config.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	observability.SessionRestarts.WithLabelValues("manual").Inc()
	return m.restart(ctx, inst)
}

func (m *Manager) restart(ctx context.Context, inst *instance) error {
	m.mu.Lock()
	inst.gen++
	inst.stopRestart()
	old := inst.provider
	inst.provider = nil
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if rec, found, err := m.Store.GetInstance(ctx, inst.name); err != nil {
		return err
	} else if found {
		m.mu.Lock()
		inst.cfg = rec.Config()
		m.mu.Unlock()
	}

	if err := m.start(ctx, inst); err != nil {
		m.afterFailedStart(inst, err)
		return err
	}
	m.Log.Info("instance restarted", "instance", inst.name)
	return nil
}

// afterFailedStart keeps transient failures on the restart loop.
func (m *Manager) afterFailedStart(inst *instance, err error) {
	if !errors.Is(err, domain.ErrNetwork) && !errors.Is(err, domain.ErrTimeout) {
		return
	}
	m.mu.Lock()
	if m.instances[inst.name] == inst {
		m.scheduleRestart(inst, inst.gen)
	}
	m.mu.Unlock()
}

// Reload recreates every persisted instance. A failing instance is logged
// and left registered as disconnected; it never aborts the others.
func (m *Manager) Reload(ctx context.Context) error {
	recs, err := m.Store.ListInstances(ctx)
	if err != nil {
		return err
	}
	started := 0
	for _, rec := range recs {
		inst := &instance{
			name:         rec.Name,
			cfg:          rec.Config(),
			status:       domain.StatusDisconnected,
			identity:     rec.Identity,
			createdAt:    rec.CreatedAt,
			lastActivity: rec.LastActivity,
		}
		m.mu.Lock()
		if _, live := m.instances[rec.Name]; live || m.closed {
			m.mu.Unlock()
			continue
		}
		m.instances[rec.Name] = inst
		m.mu.Unlock()

		if err := m.start(ctx, inst); err != nil {
			m.Log.Error("instance reload failed", "instance", rec.Name, "err", err)
			m.persist(rec.Name, domain.StatusDisconnected, "", m.now())
			m.afterFailedStart(inst, err)
			continue
		}
		started++
	}
	m.Log.Info("instances reloaded", "total", len(recs), "started", started)
	return nil
}

// Close stops restart timers and closes every provider without logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var ps []providers.Provider
	for _, inst := range m.instances {
		inst.gen++
		inst.stopRestart()
		if inst.provider != nil {
			ps = append(ps, inst.provider)
			inst.provider = nil
		}
	}
	m.mu.Unlock()
	for _, p := range ps {
		p.Close()
	}
}
