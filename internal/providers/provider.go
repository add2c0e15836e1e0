package providers

import (
	"context"

	"wagate/internal/domain"
)

// Provider is the capability set shared by both transports. The session
// manager and the queues depend only on this.
type Provider interface {
	Initialize(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media domain.Media) (string, error)
	SendTemplate(ctx context.Context, to string, tpl domain.Template) (string, error)
	Logout(ctx context.Context) error
	// Close releases the connection without touching credentials.
	Close()
	Status() Status
}

// Pairer is implemented by providers that support phone-number pairing.
type Pairer interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

type Status struct {
	Connected   bool `json:"connected"`
	AuthPending bool `json:"authPending"`
}

type CloseReason int

const (
	// CloseRecoverable covers dropped sockets and replaced streams.
	CloseRecoverable CloseReason = iota
	// CloseLoggedOut means credentials are gone and a new QR/pairing is needed.
	CloseLoggedOut
)

func (r CloseReason) String() string {
	if r == CloseLoggedOut {
		return "logged_out"
	}
	return "recoverable"
}

type EventKind string

const (
	EventQR          EventKind = "qr"
	EventPairingCode EventKind = "pairing_code"
	EventConnected   EventKind = "connected"
	EventClosed      EventKind = "closed"
	EventInbound     EventKind = "inbound"
)

type Event struct {
	Kind         EventKind
	QRCode       string
	QRCodeBase64 string
	PairingCode  string
	Identity     string
	Reason       CloseReason
	Err          error
	// Payload is the raw inbound envelope for the webhook adapter.
	Payload []byte
}

// Listener receives provider push events. Implementations should return
// promptly; whatsmeow delivers events from its read loop.
type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }
