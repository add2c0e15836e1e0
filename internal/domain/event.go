package domain

const (
	EventMessage    = "message"
	EventStatus     = "status"
	EventConnection = "connection"

	// Labels that are not event types of their own.
	EventQRCode = "qrcode"
	EventTest   = "webhook.test"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Connection statuses carried on connection events. Besides the instance
// statuses they include the terminal logged_out signal.
const (
	ConnectionLoggedOut = "logged_out"
)

// Event is the canonical shape every inbound occurrence is normalized into
// and the JSON body POSTed to tenant callbacks.
type Event struct {
	InstanceName       string          `json:"instanceName"`
	EventType          string          `json:"eventType"`
	ContactID          string          `json:"contactId,omitempty"`
	ContactDisplayName string          `json:"contactDisplayName,omitempty"`
	MessageID          string          `json:"messageId,omitempty"`
	MessageKind        string          `json:"messageKind,omitempty"`
	TextContent        string          `json:"textContent,omitempty"`
	MediaReference     string          `json:"mediaReference,omitempty"`
	Direction          string          `json:"direction,omitempty"`
	Status             string          `json:"status,omitempty"`
	Timestamp          int64           `json:"timestamp"`
	Connection         *ConnectionInfo `json:"connection,omitempty"`
}

type ConnectionInfo struct {
	Status        string `json:"status"`
	Identity      string `json:"identity,omitempty"`
	QRCode        string `json:"qrCode,omitempty"`
	QRCodeBase64  string `json:"qrCodeBase64,omitempty"`
	PairingCode   string `json:"pairingCode,omitempty"`
	Reason        string `json:"reason,omitempty"`
	WillReconnect bool   `json:"willReconnect"`
}

// Label is the event name used for webhook filtering, logs and priority.
func (e Event) Label() string {
	if e.EventType == EventConnection && e.Connection != nil && e.Connection.QRCode != "" {
		return EventQRCode
	}
	return e.EventType
}
