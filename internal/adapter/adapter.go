package adapter

import (
	"encoding/json"
	"strconv"
	"strings"

	"wagate/internal/domain"
)

const (
	officialMediaPrefix   = "official_media_id:"
	unofficialMediaPrefix = "unofficial_media:"
	userServerSuffix      = "@s.whatsapp.net"
)

var knownKinds = map[string]bool{
	"text": true, "image": true, "audio": true, "video": true, "document": true,
	"sticker": true, "location": true, "contacts": true,
}

// Normalize maps a raw provider payload onto the canonical event. It is pure:
// the same input always yields the same event. Shapes it does not recognize
// yield nil.
func Normalize(instance string, raw []byte, variant domain.Variant) *domain.Event {
	switch variant {
	case domain.VariantOfficial:
		return fromOfficial(instance, raw)
	case domain.VariantUnofficial:
		return fromUnofficial(instance, raw)
	}
	return nil
}

// Cloud API webhook payload, only the parts we read.
type officialPayload struct {
	Entry []struct {
		Changes []struct {
			Value *officialValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type officialValue struct {
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []map[string]json.RawMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type officialMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	Body     string `json:"body"`
	Filename string `json:"filename"`
}

type officialLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
}

func fromOfficial(instance string, raw []byte) *domain.Event {
	var p officialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 || p.Entry[0].Changes[0].Value == nil {
		return nil
	}
	v := p.Entry[0].Changes[0].Value

	if len(v.Messages) > 0 {
		return officialMessage(instance, v)
	}
	if len(v.Statuses) > 0 {
		st := v.Statuses[0]
		if st.ID == "" || st.Status == "" {
			return nil
		}
		return &domain.Event{
			InstanceName: instance,
			EventType:    domain.EventStatus,
			ContactID:    st.RecipientID,
			MessageID:    st.ID,
			Direction:    domain.DirectionOutbound,
			Status:       st.Status,
			Timestamp:    parseUnix(st.Timestamp),
		}
	}
	return nil
}

func officialMessage(instance string, v *officialValue) *domain.Event {
	m := v.Messages[0]
	from := rawString(m["from"])
	id := rawString(m["id"])
	kind := rawString(m["type"])
	if from == "" || id == "" {
		return nil
	}

	name := from
	if len(v.Contacts) > 0 && v.Contacts[0].Profile.Name != "" {
		name = v.Contacts[0].Profile.Name
	}

	ev := &domain.Event{
		InstanceName:       instance,
		EventType:          domain.EventMessage,
		ContactID:          from,
		ContactDisplayName: name,
		MessageID:          id,
		MessageKind:        kind,
		Direction:          domain.DirectionInbound,
		Timestamp:          parseUnix(rawString(m["timestamp"])),
	}
	if !knownKinds[kind] {
		ev.MessageKind = "text"
	}

	switch kind {
	case "text":
		var t struct {
			Body string `json:"body"`
		}
		_ = json.Unmarshal(m["text"], &t)
		ev.TextContent = t.Body
	case "location":
		var loc officialLocation
		if json.Unmarshal(m["location"], &loc) == nil {
			ev.TextContent = strconv.FormatFloat(loc.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(loc.Longitude, 'f', -1, 64)
		}
	case "contacts":
		var cs []struct {
			Name struct {
				FormattedName string `json:"formatted_name"`
			} `json:"name"`
		}
		if json.Unmarshal(m["contacts"], &cs) == nil && len(cs) > 0 {
			ev.TextContent = cs[0].Name.FormattedName
		}
	default:
		var media officialMedia
		if body, ok := m[kind]; ok && json.Unmarshal(body, &media) == nil {
			if media.ID != "" {
				ev.MediaReference = officialMediaPrefix + media.ID
			}
			ev.TextContent = media.Caption
		}
	}
	return ev
}

// UnofficialEnvelope is the raw shape the socket provider emits for inbound
// traffic, close to what the protocol library hands us.
type UnofficialEnvelope struct {
	Event            string             `json:"event"`
	Key              *MessageKey        `json:"key,omitempty"`
	PushName         string             `json:"pushName,omitempty"`
	MessageTimestamp int64              `json:"messageTimestamp"`
	Message          *UnofficialMessage `json:"message,omitempty"`
	Receipt          *UnofficialReceipt `json:"receipt,omitempty"`
}

const (
	EnvelopeMessage = "messages.upsert"
	EnvelopeReceipt = "receipt"
)

type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type UnofficialMessage struct {
	Kind         string `json:"kind"`
	Conversation string `json:"conversation,omitempty"`
	Caption      string `json:"caption,omitempty"`
	DirectPath   string `json:"directPath,omitempty"`
}

type UnofficialReceipt struct {
	RemoteJID string   `json:"remoteJid"`
	IDs       []string `json:"ids"`
	Type      string   `json:"type"`
}

func fromUnofficial(instance string, raw []byte) *domain.Event {
	var env UnofficialEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	switch env.Event {
	case EnvelopeMessage:
		if env.Key == nil || env.Message == nil || env.Key.ID == "" || env.Key.RemoteJID == "" {
			return nil
		}
		contact := stripServer(env.Key.RemoteJID)
		name := env.PushName
		if name == "" {
			name = contact
		}
		direction := domain.DirectionInbound
		if env.Key.FromMe {
			direction = domain.DirectionOutbound
		}
		kind := env.Message.Kind
		if !knownKinds[kind] {
			kind = "text"
		}
		ev := &domain.Event{
			InstanceName:       instance,
			EventType:          domain.EventMessage,
			ContactID:          contact,
			ContactDisplayName: name,
			MessageID:          env.Key.ID,
			MessageKind:        kind,
			Direction:          direction,
			Timestamp:          env.MessageTimestamp,
		}
		if kind == "text" {
			ev.TextContent = env.Message.Conversation
		} else {
			ev.TextContent = env.Message.Caption
			if env.Message.DirectPath != "" {
				ev.MediaReference = unofficialMediaPrefix + env.Message.DirectPath
			}
		}
		return ev

	case EnvelopeReceipt:
		if env.Receipt == nil || len(env.Receipt.IDs) == 0 {
			return nil
		}
		status := env.Receipt.Type
		if status == "" {
			status = "delivered"
		}
		return &domain.Event{
			InstanceName: instance,
			EventType:    domain.EventStatus,
			ContactID:    stripServer(env.Receipt.RemoteJID),
			MessageID:    env.Receipt.IDs[0],
			Direction:    domain.DirectionOutbound,
			Status:       status,
			Timestamp:    env.MessageTimestamp,
		}
	}
	return nil
}

func stripServer(jid string) string {
	return strings.TrimSuffix(jid, userServerSuffix)
}

func rawString(b json.RawMessage) string {
	if len(b) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return ""
	}
	return s
}

func parseUnix(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
