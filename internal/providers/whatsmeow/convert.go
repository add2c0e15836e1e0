package whatsmeow

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wagate/internal/adapter"
	"wagate/internal/domain"
	"wagate/internal/util"
)

// RecipientJID turns a phone number into a user JID. Anything that already
// carries a server part is parsed as is.
func RecipientJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("%w: recipient %q: %v", domain.ErrRemoteRejected, to, err)
		}
		return jid, nil
	}
	user := util.DigitsOnly(to)
	if user == "" {
		return types.EmptyJID, fmt.Errorf("%w: recipient %q", domain.ErrRemoteRejected, to)
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// QRDataURL renders a pairing code as a base64 PNG data URL.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func uploadType(t domain.MediaType) wa.MediaType {
	switch t {
	case domain.MediaVideo:
		return wa.MediaVideo
	case domain.MediaAudio:
		return wa.MediaAudio
	case domain.MediaDocument:
		return wa.MediaDocument
	}
	return wa.MediaImage
}

// MediaMessage builds the outgoing message for an uploaded attachment.
func MediaMessage(m domain.Media, up wa.UploadResponse, mimetype string) *waE2E.Message {
	var caption *string
	if m.Caption != "" {
		caption = proto.String(m.Caption)
	}
	switch m.Type {
	case domain.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: caption, Mimetype: proto.String(mimetype),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case domain.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: proto.String(mimetype),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	case domain.MediaDocument:
		name := m.FileName
		if name == "" {
			name = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption: caption, Mimetype: proto.String(mimetype), FileName: proto.String(name), Title: proto.String(name),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}
	}
	return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption: caption, Mimetype: proto.String(mimetype),
		URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
		FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
	}}
}

// describe extracts kind, text, caption and media path. An empty kind means
// the message carries nothing callers care about (reactions, protocol).
func describe(msg *waE2E.Message) (kind, text, caption, directPath string) {
	switch {
	case msg == nil:
		return "", "", "", ""
	case msg.GetConversation() != "":
		return "text", msg.GetConversation(), "", ""
	case msg.GetExtendedTextMessage() != nil:
		return "text", msg.GetExtendedTextMessage().GetText(), "", ""
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return "image", "", m.GetCaption(), m.GetDirectPath()
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return "video", "", m.GetCaption(), m.GetDirectPath()
	case msg.GetAudioMessage() != nil:
		return "audio", "", "", msg.GetAudioMessage().GetDirectPath()
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return "document", "", m.GetCaption(), m.GetDirectPath()
	case msg.GetStickerMessage() != nil:
		return "sticker", "", "", msg.GetStickerMessage().GetDirectPath()
	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		return "location", "", strconv.FormatFloat(m.GetDegreesLatitude(), 'f', -1, 64) + "," +
			strconv.FormatFloat(m.GetDegreesLongitude(), 'f', -1, 64), ""
	case msg.GetContactMessage() != nil:
		return "contacts", "", msg.GetContactMessage().GetDisplayName(), ""
	}
	return "", "", "", ""
}

// MessageEnvelope converts an incoming message into the raw envelope the
// webhook adapter reads. It returns nil for messages without content.
func MessageEnvelope(evt *events.Message) *adapter.UnofficialEnvelope {
	kind, text, caption, directPath := describe(evt.Message)
	if kind == "" {
		return nil
	}
	return &adapter.UnofficialEnvelope{
		Event: adapter.EnvelopeMessage,
		Key: &adapter.MessageKey{
			RemoteJID: evt.Info.Chat.String(),
			FromMe:    evt.Info.IsFromMe,
			ID:        string(evt.Info.ID),
		},
		PushName:         evt.Info.PushName,
		MessageTimestamp: evt.Info.Timestamp.Unix(),
		Message: &adapter.UnofficialMessage{
			Kind:         kind,
			Conversation: text,
			Caption:      caption,
			DirectPath:   directPath,
		},
	}
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return "delivered"
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return "read"
	case types.ReceiptTypePlayed:
		return "played"
	}
	return ""
}

// ReceiptEnvelope converts a delivery receipt. Receipt kinds with no
// delivery meaning yield nil.
func ReceiptEnvelope(evt *events.Receipt) *adapter.UnofficialEnvelope {
	status := receiptStatus(evt.Type)
	if status == "" || len(evt.MessageIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		ids = append(ids, string(id))
	}
	return &adapter.UnofficialEnvelope{
		Event:            adapter.EnvelopeReceipt,
		MessageTimestamp: evt.Timestamp.Unix(),
		Receipt: &adapter.UnofficialReceipt{
			RemoteJID: evt.Chat.String(),
			IDs:       ids,
			Type:      status,
		},
	}
}
