// ABOUTME: Translation of whatsmeow events and QR channel items into engine events
// ABOUTME: Pure functions so the mapping can be tested without a network

package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/wagate/internal/engine"
)

// Disconnect reasons reported to the orchestrator
const (
	ReasonLogout    = "LOGOUT"
	ReasonConflict  = "CONFLICT"
	ReasonBanned    = "BANNED"
	ReasonQRTimeout = "QR_TIMEOUT"
)

// translate maps a whatsmeow event to zero or more engine events.
func translate(evt any) []engine.Event {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return []engine.Event{{Kind: engine.EventAuthenticated}}

	case *events.Connected:
		return []engine.Event{
			{Kind: engine.EventAuthenticated},
			{Kind: engine.EventReady},
		}

	case *events.ConnectFailure:
		return []engine.Event{{Kind: engine.EventAuthFailure, Reason: fmt.Sprintf("%v", e.Reason)}}

	case *events.LoggedOut:
		return []engine.Event{{Kind: engine.EventDisconnected, Reason: ReasonLogout}}

	case *events.StreamReplaced:
		return []engine.Event{{Kind: engine.EventDisconnected, Reason: ReasonConflict}}

	case *events.TemporaryBan:
		return []engine.Event{{Kind: engine.EventDisconnected, Reason: ReasonBanned}}

	case *events.Message:
		return []engine.Event{{Kind: engine.EventMessage, Message: toInbound(e)}}
	}
	return nil
}

// translateQR maps an item from the pairing channel.
func translateQR(item whatsmeow.QRChannelItem) (engine.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return engine.Event{Kind: engine.EventQR, QR: item.Code}, true
	case whatsmeow.QRChannelTimeout.Event:
		return engine.Event{Kind: engine.EventDisconnected, Reason: ReasonQRTimeout}, true
	case whatsmeow.QRChannelSuccess.Event:
		// PairSuccess arrives on the event handler
		return engine.Event{}, false
	case whatsmeow.QRChannelEventError:
		return engine.Event{Kind: engine.EventAuthFailure, Reason: fmt.Sprintf("%v", item.Error)}, true
	}
	return engine.Event{Kind: engine.EventAuthFailure, Reason: item.Event}, true
}

func toInbound(e *events.Message) *engine.InboundMessage {
	body := textOf(e.Message)
	msgType := engine.MessageTypeOther
	if body != "" {
		msgType = engine.MessageTypeChat
	}

	return &engine.InboundMessage{
		ID:        string(e.Info.ID),
		From:      e.Info.Sender.ToNonAD().String(),
		Chat:      e.Info.Chat.String(),
		Body:      body,
		Type:      msgType,
		FromMe:    e.Info.IsFromMe,
		IsGroup:   e.Info.IsGroup,
		Timestamp: e.Info.Timestamp,
		Raw: map[string]string{
			"chat":      e.Info.Chat.String(),
			"push_name": e.Info.PushName,
			"wa_type":   e.Info.Type,
		},
	}
}

// textOf extracts plain text from a message, or "" for media and other kinds.
func textOf(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if s := m.GetConversation(); s != "" {
		return s
	}
	return m.GetExtendedTextMessage().GetText()
}
