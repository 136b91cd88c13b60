// ABOUTME: Connection-engine contract shared by the WhatsApp and Matrix drivers
// ABOUTME: Defines Engine, Conn, the lifecycle Event kinds and the inbound message shape

package engine

import (
	"context"
	"path/filepath"
	"time"
)

// EventKind identifies a lifecycle or message event raised by a connection.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// Message types the inbound pipeline understands.
const (
	MessageTypeChat  = "chat"
	MessageTypeOther = "other"
)

// Event is delivered to the Handler given at Open.
type Event struct {
	Kind EventKind

	// QR carries the pairing payload for EventQR.
	QR string

	// Reason explains EventAuthFailure and EventDisconnected, e.g. "LOGOUT".
	Reason string

	// Message is set for EventMessage.
	Message *InboundMessage
}

// InboundMessage is a message received by a tenant's account.
type InboundMessage struct {
	ID        string
	From      string // sender address in the engine's native form
	Chat      string // where replies go; a 1:1 chat or a room
	Body      string
	Type      string // MessageTypeChat for plain text
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time
	Raw       map[string]string
}

// Handler receives events for one connection. Engines call it from their own
// goroutines; it must not block for long.
type Handler func(Event)

// Options configures a connection at Open.
type Options struct {
	TenantID string

	// ProfileDir is the tenant's private credential namespace.
	ProfileDir string

	Handler Handler
}

// Engine constructs per-tenant connections.
type Engine interface {
	// Open builds a connection without contacting the network.
	Open(ctx context.Context, opts Options) (Conn, error)
}

// Conn is one tenant's live connection. It is owned exclusively by the
// session that opened it.
type Conn interface {
	// Connect starts the connection and returns once it is running. Pairing
	// and readiness are reported later through the Handler.
	Connect(ctx context.Context) error

	// SendText sends a text message to a recipient address.
	SendText(ctx context.Context, to, text string) error

	// Close tears the connection down. It is safe to call more than once.
	Close(ctx context.Context) error
}

// ProfileDir returns the credential directory for a tenant under root.
func ProfileDir(root, tenantID string) string {
	return filepath.Join(root, "tenant_"+tenantID)
}
