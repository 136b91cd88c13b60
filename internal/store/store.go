// ABOUTME: Store interface and data types for wagate persistence
// ABOUTME: Defines session status records, message records, deliveries and conversations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned by CreateMessage when a record with the same
// (tenant, id) key already exists. It is the durable dedup signal.
var ErrDuplicateMessage = errors.New("message already exists")

// Message directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ConversationStatusActive is the only conversation status the gateway writes.
const ConversationStatusActive = "active"

// SessionRecord is the persisted status of a tenant's session. It survives
// restarts for observability only; the live registry is never rebuilt from it.
type SessionRecord struct {
	TenantID  string
	Status    string
	Reason    string
	ReadyAt   *time.Time
	UpdatedAt time.Time
}

// MessageRecord is a single inbound or outbound message, keyed by (TenantID, ID).
type MessageRecord struct {
	TenantID       string
	ID             string
	ConversationID string
	Direction      string // "in" or "out"
	Peer           string
	Text           string
	Delivered      bool
	Raw            map[string]string // engine metadata (type, timestamp, chat id)
	CreatedAt      time.Time
}

// DeliveryRecord captures one reply delivery attempt for an inbound message.
type DeliveryRecord struct {
	ID        string
	TenantID  string
	MessageID string
	Text      string
	Delivered bool
	CreatedAt time.Time
}

// Conversation groups messages exchanged with one peer of a tenant.
type Conversation struct {
	ID            string
	TenantID      string
	Peer          string
	Status        string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Store defines the persistence operations used by the gateway.
// Calls for different tenants never interfere; session writes for the same
// tenant are last-write-wins.
type Store interface {
	// LoadSession returns the persisted status for a tenant or ErrNotFound.
	LoadSession(ctx context.Context, tenantID string) (*SessionRecord, error)

	// SaveSession upserts the status record for rec.TenantID.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// ClearSession removes the status record. Clearing an absent record is not an error.
	ClearSession(ctx context.Context, tenantID string) error

	// CreateMessage atomically creates the record if (TenantID, ID) is absent.
	// Returns ErrDuplicateMessage when it already exists.
	CreateMessage(ctx context.Context, msg *MessageRecord) error

	// GetMessage returns a message record or ErrNotFound.
	GetMessage(ctx context.Context, tenantID, id string) (*MessageRecord, error)

	// LinkConversation sets the conversation of a stored message.
	// Returns ErrNotFound when the message does not exist.
	LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) error

	// SaveOutbound upserts an outbound message record.
	SaveOutbound(ctx context.Context, msg *MessageRecord) error

	// ListMessages returns up to limit of the most recent messages for a
	// tenant in chronological order.
	ListMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error)

	// AppendDelivery records a delivery attempt under its inbound message.
	AppendDelivery(ctx context.Context, d *DeliveryRecord) error

	// ListDeliveries returns the delivery attempts for one message, oldest first.
	ListDeliveries(ctx context.Context, tenantID, messageID string) ([]*DeliveryRecord, error)

	// UpsertConversation finds or creates the active conversation with peer
	// and bumps its LastMessageAt to at.
	UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) (*Conversation, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
