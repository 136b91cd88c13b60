// ABOUTME: Best-effort persistence wrapper around a Store
// ABOUTME: Writes log and swallow their errors so callers never branch on persistence outcome

package store

import (
	"context"
	"log/slog"
	"time"
)

// BestEffort performs persistence writes whose failure must not affect the
// caller. Every failure is logged with the tenant it concerns.
type BestEffort struct {
	store  Store
	logger *slog.Logger
}

// NewBestEffort wraps s.
func NewBestEffort(s Store, logger *slog.Logger) *BestEffort {
	return &BestEffort{store: s, logger: logger.With("component", "persist")}
}

// SaveSession persists a status record.
func (b *BestEffort) SaveSession(ctx context.Context, rec *SessionRecord) {
	if err := b.store.SaveSession(ctx, rec); err != nil {
		b.logger.Warn("failed to persist session status",
			"tenant_id", rec.TenantID, "status", rec.Status, "error", err)
	}
}

// ClearSession removes a status record.
func (b *BestEffort) ClearSession(ctx context.Context, tenantID string) {
	if err := b.store.ClearSession(ctx, tenantID); err != nil {
		b.logger.Warn("failed to clear session status", "tenant_id", tenantID, "error", err)
	}
}

// AppendDelivery records a delivery attempt.
func (b *BestEffort) AppendDelivery(ctx context.Context, d *DeliveryRecord) {
	if err := b.store.AppendDelivery(ctx, d); err != nil {
		b.logger.Warn("failed to record delivery",
			"tenant_id", d.TenantID, "message_id", d.MessageID, "error", err)
	}
}

// SaveOutbound persists an outbound message.
func (b *BestEffort) SaveOutbound(ctx context.Context, msg *MessageRecord) {
	if err := b.store.SaveOutbound(ctx, msg); err != nil {
		b.logger.Warn("failed to record outbound message",
			"tenant_id", msg.TenantID, "message_id", msg.ID, "error", err)
	}
}

// LinkConversation attaches a stored message to its conversation.
func (b *BestEffort) LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) {
	if conversationID == "" {
		return
	}
	if err := b.store.LinkConversation(ctx, tenantID, messageID, conversationID); err != nil {
		b.logger.Warn("failed to link message to conversation",
			"tenant_id", tenantID, "message_id", messageID, "error", err)
	}
}

// UpsertConversation returns the conversation id, or "" when it could not be stored.
func (b *BestEffort) UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) string {
	conv, err := b.store.UpsertConversation(ctx, tenantID, peer, at)
	if err != nil {
		b.logger.Warn("failed to upsert conversation", "tenant_id", tenantID, "error", err)
		return ""
	}
	return conv.ID
}
