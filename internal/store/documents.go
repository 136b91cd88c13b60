// ABOUTME: JSON document shapes shared by the Redis and file backends
// ABOUTME: Converts between store records and their serialized form

package store

import "time"

type sessionDoc struct {
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type messageDoc struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Direction      string            `json:"direction"`
	Peer           string            `json:"peer"`
	Text           string            `json:"text"`
	Delivered      bool              `json:"delivered"`
	Raw            map[string]string `json:"raw,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type deliveryDoc struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Delivered bool      `json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

type conversationDoc struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

func toMessageDoc(msg *MessageRecord) messageDoc {
	return messageDoc{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Direction:      msg.Direction,
		Peer:           msg.Peer,
		Text:           msg.Text,
		Delivered:      msg.Delivered,
		Raw:            msg.Raw,
		CreatedAt:      msg.CreatedAt,
	}
}

func fromMessageDoc(tenantID string, doc *messageDoc) *MessageRecord {
	return &MessageRecord{
		TenantID:       tenantID,
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		Direction:      doc.Direction,
		Peer:           doc.Peer,
		Text:           doc.Text,
		Delivered:      doc.Delivered,
		Raw:            doc.Raw,
		CreatedAt:      doc.CreatedAt,
	}
}
