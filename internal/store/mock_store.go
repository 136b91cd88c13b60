// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps with optional injected errors, no SQLite required

package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Setting one of the Err fields makes the matching operation fail.
type MockStore struct {
	mu            sync.RWMutex
	sessions      map[string]*SessionRecord   // keyed by tenant ID
	messages      map[string]*MessageRecord   // keyed by "tenantID:messageID"
	order         map[string][]string         // message keys per tenant, insertion order
	deliveries    map[string][]DeliveryRecord // keyed by "tenantID:messageID"
	conversations map[string]*Conversation    // keyed by "tenantID:peer"

	SaveSessionErr   error
	CreateMessageErr error
	DeliveryErr      error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:      make(map[string]*SessionRecord),
		messages:      make(map[string]*MessageRecord),
		order:         make(map[string][]string),
		deliveries:    make(map[string][]DeliveryRecord),
		conversations: make(map[string]*Conversation),
	}
}

// LoadSession returns the stored session record.
func (m *MockStore) LoadSession(ctx context.Context, tenantID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// SaveSession stores a copy of the record.
func (m *MockStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveSessionErr != nil {
		return m.SaveSessionErr
	}
	r := *rec
	m.sessions[rec.TenantID] = &r
	return nil
}

// ClearSession deletes the record if present.
func (m *MockStore) ClearSession(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, tenantID)
	return nil
}

// CreateMessage stores the message unless the key already exists.
func (m *MockStore) CreateMessage(ctx context.Context, msg *MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateMessageErr != nil {
		return m.CreateMessageErr
	}

	key := msg.TenantID + ":" + msg.ID
	if _, exists := m.messages[key]; exists {
		return ErrDuplicateMessage
	}
	m.put(key, msg)
	return nil
}

// LinkConversation sets the conversation id of a stored message.
func (m *MockStore) LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[tenantID+":"+messageID]
	if !ok {
		return ErrNotFound
	}
	msg.ConversationID = conversationID
	return nil
}

// Conversation returns a copy of the stored conversation with peer.
func (m *MockStore) Conversation(tenantID, peer string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[tenantID+":"+peer]
	if !ok {
		return nil, false
	}
	c := *conv
	return &c, true
}

// SaveOutbound upserts an outbound message.
func (m *MockStore) SaveOutbound(ctx context.Context, msg *MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.TenantID + ":" + msg.ID
	if _, exists := m.messages[key]; exists {
		c := *msg
		c.Direction = DirectionOut
		c.Raw = maps.Clone(msg.Raw)
		m.messages[key] = &c
		return nil
	}
	m.put(key, msg)
	m.messages[key].Direction = DirectionOut
	return nil
}

// put must be called with mu held.
func (m *MockStore) put(key string, msg *MessageRecord) {
	c := *msg
	c.Raw = maps.Clone(msg.Raw)
	m.messages[key] = &c
	m.order[msg.TenantID] = append(m.order[msg.TenantID], key)
}

// GetMessage returns a copy of a stored message.
func (m *MockStore) GetMessage(ctx context.Context, tenantID, id string) (*MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[tenantID+":"+id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	c.Raw = maps.Clone(msg.Raw)
	return &c, nil
}

// ListMessages returns the latest messages in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*MessageRecord
	for _, key := range m.order[tenantID] {
		c := *m.messages[key]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// AppendDelivery records a delivery attempt.
func (m *MockStore) AppendDelivery(ctx context.Context, d *DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeliveryErr != nil {
		return m.DeliveryErr
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	key := d.TenantID + ":" + d.MessageID
	m.deliveries[key] = append(m.deliveries[key], *d)
	return nil
}

// ListDeliveries returns the recorded attempts for a message.
func (m *MockStore) ListDeliveries(ctx context.Context, tenantID, messageID string) ([]*DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DeliveryRecord
	for _, d := range m.deliveries[tenantID+":"+messageID] {
		c := d
		out = append(out, &c)
	}
	return out, nil
}

// UpsertConversation finds or creates the conversation for a peer.
func (m *MockStore) UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + ":" + peer
	conv, ok := m.conversations[key]
	if !ok {
		conv = &Conversation{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			Peer:          peer,
			Status:        ConversationStatusActive,
			CreatedAt:     at,
			LastMessageAt: at,
		}
		m.conversations[key] = conv
	} else if at.After(conv.LastMessageAt) {
		conv.LastMessageAt = at
	}
	c := *conv
	return &c, nil
}

// MessageCount returns the number of stored messages for a tenant.
func (m *MockStore) MessageCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order[tenantID])
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
