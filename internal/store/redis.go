// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Stores JSON documents per key; SET NX on the message key is the dedup gate

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig contains configuration options for the Redis store
type RedisConfig struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "wagate:"
	KeyPrefix string
}

// RedisStore implements the Store interface on Redis.
//
// Key layout:
//
//	<prefix>tenant:<id>:session                     session status document
//	<prefix>tenant:<id>:msg:<mid>                   message document
//	<prefix>tenant:<id>:msgs                        sorted set of message ids by creation time
//	<prefix>tenant:<id>:msg:<mid>:deliveries        list of delivery documents
//	<prefix>tenant:<id>:conv:<peer>                 conversation document
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "wagate:"
	}

	return &RedisStore{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		logger:    slog.Default().With("component", "store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) tenantKey(tenantID string, parts ...string) string {
	key := s.keyPrefix + "tenant:" + tenantID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.client.Close()
}

// LoadSession returns the persisted status record for a tenant.
func (s *RedisStore) LoadSession(ctx context.Context, tenantID string) (*SessionRecord, error) {
	var doc sessionDoc
	if err := s.getJSON(ctx, s.tenantKey(tenantID, "session"), &doc); err != nil {
		return nil, err
	}
	return &SessionRecord{
		TenantID:  tenantID,
		Status:    doc.Status,
		Reason:    doc.Reason,
		ReadyAt:   doc.ReadyAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// SaveSession overwrites the status document for a tenant.
func (s *RedisStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	doc := sessionDoc{
		Status:    rec.Status,
		Reason:    rec.Reason,
		ReadyAt:   rec.ReadyAt,
		UpdatedAt: rec.UpdatedAt,
	}
	return s.setJSON(ctx, s.tenantKey(rec.TenantID, "session"), doc)
}

// ClearSession removes the status document. Deleting an absent key is a no-op.
func (s *RedisStore) ClearSession(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.tenantKey(tenantID, "session")).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CreateMessage writes the message document with SET NX. The index entry is
// added first so that a failure leaves nothing that would make a retry look
// like a duplicate; ZADD NX makes re-adding it a no-op and ListMessages skips
// index entries without a document.
func (s *RedisStore) CreateMessage(ctx context.Context, msg *MessageRecord) error {
	data, err := json.Marshal(toMessageDoc(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.index(ctx, msg); err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.tenantKey(msg.TenantID, "msg", msg.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	if !ok {
		return ErrDuplicateMessage
	}

	s.logger.Debug("created message", "tenant_id", msg.TenantID, "id", msg.ID, "direction", msg.Direction)
	return nil
}

// LinkConversation sets the conversation id on a stored message document.
// XX keeps a concurrent delete from being undone.
func (s *RedisStore) LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) error {
	key := s.tenantKey(tenantID, "msg", messageID)

	var doc messageDoc
	if err := s.getJSON(ctx, key, &doc); err != nil {
		return err
	}
	doc.ConversationID = conversationID

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ok, err := s.client.SetXX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to link conversation: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// SaveOutbound overwrites an outbound message document.
func (s *RedisStore) SaveOutbound(ctx context.Context, msg *MessageRecord) error {
	doc := toMessageDoc(msg)
	doc.Direction = DirectionOut

	if err := s.setJSON(ctx, s.tenantKey(msg.TenantID, "msg", msg.ID), doc); err != nil {
		return err
	}
	return s.index(ctx, msg)
}

func (s *RedisStore) index(ctx context.Context, msg *MessageRecord) error {
	z := redis.Z{Score: float64(msg.CreatedAt.UnixNano()), Member: msg.ID}
	if err := s.client.ZAddNX(ctx, s.tenantKey(msg.TenantID, "msgs"), z).Err(); err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	return nil
}

// GetMessage returns a single message record.
func (s *RedisStore) GetMessage(ctx context.Context, tenantID, id string) (*MessageRecord, error) {
	var doc messageDoc
	if err := s.getJSON(ctx, s.tenantKey(tenantID, "msg", id), &doc); err != nil {
		return nil, err
	}
	return fromMessageDoc(tenantID, &doc), nil
}

// ListMessages returns the latest messages for a tenant in chronological order.
func (s *RedisStore) ListMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.client.ZRevRange(ctx, s.tenantKey(tenantID, "msgs"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.tenantKey(tenantID, "msg", id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	msgs := make([]*MessageRecord, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		var doc messageDoc
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, fromMessageDoc(tenantID, &doc))
	}
	return msgs, nil
}

// AppendDelivery pushes a delivery document onto the message's list.
func (s *RedisStore) AppendDelivery(ctx context.Context, d *DeliveryRecord) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	data, err := json.Marshal(deliveryDoc{
		ID:        d.ID,
		Text:      d.Text,
		Delivered: d.Delivered,
		CreatedAt: d.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := s.client.RPush(ctx, s.tenantKey(d.TenantID, "msg", d.MessageID, "deliveries"), data).Err(); err != nil {
		return fmt.Errorf("failed to append delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the delivery attempts for a message, oldest first.
func (s *RedisStore) ListDeliveries(ctx context.Context, tenantID, messageID string) ([]*DeliveryRecord, error) {
	vals, err := s.client.LRange(ctx, s.tenantKey(tenantID, "msg", messageID, "deliveries"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	out := make([]*DeliveryRecord, 0, len(vals))
	for _, v := range vals {
		var doc deliveryDoc
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
		}
		out = append(out, &DeliveryRecord{
			ID:        doc.ID,
			TenantID:  tenantID,
			MessageID: messageID,
			Text:      doc.Text,
			Delivered: doc.Delivered,
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, nil
}

// UpsertConversation creates the conversation document with SET NX, or bumps
// LastMessageAt on the existing one.
func (s *RedisStore) UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) (*Conversation, error) {
	key := s.tenantKey(tenantID, "conv", peer)

	doc := conversationDoc{
		ID:            uuid.New().String(),
		Status:        ConversationStatusActive,
		CreatedAt:     at,
		LastMessageAt: at,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	if !created {
		if err := s.getJSON(ctx, key, &doc); err != nil {
			return nil, err
		}
		if at.After(doc.LastMessageAt) {
			doc.LastMessageAt = at
			if err := s.setJSON(ctx, key, doc); err != nil {
				return nil, err
			}
		}
	}

	return &Conversation{
		ID:            doc.ID,
		TenantID:      tenantID,
		Peer:          peer,
		Status:        doc.Status,
		CreatedAt:     doc.CreatedAt,
		LastMessageAt: doc.LastMessageAt,
	}, nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) error {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}
