// ABOUTME: Filesystem implementation of the Store interface
// ABOUTME: One JSON document per tenant session, message files created with O_EXCL as the dedup gate

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore implements the Store interface on a local directory.
//
// Layout:
//
//	<dir>/<tenant>.json                                session status
//	<dir>/<tenant>/messages/<id>.json                  message records
//	<dir>/<tenant>/deliveries/<id>/<delivery>.json     delivery attempts
//	<dir>/<tenant>/conversations/<peer>.json           conversations
type FileStore struct {
	dir    string
	logger *slog.Logger

	// serializes read-modify-write of conversation and message documents
	rmwMu sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	logger := slog.Default().With("component", "store", "backend", "file")
	logger.Info("file store initialized", "dir", dir)

	return &FileStore{dir: dir, logger: logger}, nil
}

// escape makes an identifier safe to use as a single path element.
func escape(name string) string {
	return url.PathEscape(name)
}

func (s *FileStore) sessionPath(tenantID string) string {
	return filepath.Join(s.dir, escape(tenantID)+".json")
}

func (s *FileStore) tenantDir(tenantID string, parts ...string) string {
	elems := append([]string{s.dir, escape(tenantID)}, parts...)
	return filepath.Join(elems...)
}

// Ping checks the store directory is still present
func (s *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}

// LoadSession returns the persisted status record for a tenant.
func (s *FileStore) LoadSession(ctx context.Context, tenantID string) (*SessionRecord, error) {
	var doc sessionDoc
	if err := readJSON(s.sessionPath(tenantID), &doc); err != nil {
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

// SaveSession replaces the tenant's status document atomically.
func (s *FileStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	return writeJSONAtomic(s.sessionPath(rec.TenantID), sessionDoc{
		Status:    rec.Status,
		Reason:    rec.Reason,
		ReadyAt:   rec.ReadyAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

// ClearSession removes the tenant's status document.
func (s *FileStore) ClearSession(ctx context.Context, tenantID string) error {
	if err := os.Remove(s.sessionPath(tenantID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// CreateMessage creates the message file with O_EXCL so a second create for
// the same id fails with ErrDuplicateMessage.
func (s *FileStore) CreateMessage(ctx context.Context, msg *MessageRecord) error {
	dir := s.tenantDir(msg.TenantID, "messages")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating messages directory: %w", err)
	}

	data, err := json.Marshal(toMessageDoc(msg))
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, escape(msg.ID)+".json"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing message file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing message file: %w", err)
	}

	s.logger.Debug("created message", "tenant_id", msg.TenantID, "id", msg.ID, "direction", msg.Direction)
	return nil
}

// LinkConversation rewrites the message document with its conversation id.
func (s *FileStore) LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) error {
	s.rmwMu.Lock()
	defer s.rmwMu.Unlock()

	path := filepath.Join(s.tenantDir(tenantID, "messages"), escape(messageID)+".json")
	var doc messageDoc
	if err := readJSON(path, &doc); err != nil {
		return err
	}
	doc.ConversationID = conversationID
	return writeJSONAtomic(path, doc)
}

// SaveOutbound overwrites an outbound message file.
func (s *FileStore) SaveOutbound(ctx context.Context, msg *MessageRecord) error {
	dir := s.tenantDir(msg.TenantID, "messages")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating messages directory: %w", err)
	}

	doc := toMessageDoc(msg)
	doc.Direction = DirectionOut
	return writeJSONAtomic(filepath.Join(dir, escape(msg.ID)+".json"), doc)
}

// GetMessage reads a single message record.
func (s *FileStore) GetMessage(ctx context.Context, tenantID, id string) (*MessageRecord, error) {
	var doc messageDoc
	if err := readJSON(filepath.Join(s.tenantDir(tenantID, "messages"), escape(id)+".json"), &doc); err != nil {
		return nil, err
	}
	return fromMessageDoc(tenantID, &doc), nil
}

// ListMessages returns the latest messages for a tenant in chronological order.
func (s *FileStore) ListMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	dir := s.tenantDir(tenantID, "messages")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading messages directory: %w", err)
	}

	var msgs []*MessageRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var doc messageDoc
		if err := readJSON(filepath.Join(dir, e.Name()), &doc); err != nil {
			return nil, err
		}
		msgs = append(msgs, fromMessageDoc(tenantID, &doc))
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// AppendDelivery writes one file per delivery attempt.
func (s *FileStore) AppendDelivery(ctx context.Context, d *DeliveryRecord) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	dir := s.tenantDir(d.TenantID, "deliveries", escape(d.MessageID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating deliveries directory: %w", err)
	}

	return writeJSONAtomic(filepath.Join(dir, escape(d.ID)+".json"), deliveryDoc{
		ID:        d.ID,
		Text:      d.Text,
		Delivered: d.Delivered,
		CreatedAt: d.CreatedAt,
	})
}

// ListDeliveries returns the delivery attempts for a message, oldest first.
func (s *FileStore) ListDeliveries(ctx context.Context, tenantID, messageID string) ([]*DeliveryRecord, error) {
	dir := s.tenantDir(tenantID, "deliveries", escape(messageID))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading deliveries directory: %w", err)
	}

	var out []*DeliveryRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var doc deliveryDoc
		if err := readJSON(filepath.Join(dir, e.Name()), &doc); err != nil {
			return nil, err
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

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpsertConversation finds or creates the conversation file for a peer.
func (s *FileStore) UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) (*Conversation, error) {
	s.rmwMu.Lock()
	defer s.rmwMu.Unlock()

	dir := s.tenantDir(tenantID, "conversations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating conversations directory: %w", err)
	}
	path := filepath.Join(dir, escape(peer)+".json")

	var doc conversationDoc
	err := readJSON(path, &doc)
	switch {
	case errors.Is(err, ErrNotFound):
		doc = conversationDoc{
			ID:            uuid.New().String(),
			Status:        ConversationStatusActive,
			CreatedAt:     at,
			LastMessageAt: at,
		}
	case err != nil:
		return nil, err
	case at.After(doc.LastMessageAt):
		doc.LastMessageAt = at
	}

	if err := writeJSONAtomic(path, doc); err != nil {
		return nil, err
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

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes to a temp file in the same directory and renames it
// into place so readers never observe a partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
