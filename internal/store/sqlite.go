// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session status, messages, deliveries and conversations with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database is per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ready_at TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			peer TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_message_at TEXT NOT NULL,
			UNIQUE(tenant_id, peer)
		);

		CREATE TABLE IF NOT EXISTS messages (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			peer TEXT NOT NULL,
			text TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			raw TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_tenant_created
			ON messages(tenant_id, created_at);

		CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			text TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_deliveries_message
			ON deliveries(tenant_id, message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadSession returns the persisted status record for a tenant.
func (s *SQLiteStore) LoadSession(ctx context.Context, tenantID string) (*SessionRecord, error) {
	var rec SessionRecord
	var readyAt sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, status, reason, ready_at, updated_at FROM sessions WHERE tenant_id = ?`,
		tenantID,
	).Scan(&rec.TenantID, &rec.Status, &rec.Reason, &readyAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if readyAt.Valid {
		t, err := parseTime(readyAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ready_at: %w", err)
		}
		rec.ReadyAt = &t
	}
	return &rec, nil
}

// SaveSession upserts the status record for a tenant.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	var readyAt any
	if rec.ReadyAt != nil {
		readyAt = formatTime(*rec.ReadyAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, status, reason, ready_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			ready_at = excluded.ready_at,
			updated_at = excluded.updated_at
	`, rec.TenantID, rec.Status, rec.Reason, readyAt, formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// ClearSession deletes the status record for a tenant.
func (s *SQLiteStore) ClearSession(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CreateMessage inserts a message record. The primary key on (tenant_id, id)
// makes the insert the dedup gate.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *MessageRecord) error {
	raw, err := encodeRaw(msg.Raw)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, id, conversation_id, direction, peer, text, delivered, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.TenantID, msg.ID, msg.ConversationID, msg.Direction, msg.Peer, msg.Text, msg.Delivered, raw, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message", "tenant_id", msg.TenantID, "id", msg.ID, "direction", msg.Direction)
	return nil
}

// LinkConversation sets the conversation id of a stored message.
func (s *SQLiteStore) LinkConversation(ctx context.Context, tenantID, messageID, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET conversation_id = ? WHERE tenant_id = ? AND id = ?
	`, conversationID, tenantID, messageID)
	if err != nil {
		return fmt.Errorf("linking conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveOutbound upserts an outbound message record.
func (s *SQLiteStore) SaveOutbound(ctx context.Context, msg *MessageRecord) error {
	raw, err := encodeRaw(msg.Raw)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (tenant_id, id, conversation_id, direction, peer, text, delivered, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			text = excluded.text,
			delivered = excluded.delivered,
			raw = excluded.raw
	`, msg.TenantID, msg.ID, msg.ConversationID, DirectionOut, msg.Peer, msg.Text, msg.Delivered, raw, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting outbound message: %w", err)
	}
	return nil
}

// GetMessage returns a single message record.
func (s *SQLiteStore) GetMessage(ctx context.Context, tenantID, id string) (*MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, conversation_id, direction, peer, text, delivered, raw, created_at
		FROM messages WHERE tenant_id = ? AND id = ?
	`, tenantID, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the latest messages for a tenant in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, tenantID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	// Select newest first to apply the limit, then reverse
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, conversation_id, direction, peer, text, delivered, raw, created_at
		FROM messages WHERE tenant_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*MessageRecord
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendDelivery records a delivery attempt.
func (s *SQLiteStore) AppendDelivery(ctx context.Context, d *DeliveryRecord) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, tenant_id, message_id, text, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID, d.TenantID, d.MessageID, d.Text, d.Delivered, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the delivery attempts for a message, oldest first.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, tenantID, messageID string) ([]*DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, message_id, text, delivered, created_at
		FROM deliveries WHERE tenant_id = ? AND message_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, tenantID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryRecord
	for rows.Next() {
		var d DeliveryRecord
		var createdAt string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.MessageID, &d.Text, &d.Delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpsertConversation finds or creates the conversation with a peer and bumps
// its last message time.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, tenantID, peer string, at time.Time) (*Conversation, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, peer, status, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, peer) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at)
	`, uuid.New().String(), tenantID, peer, ConversationStatusActive, formatTime(at), formatTime(at))
	if err != nil {
		return nil, fmt.Errorf("upserting conversation: %w", err)
	}

	var c Conversation
	var createdAt, lastAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, peer, status, created_at, last_message_at
		FROM conversations WHERE tenant_id = ? AND peer = ?
	`, tenantID, peer).Scan(&c.ID, &c.TenantID, &c.Peer, &c.Status, &createdAt, &lastAt)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.LastMessageAt, err = parseTime(lastAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*MessageRecord, error) {
	var msg MessageRecord
	var raw sql.NullString
	var createdAt string

	if err := row.Scan(&msg.TenantID, &msg.ID, &msg.ConversationID, &msg.Direction, &msg.Peer, &msg.Text, &msg.Delivered, &raw, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &msg.Raw); err != nil {
			return nil, fmt.Errorf("decoding raw: %w", err)
		}
	}
	return &msg, nil
}

func encodeRaw(raw map[string]string) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding raw: %w", err)
	}
	return string(b), nil
}

// timeLayout is fixed width so that lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
