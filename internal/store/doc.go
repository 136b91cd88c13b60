// Package store provides persistence for session status and message history.
//
// # Architecture
//
// A single Store interface covers both concerns:
//
//   - Session status: LoadSession, SaveSession, ClearSession
//   - Messages: CreateMessage (the durable dedup gate), GetMessage,
//     SaveOutbound, ListMessages, AppendDelivery, ListDeliveries
//   - Conversations: UpsertConversation
//
// Three backends implement it, selected by store.backend through Open:
//
//   - SQLiteStore: modernc.org/sqlite with WAL, schema created on open
//   - RedisStore: JSON documents in Redis, SET NX for message creation
//   - FileStore: JSON files under a directory, O_EXCL for message creation
//
// MockStore is an in-memory implementation for unit tests.
//
// # Best-effort writes
//
// Status persistence and delivery records must never fail the operation that
// triggered them. BestEffort wraps a Store, logs each failure with its tenant
// and returns nothing.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateMessage: a message with this (tenant, id) was already created
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite. RedisStore tests run against miniredis.
package store
