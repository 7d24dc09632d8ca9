// Package store provides persistent storage for tenants, conversations and messages.
//
// # Backends
//
// The Store interface has three implementations:
//
//   - SQLiteStore: modernc.org/sqlite, schema created on open, single writer connection
//   - PostgresStore: pgx stdlib driver, schema managed by golang-migrate (migrations/)
//   - MockStore: in-memory, for unit tests in other packages
//
// SQLiteStore and PostgresStore share one database/sql implementation; a small
// dialect value covers placeholders, row locks and timestamp encoding.
//
// # Ordering
//
// AppendMessage assigns each message a per-conversation Seq (1, 2, 3, ...) and a
// CreatedAt strictly after the previous message, both inside the transaction that
// inserts the row. ListMessages returns messages ordered by (CreatedAt, Seq), so
// any two reads of the same conversation agree on a common prefix. The
// conversation's UpdatedAt is moved forward in the same transaction and never
// moves backwards.
//
// # Ownership
//
// Writes that take an owner ID (AppendMessage, RenameConversation,
// DeleteConversation) check ownership inside their transaction. A failed check
// returns ErrUnauthorized and writes nothing.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrUnauthorized: Caller does not own the conversation
//   - ErrStorage: The backend failed; the driver error is kept in the chain
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	s.FailAppendFor = store.SenderBot // inject a storage failure
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
