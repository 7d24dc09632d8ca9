// ABOUTME: database/sql implementation of the Store interface shared by SQLite and Postgres
// ABOUTME: A small dialect value covers placeholders, row locks and timestamp encoding

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is a fixed-width UTC layout so TEXT timestamps sort chronologically in SQLite.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered switches "?" placeholders to "$1, $2, ..."
	numbered bool
	// lockClause is appended to row reads made inside write transactions
	lockClause string
	encodeTime func(time.Time) any
}

var sqliteDialect = dialect{
	name: "sqlite",
	encodeTime: func(t time.Time) any {
		return t.UTC().Format(timeLayout)
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	lockClause: " FOR UPDATE",
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
}

// rebind rewrites "?" placeholders for dialects that use numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dbTime scans timestamps stored either as TEXT (SQLite) or TIMESTAMPTZ (Postgres).
type dbTime struct {
	t time.Time
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.t = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		d.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (d *dbTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	d.t = t.UTC()
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store on top of database/sql
type sqlStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

const tenantColumns = `slug, webhook_url, status, created_at, updated_at`

const conversationColumns = `id, tenant_slug, owner_id, title, created_at, updated_at`

const messageColumns = `id, conversation_id, seq, kind, content, sender, media_url, created_at`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var status string
	var createdAt, updatedAt dbTime
	if err := row.Scan(&t.Slug, &t.WebhookURL, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = TenantStatus(status)
	t.CreatedAt = createdAt.t
	t.UpdatedAt = updatedAt.t
	return &t, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var title sql.NullString
	var createdAt, updatedAt dbTime
	if err := row.Scan(&c.ID, &c.TenantSlug, &c.OwnerID, &title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Title = stringPtr(title)
	c.CreatedAt = createdAt.t
	c.UpdatedAt = updatedAt.t
	return &c, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var kind, sender string
	var mediaURL sql.NullString
	var createdAt dbTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &kind, &m.Content, &sender, &mediaURL, &createdAt); err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	m.Sender = Sender(sender)
	m.MediaURL = stringPtr(mediaURL)
	m.CreatedAt = createdAt.t
	return &m, nil
}

// UpsertTenant inserts a tenant or updates its webhook URL and status.
func (s *sqlStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	if tenant.Slug == "" {
		return errors.New("tenant slug is required")
	}
	if !ValidSlug(tenant.Slug) {
		return fmt.Errorf("invalid tenant slug %q: must be lower-case without spaces", tenant.Slug)
	}
	if !tenant.Status.Valid() {
		return fmt.Errorf("invalid tenant status %q", tenant.Status)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	query := s.d.rebind(`
		INSERT INTO tenants (slug, webhook_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			status = excluded.status,
			updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query,
		tenant.Slug,
		tenant.WebhookURL,
		string(tenant.Status),
		s.d.encodeTime(tenant.CreatedAt),
		s.d.encodeTime(tenant.UpdatedAt),
	)
	if err != nil {
		return storageError("upserting tenant", err)
	}

	s.logger.Debug("upserted tenant", "slug", tenant.Slug, "status", tenant.Status)
	return nil
}

// GetTenant retrieves a tenant by slug.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *sqlStore) GetTenant(ctx context.Context, slug string) (*Tenant, error) {
	query := s.d.rebind(`SELECT ` + tenantColumns + ` FROM tenants WHERE slug = ?`)
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("querying tenant", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by slug.
func (s *sqlStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, storageError("querying tenants", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, storageError("scanning tenant", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterating tenants", err)
	}
	return tenants, nil
}

// CreateConversation inserts a new conversation. A missing ID is generated and
// zero timestamps are set to now.
func (s *sqlStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.CreatedAt = conv.CreatedAt.UTC().Truncate(time.Microsecond)
	if conv.UpdatedAt.IsZero() || conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}
	conv.UpdatedAt = conv.UpdatedAt.UTC().Truncate(time.Microsecond)

	query := s.d.rebind(`
		INSERT INTO conversations (id, tenant_slug, owner_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.TenantSlug,
		conv.OwnerID,
		nullableString(conv.Title),
		s.d.encodeTime(conv.CreatedAt),
		s.d.encodeTime(conv.UpdatedAt),
	)
	if err != nil {
		return storageError("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "tenant", conv.TenantSlug, "owner", conv.OwnerID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *sqlStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id, "")
}

func (s *sqlStore) getConversation(ctx context.Context, q queryer, id, lock string) (*Conversation, error) {
	query := s.d.rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?` + lock)
	conv, err := scanConversation(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("querying conversation", err)
	}
	return conv, nil
}

// lockOwnedConversation loads a conversation inside tx and checks ownership.
func (s *sqlStore) lockOwnedConversation(ctx context.Context, tx *sql.Tx, id, ownerID string) (*Conversation, error) {
	conv, err := s.getConversation(ctx, tx, id, s.d.lockClause)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *sqlStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE owner_id = ?`
	args := []any{filter.OwnerID}
	if filter.TenantSlug != "" {
		query += ` AND tenant_slug = ?`
		args = append(args, filter.TenantSlug)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, storageError("querying conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storageError("scanning conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterating conversations", err)
	}
	return convs, nil
}

// RenameConversation sets the title and bumps updated_at.
// Returns ErrNotFound or ErrUnauthorized without writing anything.
func (s *sqlStore) RenameConversation(ctx context.Context, id, ownerID string, title *string, at time.Time) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := s.lockOwnedConversation(ctx, tx, id, ownerID)
	if err != nil {
		return nil, err
	}

	updatedAt := laterOf(conv.UpdatedAt, at.UTC().Truncate(time.Microsecond))
	query := s.d.rebind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, nullableString(title), s.d.encodeTime(updatedAt), id); err != nil {
		return nil, storageError("renaming conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageError("committing rename", err)
	}

	conv.Title = title
	conv.UpdatedAt = updatedAt
	s.logger.Debug("renamed conversation", "id", id)
	return conv, nil
}

// DeleteConversation removes the conversation and all of its messages in one transaction.
func (s *sqlStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.lockOwnedConversation(ctx, tx, id, ownerID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM messages WHERE conversation_id = ?`), id)
	if err != nil {
		return storageError("deleting messages", err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return storageError("deleting conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("committing delete", err)
	}

	removed, _ := res.RowsAffected()
	s.logger.Debug("deleted conversation", "id", id, "messages", removed)
	return nil
}

// TouchConversation moves updated_at forward to at; it never moves it backwards.
func (s *sqlStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	touched, err := s.touch(ctx, s.db, id, at)
	if err != nil {
		return err
	}
	if touched {
		return nil
	}
	// Nothing updated: either the row is missing or updated_at is already later.
	_, err = s.getConversation(ctx, s.db, id, "")
	return err
}

func (s *sqlStore) touch(ctx context.Context, q queryer, id string, at time.Time) (bool, error) {
	at = at.UTC().Truncate(time.Microsecond)
	query := s.d.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`)
	res, err := q.ExecContext(ctx, query, s.d.encodeTime(at), id, s.d.encodeTime(at))
	if err != nil {
		return false, storageError("touching conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError("getting rows affected", err)
	}
	return n > 0, nil
}

// AppendMessage stores msg as the newest message of its conversation.
// Seq and CreatedAt are assigned here: CreatedAt is strictly after every earlier
// message (msg.CreatedAt, when set, is used as the clock reading).
func (s *sqlStore) AppendMessage(ctx context.Context, ownerID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.lockOwnedConversation(ctx, tx, msg.ConversationID, ownerID); err != nil {
		return err
	}

	var lastSeq int64
	var lastAt dbTime
	hasLast := true
	query := s.d.rebind(`SELECT seq, created_at FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`)
	err = tx.QueryRowContext(ctx, query, msg.ConversationID).Scan(&lastSeq, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		hasLast = false
	} else if err != nil {
		return storageError("querying last message", err)
	}

	now := msg.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	msg.Seq = lastSeq + 1
	msg.CreatedAt = nextCreatedAt(now, lastAt.t, hasLast)

	insert := s.d.rebind(`
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(ctx, insert,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		string(msg.Kind),
		msg.Content,
		string(msg.Sender),
		nullableString(msg.MediaURL),
		s.d.encodeTime(msg.CreatedAt),
	)
	if err != nil {
		return storageError("inserting message", err)
	}

	if _, err := s.touch(ctx, tx, msg.ConversationID, msg.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError("committing message", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq,
		"sender", msg.Sender)
	return nil
}

// ListMessages returns the conversation's messages with seq > afterSeq in ascending order.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *sqlStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]*Message, error) {
	if _, err := s.getConversation(ctx, s.db, conversationID, ""); err != nil {
		return nil, err
	}

	query := s.d.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY created_at ASC, seq ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSeq)
	if err != nil {
		return nil, storageError("querying messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageError("scanning message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterating messages", err)
	}
	return messages, nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("pinging database", err)
	}
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	s.logger.Info("closing store", "driver", s.d.name)
	return s.db.Close()
}
