// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides conversation/message persistence with automatic schema creation

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
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by OpenSQLiteStore.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	clock  *stampClock
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(DriverModernc, path)
}

// OpenSQLiteStore creates a new SQLite store at the given path with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs are per connection and :memory: databases are per connection too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		clock:  newStampClock(),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.seedClock(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding clock: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are stored as unix microseconds so that ordering is numeric.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_created
			ON conversations(created_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       INTEGER NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'metadata'`,
			apply:  `ALTER TABLE messages ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'`,
			table:  "messages",
			column: "metadata",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// seedClock makes sure new timestamps sort after everything already stored.
func (s *SQLiteStore) seedClock() error {
	var maxConv, maxMsg sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(created_at) FROM conversations`).Scan(&maxConv); err != nil {
		return err
	}
	if err := s.db.QueryRow(`SELECT MAX(timestamp) FROM messages`).Scan(&maxMsg); err != nil {
		return err
	}
	latest := maxConv.Int64
	if maxMsg.Int64 > latest {
		latest = maxMsg.Int64
	}
	if latest > 0 {
		s.clock.observe(time.UnixMicro(latest))
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new conversation with a store-assigned id and
// creation time. An empty title is replaced by DefaultConversationTitle.
func (s *SQLiteStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	if title == "" {
		title = DefaultConversationTitle
	}
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: s.clock.next(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at)
		VALUES (?, ?, ?)
	`, conv.ID, conv.Title, conv.CreatedAt.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at
		FROM conversations
		WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation applies the non-nil fields of update.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	if update.Title == nil {
		_, err := s.GetConversation(ctx, id)
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?
		WHERE id = ?
	`, *update.Title, id)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", id)
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
// Deleting an id that no longer exists is not an error.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msgResult, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	removed, _ := msgResult.RowsAffected()
	s.logger.Debug("deleted conversation", "id", id, "messages", removed)
	return nil
}

// ListConversations returns all conversations, most recently created first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at
		FROM conversations
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return conversations, nil
}

// AddMessage inserts msg with a store-assigned id and timestamp and returns
// the stored copy. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) (*Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", msg.Role)
	}

	stored := *msg
	stored.ID = uuid.New().String()
	stored.Metadata = normalizeMetadata(msg.Metadata)

	metadataJSON, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, stored.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	stored.Timestamp = s.clock.next()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		stored.ID,
		stored.ConversationID,
		string(stored.Role),
		stored.Content,
		string(metadataJSON),
		stored.Timestamp.UnixMicro(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", stored.ID, "conversation_id", stored.ConversationID, "role", stored.Role)
	return &stored, nil
}

// ListMessages returns the messages of a conversation in chronological order (oldest first).
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, metadata, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var role, metadataJSON string
		var ts int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadataJSON, &ts); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = Role(role)
		msg.Timestamp = time.UnixMicro(ts).UTC()
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for message %s: %w", msg.ID, err)
			}
		}
		msg.Metadata = normalizeMetadata(msg.Metadata)

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var createdAt int64
	if err := row.Scan(&conv.ID, &conv.Title, &createdAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMicro(createdAt).UTC()
	return &conv, nil
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY constraint violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// normalizeMetadata guarantees a non-nil steps slice so it encodes as [].
func normalizeMetadata(m Metadata) Metadata {
	if m.Steps == nil {
		return Metadata{Steps: []string{}}
	}
	steps := make([]string, len(m.Steps))
	copy(steps, m.Steps)
	return Metadata{Steps: steps}
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
