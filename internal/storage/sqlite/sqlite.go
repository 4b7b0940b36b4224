// Package sqlite implements the durable message storage backend. One
// database file per queue name; messages live in a single table ordered by
// a monotonic julianday arrival stamp.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

// Storage is the SQLite-backed MessageStorage implementation. All
// operations are serialized through a mutex; the connection is owned
// exclusively by one instance and never shared.
type Storage struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *common.Logger
}

// DatabasePath resolves the database file path for a queue name under the
// given directory, falling back to the temp dir when dir is empty.
func DatabasePath(dir, queueName string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, queueName+".db")
}

// New opens (or creates) the database for a queue name in dir and prepares
// the schema.
func New(dir, queueName string, logger *common.Logger) (*Storage, error) {
	path := DatabasePath(dir, queueName)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, models.NewStorageError("failed to create storage directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, models.NewStorageError("failed to open database", err)
	}
	// The connection is single-owner; a pool would break the serialization
	// contract and trip SQLITE_BUSY under writers.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, logger: logger}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("Message store opened")
	return s, nil
}

// configure applies the WAL and timeout pragmas.
func (s *Storage) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return models.NewStorageError(fmt.Sprintf("failed to apply %q", p), err)
		}
	}
	return nil
}

// initialize creates the messages table and its ordering index.
func (s *Storage) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		user_id TEXT,
		anonymous_id TEXT,
		timestamp REAL NOT NULL,
		api_version TEXT NOT NULL,
		event TEXT,
		properties TEXT,
		traits TEXT,
		context TEXT NOT NULL,
		created_at REAL NOT NULL DEFAULT (julianday('now'))
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return models.NewStorageError("failed to create messages table", err)
	}

	index := "CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);"
	if _, err := s.db.Exec(index); err != nil {
		return models.NewStorageError("failed to create created_at index", err)
	}

	return nil
}

// Store appends a message. Arrival order is captured by the created_at
// default, so concurrent callers are ordered by statement acceptance.
func (s *Storage) Store(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	properties, err := encodeJSONColumn(msg.Properties)
	if err != nil {
		return &models.SerializationError{Detail: "failed to encode properties", Err: err}
	}
	traits, err := encodeJSONColumn(msg.Traits)
	if err != nil {
		return &models.SerializationError{Detail: "failed to encode traits", Err: err}
	}
	contextJSON, err := json.Marshal(msg.Context)
	if err != nil {
		return &models.SerializationError{Detail: "failed to encode context", Err: err}
	}

	query := `
	INSERT INTO messages (id, type, user_id, anonymous_id, timestamp, api_version, event, properties, traits, context)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		string(msg.Type),
		nullableString(msg.UserID),
		nullableString(msg.AnonymousID),
		timestampToEpoch(msg.Timestamp),
		msg.APIVersion,
		nullableString(msg.Event),
		properties,
		traits,
		string(contextJSON),
	)
	if err != nil {
		return models.NewStorageError("failed to store message", err)
	}

	return nil
}

// Fetch returns the oldest limit messages in FIFO order.
func (s *Storage) Fetch(ctx context.Context, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	SELECT id, type, user_id, anonymous_id, timestamp, api_version, event, properties, traits, context
	FROM messages
	ORDER BY created_at ASC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, models.NewStorageError("failed to fetch messages", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("failed to iterate messages", err)
	}

	return messages, nil
}

// Delete removes messages by id. Missing ids are ignored; an empty input is
// a no-op. The whole set is removed in one statement, so the batch delete
// is atomic.
func (s *Storage) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM messages WHERE id IN (%s)", placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return models.NewStorageError("failed to delete messages", err)
	}

	return nil
}

// Size returns the count of stored messages.
func (s *Storage) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return 0, models.NewStorageError("failed to count messages", err)
	}
	return count, nil
}

// Clear removes all messages.
func (s *Storage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return models.NewStorageError("failed to clear messages", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		msg         models.Message
		msgType     string
		userID      sql.NullString
		anonymousID sql.NullString
		epoch       float64
		event       sql.NullString
		properties  sql.NullString
		traits      sql.NullString
		contextJSON string
	)

	err := row.Scan(&msg.ID, &msgType, &userID, &anonymousID, &epoch,
		&msg.APIVersion, &event, &properties, &traits, &contextJSON)
	if err != nil {
		return models.Message{}, models.NewStorageError("failed to scan message row", err)
	}

	msg.Type = models.MessageType(msgType)
	msg.UserID = userID.String
	msg.AnonymousID = anonymousID.String
	msg.Event = event.String
	msg.Timestamp = epochToTimestamp(epoch)

	if properties.Valid && properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &msg.Properties); err != nil {
			return models.Message{}, &models.SerializationError{Detail: "failed to decode properties", Err: err}
		}
	}
	if traits.Valid && traits.String != "" {
		if err := json.Unmarshal([]byte(traits.String), &msg.Traits); err != nil {
			return models.Message{}, &models.SerializationError{Detail: "failed to decode traits", Err: err}
		}
	}
	if err := json.Unmarshal([]byte(contextJSON), &msg.Context); err != nil {
		return models.Message{}, &models.SerializationError{Detail: "failed to decode context", Err: err}
	}

	return msg, nil
}

// encodeJSONColumn marshals a map-typed field, mapping nil to SQL NULL.
func encodeJSONColumn(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case models.Properties:
		if t == nil {
			return sql.NullString{}, nil
		}
	case models.Traits:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timestampToEpoch stores wall-clock time as seconds since epoch with
// sub-second precision.
func timestampToEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func epochToTimestamp(epoch float64) time.Time {
	micros := int64(epoch * 1e6)
	return time.UnixMicro(micros).UTC()
}
