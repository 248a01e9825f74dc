// Package store persists per-chat settings (bound agent session, project
// directory, batching interval) in a local SQLite database so the bot
// survives restarts without losing its bindings.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultBatchInterval is the flush pacing for chats that never configured
// one, in seconds.
const DefaultBatchInterval = 5

// ChatSettings is everything the bot remembers about one chat.
type ChatSettings struct {
	ChatID        string
	SessionID     string
	Directory     string
	BatchInterval int
	UpdatedAt     time.Time
}

// Store is a SQLite-backed settings store. Safe for concurrent use; SQLite
// serializes writers via the busy timeout.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Chat returns the settings for chatID, falling back to defaults for chats
// never seen before.
func (s *Store) Chat(chatID string) (ChatSettings, error) {
	row := s.db.QueryRow(
		`SELECT chat_id, session_id, directory, batch_interval, updated_at
		 FROM chat_settings WHERE chat_id = ?`, chatID)

	var cs ChatSettings
	err := row.Scan(&cs.ChatID, &cs.SessionID, &cs.Directory, &cs.BatchInterval, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSettings{ChatID: chatID, BatchInterval: DefaultBatchInterval}, nil
	}
	if err != nil {
		return ChatSettings{}, fmt.Errorf("load chat settings: %w", err)
	}
	return cs, nil
}

// SetSession binds chatID to an agent session id. An empty sessionID
// records that the chat has no active session.
func (s *Store) SetSession(chatID, sessionID string) error {
	return s.upsert(chatID, "session_id", sessionID)
}

// SetDirectory records the project directory the chat's sessions run in.
func (s *Store) SetDirectory(chatID, directory string) error {
	return s.upsert(chatID, "directory", directory)
}

// SetBatchInterval records the chat's flush pacing in seconds.
func (s *Store) SetBatchInterval(chatID string, seconds int) error {
	if seconds < 0 {
		seconds = 0
	}
	return s.upsert(chatID, "batch_interval", seconds)
}

func (s *Store) upsert(chatID, column string, value any) error {
	// column is one of our own literals, never user input.
	q := fmt.Sprintf(
		`INSERT INTO chat_settings (chat_id, %s, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at`,
		column, column, column)
	if _, err := s.db.Exec(q, chatID, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("save chat setting %s: %w", column, err)
	}
	return nil
}
