package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps sessions in a SQLite database. Save replaces a
// session's rows inside one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		tools_used TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		FOREIGN KEY (session_key) REFERENCES sessions(key) ON DELETE CASCADE,
		UNIQUE (session_key, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads the session for key in message order.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*Session, error) {
	var (
		created, updated time.Time
		metaJSON         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, metadata FROM sessions WHERE key = ?`, key,
	).Scan(&created, &updated, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	sess := &Session{
		Key:       key,
		CreatedAt: created,
		UpdatedAt: updated,
		Metadata:  map[string]any{},
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp, tools_used, tool_call_id, tool_name
		FROM messages WHERE session_key = ? ORDER BY seq
	`, key)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var toolsUsed, callID, toolName sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp, &toolsUsed, &callID, &toolName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolsUsed.Valid && toolsUsed.String != "" {
			if err := json.Unmarshal([]byte(toolsUsed.String), &m.ToolsUsed); err != nil {
				return nil, fmt.Errorf("decode tools_used: %w", err)
			}
		}
		m.ToolCallID = callID.String
		m.ToolName = toolName.String
		sess.Messages = append(sess.Messages, m)
	}
	return sess, rows.Err()
}

// Save replaces the stored session and all of its messages atomically.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (key, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			updated_at = excluded.updated_at,
			metadata = excluded.metadata
	`, sess.Key, sess.CreatedAt, sess.UpdatedAt, string(metaJSON))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, sess.Key); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, session_key, seq, role, content, timestamp, tools_used, tool_call_id, tool_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range sess.Messages {
		var toolsUsed sql.NullString
		if len(m.ToolsUsed) > 0 {
			b, err := json.Marshal(m.ToolsUsed)
			if err != nil {
				return fmt.Errorf("encode tools_used: %w", err)
			}
			toolsUsed = sql.NullString{String: string(b), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			uuid.New().String(), sess.Key, i, m.Role, m.Content, m.Timestamp,
			toolsUsed, nullString(m.ToolCallID), nullString(m.ToolName))
		if err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List summarizes every stored session.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, updated_at,
			(SELECT COUNT(*) FROM messages WHERE session_key = sessions.key)
		FROM sessions
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.Key, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
