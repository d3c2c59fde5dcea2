// Package store persists sessions and their turns in SQLite.
//
// The turns table is an append-only log. Each turn gets a store-assigned,
// monotonically increasing sequence number; that sequence is the single
// ordering used for history replay and first-turn detection. Every method
// borrows a pooled connection for one statement (or one short
// transaction) and returns it immediately.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sender values stored on each turn.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session is a durable conversation thread.
type Session struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title,omitempty"` // empty until assigned
	CreatedAt time.Time `json:"created_at"`
	TurnCount int       `json:"turn_count"`
}

// Turn is one persisted message within a session.
type Turn struct {
	Seq            int64     `json:"seq"`
	SessionID      int64     `json:"session_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Attachment     []byte    `json:"-"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is a SQLite-backed session and turn log. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath. poolSize caps
// the number of open connections; values below 1 mean 1.
func New(dbPath string, poolSize int) (*Store, error) {
	if poolSize < 1 {
		poolSize = 1
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		attachment BLOB,
		attachment_type TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession starts a new, untitled session.
func (s *Store) CreateSession(ctx context.Context) (*Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (created_at) VALUES (?)`, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{ID: id, CreatedAt: now}, nil
}

// GetSession returns a session with its turn count, or [ErrNotFound].
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.title, s.created_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s WHERE s.id = ?
	`, id)

	var sess Session
	var title sql.NullString
	if err := row.Scan(&sess.ID, &title, &sess.CreatedAt, &sess.TurnCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	sess.Title = title.String
	return &sess, nil
}

// ListSessions returns the most recently created sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s
		ORDER BY s.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var title sql.NullString
		if err := rows.Scan(&sess.ID, &title, &sess.CreatedAt, &sess.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Title = title.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its turns.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AddTurn appends a turn and returns its sequence number. A session that
// does not exist yet is created with the given identity.
func (s *Store) AddTurn(ctx context.Context, t Turn) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)
	`, t.SessionID, t.CreatedAt); err != nil {
		return 0, fmt.Errorf("ensure session: %w", err)
	}

	var attachType any
	if t.AttachmentType != "" {
		attachType = t.AttachmentType
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, sender, content, attachment, attachment_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.SessionID, t.Sender, t.Content, t.Attachment, attachType, t.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit turn: %w", err)
	}
	return seq, nil
}

// CountTurns returns the number of turns persisted for a session.
func (s *Store) CountTurns(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// RecentTurns returns up to limit turns for a session, newest first.
// When before is positive, only turns with a smaller sequence are
// considered. Attachments are not loaded.
func (s *Store) RecentTurns(ctx context.Context, sessionID, before int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, sender, content, attachment_type, created_at
		FROM turns
		WHERE session_id = ? AND (? <= 0 OR seq < ?)
		ORDER BY seq DESC
		LIMIT ?
	`, sessionID, before, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// Turns returns every turn of a session in sequence order. Attachments
// are not loaded.
func (s *Store) Turns(ctx context.Context, sessionID int64) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, sender, content, attachment_type, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// Attachment returns the stored attachment bytes and MIME type of a turn.
func (s *Store) Attachment(ctx context.Context, seq int64) ([]byte, string, error) {
	var data []byte
	var mime sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT attachment, attachment_type FROM turns WHERE seq = ?
	`, seq).Scan(&data, &mime)
	if err != nil {
		return nil, "", fmt.Errorf("get attachment %d: %w", seq, err)
	}
	return data, mime.String, nil
}

// SetTitle assigns a session title if it has none yet. It reports
// whether the title was written.
func (s *Store) SetTitle(ctx context.Context, sessionID int64, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ? WHERE id = ? AND title IS NULL
	`, title, sessionID)
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set title: %w", err)
	}
	return n > 0, nil
}

// Stats returns store statistics for the health endpoint.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var sessions, turns int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&turns)

	return map[string]any{
		"sessions":   sessions,
		"turns":      turns,
		"open_conns": s.db.Stats().OpenConnections,
		"max_conns":  s.db.Stats().MaxOpenConnections,
		"storage":    "sqlite",
	}
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var mime sql.NullString
		if err := rows.Scan(&t.Seq, &t.SessionID, &t.Sender, &t.Content, &mime, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.AttachmentType = mime.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
