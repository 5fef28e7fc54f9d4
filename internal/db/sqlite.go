package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations define the schema. Version is tracked in the schema_versions
// table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    service_id  TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_service ON conversations(service_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role                TEXT NOT NULL,
    content             TEXT NOT NULL,
    metadata            TEXT NOT NULL DEFAULT '{}',
    timestamp           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`,
	},
	// Migration 2: reasoning_sessions
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS reasoning_sessions (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL DEFAULT '',
    service_id    TEXT NOT NULL DEFAULT '',
    query         TEXT NOT NULL,
    request_type  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT '',
    final_phase   TEXT NOT NULL DEFAULT '',
    answer        TEXT NOT NULL DEFAULT '',
    confidence    REAL NOT NULL DEFAULT 0.0,
    trace         TEXT NOT NULL DEFAULT '{}',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reasoning_sessions_session ON reasoning_sessions(session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reasoning_sessions_created_at ON reasoning_sessions(created_at DESC);
`,
	},
	// Migration 3: caller correlation id, kept apart from the record id
	{
		version: 3,
		sql: `
ALTER TABLE reasoning_sessions ADD COLUMN correlation_id TEXT NOT NULL DEFAULT '';
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Every pooled connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Conversations ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations(id, service_id, title, created_at, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            title      = excluded.title,
            updated_at = excluded.updated_at
    `,
		rec.ID, rec.ServiceID, rec.Title, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	return err
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,service_id,title,created_at,updated_at FROM conversations WHERE id=?`, id)
	rec := &ConversationRecord{}
	var ca, ua string
	if err := row.Scan(&rec.ID, &rec.ServiceID, &rec.Title, &ca, &ua); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

func (s *sqliteStore) AppendMessages(ctx context.Context, conversationID string, msgs ...*MessageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversations(id, created_at, updated_at) VALUES(?,?,?)
        ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
    `, conversationID, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		meta := m.Metadata
		if meta == "" {
			meta = "{}"
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO messages(conversation_id, role, content, metadata, timestamp)
            VALUES(?,?,?,?,?)
        `, conversationID, m.Role, m.Content, meta, ts.UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		m.ID, _ = res.LastInsertId()
		m.ConversationID = conversationID
	}

	return tx.Commit()
}

func (s *sqliteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id,conversation_id,role,content,metadata,timestamp FROM (
            SELECT * FROM messages WHERE conversation_id=? ORDER BY id DESC LIMIT ?
        ) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*MessageRecord
	for rows.Next() {
		msg := &MessageRecord{}
		var ts string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Metadata, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp, _ = parseTime(ts)
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	return err
}

// ─── Reasoning sessions ───────────────────────────────────────────────────────

func (s *sqliteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	trace := rec.Trace
	if trace == "" {
		trace = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO reasoning_sessions(id, correlation_id, session_id, service_id, query, request_type, status, final_phase, answer, confidence, trace, duration_ms, created_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status      = excluded.status,
            final_phase = excluded.final_phase,
            answer      = excluded.answer,
            confidence  = excluded.confidence,
            trace       = excluded.trace,
            duration_ms = excluded.duration_ms
    `,
		rec.ID, rec.CorrelationID, rec.SessionID, rec.ServiceID, rec.Query, rec.RequestType, rec.Status,
		rec.FinalPhase, rec.Answer, rec.Confidence, trace, rec.DurationMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `id,correlation_id,session_id,service_id,query,request_type,status,final_phase,answer,confidence,trace,duration_ms,created_at`

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM reasoning_sessions WHERE id=?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListSessions(ctx context.Context, sessionID string, limit, offset int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM reasoning_sessions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var ca string
	if err := row.Scan(&rec.ID, &rec.CorrelationID, &rec.SessionID, &rec.ServiceID, &rec.Query, &rec.RequestType,
		&rec.Status, &rec.FinalPhase, &rec.Answer, &rec.Confidence, &rec.Trace, &rec.DurationMs, &ca); err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	return rec, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
