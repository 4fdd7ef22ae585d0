package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatsync/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    first_message TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    owner TEXT,
    text TEXT,
    is_bot INTEGER,
    created_at INTEGER
);
CREATE INDEX IF NOT EXISTS messages_session_time ON messages (session_id, created_at, id);
`

// SQLite is a Store backed by a SQLite database. Timestamps are stored as
// unix nanoseconds so that ORDER BY created_at is chronological.
type SQLite struct {
	db     *sql.DB
	broker *Broker
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between the outbox and readers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return &SQLite{db: db, broker: NewBroker(), now: time.Now}, nil
}

// Open returns a SQLite store, or an in-memory store when the database cannot
// be opened.
func Open(path string) Store {
	s, err := OpenSQLite(path)
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return NewMemory()
	}
	return s
}

// Close releases the database and ends all subscriptions.
func (s *SQLite) Close() error {
	s.broker.Close()
	return s.db.Close()
}

func (s *SQLite) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, created_at, first_message) VALUES (?,?,?,?)
         ON CONFLICT(id) DO NOTHING;`,
		sess.ID, sess.Owner, sess.CreatedAt.UnixNano(), sess.FirstMessage)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) ListSessions(ctx context.Context, owner string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, created_at, first_message FROM sessions WHERE owner = ? ORDER BY created_at DESC, id DESC;`, owner)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			created int64
		)
		if err := rows.Scan(&sess.ID, &sess.Owner, &created, &sess.FirstMessage); err != nil {
			logger.L.Warn("skipping unreadable session row", "error", err)
			continue
		}
		sess.CreatedAt = time.Unix(0, created)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) SetFirstMessage(ctx context.Context, sessionID, label string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET first_message = ? WHERE id = ? AND first_message = '';`, label, sessionID)
	if err != nil {
		return fmt.Errorf("update session label: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("lookup session: %w", err)
		}
		if exists == 0 {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (s *SQLite) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, owner, text, is_bot, created_at) VALUES (?,?,?,?,?);`,
		msg.SessionID, msg.Owner, msg.Text, msg.IsBot(), msg.CreatedAt.UnixNano())
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message id: %w", err)
	}
	msg.ID = strconv.FormatInt(id, 10)
	s.broker.Publish(msg)
	return msg, nil
}

// ListMessages returns all messages of a session in chronological order.
func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, owner, text, is_bot, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			id                   int64
			session, owner, text sql.NullString
			isBot, created       sql.NullInt64
		)
		if err := rows.Scan(&id, &session, &owner, &text, &isBot, &created); err != nil {
			logger.L.Warn("skipping unreadable message row", "error", err)
			continue
		}
		m := Message{
			ID:        strconv.FormatInt(id, 10),
			SessionID: session.String,
			Owner:     owner.String,
			Text:      text.String,
			Role:      RoleUser,
		}
		if !isBot.Valid || !text.Valid {
			m.Role = ""
		} else if isBot.Int64 != 0 {
			m.Role = RoleAssistant
		}
		if created.Valid {
			m.CreatedAt = time.Unix(0, created.Int64)
		}
		if err := m.Validate(); err != nil {
			logger.L.Warn("skipping malformed message", "message_id", m.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) Subscribe(fn func(Message)) func() {
	return s.broker.Subscribe(fn)
}
