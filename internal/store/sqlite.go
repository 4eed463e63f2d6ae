// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/machine/message persistence with automatic schema creation

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
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
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
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			agent_state TEXT,
			permission_mode TEXT NOT NULL DEFAULT '',
			model_mode TEXT NOT NULL DEFAULT '',
			ended_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);

		CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			metadata TEXT,
			daemon_state TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_machines_namespace ON machines(namespace);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			local_id TEXT,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, namespace, tag, metadata, agent_state, permission_mode, model_mode, ended_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Namespace, session.Tag,
		nullableJSON(session.Metadata), nullableJSON(session.AgentState),
		session.PermissionMode, session.ModelMode,
		session.EndedAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, tag, metadata, agent_state, permission_mode, model_mode, ended_at, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all session rows.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, tag, metadata, agent_state, permission_mode, model_mode, ended_at, created_at, updated_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession persists mutable session fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET tag = ?, metadata = ?, agent_state = ?, permission_mode = ?, model_mode = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		session.Tag, nullableJSON(session.Metadata), nullableJSON(session.AgentState),
		session.PermissionMode, session.ModelMode, session.EndedAt, session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireRow(res)
}

// EndSession marks a session as ended at the given time.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session and, via cascade, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRow(res)
}

// CreateMachine inserts a new machine row.
func (s *SQLiteStore) CreateMachine(ctx context.Context, machine *Machine) error {
	now := time.Now().UTC()
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = now
	}
	machine.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, namespace, metadata, daemon_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		machine.ID, machine.Namespace,
		nullableJSON(machine.Metadata), nullableJSON(machine.DaemonState),
		machine.CreatedAt, machine.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMachine
		}
		return fmt.Errorf("inserting machine: %w", err)
	}
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, metadata, daemon_state, created_at, updated_at
		FROM machines WHERE id = ?`, id)
	return scanMachine(row)
}

// ListMachines returns all machine rows.
func (s *SQLiteStore) ListMachines(ctx context.Context) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, metadata, daemon_state, created_at, updated_at
		FROM machines ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachine persists mutable machine fields.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, machine *Machine) error {
	machine.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET metadata = ?, daemon_state = ?, updated_at = ? WHERE id = ?`,
		nullableJSON(machine.Metadata), nullableJSON(machine.DaemonState), machine.UpdatedAt,
		machine.ID,
	)
	if err != nil {
		return fmt.Errorf("updating machine: %w", err)
	}
	return requireRow(res)
}

// AddMessage appends a message to a session's log, assigning the next
// sequence number atomically within a transaction.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("computing sequence: %w", err)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		LocalID:   localID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, string(msg.Content), msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return msg, nil
}

// ListMessagesBefore returns up to limit messages with seq < beforeSeq in
// descending sequence order. beforeSeq <= 0 means "from the newest".
func (s *SQLiteStore) ListMessagesBefore(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, seq, local_id, content, created_at
		FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMessages(ctx, query, args...)
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq in
// ascending sequence order.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, seq, local_id, content, created_at
		FROM messages WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var content string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.LocalID, &content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Content = json.RawMessage(content)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var metadata, agentState sql.NullString
	err := row.Scan(&sess.ID, &sess.Namespace, &sess.Tag, &metadata, &agentState,
		&sess.PermissionMode, &sess.ModelMode, &sess.EndedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if metadata.Valid {
		sess.Metadata = json.RawMessage(metadata.String)
	}
	if agentState.Valid {
		sess.AgentState = json.RawMessage(agentState.String)
	}
	return &sess, nil
}

func scanMachine(row scanner) (*Machine, error) {
	var m Machine
	var metadata, daemonState sql.NullString
	err := row.Scan(&m.ID, &m.Namespace, &metadata, &daemonState, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning machine: %w", err)
	}
	if metadata.Valid {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if daemonState.Valid {
		m.DaemonState = json.RawMessage(daemonState.String)
	}
	return &m, nil
}

// nullableJSON stores empty raw JSON as NULL rather than an empty string.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// requireRow translates "no rows affected" into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
