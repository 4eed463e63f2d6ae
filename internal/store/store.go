// ABOUTME: Store interface and data types for hub-sync persistence
// ABOUTME: Defines Session, Machine, Message rows and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// ErrDuplicateMachine is returned when trying to create a machine that already exists
var ErrDuplicateMachine = errors.New("machine already exists")

// Session represents a persisted agent work session. Liveness fields
// (last-alive, active) live in the sync cache, not in the row.
type Session struct {
	ID             string
	Namespace      string
	Tag            string
	Metadata       json.RawMessage
	AgentState     json.RawMessage
	PermissionMode string
	ModelMode      string
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Machine represents a persisted daemon host.
type Machine struct {
	ID          string
	Namespace   string
	Metadata    json.RawMessage
	DaemonState json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one entry in a session's append-only message log.
// Seq is assigned by the store and increases monotonically per session.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	LocalID   *string         `json:"localId,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store defines the interface for session, machine and message persistence.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Machines
	CreateMachine(ctx context.Context, machine *Machine) error
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)
	UpdateMachine(ctx context.Context, machine *Machine) error

	// Messages. AddMessage assigns the next sequence number for the session.
	// ListMessagesBefore returns up to limit messages with seq < beforeSeq in
	// descending order; beforeSeq <= 0 means "from the newest".
	// ListMessagesAfter returns up to limit messages with seq > afterSeq in
	// ascending order.
	AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (*Message, error)
	ListMessagesBefore(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error)
	ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
