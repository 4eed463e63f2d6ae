// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	machines map[string]*Machine
	messages map[string][]*Message // keyed by session ID, ascending seq

	// Optional error injection. When set, the corresponding operation fails.
	CreateSessionErr error
	GetSessionErr    error
	UpdateSessionErr error
	AddMessageErr    error

	// Counters for asserting call semantics.
	CreateSessionCalls int
	CreateMachineCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		machines: make(map[string]*Machine),
		messages: make(map[string][]*Message),
	}
}

// CreateSession stores a new session row.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateSessionCalls++
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}

	s := *session
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := *sess
	return &s, nil
}

// ListSessions returns all sessions ordered by creation time.
func (m *MockStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		s := *sess
		sessions = append(sessions, &s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// UpdateSession replaces a stored session row.
func (m *MockStore) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateSessionErr != nil {
		return m.UpdateSessionErr
	}
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	s := *session
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = &s
	return nil
}

// EndSession marks a session as ended.
func (m *MockStore) EndSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	ended := at.UTC()
	sess.EndedAt = &ended
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// CreateMachine stores a new machine row.
func (m *MockStore) CreateMachine(ctx context.Context, machine *Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateMachineCalls++
	if _, exists := m.machines[machine.ID]; exists {
		return ErrDuplicateMachine
	}
	mach := *machine
	if mach.CreatedAt.IsZero() {
		mach.CreatedAt = time.Now().UTC()
	}
	mach.UpdatedAt = mach.CreatedAt
	m.machines[mach.ID] = &mach
	return nil
}

// GetMachine retrieves a machine by ID.
func (m *MockStore) GetMachine(ctx context.Context, id string) (*Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mach, ok := m.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mach
	return &cp, nil
}

// ListMachines returns all machines ordered by creation time.
func (m *MockStore) ListMachines(ctx context.Context) ([]*Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	machines := make([]*Machine, 0, len(m.machines))
	for _, mach := range m.machines {
		cp := *mach
		machines = append(machines, &cp)
	}
	sort.Slice(machines, func(i, j int) bool {
		return machines[i].CreatedAt.Before(machines[j].CreatedAt)
	})
	return machines, nil
}

// UpdateMachine replaces a stored machine row.
func (m *MockStore) UpdateMachine(ctx context.Context, machine *Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.machines[machine.ID]; !ok {
		return ErrNotFound
	}
	cp := *machine
	cp.UpdatedAt = time.Now().UTC()
	m.machines[cp.ID] = &cp
	return nil
}

// AddMessage appends a message with the next sequence number.
func (m *MockStore) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AddMessageErr != nil {
		return nil, m.AddMessageErr
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	var seq int64 = 1
	existing := m.messages[sessionID]
	if len(existing) > 0 {
		seq = existing[len(existing)-1].Seq + 1
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		LocalID:   localID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	m.messages[sessionID] = append(existing, msg)

	cp := *msg
	return &cp, nil
}

// ListMessagesBefore returns messages with seq < beforeSeq, descending.
func (m *MockStore) ListMessagesBefore(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	msgs := m.messages[sessionID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq > 0 && msgs[i].Seq >= beforeSeq {
			continue
		}
		cp := *msgs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ListMessagesAfter returns messages with seq > afterSeq, ascending.
func (m *MockStore) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages[sessionID] {
		if msg.Seq <= afterSeq {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
