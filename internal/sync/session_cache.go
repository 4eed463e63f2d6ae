// ABOUTME: Authoritative in-memory session view with liveness tracking
// ABOUTME: Reconciles with the store and emits events on observable changes

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hub-sync/internal/store"
)

// ErrNamespaceMismatch indicates an entity exists but belongs to a different
// namespace than the caller supplied.
var ErrNamespaceMismatch = errors.New("namespace mismatch")

// Session is the cached view of an agent work session. Active is derived:
// it is true iff the last heartbeat is within the inactivity threshold.
type Session struct {
	ID             string          `json:"id"`
	Namespace      string          `json:"namespace"`
	Tag            string          `json:"tag"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	AgentState     json.RawMessage `json:"agentState,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	ModelMode      string          `json:"modelMode,omitempty"`
	Mode           string          `json:"mode,omitempty"` // "local" or "remote"
	Thinking       bool            `json:"thinking"`
	LastAliveAt    time.Time       `json:"lastAliveAt"`
	Active         bool            `json:"active"`
}

// SessionAlive is a session heartbeat payload. Optional fields are pointers;
// nil means "not reported, keep the current value".
type SessionAlive struct {
	SessionID      string
	Time           time.Time
	Thinking       *bool
	Mode           string
	PermissionMode string
	ModelMode      string
}

// SessionEnd reports that a session terminated.
type SessionEnd struct {
	SessionID string
	Time      time.Time
}

// AppliedConfig is the server-confirmed configuration returned by a session
// config RPC round-trip.
type AppliedConfig struct {
	PermissionMode string `json:"permissionMode,omitempty"`
	ModelMode      string `json:"modelMode,omitempty"`
}

// SessionCache maintains the in-process representation of all known sessions.
// Map access is guarded by mu; mutations for a given session ID are
// additionally serialized through per-ID striped locks so a heartbeat and an
// expiry sweep for the same session never interleave.
type SessionCache struct {
	store     store.Store
	publisher *Publisher
	threshold time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    stripedLocks
}

// NewSessionCache creates a session cache. threshold is the liveness window:
// a session with no heartbeat for that long is considered inactive.
func NewSessionCache(st store.Store, publisher *Publisher, threshold time.Duration, logger *slog.Logger) *SessionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCache{
		store:     st,
		publisher: publisher,
		threshold: threshold,
		logger:    logger.With("component", "session-cache"),
		sessions:  make(map[string]*Session),
	}
}

// ReloadAll loads every known session from the store, marked inactive until
// a heartbeat is observed. Bulk load: no events are emitted.
func (c *SessionCache) ReloadAll(ctx context.Context) error {
	rows, err := c.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("reloading sessions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = make(map[string]*Session, len(rows))
	for _, row := range rows {
		c.sessions[row.ID] = sessionFromRow(row)
	}
	c.logger.Info("session cache reloaded", "count", len(rows))
	return nil
}

// GetOrCreateSession returns the cached session, loading or creating the
// store row as needed. Idempotent under concurrent calls with the same ID:
// at most one store row is created.
func (c *SessionCache) GetOrCreateSession(ctx context.Context, id, namespace, tag string, metadata, agentState json.RawMessage) (*Session, error) {
	defer c.locks.lock(id).Unlock()

	if cached := c.Session(id); cached != nil {
		if cached.Namespace != namespace {
			return nil, ErrNamespaceMismatch
		}
		return cached, nil
	}

	row, err := c.store.GetSession(ctx, id)
	switch {
	case err == nil:
		// Exists upstream but not cached (created by another instance).
	case errors.Is(err, store.ErrNotFound):
		row = &store.Session{
			ID:         id,
			Namespace:  namespace,
			Tag:        tag,
			Metadata:   metadata,
			AgentState: agentState,
		}
		if err := c.store.CreateSession(ctx, row); err != nil {
			if errors.Is(err, store.ErrDuplicateSession) {
				// Lost a race with another writer; fall back to the row.
				if row, err = c.store.GetSession(ctx, id); err != nil {
					return nil, fmt.Errorf("loading session after duplicate create: %w", err)
				}
			} else {
				return nil, fmt.Errorf("creating session: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if row.Namespace != namespace {
		return nil, ErrNamespaceMismatch
	}

	sess := sessionFromRow(row)
	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()

	snapshot := *sess
	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: id,
		Session:   &snapshot,
	})
	return &snapshot, nil
}

// HandleSessionAlive processes a heartbeat. The timestamp always advances,
// but an event is emitted only when an externally visible field changed or
// the session flipped inactive to active. Heartbeats for unknown sessions
// are dropped; sessions enter the cache via reload or get-or-create.
func (c *SessionCache) HandleSessionAlive(p SessionAlive) {
	defer c.locks.lock(p.SessionID).Unlock()

	c.mu.Lock()
	sess, ok := c.sessions[p.SessionID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("heartbeat for unknown session", "session_id", p.SessionID)
		return
	}

	// A delayed beat older than what we already have must not rewind the
	// clock and flip a live session back to inactive.
	if p.Time.Before(sess.LastAliveAt) {
		c.mu.Unlock()
		return
	}

	changed := false

	wasActive := sess.Active
	sess.LastAliveAt = p.Time
	sess.Active = time.Since(p.Time) < c.threshold
	if sess.Active != wasActive {
		changed = true
	}

	if p.Thinking != nil && sess.Thinking != *p.Thinking {
		sess.Thinking = *p.Thinking
		changed = true
	}
	if p.Mode != "" && sess.Mode != p.Mode {
		sess.Mode = p.Mode
		changed = true
	}
	if p.PermissionMode != "" && sess.PermissionMode != p.PermissionMode {
		sess.PermissionMode = p.PermissionMode
		changed = true
	}
	if p.ModelMode != "" && sess.ModelMode != p.ModelMode {
		sess.ModelMode = p.ModelMode
		changed = true
	}

	snapshot := *sess
	c.mu.Unlock()

	if !changed {
		return
	}

	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: snapshot.ID,
		Session:   &snapshot,
	})
}

// HandleSessionEnd marks a session terminated: the store row is ended, the
// session leaves the cache, and subscribers see a final update.
func (c *SessionCache) HandleSessionEnd(ctx context.Context, p SessionEnd) error {
	defer c.locks.lock(p.SessionID).Unlock()

	c.mu.RLock()
	sess, ok := c.sessions[p.SessionID]
	var snapshot Session
	if ok {
		snapshot = *sess
	}
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := c.store.EndSession(ctx, p.SessionID, p.Time); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("ending session: %w", err)
	}

	snapshot.Active = false
	snapshot.Thinking = false

	c.mu.Lock()
	delete(c.sessions, p.SessionID)
	c.mu.Unlock()

	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: snapshot.ID,
		Session:   &snapshot,
	})
	return nil
}

// RefreshSession re-reads a session from the store, used when an external
// actor mutated the row directly. A refresh for an ID the store no longer
// knows evicts the cached entry instead of failing.
func (c *SessionCache) RefreshSession(ctx context.Context, id string) error {
	defer c.locks.lock(id).Unlock()

	row, err := c.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.evict(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok {
		sess = sessionFromRow(row)
		c.sessions[id] = sess
	} else {
		sess.Tag = row.Tag
		sess.Metadata = row.Metadata
		sess.AgentState = row.AgentState
		sess.PermissionMode = row.PermissionMode
		sess.ModelMode = row.ModelMode
	}
	snapshot := *sess
	c.mu.Unlock()

	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: id,
		Session:   &snapshot,
	})
	return nil
}

// ExpireInactive transitions sessions whose heartbeat fell outside the
// threshold from active to inactive. Edge-triggered: exactly one event per
// transition, none while a session stays inactive.
func (c *SessionCache) ExpireInactive() {
	now := time.Now()

	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.expireOne(id, now)
	}
}

func (c *SessionCache) expireOne(id string, now time.Time) {
	defer c.locks.lock(id).Unlock()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok || !sess.Active || now.Sub(sess.LastAliveAt) < c.threshold {
		c.mu.Unlock()
		return
	}

	sess.Active = false
	sess.Thinking = false
	snapshot := *sess
	c.mu.Unlock()

	c.logger.Debug("session expired", "session_id", id, "last_alive_at", snapshot.LastAliveAt)
	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: id,
		Session:   &snapshot,
	})
}

// ApplySessionConfig merges a server-confirmed configuration into the cached
// session after a config RPC round-trip.
func (c *SessionCache) ApplySessionConfig(id string, applied AppliedConfig) {
	defer c.locks.lock(id).Unlock()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}

	changed := false
	if applied.PermissionMode != "" && sess.PermissionMode != applied.PermissionMode {
		sess.PermissionMode = applied.PermissionMode
		changed = true
	}
	if applied.ModelMode != "" && sess.ModelMode != applied.ModelMode {
		sess.ModelMode = applied.ModelMode
		changed = true
	}
	snapshot := *sess
	c.mu.Unlock()
	if !changed {
		return
	}
	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: id,
		Session:   &snapshot,
	})
}

// RenameSession writes the new tag through to the store, then updates the
// cache and notifies subscribers.
func (c *SessionCache) RenameSession(ctx context.Context, id, name string) error {
	defer c.locks.lock(id).Unlock()

	row, err := c.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("loading session for rename: %w", err)
	}
	row.Tag = name
	if err := c.store.UpdateSession(ctx, row); err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[id]
	var snapshot Session
	if ok {
		sess.Tag = name
		snapshot = *sess
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.publisher.Emit(Event{
		Type:      EventSessionUpdated,
		Namespace: snapshot.Namespace,
		SessionID: id,
		Session:   &snapshot,
	})
	return nil
}

// DeleteSession removes the session from the store and the cache and emits
// a removal event.
func (c *SessionCache) DeleteSession(ctx context.Context, id string) error {
	defer c.locks.lock(id).Unlock()

	if err := c.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	event := Event{Type: EventSessionRemoved, SessionID: id}
	if ok {
		event.Namespace = sess.Namespace
	}
	c.publisher.Emit(event)
	return nil
}

// Sessions returns a snapshot of all cached sessions.
func (c *SessionCache) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		snapshot := *sess
		out = append(out, &snapshot)
	}
	return out
}

// SessionsByNamespace returns the sessions belonging to one namespace.
// Tenant isolation is enforced here, at the read boundary.
func (c *SessionCache) SessionsByNamespace(namespace string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Session
	for _, sess := range c.sessions {
		if sess.Namespace != namespace {
			continue
		}
		snapshot := *sess
		out = append(out, &snapshot)
	}
	return out
}

// Session returns a snapshot of one session, or nil if unknown.
func (c *SessionCache) Session(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil
	}
	snapshot := *sess
	return &snapshot
}

// SessionByNamespace returns the session only if it belongs to the given
// namespace; sessions from other namespaces are invisible.
func (c *SessionCache) SessionByNamespace(id, namespace string) *Session {
	sess := c.Session(id)
	if sess == nil || sess.Namespace != namespace {
		return nil
	}
	return sess
}

// ActiveSessions returns the currently active subset.
func (c *SessionCache) ActiveSessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Session
	for _, sess := range c.sessions {
		if !sess.Active {
			continue
		}
		snapshot := *sess
		out = append(out, &snapshot)
	}
	return out
}

func (c *SessionCache) evict(id string) {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.publisher.Emit(Event{
		Type:      EventSessionRemoved,
		Namespace: sess.Namespace,
		SessionID: id,
	})
}

func sessionFromRow(row *store.Session) *Session {
	return &Session{
		ID:             row.ID,
		Namespace:      row.Namespace,
		Tag:            row.Tag,
		Metadata:       row.Metadata,
		AgentState:     row.AgentState,
		PermissionMode: row.PermissionMode,
		ModelMode:      row.ModelMode,
	}
}
