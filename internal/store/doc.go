// Package store provides persistent storage for hub-sync using SQLite.
//
// # Data Models
//
//   - Session: Agent work session rows (namespace, tag, metadata, agent state)
//   - Machine: Daemon host rows (namespace, metadata, daemon state)
//   - Message: Append-only per-session message log with monotonic seq
//
// Liveness state (last-alive timestamps, active/online flags) is not
// persisted; it lives in the sync caches and is rebuilt from heartbeats
// after a restart.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use ":memory:" as the path for tests.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateSession / ErrDuplicateMachine: Insert of an existing id
//
// MockStore is an in-memory implementation with error injection for tests.
package store
