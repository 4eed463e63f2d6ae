// Package rpc correlates request/response calls over the room-addressed
// async transport.
//
// Outbound requests are tagged with a generated correlation id and sent to
// the target entity's room; the caller blocks until the matching reply
// arrives, the timeout elapses, the peer disconnects, or the context is
// canceled. Typed wrappers for the agent command surface (permissions,
// abort, spawn, git, files, search) live in commands.go.
package rpc
