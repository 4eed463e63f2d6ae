// Package httpserver exposes the sync engine over HTTP: a JSON API for
// queries and commands, an SSE stream of namespace-filtered sync events,
// and JWT bearer authentication. Sessions and machines outside the
// caller's namespace are indistinguishable from missing ones.
package httpserver
