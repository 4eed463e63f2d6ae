// ABOUTME: Server-sent events stream delivering sync events to web frontends
// ABOUTME: Events are filtered to the caller's namespace before they leave the process

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	syncpkg "github.com/2389/hub-sync/internal/sync"
)

const (
	// sseBufferSize bounds the per-client queue; a client that cannot keep
	// up loses events rather than stalling the publisher.
	sseBufferSize = 64

	sseKeepAliveInterval = 25 * time.Second
)

// handleEvents streams sync events for the caller's namespace as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	namespace, _ := NamespaceFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan syncpkg.Event, sseBufferSize)
	unsubscribe := s.engine.Subscribe(func(event syncpkg.Event) {
		// Events whose namespace could not be resolved never leave the
		// process; everything else goes only to its own namespace.
		if event.Namespace == "" || event.Namespace != namespace {
			return
		}
		select {
		case events <- event:
		default:
			s.logger.Warn("sse client lagging, dropping event",
				"namespace", namespace, "type", event.Type)
		}
	})
	defer unsubscribe()

	// Subscribe before the stream goes live so events raced against the
	// connection handshake are not lost.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("sse marshal failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
