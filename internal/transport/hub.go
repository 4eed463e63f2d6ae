// ABOUTME: Websocket hub managing peer connections and room membership
// ABOUTME: Delivers room-addressed payloads and reports disconnects to the RPC gateway

package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/hub-sync/internal/rpc"
	syncpkg "github.com/2389/hub-sync/internal/sync"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Peers authenticate with the CLI token; origin is not load-bearing.
		return true
	},
}

// EventSink receives inbound heartbeats, terminations and realtime events.
// The sync engine implements this.
type EventSink interface {
	HandleSessionAlive(p syncpkg.SessionAlive)
	HandleMachineAlive(p syncpkg.MachineAlive)
	HandleSessionEnd(ctx context.Context, p syncpkg.SessionEnd) error
	HandleRealtimeEvent(ctx context.Context, event syncpkg.Event)
}

// ReplySink receives RPC replies and disconnect notifications.
// The rpc gateway implements this.
type ReplySink interface {
	HandleReply(reply rpc.Reply)
	HandleDisconnect(room string)
}

// Hub tracks connected peers and their room membership. It implements the
// RoomSender contract consumed by the sync and rpc packages.
type Hub struct {
	sink    EventSink
	replies ReplySink
	token   string
	logger  *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	conns map[*Conn]map[string]struct{} // conn -> rooms joined
}

// NewHub creates a hub. token is the shared secret peers must present when
// connecting; empty disables the check (tests).
func NewHub(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		token:  token,
		logger: logger.With("component", "transport"),
		rooms:  make(map[string]map[*Conn]struct{}),
		conns:  make(map[*Conn]map[string]struct{}),
	}
}

// Bind attaches the inbound sinks. The hub, the rpc gateway and the sync
// engine reference each other, so the sinks are wired after construction.
// Must be called before HandleWebSocket accepts connections.
func (h *Hub) Bind(sink EventSink, replies ReplySink) {
	h.sink = sink
	h.replies = replies
}

// HandleWebSocket upgrades an HTTP request to a peer connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		presented := r.URL.Query().Get("token")
		if presented == "" {
			presented = r.Header.Get("Authorization")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws, h, h.logger)

	h.mu.Lock()
	h.conns[c] = make(map[string]struct{})
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// SendToRoom marshals a frame and delivers it to every connection in the
// room. An empty room is not an error: the payload is simply dropped, and
// RPC callers time out instead.
func (h *Hub) SendToRoom(room, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	data, err := json.Marshal(Frame{Type: event, Payload: body})
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Debug("dropped frame for slow peer", "room", room, "event", event)
		}
	}
	return nil
}

// RoomSize reports how many connections a room currently has.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (h *Hub) join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.conns[c]
	if !ok {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	joined[room] = struct{}{}

	h.logger.Debug("peer joined room", "room", room, "peers", len(h.rooms[room]))
}

// drop removes a connection from the hub. Rooms that lose their last peer
// trigger a disconnect notification so in-flight calls fail fast instead of
// waiting out their timeout.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	joined := h.conns[c]
	delete(h.conns, c)

	var emptied []string
	for room := range joined {
		if peers, ok := h.rooms[room]; ok {
			delete(peers, c)
			if len(peers) == 0 {
				delete(h.rooms, room)
				emptied = append(emptied, room)
			}
		}
	}
	h.mu.Unlock()

	c.closeSend()

	for _, room := range emptied {
		h.replies.HandleDisconnect(room)
	}
}
