// ABOUTME: Represents a single websocket peer and manages its read/write pumps
// ABOUTME: Parses inbound frames and forwards them to the hub's sinks

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/hub-sync/internal/rpc"
	syncpkg "github.com/2389/hub-sync/internal/sync"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

// Frame is the wire envelope for all websocket traffic, both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// helloPayload is the first frame a peer must send: the rooms it serves.
// A CLI agent joins its session room; a daemon joins its machine room.
type helloPayload struct {
	Rooms []string `json:"rooms"`
}

type alivePayload struct {
	SessionID      string `json:"sid,omitempty"`
	MachineID      string `json:"machineId,omitempty"`
	Time           int64  `json:"time"` // epoch milliseconds
	Thinking       *bool  `json:"thinking,omitempty"`
	Mode           string `json:"mode,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	ModelMode      string `json:"modelMode,omitempty"`
}

type endPayload struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
}

// Conn is one connected peer. Frames destined for the peer go through the
// buffered send channel; slow peers drop frames rather than block the hub.
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	logger *slog.Logger

	mu     sync.Mutex // guards send against close during a broadcast
	send   chan []byte
	closed bool
}

func newConn(ws *websocket.Conn, hub *Hub, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		logger: logger,
	}
}

// enqueue hands a marshaled frame to the write pump without blocking.
// Returns false once the connection is closed or the buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the send channel exactly once. Broadcasts racing the
// disconnect see the closed flag instead of a closed channel.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case "hello":
		var hello helloPayload
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			c.logger.Debug("dropping malformed hello", "error", err)
			return
		}
		for _, room := range hello.Rooms {
			c.hub.join(c, room)
		}

	case "session-alive":
		var p alivePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		c.hub.sink.HandleSessionAlive(syncpkg.SessionAlive{
			SessionID:      p.SessionID,
			Time:           time.UnixMilli(p.Time),
			Thinking:       p.Thinking,
			Mode:           p.Mode,
			PermissionMode: p.PermissionMode,
			ModelMode:      p.ModelMode,
		})

	case "machine-alive":
		var p alivePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MachineID == "" {
			return
		}
		c.hub.sink.HandleMachineAlive(syncpkg.MachineAlive{
			MachineID: p.MachineID,
			Time:      time.UnixMilli(p.Time),
		})

	case "session-end":
		var p endPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.SessionID == "" {
			return
		}
		if err := c.hub.sink.HandleSessionEnd(context.Background(), syncpkg.SessionEnd{
			SessionID: p.SessionID,
			Time:      time.UnixMilli(p.Time),
		}); err != nil {
			c.logger.Warn("session end failed", "session_id", p.SessionID, "error", err)
		}

	case "rpc-response":
		var reply rpc.Reply
		if err := json.Unmarshal(frame.Payload, &reply); err != nil || reply.ID == "" {
			c.logger.Debug("dropping malformed rpc response", "error", err)
			return
		}
		c.hub.replies.HandleReply(reply)

	case "event":
		var event syncpkg.Event
		if err := json.Unmarshal(frame.Payload, &event); err != nil || event.Type == "" {
			return
		}
		c.hub.sink.HandleRealtimeEvent(context.Background(), event)

	default:
		c.logger.Debug("unknown frame type", "type", frame.Type)
	}
}
