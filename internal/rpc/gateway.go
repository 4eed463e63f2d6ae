// ABOUTME: Correlated request/response gateway over the room-addressed transport
// ABOUTME: Tracks pending calls by UUID, enforces timeouts, drops late replies

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout indicates no reply arrived within the gateway's wait window.
var ErrTimeout = errors.New("rpc timeout")

// ErrDisconnected indicates the target's connection dropped mid-call.
var ErrDisconnected = errors.New("target disconnected")

// ErrInvalidResponse indicates a reply arrived but was malformed or missing
// expected fields.
var ErrInvalidResponse = errors.New("invalid rpc response")

// RemoteError carries an error string reported by the remote peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// RoomSender delivers a named payload to every connection in a transport
// room. Sending to a room with no connections is not an error; the call
// simply times out when nobody answers.
type RoomSender interface {
	SendToRoom(room, event string, payload any) error
}

// Request is the wire envelope for an outbound RPC call.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Reply is the wire envelope for an inbound RPC reply.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	requestID string
	room      string
	issuedAt  time.Time
	ch        chan callResult
}

// Gateway turns fire-and-wait calls into request/response exchanges against
// remote peers reachable only through the asynchronous transport. Every call
// registers a pending record keyed by a correlation ID that is unique across
// all in-flight calls; the record is removed exactly once, on reply, timeout
// or target disconnect. Replies for unknown IDs are dropped silently.
type Gateway struct {
	sender  RoomSender
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewGateway creates a gateway with the given per-call wait timeout.
func NewGateway(sender RoomSender, timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("component", "rpc"),
		pending: make(map[string]*pendingCall),
	}
}

// Call sends method/params to a room and suspends until a correlated reply
// arrives, the timeout elapses, the target disconnects, or ctx is done.
// The gateway never retries; callers decide what a failure means.
func (g *Gateway) Call(ctx context.Context, room, method string, params any) (json.RawMessage, error) {
	requestID := uuid.New().String()
	call := &pendingCall{
		requestID: requestID,
		room:      room,
		issuedAt:  time.Now(),
		ch:        make(chan callResult, 1),
	}

	g.mu.Lock()
	g.pending[requestID] = call
	g.mu.Unlock()

	req := Request{ID: requestID, Method: method, Params: params}
	if err := g.sender.SendToRoom(room, "rpc-request", req); err != nil {
		g.remove(requestID)
		return nil, fmt.Errorf("sending rpc request: %w", err)
	}

	g.logger.Debug("rpc call issued",
		"request_id", requestID,
		"room", room,
		"method", method,
	)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-timer.C:
		g.remove(requestID)
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, method, room, g.timeout)
	case <-ctx.Done():
		g.remove(requestID)
		return nil, ctx.Err()
	}
}

// HandleReply resolves the pending call matching the reply's correlation ID.
// A reply for an already-removed call is a no-op, not an error.
func (g *Gateway) HandleReply(reply Reply) {
	g.mu.Lock()
	call, ok := g.pending[reply.ID]
	if ok {
		delete(g.pending, reply.ID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Debug("reply for unknown or expired call", "request_id", reply.ID)
		return
	}

	res := callResult{result: reply.Result}
	if reply.Error != "" {
		res.err = &RemoteError{Message: reply.Error}
	}
	call.ch <- res
}

// HandleDisconnect fails every pending call addressed to the given room with
// ErrDisconnected. Called by the transport when a room loses its last peer.
func (g *Gateway) HandleDisconnect(room string) {
	g.mu.Lock()
	var dropped []*pendingCall
	for id, call := range g.pending {
		if call.room == room {
			dropped = append(dropped, call)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, call := range dropped {
		call.ch <- callResult{err: fmt.Errorf("%w: %s", ErrDisconnected, room)}
	}
	if len(dropped) > 0 {
		g.logger.Debug("failed pending calls on disconnect",
			"room", room,
			"count", len(dropped),
		)
	}
}

// PendingCalls reports the number of in-flight calls.
func (g *Gateway) PendingCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) remove(requestID string) {
	g.mu.Lock()
	delete(g.pending, requestID)
	g.mu.Unlock()
}
