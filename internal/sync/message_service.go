// ABOUTME: Paginated and real-time message access for sessions
// ABOUTME: Persists new messages, broadcasts them to the session room, keeps a bounded recent cache

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hub-sync/internal/rpc"
	"github.com/2389/hub-sync/internal/store"
)

// recentMessageLimit bounds the per-session recent-message cache. The cache
// is an accelerator only; pagination always defers to the store.
const recentMessageLimit = 200

// RoomSender delivers a named payload to every connection in a transport
// room. Sending to an empty room is not an error.
type RoomSender interface {
	SendToRoom(room, event string, payload any) error
}

// PageOptions selects a backward page of messages. BeforeSeq nil means
// "start from the newest".
type PageOptions struct {
	Limit     int
	BeforeSeq *int64
}

// Page describes the position of a returned message page.
type Page struct {
	Limit         int    `json:"limit"`
	BeforeSeq     *int64 `json:"beforeSeq"`
	NextBeforeSeq *int64 `json:"nextBeforeSeq"`
	HasMore       bool   `json:"hasMore"`
}

// MessagesPage is a page of messages in ascending sequence order plus its
// pagination descriptor.
type MessagesPage struct {
	Messages []*store.Message `json:"messages"`
	Page     Page             `json:"page"`
}

// SendMessageRequest carries a new user message for a session.
type SendMessageRequest struct {
	Text     string
	LocalID  *string
	SentFrom string
}

// newMessageBody is the payload broadcast to a session's room when a
// message is appended.
type newMessageBody struct {
	T         string         `json:"t"`
	SessionID string         `json:"sid"`
	Message   *store.Message `json:"message"`
}

// MessageService exposes ordered message history and broadcasts new
// messages to a session's room and to sync subscribers.
type MessageService struct {
	store     store.Store
	rooms     RoomSender
	publisher *Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	recent map[string][]*store.Message // ascending seq, at most recentMessageLimit
}

// NewMessageService creates a message service.
func NewMessageService(st store.Store, rooms RoomSender, publisher *Publisher, logger *slog.Logger) *MessageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageService{
		store:     st,
		rooms:     rooms,
		publisher: publisher,
		logger:    logger.With("component", "messages"),
		recent:    make(map[string][]*store.Message),
	}
}

// GetMessagesPage returns up to Limit messages older than BeforeSeq in
// ascending order, with a descriptor for fetching the next older page.
func (s *MessageService) GetMessagesPage(ctx context.Context, sessionID string, opts PageOptions) (*MessagesPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var beforeSeq int64
	if opts.BeforeSeq != nil {
		beforeSeq = *opts.BeforeSeq
		// Sequences start at 1, so nothing precedes an explicit bound of
		// zero. Only a nil bound means "start from the newest".
		if beforeSeq <= 0 {
			return &MessagesPage{
				Messages: []*store.Message{},
				Page:     Page{Limit: opts.Limit, BeforeSeq: opts.BeforeSeq},
			}, nil
		}
	}

	// Fetch one extra row to learn whether older messages remain.
	rows, err := s.store.ListMessagesBefore(ctx, sessionID, beforeSeq, opts.Limit+1)
	if err != nil {
		return nil, fmt.Errorf("loading message page: %w", err)
	}

	hasMore := len(rows) > opts.Limit
	if hasMore {
		rows = rows[:opts.Limit]
	}

	// Store order is descending; present ascending.
	messages := make([]*store.Message, len(rows))
	for i, msg := range rows {
		messages[len(rows)-1-i] = msg
	}

	page := Page{
		Limit:     opts.Limit,
		BeforeSeq: opts.BeforeSeq,
		HasMore:   hasMore,
	}
	if len(messages) > 0 {
		lowest := messages[0].Seq
		page.NextBeforeSeq = &lowest
	}

	return &MessagesPage{Messages: messages, Page: page}, nil
}

// GetMessagesAfter returns up to limit messages with seq > afterSeq in
// ascending order, for catch-up after reconnect.
func (s *MessageService) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.store.ListMessagesAfter(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages after seq %d: %w", afterSeq, err)
	}
	return msgs, nil
}

// SendMessage persists a user message, broadcasts it to the session's room,
// updates the recent cache and emits a message-received event.
func (s *MessageService) SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) (*store.Message, error) {
	sentFrom := req.SentFrom
	if sentFrom == "" {
		sentFrom = "webapp"
	}

	content, err := json.Marshal(map[string]any{
		"role": "user",
		"content": map[string]any{
			"type": "text",
			"text": req.Text,
		},
		"meta": map[string]any{
			"sentFrom": sentFrom,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message content: %w", err)
	}

	msg, err := s.store.AddMessage(ctx, sessionID, content, req.LocalID)
	if err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	update := map[string]any{
		"id":        msg.ID,
		"seq":       time.Now().UnixMilli(),
		"createdAt": msg.CreatedAt,
		"body": newMessageBody{
			T:         "new-message",
			SessionID: sessionID,
			Message:   msg,
		},
	}
	if err := s.rooms.SendToRoom(rpc.SessionRoom(sessionID), "update", update); err != nil {
		s.logger.Warn("failed to broadcast new message", "session_id", sessionID, "error", err)
	}

	s.appendRecent(sessionID, msg)

	s.publisher.Emit(Event{
		Type:      EventMessageReceived,
		SessionID: sessionID,
		Message:   msg,
	})
	return msg, nil
}

// FetchMessages loads the newest messages for a session into the recent
// cache and returns them in ascending order.
func (s *MessageService) FetchMessages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	rows, err := s.store.ListMessagesBefore(ctx, sessionID, 0, recentMessageLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	messages := make([]*store.Message, len(rows))
	for i, msg := range rows {
		messages[len(rows)-1-i] = msg
	}

	s.mu.Lock()
	s.recent[sessionID] = messages
	s.mu.Unlock()

	return messages, nil
}

// RecentMessages returns the cached recent-message window for a session.
func (s *MessageService) RecentMessages(sessionID string) []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.recent[sessionID]
	out := make([]*store.Message, len(cached))
	copy(out, cached)
	return out
}

// DropRecent discards the cached window for a session, used on delete.
func (s *MessageService) DropRecent(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recent, sessionID)
}

func (s *MessageService) appendRecent(sessionID string, msg *store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := append(s.recent[sessionID], msg)
	if len(cached) > recentMessageLimit {
		cached = cached[len(cached)-recentMessageLimit:]
	}
	s.recent[sessionID] = cached
}
