// ABOUTME: Sync engine composing caches, publisher, message service and RPC gateway
// ABOUTME: Routes inbound realtime events, runs the liveness sweep, exposes the unified API

package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hub-sync/internal/rpc"
	"github.com/2389/hub-sync/internal/store"
)

// Options configures engine timings. Zero values fall back to defaults.
type Options struct {
	// InactivityThreshold is the liveness window: an entity with no
	// heartbeat for this long is inactive/offline.
	InactivityThreshold time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
}

const (
	defaultInactivityThreshold = 30 * time.Second
	defaultSweepInterval       = 5 * time.Second
)

// Engine is the root of the sync layer. It owns the caches, the event
// publisher and the message service, runs the periodic liveness sweep, and
// exposes the unified surface consumed by HTTP handlers and bot frontends.
type Engine struct {
	store     store.Store
	publisher *Publisher
	sessions  *SessionCache
	machines  *MachineCache
	messages  *MessageService
	gateway   *rpc.Gateway
	logger    *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewEngine builds the sync layer and loads both caches from the store.
// The sweep ticker starts immediately; call Stop to halt it.
func NewEngine(ctx context.Context, st store.Store, rooms RoomSender, gateway *rpc.Gateway, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = defaultInactivityThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	e := &Engine{
		store:   st,
		gateway: gateway,
		logger:  logger.With("component", "sync"),
		done:    make(chan struct{}),
	}

	// The resolver closes over the caches, breaking the circular dependency
	// between publisher and caches without a concrete type reference.
	e.publisher = NewPublisher(ResolverFunc(e.resolveNamespace), logger)
	e.sessions = NewSessionCache(st, e.publisher, opts.InactivityThreshold, logger)
	e.machines = NewMachineCache(st, e.publisher, opts.InactivityThreshold, logger)
	e.messages = NewMessageService(st, rooms, e.publisher, logger)

	if err := e.sessions.ReloadAll(ctx); err != nil {
		return nil, err
	}
	if err := e.machines.ReloadAll(ctx); err != nil {
		return nil, err
	}

	go e.sweepLoop(opts.SweepInterval)
	return e, nil
}

// Stop halts the liveness sweep. The sweep never fires after Stop returns.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
}

func (e *Engine) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sessions.ExpireInactive()
			e.machines.ExpireInactive()
		case <-e.done:
			return
		}
	}
}

// Subscribe registers a listener for sync events and returns its
// unsubscribe function.
func (e *Engine) Subscribe(listener Listener) func() {
	return e.publisher.Subscribe(listener)
}

func (e *Engine) resolveNamespace(event Event) (string, bool) {
	if event.SessionID != "" {
		if sess := e.sessions.Session(event.SessionID); sess != nil {
			return sess.Namespace, true
		}
	}
	if event.MachineID != "" {
		if machine := e.machines.Machine(event.MachineID); machine != nil {
			return machine.Namespace, true
		}
	}
	return "", false
}

// HandleRealtimeEvent ingests an event observed on the external event
// stream: the relevant cache is refreshed so the in-process view converges,
// then the event is fanned out to subscribers.
func (e *Engine) HandleRealtimeEvent(ctx context.Context, event Event) {
	switch {
	case event.Type == EventSessionUpdated && event.SessionID != "":
		if err := e.sessions.RefreshSession(ctx, event.SessionID); err != nil {
			e.logger.Warn("refresh on realtime event failed", "session_id", event.SessionID, "error", err)
		}
		return

	case event.Type == EventMachineUpdated && event.MachineID != "":
		if err := e.machines.RefreshMachine(ctx, event.MachineID); err != nil {
			e.logger.Warn("refresh on realtime event failed", "machine_id", event.MachineID, "error", err)
		}
		return

	case event.Type == EventMessageReceived && event.SessionID != "":
		if e.sessions.Session(event.SessionID) == nil {
			if err := e.sessions.RefreshSession(ctx, event.SessionID); err != nil {
				e.logger.Warn("refresh on message event failed", "session_id", event.SessionID, "error", err)
			}
		}
	}

	e.publisher.Emit(event)
}

// Heartbeat ingestion.

func (e *Engine) HandleSessionAlive(p SessionAlive) { e.sessions.HandleSessionAlive(p) }
func (e *Engine) HandleMachineAlive(p MachineAlive) { e.machines.HandleMachineAlive(p) }

func (e *Engine) HandleSessionEnd(ctx context.Context, p SessionEnd) error {
	return e.sessions.HandleSessionEnd(ctx, p)
}

// Session queries.

func (e *Engine) GetSessions() []*Session { return e.sessions.Sessions() }
func (e *Engine) GetSessionsByNamespace(namespace string) []*Session {
	return e.sessions.SessionsByNamespace(namespace)
}
func (e *Engine) GetSession(id string) *Session { return e.sessions.Session(id) }
func (e *Engine) GetSessionByNamespace(id, namespace string) *Session {
	return e.sessions.SessionByNamespace(id, namespace)
}
func (e *Engine) GetActiveSessions() []*Session { return e.sessions.ActiveSessions() }

// Machine queries.

func (e *Engine) GetMachines() []*Machine { return e.machines.Machines() }
func (e *Engine) GetMachinesByNamespace(namespace string) []*Machine {
	return e.machines.MachinesByNamespace(namespace)
}
func (e *Engine) GetMachine(id string) *Machine { return e.machines.Machine(id) }
func (e *Engine) GetMachineByNamespace(id, namespace string) *Machine {
	return e.machines.MachineByNamespace(id, namespace)
}
func (e *Engine) GetOnlineMachines() []*Machine { return e.machines.OnlineMachines() }
func (e *Engine) GetOnlineMachinesByNamespace(namespace string) []*Machine {
	return e.machines.OnlineMachinesByNamespace(namespace)
}

// Entity creation.

func (e *Engine) GetOrCreateSession(ctx context.Context, id, namespace, tag string, metadata, agentState json.RawMessage) (*Session, error) {
	return e.sessions.GetOrCreateSession(ctx, id, namespace, tag, metadata, agentState)
}

func (e *Engine) GetOrCreateMachine(ctx context.Context, id, namespace string, metadata, daemonState json.RawMessage) (*Machine, error) {
	return e.machines.GetOrCreateMachine(ctx, id, namespace, metadata, daemonState)
}

// Message access.

func (e *Engine) GetMessagesPage(ctx context.Context, sessionID string, opts PageOptions) (*MessagesPage, error) {
	return e.messages.GetMessagesPage(ctx, sessionID, opts)
}

func (e *Engine) GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*store.Message, error) {
	return e.messages.GetMessagesAfter(ctx, sessionID, afterSeq, limit)
}

func (e *Engine) SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) (*store.Message, error) {
	return e.messages.SendMessage(ctx, sessionID, req)
}

func (e *Engine) FetchMessages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return e.messages.FetchMessages(ctx, sessionID)
}

func (e *Engine) RecentMessages(sessionID string) []*store.Message {
	return e.messages.RecentMessages(sessionID)
}

// Command operations. Each is a thin pass-through to the RPC gateway;
// failures surface as typed errors for the outer layer to map.

func (e *Engine) ApprovePermission(ctx context.Context, sessionID, requestID, mode string, allowTools []string, decision string, answers map[string][]string) error {
	return e.gateway.ApprovePermission(ctx, sessionID, requestID, mode, allowTools, decision, answers)
}

func (e *Engine) DenyPermission(ctx context.Context, sessionID, requestID, decision string) error {
	return e.gateway.DenyPermission(ctx, sessionID, requestID, decision)
}

func (e *Engine) AbortSession(ctx context.Context, sessionID string) error {
	return e.gateway.AbortSession(ctx, sessionID)
}

// ArchiveSession kills the remote agent process, then ends the session
// locally and in the store.
func (e *Engine) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := e.gateway.KillSession(ctx, sessionID); err != nil {
		return err
	}
	return e.sessions.HandleSessionEnd(ctx, SessionEnd{SessionID: sessionID, Time: time.Now()})
}

func (e *Engine) SwitchSession(ctx context.Context, sessionID, to string) error {
	return e.gateway.SwitchSession(ctx, sessionID, to)
}

func (e *Engine) RenameSession(ctx context.Context, sessionID, name string) error {
	return e.sessions.RenameSession(ctx, sessionID, name)
}

func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	e.messages.DropRecent(sessionID)
	return nil
}

// ApplySessionConfig round-trips a config change through the remote agent
// and merges the confirmed result into the cache.
func (e *Engine) ApplySessionConfig(ctx context.Context, sessionID string, cfg rpc.SessionConfig) error {
	applied, err := e.gateway.RequestSessionConfig(ctx, sessionID, cfg)
	if err != nil {
		return err
	}
	e.sessions.ApplySessionConfig(sessionID, AppliedConfig{
		PermissionMode: applied.PermissionMode,
		ModelMode:      applied.ModelMode,
	})
	return nil
}

func (e *Engine) SpawnSession(ctx context.Context, machineID string, opts rpc.SpawnOptions) (*rpc.SpawnResult, error) {
	return e.gateway.SpawnSession(ctx, machineID, opts)
}

func (e *Engine) CheckPathsExist(ctx context.Context, machineID string, paths []string) (map[string]bool, error) {
	return e.gateway.CheckPathsExist(ctx, machineID, paths)
}

func (e *Engine) GetGitStatus(ctx context.Context, sessionID, cwd string) (*rpc.CommandResponse, error) {
	return e.gateway.GitStatus(ctx, sessionID, cwd)
}

func (e *Engine) GetGitDiffNumstat(ctx context.Context, sessionID, cwd string, staged bool) (*rpc.CommandResponse, error) {
	return e.gateway.GitDiffNumstat(ctx, sessionID, cwd, staged)
}

func (e *Engine) GetGitDiffFile(ctx context.Context, sessionID, cwd, filePath string, staged bool) (*rpc.CommandResponse, error) {
	return e.gateway.GitDiffFile(ctx, sessionID, cwd, filePath, staged)
}

func (e *Engine) ReadSessionFile(ctx context.Context, sessionID, path string) (*rpc.ReadFileResponse, error) {
	return e.gateway.ReadFile(ctx, sessionID, path)
}

// WriteSessionFile writes plain-text content to a file on the session's
// machine; the wire format is base64.
func (e *Engine) WriteSessionFile(ctx context.Context, sessionID, path, content string) (*rpc.WriteFileResponse, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	resp, err := e.gateway.WriteFile(ctx, sessionID, path, encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("writing session file: %w", err)
	}
	return resp, nil
}

func (e *Engine) RunRipgrep(ctx context.Context, sessionID string, args []string, cwd string) (*rpc.CommandResponse, error) {
	return e.gateway.RunRipgrep(ctx, sessionID, args, cwd)
}

func (e *Engine) ListSlashCommands(ctx context.Context, sessionID, agent string) (*rpc.SlashCommandsResponse, error) {
	return e.gateway.ListSlashCommands(ctx, sessionID, agent)
}
