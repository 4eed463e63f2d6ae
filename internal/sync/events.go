// ABOUTME: Sync event types and the namespace-resolving event publisher
// ABOUTME: Fans out state-change events to registered listeners in order

package sync

import (
	"log/slog"
	"sync"

	"github.com/2389/hub-sync/internal/store"
)

// EventType identifies the kind of state change an Event describes.
type EventType string

const (
	EventSessionUpdated  EventType = "session-updated"
	EventSessionRemoved  EventType = "session-removed"
	EventMachineUpdated  EventType = "machine-updated"
	EventMessageReceived EventType = "message-received"
)

// Event describes a single state change. Namespace may be empty when the
// producer does not know it cheaply; the publisher resolves it at emit time
// from SessionID or MachineID. Subscribers that filter per-namespace must
// discard events whose namespace could not be resolved.
type Event struct {
	Type      EventType      `json:"type"`
	Namespace string         `json:"namespace,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	MachineID string         `json:"machineId,omitempty"`
	Session   *Session       `json:"session,omitempty"`
	Machine   *Machine       `json:"machine,omitempty"`
	Message   *store.Message `json:"message,omitempty"`
}

// Listener receives a copy of every emitted event.
type Listener func(Event)

// NamespaceResolver looks up the namespace for an event that omits it.
// Returns false when the referenced entity is unknown.
type NamespaceResolver interface {
	Resolve(event Event) (string, bool)
}

// ResolverFunc adapts a closure to the NamespaceResolver interface.
type ResolverFunc func(event Event) (string, bool)

// Resolve implements NamespaceResolver.
func (f ResolverFunc) Resolve(event Event) (string, bool) {
	return f(event)
}

// Publisher is an in-memory fan-out for sync events. Listeners are invoked
// synchronously in registration order; a panicking listener is isolated so
// delivery continues to the rest.
type Publisher struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	resolver  NamespaceResolver
	logger    *slog.Logger
}

// NewPublisher creates a publisher. The resolver may be nil, in which case
// events are delivered with whatever namespace they already carry.
// Pass nil logger for default.
func NewPublisher(resolver NamespaceResolver, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		listeners: make(map[uint64]Listener),
		resolver:  resolver,
		logger:    logger.With("component", "publisher"),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is safe.
func (p *Publisher) Subscribe(listener Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = listener
	p.order = append(p.order, id)

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.listeners[id]; !ok {
			return
		}
		delete(p.listeners, id)
		for i, lid := range p.order {
			if lid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
}

// Emit resolves the event's namespace if absent and delivers it to every
// registered listener in registration order. The event is delivered even
// when no namespace can be resolved.
func (p *Publisher) Emit(event Event) {
	if event.Namespace == "" && p.resolver != nil {
		if ns, ok := p.resolver.Resolve(event); ok {
			event.Namespace = ns
		}
	}

	// Snapshot under lock so listeners may subscribe/unsubscribe reentrantly.
	p.mu.Lock()
	targets := make([]Listener, 0, len(p.order))
	for _, id := range p.order {
		targets = append(targets, p.listeners[id])
	}
	p.mu.Unlock()

	for _, listener := range targets {
		p.deliver(listener, event)
	}
}

// deliver invokes a single listener, recovering from panics so one bad
// subscriber cannot break fanout or the mutation path that triggered it.
func (p *Publisher) deliver(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("listener panicked during event delivery",
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()
	listener(event)
}
