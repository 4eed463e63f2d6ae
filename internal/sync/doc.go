// Package sync is the in-process coordination core of hub-sync.
//
// # Overview
//
// The sync package keeps an authoritative in-memory view of every session
// and machine known to the gateway, layered over the persistent store. All
// reads served to frontends come from this view; the store is consulted on
// misses and written through on mutation.
//
// # Engine
//
// Engine is the composition root:
//
//	engine, err := sync.NewEngine(ctx, store, rooms, gateway, sync.Options{}, logger)
//	defer engine.Stop()
//
// It owns the session cache, the machine cache, the message service and the
// event publisher, and runs the periodic liveness sweep.
//
// # Liveness
//
// Sessions and machines report heartbeats (HandleSessionAlive,
// HandleMachineAlive). An entity is active/online while its last heartbeat
// is younger than the inactivity threshold (default 30s). A background
// sweep (default every 5s) expires entities whose heartbeats stopped,
// emitting a single transition event per entity. Events fire only on state
// transitions, never on every heartbeat or sweep tick.
//
// # Events
//
// Publisher fans out cache changes to subscribers in subscription order.
// Every event carries the owning namespace, resolved at emit time through
// the caches; events whose namespace cannot be resolved are delivered with
// an empty namespace and must not cross tenant boundaries downstream.
//
//	unsubscribe := engine.Subscribe(func(ev sync.Event) { ... })
//	defer unsubscribe()
//
// # Messages
//
// MessageService pages through a session's append-only message log by
// sequence number and maintains a bounded cache of the most recent entries
// per session. Outbound messages are persisted, broadcast to the session's
// transport room and announced as message-received events.
//
// # Concurrency
//
// Each cache guards its map with an RWMutex and serializes writers per
// entity id with striped locks, so concurrent mutations of the same entity
// cannot interleave while mutations of different entities proceed in
// parallel. Read accessors return copies; callers never observe a struct
// being mutated.
package sync
