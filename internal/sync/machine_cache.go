// ABOUTME: Authoritative in-memory machine view with online/offline tracking
// ABOUTME: Mirrors the session cache for daemon hosts; machines only expire, never delete

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hub-sync/internal/store"
)

// Machine is the cached view of a daemon host. Online is derived from
// heartbeat recency the same way Session.Active is.
type Machine struct {
	ID          string          `json:"id"`
	Namespace   string          `json:"namespace"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	DaemonState json.RawMessage `json:"daemonState,omitempty"`
	LastAliveAt time.Time       `json:"lastAliveAt"`
	Online      bool            `json:"online"`
}

// MachineAlive is a machine heartbeat payload.
type MachineAlive struct {
	MachineID string
	Time      time.Time
}

// MachineCache maintains the in-process representation of all known
// machines. Same locking discipline as SessionCache.
type MachineCache struct {
	store     store.Store
	publisher *Publisher
	threshold time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	machines map[string]*Machine
	locks    stripedLocks
}

// NewMachineCache creates a machine cache with the given liveness threshold.
func NewMachineCache(st store.Store, publisher *Publisher, threshold time.Duration, logger *slog.Logger) *MachineCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MachineCache{
		store:     st,
		publisher: publisher,
		threshold: threshold,
		logger:    logger.With("component", "machine-cache"),
		machines:  make(map[string]*Machine),
	}
}

// ReloadAll loads every known machine from the store, marked offline until a
// heartbeat is observed. No events are emitted.
func (c *MachineCache) ReloadAll(ctx context.Context) error {
	rows, err := c.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("reloading machines: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.machines = make(map[string]*Machine, len(rows))
	for _, row := range rows {
		c.machines[row.ID] = machineFromRow(row)
	}
	c.logger.Info("machine cache reloaded", "count", len(rows))
	return nil
}

// GetOrCreateMachine returns the cached machine, loading or creating the
// store row as needed. At most one row is created per ID.
func (c *MachineCache) GetOrCreateMachine(ctx context.Context, id, namespace string, metadata, daemonState json.RawMessage) (*Machine, error) {
	defer c.locks.lock(id).Unlock()

	if cached := c.Machine(id); cached != nil {
		if cached.Namespace != namespace {
			return nil, ErrNamespaceMismatch
		}
		return cached, nil
	}

	row, err := c.store.GetMachine(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		row = &store.Machine{
			ID:          id,
			Namespace:   namespace,
			Metadata:    metadata,
			DaemonState: daemonState,
		}
		if err := c.store.CreateMachine(ctx, row); err != nil {
			if errors.Is(err, store.ErrDuplicateMachine) {
				if row, err = c.store.GetMachine(ctx, id); err != nil {
					return nil, fmt.Errorf("loading machine after duplicate create: %w", err)
				}
			} else {
				return nil, fmt.Errorf("creating machine: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("loading machine: %w", err)
	}

	if row.Namespace != namespace {
		return nil, ErrNamespaceMismatch
	}

	machine := machineFromRow(row)
	c.mu.Lock()
	c.machines[id] = machine
	c.mu.Unlock()

	snapshot := *machine
	c.publisher.Emit(Event{
		Type:      EventMachineUpdated,
		Namespace: snapshot.Namespace,
		MachineID: id,
		Machine:   &snapshot,
	})
	return &snapshot, nil
}

// HandleMachineAlive processes a daemon heartbeat. Emits an event only when
// the machine transitions offline to online; a heartbeat that merely
// advances the timestamp is silent.
func (c *MachineCache) HandleMachineAlive(p MachineAlive) {
	defer c.locks.lock(p.MachineID).Unlock()

	c.mu.Lock()
	machine, ok := c.machines[p.MachineID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("heartbeat for unknown machine", "machine_id", p.MachineID)
		return
	}

	// Drop delayed beats carrying a timestamp we have already moved past.
	if p.Time.Before(machine.LastAliveAt) {
		c.mu.Unlock()
		return
	}

	wasOnline := machine.Online
	machine.LastAliveAt = p.Time
	machine.Online = time.Since(p.Time) < c.threshold
	changed := machine.Online != wasOnline
	snapshot := *machine
	c.mu.Unlock()

	if !changed {
		return
	}

	c.publisher.Emit(Event{
		Type:      EventMachineUpdated,
		Namespace: snapshot.Namespace,
		MachineID: snapshot.ID,
		Machine:   &snapshot,
	})
}

// RefreshMachine re-reads a machine from the store. A refresh for an ID the
// store no longer knows evicts the cached entry instead of failing.
func (c *MachineCache) RefreshMachine(ctx context.Context, id string) error {
	defer c.locks.lock(id).Unlock()

	row, err := c.store.GetMachine(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.mu.Lock()
		delete(c.machines, id)
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("refreshing machine: %w", err)
	}

	c.mu.Lock()
	machine, ok := c.machines[id]
	if !ok {
		machine = machineFromRow(row)
		c.machines[id] = machine
	} else {
		machine.Metadata = row.Metadata
		machine.DaemonState = row.DaemonState
	}
	snapshot := *machine
	c.mu.Unlock()

	c.publisher.Emit(Event{
		Type:      EventMachineUpdated,
		Namespace: snapshot.Namespace,
		MachineID: id,
		Machine:   &snapshot,
	})
	return nil
}

// ExpireInactive transitions machines outside the liveness window to
// offline. Edge-triggered, one event per transition. Machines are never
// deleted here.
func (c *MachineCache) ExpireInactive() {
	now := time.Now()

	c.mu.RLock()
	ids := make([]string, 0, len(c.machines))
	for id := range c.machines {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.expireOne(id, now)
	}
}

func (c *MachineCache) expireOne(id string, now time.Time) {
	defer c.locks.lock(id).Unlock()

	c.mu.Lock()
	machine, ok := c.machines[id]
	if !ok || !machine.Online || now.Sub(machine.LastAliveAt) < c.threshold {
		c.mu.Unlock()
		return
	}

	machine.Online = false
	snapshot := *machine
	c.mu.Unlock()

	c.logger.Debug("machine expired", "machine_id", id, "last_alive_at", snapshot.LastAliveAt)
	c.publisher.Emit(Event{
		Type:      EventMachineUpdated,
		Namespace: snapshot.Namespace,
		MachineID: id,
		Machine:   &snapshot,
	})
}

// Machines returns a snapshot of all cached machines.
func (c *MachineCache) Machines() []*Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Machine, 0, len(c.machines))
	for _, machine := range c.machines {
		snapshot := *machine
		out = append(out, &snapshot)
	}
	return out
}

// MachinesByNamespace returns the machines belonging to one namespace.
func (c *MachineCache) MachinesByNamespace(namespace string) []*Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Machine
	for _, machine := range c.machines {
		if machine.Namespace != namespace {
			continue
		}
		snapshot := *machine
		out = append(out, &snapshot)
	}
	return out
}

// Machine returns a snapshot of one machine, or nil if unknown.
func (c *MachineCache) Machine(id string) *Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	machine, ok := c.machines[id]
	if !ok {
		return nil
	}
	snapshot := *machine
	return &snapshot
}

// MachineByNamespace returns the machine only if it belongs to the given
// namespace.
func (c *MachineCache) MachineByNamespace(id, namespace string) *Machine {
	machine := c.Machine(id)
	if machine == nil || machine.Namespace != namespace {
		return nil
	}
	return machine
}

// OnlineMachines returns the currently online subset.
func (c *MachineCache) OnlineMachines() []*Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Machine
	for _, machine := range c.machines {
		if !machine.Online {
			continue
		}
		snapshot := *machine
		out = append(out, &snapshot)
	}
	return out
}

// OnlineMachinesByNamespace returns the online machines in one namespace.
func (c *MachineCache) OnlineMachinesByNamespace(namespace string) []*Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Machine
	for _, machine := range c.machines {
		if !machine.Online || machine.Namespace != namespace {
			continue
		}
		snapshot := *machine
		out = append(out, &snapshot)
	}
	return out
}

func machineFromRow(row *store.Machine) *Machine {
	return &Machine{
		ID:          row.ID,
		Namespace:   row.Namespace,
		Metadata:    row.Metadata,
		DaemonState: row.DaemonState,
	}
}
