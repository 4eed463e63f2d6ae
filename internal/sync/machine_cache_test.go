// ABOUTME: Tests for the machine cache
// ABOUTME: Covers heartbeat transitions, expiry, refresh eviction and namespace scoping

package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hub-sync/internal/store"
)

func newTestMachineCache(t *testing.T, threshold time.Duration) (*MachineCache, *store.MockStore, *eventRecorder) {
	t.Helper()

	st := store.NewMockStore()
	rec := &eventRecorder{}
	pub := NewPublisher(nil, nil)
	pub.Subscribe(rec.record)

	return NewMachineCache(st, pub, threshold, nil), st, rec
}

func TestGetOrCreateMachine(t *testing.T) {
	cache, st, rec := newTestMachineCache(t, time.Minute)

	machine, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", machine.ID)
	assert.False(t, machine.Online)
	assert.Equal(t, 1, st.CreateMachineCalls)
	require.Len(t, rec.ofType(EventMachineUpdated), 1)

	// Cached on the second call.
	_, err = cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CreateMachineCalls)
	assert.Len(t, rec.ofType(EventMachineUpdated), 1)

	t.Run("namespace mismatch", func(t *testing.T) {
		_, err := cache.GetOrCreateMachine(t.Context(), "m1", "mallory", nil, nil)
		assert.ErrorIs(t, err, ErrNamespaceMismatch)
	})
}

func TestHandleMachineAlive(t *testing.T) {
	cache, _, rec := newTestMachineCache(t, time.Minute)
	_, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)
	rec.reset()

	t.Run("offline to online emits", func(t *testing.T) {
		cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: time.Now()})

		machine := cache.Machine("m1")
		assert.True(t, machine.Online)
		events := rec.ofType(EventMachineUpdated)
		require.Len(t, events, 1)
		assert.True(t, events[0].Machine.Online)
	})

	t.Run("repeat heartbeat is silent", func(t *testing.T) {
		rec.reset()
		cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: time.Now()})
		assert.Empty(t, rec.all())
	})

	t.Run("delayed heartbeat does not rewind", func(t *testing.T) {
		fresh := time.Now()
		cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: fresh})
		rec.reset()

		cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: fresh.Add(-2 * time.Minute)})

		machine := cache.Machine("m1")
		assert.True(t, machine.Online)
		assert.Equal(t, fresh, machine.LastAliveAt)
		assert.Empty(t, rec.all())
	})

	t.Run("unknown machine dropped", func(t *testing.T) {
		rec.reset()
		cache.HandleMachineAlive(MachineAlive{MachineID: "ghost", Time: time.Now()})
		assert.Nil(t, cache.Machine("ghost"))
		assert.Empty(t, rec.all())
	})
}

func TestMachineExpiry(t *testing.T) {
	cache, _, rec := newTestMachineCache(t, 50*time.Millisecond)
	_, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)

	cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: time.Now()})
	require.True(t, cache.Machine("m1").Online)
	rec.reset()

	time.Sleep(60 * time.Millisecond)
	cache.ExpireInactive()

	// The machine goes offline but stays in the cache.
	machine := cache.Machine("m1")
	require.NotNil(t, machine)
	assert.False(t, machine.Online)
	require.Len(t, rec.ofType(EventMachineUpdated), 1)

	cache.ExpireInactive()
	assert.Len(t, rec.ofType(EventMachineUpdated), 1)
}

func TestRefreshMachine(t *testing.T) {
	t.Run("merges store changes", func(t *testing.T) {
		cache, st, _ := newTestMachineCache(t, time.Minute)
		_, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
		require.NoError(t, err)

		row, err := st.GetMachine(t.Context(), "m1")
		require.NoError(t, err)
		row.Metadata = []byte(`{"host":"new"}`)
		require.NoError(t, st.UpdateMachine(t.Context(), row))

		require.NoError(t, cache.RefreshMachine(t.Context(), "m1"))
		assert.JSONEq(t, `{"host":"new"}`, string(cache.Machine("m1").Metadata))
	})

	t.Run("evicts unknown machine silently", func(t *testing.T) {
		cache, _, rec := newTestMachineCache(t, time.Minute)
		_, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
		require.NoError(t, err)
		rec.reset()

		// The row never existed upstream on this store.
		require.NoError(t, cache.RefreshMachine(t.Context(), "ghost"))
		assert.Empty(t, rec.all())
	})
}

func TestMachineNamespaceScoping(t *testing.T) {
	cache, _, _ := newTestMachineCache(t, time.Minute)
	_, err := cache.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)
	_, err = cache.GetOrCreateMachine(t.Context(), "m2", "bob", nil, nil)
	require.NoError(t, err)

	cache.HandleMachineAlive(MachineAlive{MachineID: "m1", Time: time.Now()})

	assert.Len(t, cache.Machines(), 2)
	assert.Len(t, cache.MachinesByNamespace("alice"), 1)
	assert.Len(t, cache.OnlineMachines(), 1)
	assert.Len(t, cache.OnlineMachinesByNamespace("alice"), 1)
	assert.Empty(t, cache.OnlineMachinesByNamespace("bob"))
	assert.Nil(t, cache.MachineByNamespace("m1", "bob"))
}
