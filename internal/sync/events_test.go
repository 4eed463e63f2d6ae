// ABOUTME: Tests for the event publisher
// ABOUTME: Covers ordered fanout, unsubscribe, namespace resolution and panic isolation

package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherOrderedFanout(t *testing.T) {
	p := NewPublisher(nil, nil)

	var order []int
	p.Subscribe(func(Event) { order = append(order, 1) })
	p.Subscribe(func(Event) { order = append(order, 2) })
	p.Subscribe(func(Event) { order = append(order, 3) })

	p.Emit(Event{Type: EventSessionUpdated, SessionID: "s1"})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublisherUnsubscribe(t *testing.T) {
	p := NewPublisher(nil, nil)

	var got []string
	p.Subscribe(func(Event) { got = append(got, "a") })
	unsubB := p.Subscribe(func(Event) { got = append(got, "b") })
	p.Subscribe(func(Event) { got = append(got, "c") })

	unsubB()
	p.Emit(Event{Type: EventSessionUpdated})
	assert.Equal(t, []string{"a", "c"}, got)

	// Unsubscribing twice is a no-op.
	unsubB()
	p.Emit(Event{Type: EventSessionUpdated})
	assert.Equal(t, []string{"a", "c", "a", "c"}, got)
}

func TestPublisherResolvesNamespace(t *testing.T) {
	resolver := ResolverFunc(func(event Event) (string, bool) {
		if event.SessionID == "s1" {
			return "alice", true
		}
		return "", false
	})
	p := NewPublisher(resolver, nil)

	var events []Event
	p.Subscribe(func(ev Event) { events = append(events, ev) })

	t.Run("resolved", func(t *testing.T) {
		p.Emit(Event{Type: EventMessageReceived, SessionID: "s1"})
		require.Len(t, events, 1)
		assert.Equal(t, "alice", events[0].Namespace)
	})

	t.Run("unresolvable delivers with empty namespace", func(t *testing.T) {
		p.Emit(Event{Type: EventMessageReceived, SessionID: "unknown"})
		require.Len(t, events, 2)
		assert.Empty(t, events[1].Namespace)
	})

	t.Run("preset namespace wins", func(t *testing.T) {
		p.Emit(Event{Type: EventMessageReceived, SessionID: "s1", Namespace: "bob"})
		require.Len(t, events, 3)
		assert.Equal(t, "bob", events[2].Namespace)
	})
}

func TestPublisherIsolatesPanickingListener(t *testing.T) {
	p := NewPublisher(nil, nil)

	var delivered bool
	p.Subscribe(func(Event) { panic("bad listener") })
	p.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		p.Emit(Event{Type: EventSessionUpdated})
	})
	assert.True(t, delivered)
}

func TestPublisherReentrantSubscribe(t *testing.T) {
	p := NewPublisher(nil, nil)

	var count int
	p.Subscribe(func(Event) {
		count++
		// Subscribing from inside a listener must not deadlock.
		p.Subscribe(func(Event) { count += 10 })
	})

	p.Emit(Event{Type: EventSessionUpdated})
	assert.Equal(t, 1, count)

	p.Emit(Event{Type: EventSessionUpdated})
	assert.Equal(t, 12, count)
}
