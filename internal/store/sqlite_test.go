// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers session/machine CRUD, message seq assignment and pagination queries

package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore creates an in-memory SQLite store.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func createSession(t *testing.T, s *SQLiteStore, id, namespace string) *Session {
	t.Helper()
	sess := &Session{
		ID:        id,
		Namespace: namespace,
		Tag:       "tag-" + id,
		Metadata:  json.RawMessage(`{"path":"/work"}`),
	}
	require.NoError(t, s.CreateSession(t.Context(), sess))
	return sess
}

func TestSessionCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	t.Run("create and get", func(t *testing.T) {
		createSession(t, s, "sess-1", "alice")

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", got.ID)
		assert.Equal(t, "alice", got.Namespace)
		assert.Equal(t, "tag-sess-1", got.Tag)
		assert.JSONEq(t, `{"path":"/work"}`, string(got.Metadata))
		assert.Nil(t, got.EndedAt)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := s.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate create returns ErrDuplicateSession", func(t *testing.T) {
		err := s.CreateSession(ctx, &Session{ID: "sess-1", Namespace: "alice"})
		assert.ErrorIs(t, err, ErrDuplicateSession)
	})

	t.Run("update", func(t *testing.T) {
		sess, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)

		sess.Tag = "renamed"
		sess.PermissionMode = "acceptEdits"
		require.NoError(t, s.UpdateSession(ctx, sess))

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Tag)
		assert.Equal(t, "acceptEdits", got.PermissionMode)
	})

	t.Run("end session sets EndedAt", func(t *testing.T) {
		endedAt := time.Now().Truncate(time.Second)
		require.NoError(t, s.EndSession(ctx, "sess-1", endedAt))

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, got.EndedAt)
		assert.WithinDuration(t, endedAt, *got.EndedAt, time.Second)
	})

	t.Run("end missing session returns ErrNotFound", func(t *testing.T) {
		err := s.EndSession(ctx, "nope", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		createSession(t, s, "sess-2", "bob")

		sessions, err := s.ListSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteSession(ctx, "sess-2"))

		_, err := s.GetSession(ctx, "sess-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete missing returns ErrNotFound", func(t *testing.T) {
		err := s.DeleteSession(ctx, "sess-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMachineCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	machine := &Machine{
		ID:        "mach-1",
		Namespace: "alice",
		Metadata:  json.RawMessage(`{"host":"laptop"}`),
	}
	require.NoError(t, s.CreateMachine(ctx, machine))

	t.Run("get", func(t *testing.T) {
		got, err := s.GetMachine(ctx, "mach-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Namespace)
		assert.JSONEq(t, `{"host":"laptop"}`, string(got.Metadata))
	})

	t.Run("duplicate create returns ErrDuplicateMachine", func(t *testing.T) {
		err := s.CreateMachine(ctx, &Machine{ID: "mach-1", Namespace: "alice"})
		assert.ErrorIs(t, err, ErrDuplicateMachine)
	})

	t.Run("update daemon state", func(t *testing.T) {
		machine.DaemonState = json.RawMessage(`{"version":"2.0"}`)
		require.NoError(t, s.UpdateMachine(ctx, machine))

		got, err := s.GetMachine(ctx, "mach-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":"2.0"}`, string(got.DaemonState))
	})

	t.Run("list", func(t *testing.T) {
		machines, err := s.ListMachines(ctx)
		require.NoError(t, err)
		assert.Len(t, machines, 1)
	})
}

func TestMessageSeqAssignment(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createSession(t, s, "sess-1", "alice")

	first, err := s.AddMessage(ctx, "sess-1", json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.NotEmpty(t, first.ID)

	localID := "local-abc"
	second, err := s.AddMessage(ctx, "sess-1", json.RawMessage(`{"n":2}`), &localID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	require.NotNil(t, second.LocalID)
	assert.Equal(t, "local-abc", *second.LocalID)

	// Sequences are per session, not global.
	createSession(t, s, "sess-2", "alice")
	other, err := s.AddMessage(ctx, "sess-2", json.RawMessage(`{"n":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Seq)
}

func TestMessagePagination(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createSession(t, s, "sess-1", "alice")

	for i := 1; i <= 10; i++ {
		_, err := s.AddMessage(ctx, "sess-1", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	t.Run("before from newest", func(t *testing.T) {
		msgs, err := s.ListMessagesBefore(ctx, "sess-1", 0, 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		// Descending from the newest.
		assert.Equal(t, int64(10), msgs[0].Seq)
		assert.Equal(t, int64(9), msgs[1].Seq)
		assert.Equal(t, int64(8), msgs[2].Seq)
	})

	t.Run("before a cursor", func(t *testing.T) {
		msgs, err := s.ListMessagesBefore(ctx, "sess-1", 4, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, int64(3), msgs[0].Seq)
		assert.Equal(t, int64(1), msgs[2].Seq)
	})

	t.Run("after a cursor", func(t *testing.T) {
		msgs, err := s.ListMessagesAfter(ctx, "sess-1", 7, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		// Ascending.
		assert.Equal(t, int64(8), msgs[0].Seq)
		assert.Equal(t, int64(10), msgs[2].Seq)
	})

	t.Run("empty session", func(t *testing.T) {
		createSession(t, s, "sess-empty", "alice")
		msgs, err := s.ListMessagesBefore(ctx, "sess-empty", 0, 5)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	createSession(t, s, "sess-1", "alice")

	_, err := s.AddMessage(ctx, "sess-1", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	msgs, err := s.ListMessagesBefore(ctx, "sess-1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
