// ABOUTME: Tests for the HTTP API server
// ABOUTME: Covers auth, namespace scoping, message endpoints and error mapping

package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hub-sync/internal/rpc"
	"github.com/2389/hub-sync/internal/store"
	syncpkg "github.com/2389/hub-sync/internal/sync"
)

type nopSender struct{}

func (nopSender) SendToRoom(room, event string, payload any) error { return nil }

type testServer struct {
	ts       *httptest.Server
	engine   *syncpkg.Engine
	verifier *JWTVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMockStore()
	gateway := rpc.NewGateway(nopSender{}, 30*time.Millisecond, nil)
	engine, err := syncpkg.NewEngine(t.Context(), st, nopSender{}, gateway, syncpkg.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	verifier := NewJWTVerifier([]byte("test-secret"))
	srv := NewServer(engine, verifier, nil, "cli-token", []string{"*"}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, engine: engine, verifier: verifier}
}

func (s *testServer) token(t *testing.T, namespace string) string {
	t.Helper()
	token, err := s.verifier.Generate(namespace, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) request(t *testing.T, method, path, token string, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, s.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.request(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions", "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions", "not-a-jwt", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := NewJWTVerifier([]byte("other-secret"))
		token, err := other.Generate("alice", time.Hour)
		require.NoError(t, err)
		resp, _ := s.request(t, http.MethodGet, "/api/sessions", token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := s.verifier.Generate("alice", -time.Minute)
		require.NoError(t, err)
		resp, _ := s.request(t, http.MethodGet, "/api/sessions", token, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions", s.token(t, "alice"), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAuthExchange(t *testing.T) {
	s := newTestServer(t)

	t.Run("valid cli token", func(t *testing.T) {
		resp, body := s.request(t, http.MethodPost, "/api/auth", "", `{"token":"cli-token","namespace":"alice"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(body, &out))

		namespace, err := s.verifier.Verify(out.Token)
		require.NoError(t, err)
		assert.Equal(t, "alice", namespace)
	})

	t.Run("wrong cli token", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodPost, "/api/auth", "", `{"token":"wrong","namespace":"alice"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing namespace", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodPost, "/api/auth", "", `{"token":"cli-token"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestNamespaceScoping(t *testing.T) {
	s := newTestServer(t)

	_, err := s.engine.GetOrCreateSession(t.Context(), "s-alice", "alice", "work", nil, nil)
	require.NoError(t, err)
	_, err = s.engine.GetOrCreateSession(t.Context(), "s-bob", "bob", "work", nil, nil)
	require.NoError(t, err)

	t.Run("list sees own namespace only", func(t *testing.T) {
		resp, body := s.request(t, http.MethodGet, "/api/sessions", s.token(t, "alice"), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Sessions []syncpkg.Session `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Sessions, 1)
		assert.Equal(t, "s-alice", out.Sessions[0].ID)
	})

	t.Run("foreign session looks missing", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions/s-bob", s.token(t, "alice"), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("own session is visible", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions/s-alice", s.token(t, "alice"), "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestMessageEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "alice")

	_, err := s.engine.GetOrCreateSession(t.Context(), "s1", "alice", "work", nil, nil)
	require.NoError(t, err)

	t.Run("send", func(t *testing.T) {
		resp, body := s.request(t, http.MethodPost, "/api/sessions/s1/messages", token, `{"text":"hello"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Message store.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, int64(1), out.Message.Seq)
	})

	t.Run("send without text", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodPost, "/api/sessions/s1/messages", token, `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("paged history", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := s.engine.SendMessage(t.Context(), "s1", syncpkg.SendMessageRequest{Text: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}

		resp, body := s.request(t, http.MethodGet, "/api/sessions/s1/messages?limit=3", token, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page syncpkg.MessagesPage
		require.NoError(t, json.Unmarshal(body, &page))
		assert.Len(t, page.Messages, 3)
		assert.True(t, page.Page.HasMore)

		cursor := *page.Page.NextBeforeSeq
		resp, body = s.request(t, http.MethodGet, fmt.Sprintf("/api/sessions/s1/messages?limit=10&beforeSeq=%d", cursor), token, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &page))
		assert.False(t, page.Page.HasMore)
	})

	t.Run("after cursor", func(t *testing.T) {
		resp, body := s.request(t, http.MethodGet, "/api/sessions/s1/messages?afterSeq=4", token, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Messages []*store.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.NotEmpty(t, out.Messages)
		assert.Equal(t, int64(5), out.Messages[0].Seq)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/sessions/s1/messages?beforeSeq=abc", token, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCommandErrorMapping(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "alice")

	_, err := s.engine.GetOrCreateSession(t.Context(), "s1", "alice", "work", nil, nil)
	require.NoError(t, err)

	// No agent is connected, so the RPC times out and maps to 504.
	resp, _ := s.request(t, http.MethodPost, "/api/sessions/s1/abort", token, "")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestRenameAndDelete(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "alice")

	_, err := s.engine.GetOrCreateSession(t.Context(), "s1", "alice", "work", nil, nil)
	require.NoError(t, err)

	resp, _ := s.request(t, http.MethodPost, "/api/sessions/s1/rename", token, `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", s.engine.GetSession("s1").Tag)

	resp, _ = s.request(t, http.MethodDelete, "/api/sessions/s1", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, s.engine.GetSession("s1"))

	resp, _ = s.request(t, http.MethodDelete, "/api/sessions/s1", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMachineEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "alice")

	_, err := s.engine.GetOrCreateMachine(t.Context(), "m1", "alice", nil, nil)
	require.NoError(t, err)
	s.engine.HandleMachineAlive(syncpkg.MachineAlive{MachineID: "m1", Time: time.Now()})

	t.Run("list online", func(t *testing.T) {
		resp, body := s.request(t, http.MethodGet, "/api/machines?online=true", token, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Machines []syncpkg.Machine `json:"machines"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Machines, 1)
		assert.True(t, out.Machines[0].Online)
	})

	t.Run("foreign machine looks missing", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodGet, "/api/machines/m1", s.token(t, "bob"), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("spawn requires directory", func(t *testing.T) {
		resp, _ := s.request(t, http.MethodPost, "/api/machines/m1/spawn", token, `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("spawn with no daemon folds into error result", func(t *testing.T) {
		resp, body := s.request(t, http.MethodPost, "/api/machines/m1/spawn", token, `{"directory":"/work"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result rpc.SpawnResult
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Equal(t, "error", result.Type)
	})
}

func TestSSEStreamDeliversNamespaceEvents(t *testing.T) {
	s := newTestServer(t)

	_, err := s.engine.GetOrCreateSession(t.Context(), "s1", "alice", "work", nil, nil)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, s.ts.URL+"/api/events?token="+s.token(t, "alice"), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// One event for alice, one for bob; only alice's may arrive.
	_, err = s.engine.SendMessage(t.Context(), "s1", syncpkg.SendMessageRequest{Text: "for alice"})
	require.NoError(t, err)
	_, err = s.engine.GetOrCreateSession(t.Context(), "s2", "bob", "work", nil, nil)
	require.NoError(t, err)

	events := make(chan string, 4)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				events <- string(buf[:n])
			}
			if err != nil {
				close(events)
				return
			}
		}
	}()

	var received string
	select {
	case chunk := <-events:
		received = chunk
	case <-time.After(2 * time.Second):
		t.Fatal("no SSE event received")
	}

	assert.Contains(t, received, "message-received")
	assert.Contains(t, received, `"namespace":"alice"`)
	assert.NotContains(t, received, "s2")
}
