// ABOUTME: HTTP JSON API exposing the sync engine to web and bot frontends
// ABOUTME: All routes are namespace-scoped by the caller's JWT; cross-namespace reads 404

package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/hub-sync/internal/rpc"
	"github.com/2389/hub-sync/internal/store"
	syncpkg "github.com/2389/hub-sync/internal/sync"
)

// tokenTTL is the lifetime of JWTs minted by the auth endpoint.
const tokenTTL = 30 * 24 * time.Hour

// Server serves the JSON API, the SSE event stream and the realtime
// websocket endpoint.
type Server struct {
	engine    *syncpkg.Engine
	verifier  *JWTVerifier
	wsHandler http.Handler
	cliToken  string
	cors      []string
	logger    *slog.Logger
}

// NewServer creates the API server. wsHandler is mounted at /ws and may be
// nil when the websocket transport is not wired (tests).
func NewServer(engine *syncpkg.Engine, verifier *JWTVerifier, wsHandler http.Handler, cliToken string, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		verifier:  verifier,
		wsHandler: wsHandler,
		cliToken:  cliToken,
		cors:      corsOrigins,
		logger:    logger.With("component", "http"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth", s.handleAuth)

	if s.wsHandler != nil {
		mux.Handle("/ws", s.wsHandler)
	}

	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/rename", s.requireAuth(s.handleRenameSession))
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.requireAuth(s.handleAbortSession))
	mux.HandleFunc("POST /api/sessions/{id}/archive", s.requireAuth(s.handleArchiveSession))
	mux.HandleFunc("POST /api/sessions/{id}/switch", s.requireAuth(s.handleSwitchSession))
	mux.HandleFunc("POST /api/sessions/{id}/config", s.requireAuth(s.handleSessionConfig))
	mux.HandleFunc("POST /api/sessions/{id}/permission", s.requireAuth(s.handlePermission))

	mux.HandleFunc("GET /api/sessions/{id}/messages", s.requireAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.requireAuth(s.handleSendMessage))

	mux.HandleFunc("POST /api/sessions/{id}/git/status", s.requireAuth(s.handleGitStatus))
	mux.HandleFunc("POST /api/sessions/{id}/git/diff", s.requireAuth(s.handleGitDiff))
	mux.HandleFunc("POST /api/sessions/{id}/files/read", s.requireAuth(s.handleReadFile))
	mux.HandleFunc("POST /api/sessions/{id}/files/write", s.requireAuth(s.handleWriteFile))
	mux.HandleFunc("POST /api/sessions/{id}/search", s.requireAuth(s.handleSearch))
	mux.HandleFunc("GET /api/sessions/{id}/commands", s.requireAuth(s.handleSlashCommands))

	mux.HandleFunc("GET /api/machines", s.requireAuth(s.handleListMachines))
	mux.HandleFunc("GET /api/machines/{id}", s.requireAuth(s.handleGetMachine))
	mux.HandleFunc("POST /api/machines/{id}/spawn", s.requireAuth(s.handleSpawnSession))
	mux.HandleFunc("POST /api/machines/{id}/paths-exist", s.requireAuth(s.handlePathsExist))

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cors {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuth exchanges the shared CLI token for a namespace-scoped JWT.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string `json:"token"`
		Namespace string `json:"namespace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Namespace == "" {
		writeJSONError(w, http.StatusBadRequest, "namespace is required")
		return
	}
	if s.cliToken == "" || !constantTimeEquals(req.Token, s.cliToken) {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	token, err := s.verifier.Generate(req.Namespace, tokenTTL)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Session handlers.

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	namespace, _ := NamespaceFromContext(r.Context())
	sessions := s.engine.GetSessionsByNamespace(namespace)
	if r.URL.Query().Get("active") == "true" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.Active {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.engine.DeleteSession(r.Context(), sess.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.engine.RenameSession(r.Context(), sess.ID, req.Name); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"renamed": true})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.engine.AbortSession(r.Context(), sess.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.engine.ArchiveSession(r.Context(), sess.ID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": true})
}

func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "to is required")
		return
	}
	if err := s.engine.SwitchSession(r.Context(), sess.ID, req.To); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"switched": true})
}

func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var cfg rpc.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.ApplySessionConfig(r.Context(), sess.ID, cfg); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		RequestID  string              `json:"requestId"`
		Approved   bool                `json:"approved"`
		Mode       string              `json:"mode,omitempty"`
		AllowTools []string            `json:"allowTools,omitempty"`
		Decision   string              `json:"decision,omitempty"`
		Answers    map[string][]string `json:"answers,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		writeJSONError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	var err error
	if req.Approved {
		err = s.engine.ApprovePermission(r.Context(), sess.ID, req.RequestID, req.Mode, req.AllowTools, req.Decision, req.Answers)
	} else {
		err = s.engine.DenyPermission(r.Context(), sess.ID, req.RequestID, req.Decision)
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handled": true})
}

// Message handlers.

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	if raw := query.Get("afterSeq"); raw != "" {
		afterSeq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid afterSeq")
			return
		}
		messages, err := s.engine.GetMessagesAfter(r.Context(), sess.ID, afterSeq, limit)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	opts := syncpkg.PageOptions{Limit: limit}
	if raw := query.Get("beforeSeq"); raw != "" {
		beforeSeq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid beforeSeq")
			return
		}
		opts.BeforeSeq = &beforeSeq
	}

	page, err := s.engine.GetMessagesPage(r.Context(), sess.ID, opts)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req syncpkg.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	msg, err := s.engine.SendMessage(r.Context(), sess.ID, req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

// Remote command handlers.

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Cwd string `json:"cwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cwd == "" {
		writeJSONError(w, http.StatusBadRequest, "cwd is required")
		return
	}
	resp, err := s.engine.GetGitStatus(r.Context(), sess.ID, req.Cwd)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Cwd    string `json:"cwd"`
		File   string `json:"file,omitempty"`
		Staged bool   `json:"staged,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cwd == "" {
		writeJSONError(w, http.StatusBadRequest, "cwd is required")
		return
	}

	var resp *rpc.CommandResponse
	var err error
	if req.File != "" {
		resp, err = s.engine.GetGitDiffFile(r.Context(), sess.ID, req.Cwd, req.File, req.Staged)
	} else {
		resp, err = s.engine.GetGitDiffNumstat(r.Context(), sess.ID, req.Cwd, req.Staged)
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	resp, err := s.engine.ReadSessionFile(r.Context(), sess.ID, req.Path)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	resp, err := s.engine.WriteSessionFile(r.Context(), sess.ID, req.Path, req.Content)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		Args []string `json:"args"`
		Cwd  string   `json:"cwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Args) == 0 {
		writeJSONError(w, http.StatusBadRequest, "args are required")
		return
	}
	resp, err := s.engine.RunRipgrep(r.Context(), sess.ID, req.Args, req.Cwd)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSlashCommands(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFor(r)
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	resp, err := s.engine.ListSlashCommands(r.Context(), sess.ID, r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Machine handlers.

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	namespace, _ := NamespaceFromContext(r.Context())
	var machines []*syncpkg.Machine
	if r.URL.Query().Get("online") == "true" {
		machines = s.engine.GetOnlineMachinesByNamespace(namespace)
	} else {
		machines = s.engine.GetMachinesByNamespace(namespace)
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machine := s.machineFor(r)
	if machine == nil {
		writeJSONError(w, http.StatusNotFound, "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": machine})
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	machine := s.machineFor(r)
	if machine == nil {
		writeJSONError(w, http.StatusNotFound, "machine not found")
		return
	}
	var opts rpc.SpawnOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || opts.Directory == "" {
		writeJSONError(w, http.StatusBadRequest, "directory is required")
		return
	}
	result, err := s.engine.SpawnSession(r.Context(), machine.ID, opts)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePathsExist(w http.ResponseWriter, r *http.Request) {
	machine := s.machineFor(r)
	if machine == nil {
		writeJSONError(w, http.StatusNotFound, "machine not found")
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		writeJSONError(w, http.StatusBadRequest, "paths are required")
		return
	}
	result, err := s.engine.CheckPathsExist(r.Context(), machine.ID, req.Paths)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": result})
}

// sessionFor resolves the path's session id within the caller's namespace.
// A session in another namespace looks identical to a missing one.
func (s *Server) sessionFor(r *http.Request) *syncpkg.Session {
	namespace, _ := NamespaceFromContext(r.Context())
	return s.engine.GetSessionByNamespace(r.PathValue("id"), namespace)
}

func (s *Server) machineFor(r *http.Request) *syncpkg.Machine {
	namespace, _ := NamespaceFromContext(r.Context())
	return s.engine.GetMachineByNamespace(r.PathValue("id"), namespace)
}

// Response helpers.

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var remote *rpc.RemoteError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, syncpkg.ErrNamespaceMismatch):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, rpc.ErrTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "agent did not respond")
	case errors.Is(err, rpc.ErrDisconnected):
		writeJSONError(w, http.StatusBadGateway, "agent disconnected")
	case errors.Is(err, rpc.ErrInvalidResponse):
		writeJSONError(w, http.StatusBadGateway, "invalid agent response")
	case errors.As(err, &remote):
		writeJSONError(w, http.StatusBadGateway, remote.Message)
	default:
		logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
