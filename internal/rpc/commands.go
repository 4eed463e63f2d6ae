// ABOUTME: Typed command wrappers over the correlate-send-await primitive
// ABOUTME: Session-addressed and machine-addressed calls with reply decoding

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// SessionRoom is the transport room carrying a session's traffic.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// MachineRoom is the transport room addressing a machine's daemon.
func MachineRoom(machineID string) string {
	return "machine:" + machineID
}

// PermissionDecision values accepted by ApprovePermission/DenyPermission.
const (
	DecisionApproved           = "approved"
	DecisionApprovedForSession = "approved_for_session"
	DecisionDenied             = "denied"
	DecisionAbort              = "abort"
)

// SessionConfig is a requested permission/model mode change.
type SessionConfig struct {
	PermissionMode string `json:"permissionMode,omitempty"`
	ModelMode      string `json:"modelMode,omitempty"`
}

// AppliedConfig is the configuration the remote agent confirmed it applied.
type AppliedConfig struct {
	PermissionMode string `json:"permissionMode,omitempty"`
	ModelMode      string `json:"modelMode,omitempty"`
}

// CommandResponse is the shared reply shape for git and search commands.
type CommandResponse struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReadFileResponse is the reply to a file read; Content is base64-encoded.
type ReadFileResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteFileResponse is the reply to a file write.
type WriteFileResponse struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpawnOptions configures a session spawn on a machine's daemon.
type SpawnOptions struct {
	Directory    string `json:"directory"`
	Agent        string `json:"agent,omitempty"` // defaults to "claude"
	Yolo         bool   `json:"yolo,omitempty"`
	SessionType  string `json:"sessionType,omitempty"` // "simple" or "worktree"
	WorktreeName string `json:"worktreeName,omitempty"`
}

// SpawnResult is a discriminated success/error result: spawn failures are a
// common, expected outcome and are reported as data, not as call errors.
type SpawnResult struct {
	Type      string `json:"type"` // "success" or "error"
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SlashCommand describes one slash command available in a session.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"` // "builtin" or "user"
}

// SlashCommandsResponse is the reply to a slash-command listing.
type SlashCommandsResponse struct {
	Success  bool           `json:"success"`
	Commands []SlashCommand `json:"commands,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// permissionParams is the payload for permission decisions.
type permissionParams struct {
	RequestID  string              `json:"requestId"`
	Approved   bool                `json:"approved"`
	Mode       string              `json:"mode,omitempty"`
	AllowTools []string            `json:"allowTools,omitempty"`
	Decision   string              `json:"decision,omitempty"`
	Answers    map[string][]string `json:"answers,omitempty"`
}

// ApprovePermission resolves a pending permission request in the session's
// favor.
func (g *Gateway) ApprovePermission(ctx context.Context, sessionID, requestID, mode string, allowTools []string, decision string, answers map[string][]string) error {
	_, err := g.Call(ctx, SessionRoom(sessionID), "permission", permissionParams{
		RequestID:  requestID,
		Approved:   true,
		Mode:       mode,
		AllowTools: allowTools,
		Decision:   decision,
		Answers:    answers,
	})
	return err
}

// DenyPermission resolves a pending permission request against the session.
func (g *Gateway) DenyPermission(ctx context.Context, sessionID, requestID, decision string) error {
	_, err := g.Call(ctx, SessionRoom(sessionID), "permission", permissionParams{
		RequestID: requestID,
		Approved:  false,
		Decision:  decision,
	})
	return err
}

// AbortSession interrupts the session's current agent turn.
func (g *Gateway) AbortSession(ctx context.Context, sessionID string) error {
	_, err := g.Call(ctx, SessionRoom(sessionID), "abort", nil)
	return err
}

// KillSession asks the session's agent process to shut down.
func (g *Gateway) KillSession(ctx context.Context, sessionID string) error {
	_, err := g.Call(ctx, SessionRoom(sessionID), "killSession", nil)
	return err
}

// SwitchSession switches the session between local and remote control.
func (g *Gateway) SwitchSession(ctx context.Context, sessionID, to string) error {
	_, err := g.Call(ctx, SessionRoom(sessionID), "switch", map[string]string{"to": to})
	return err
}

// RequestSessionConfig asks the session's agent to apply a configuration
// change and returns what it confirmed. A reply without an "applied" object
// is an ErrInvalidResponse: the call failed, there is nothing to merge.
func (g *Gateway) RequestSessionConfig(ctx context.Context, sessionID string, cfg SessionConfig) (*AppliedConfig, error) {
	raw, err := g.Call(ctx, SessionRoom(sessionID), "sessionConfig", cfg)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Applied *AppliedConfig `json:"applied"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if reply.Applied == nil {
		return nil, fmt.Errorf("%w: missing applied session config", ErrInvalidResponse)
	}
	return reply.Applied, nil
}

// SpawnSession asks a machine's daemon to start a new session. Gateway
// failures (timeout, disconnect, remote error) are folded into the error
// variant of the result.
func (g *Gateway) SpawnSession(ctx context.Context, machineID string, opts SpawnOptions) (*SpawnResult, error) {
	if opts.Agent == "" {
		opts.Agent = "claude"
	}

	raw, err := g.Call(ctx, MachineRoom(machineID), "spawnSession", opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return &SpawnResult{Type: "error", Message: err.Error()}, nil
	}

	var result SpawnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if result.Type != "success" && result.Type != "error" {
		return nil, fmt.Errorf("%w: unexpected spawn result type %q", ErrInvalidResponse, result.Type)
	}
	return &result, nil
}

// CheckPathsExist asks a machine's daemon which of the given paths exist.
func (g *Gateway) CheckPathsExist(ctx context.Context, machineID string, paths []string) (map[string]bool, error) {
	raw, err := g.Call(ctx, MachineRoom(machineID), "pathsExist", map[string][]string{"paths": paths})
	if err != nil {
		return nil, err
	}

	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return result, nil
}

// GitStatus runs git status in the session's working directory.
func (g *Gateway) GitStatus(ctx context.Context, sessionID, cwd string) (*CommandResponse, error) {
	return g.command(ctx, sessionID, "gitStatus", map[string]any{"cwd": cwd})
}

// GitDiffNumstat runs git diff --numstat, optionally for the staged set.
func (g *Gateway) GitDiffNumstat(ctx context.Context, sessionID, cwd string, staged bool) (*CommandResponse, error) {
	return g.command(ctx, sessionID, "gitDiffNumstat", map[string]any{"cwd": cwd, "staged": staged})
}

// GitDiffFile returns the diff for one file.
func (g *Gateway) GitDiffFile(ctx context.Context, sessionID, cwd, filePath string, staged bool) (*CommandResponse, error) {
	return g.command(ctx, sessionID, "gitDiffFile", map[string]any{"cwd": cwd, "filePath": filePath, "staged": staged})
}

// RunRipgrep runs a search in the session's working directory.
func (g *Gateway) RunRipgrep(ctx context.Context, sessionID string, args []string, cwd string) (*CommandResponse, error) {
	return g.command(ctx, sessionID, "ripgrep", map[string]any{"args": args, "cwd": cwd})
}

// ReadFile reads a file from the session's machine; content is base64.
func (g *Gateway) ReadFile(ctx context.Context, sessionID, path string) (*ReadFileResponse, error) {
	raw, err := g.Call(ctx, SessionRoom(sessionID), "readFile", map[string]string{"path": path})
	if err != nil {
		return nil, err
	}

	var resp ReadFileResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// WriteFile writes base64 content to a file on the session's machine.
// expectedHash, when non-nil, makes the write conditional on the current
// file content.
func (g *Gateway) WriteFile(ctx context.Context, sessionID, path, contentBase64 string, expectedHash *string) (*WriteFileResponse, error) {
	raw, err := g.Call(ctx, SessionRoom(sessionID), "writeFile", map[string]any{
		"path":         path,
		"content":      contentBase64,
		"expectedHash": expectedHash,
	})
	if err != nil {
		return nil, err
	}

	var resp WriteFileResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// ListSlashCommands lists the slash commands available to a session's agent.
func (g *Gateway) ListSlashCommands(ctx context.Context, sessionID, agent string) (*SlashCommandsResponse, error) {
	raw, err := g.Call(ctx, SessionRoom(sessionID), "listSlashCommands", map[string]string{"agent": agent})
	if err != nil {
		return nil, err
	}

	var resp SlashCommandsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}

func (g *Gateway) command(ctx context.Context, sessionID, method string, params any) (*CommandResponse, error) {
	raw, err := g.Call(ctx, SessionRoom(sessionID), method, params)
	if err != nil {
		return nil, err
	}

	var resp CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &resp, nil
}
