// ABOUTME: Admin CLI for inspecting the hub-gateway sync state over HTTP
// ABOUTME: Lists sessions, machines and messages; uses JWT bearer authentication

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		red := color.New(color.FgRed)
		red.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hub-admin",
		Short:         "Inspect and drive a hub-gateway from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	client := &apiClient{}
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		client.baseURL = os.Getenv("HUB_GATEWAY_HTTP")
		if client.baseURL == "" {
			client.baseURL = "http://localhost:8080"
		}
		client.token = getToken()
	}

	rootCmd.AddCommand(
		newLoginCmd(client),
		newSessionsCmd(client),
		newMachinesCmd(client),
		newMessagesCmd(client),
		newSendCmd(client),
		newHealthCmd(client),
	)
	return rootCmd
}

// getToken returns the JWT from HUB_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("HUB_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hub", "token")
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sessionView struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Active      bool      `json:"active"`
	Thinking    bool      `json:"thinking"`
	LastAliveAt time.Time `json:"lastAliveAt"`
}

type machineView struct {
	ID          string    `json:"id"`
	Online      bool      `json:"online"`
	LastAliveAt time.Time `json:"lastAliveAt"`
}

type messageView struct {
	Seq       int64           `json:"seq"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

func newLoginCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "login <namespace>",
		Short: "Exchange the CLI token for a namespace JWT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliToken := os.Getenv("HUB_CLI_TOKEN")
			if cliToken == "" {
				return fmt.Errorf("HUB_CLI_TOKEN is not set")
			}

			var resp struct {
				Token string `json:"token"`
			}
			err := client.do(cmd.Context(), http.MethodPost, "/api/auth", map[string]string{
				"token":     cliToken,
				"namespace": args[0],
			}, &resp)
			if err != nil {
				return err
			}

			path := tokenPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(resp.Token+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing token file: %w", err)
			}

			green := color.New(color.FgGreen)
			green.Printf("Logged in to namespace %s\n", args[0])
			fmt.Printf("Token saved to %s\n", path)
			return nil
		},
	}
}

func newSessionsCmd(client *apiClient) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in your namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/sessions"
			if activeOnly {
				path += "?active=true"
			}

			var resp struct {
				Sessions []sessionView `json:"sessions"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if len(resp.Sessions) == 0 {
				fmt.Println("No sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTAG\tSTATE\tLAST ALIVE")
			for _, s := range resp.Sessions {
				state := "inactive"
				if s.Active {
					state = "active"
					if s.Thinking {
						state = "thinking"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Tag, state, humanTime(s.LastAliveAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only sessions with a live heartbeat")
	return cmd
}

func newMachinesCmd(client *apiClient) *cobra.Command {
	var onlineOnly bool
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List machines in your namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/machines"
			if onlineOnly {
				path += "?online=true"
			}

			var resp struct {
				Machines []machineView `json:"machines"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if len(resp.Machines) == 0 {
				fmt.Println("No machines")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tLAST ALIVE")
			for _, m := range resp.Machines {
				state := "offline"
				if m.Online {
					state = "online"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, state, humanTime(m.LastAliveAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&onlineOnly, "online", false, "only machines with a live heartbeat")
	return cmd
}

func newMessagesCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Show recent messages for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Messages []messageView `json:"messages"`
			}
			path := fmt.Sprintf("/api/sessions/%s/messages", args[0])
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if len(resp.Messages) == 0 {
				fmt.Println("No messages")
				return nil
			}

			gray := color.New(color.FgHiBlack)
			for _, m := range resp.Messages {
				gray.Printf("[%d] %s\n", m.Seq, m.CreatedAt.Format(time.RFC3339))
				fmt.Printf("  %s\n", string(m.Content))
			}
			return nil
		},
	}
}

func newSendCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session-id> <text>...",
		Short: "Send a message to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message messageView `json:"message"`
			}
			path := fmt.Sprintf("/api/sessions/%s/messages", args[0])
			err := client.do(cmd.Context(), http.MethodPost, path, map[string]string{
				"text":     strings.Join(args[1:], " "),
				"sentFrom": "cli",
			}, &resp)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen)
			green.Printf("Sent (seq %d)\n", resp.Message.Seq)
			return nil
		},
	}
}

func newHealthCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Status string `json:"status"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/healthz", nil, &resp); err != nil {
				return err
			}
			if resp.Status != "ok" {
				return fmt.Errorf("gateway unhealthy: %s", resp.Status)
			}
			green := color.New(color.FgGreen)
			green.Println("gateway healthy")
			return nil
		},
	}
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
