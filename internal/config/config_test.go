// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
  cors_origins:
    - "https://app.example.com"
database:
  path: "/var/lib/hub/gateway.db"
auth:
  jwt_secret: "secret123"
  cli_token: "cli456"
sync:
  inactivity_threshold: "45s"
  sweep_interval: "2s"
  rpc_timeout: "10s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/hub/gateway.db", cfg.Database.Path)
	assert.Equal(t, "secret123", cfg.Auth.JWTSecret)
	assert.Equal(t, "cli456", cfg.Auth.CLIToken)
	assert.Equal(t, 45*time.Second, cfg.Sync.InactivityThreshold)
	assert.Equal(t, 2*time.Second, cfg.Sync.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.Sync.RPCTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gateway.db"
auth:
  jwt_secret: "secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultInactivityThreshold, cfg.Sync.InactivityThreshold)
	assert.Equal(t, DefaultSweepInterval, cfg.Sync.SweepInterval)
	assert.Equal(t, DefaultRPCTimeout, cfg.Sync.RPCTimeout)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_HUB_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gateway.db"
auth:
  jwt_secret: "${TEST_HUB_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "server: [broken")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gateway.db"
auth:
  jwt_secret: "secret"
sync:
  inactivity_threshold: "soon"
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "inactivity_threshold")
	})

	t.Run("missing jwt secret", func(t *testing.T) {
		path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "gateway.db"
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "jwt_secret")
	})

	t.Run("missing http addr", func(t *testing.T) {
		path := writeConfig(t, `
database:
  path: "gateway.db"
auth:
  jwt_secret: "secret"
`)
		_, err := Load(path)
		assert.ErrorContains(t, err, "http_addr")
	})
}
