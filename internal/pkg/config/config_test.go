package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestNewAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
auth:
  adminTokens: ["admin-token"]
  userTokens: ["user-token"]
`)

	cfg, err := New(path)
	require.NoError(t, err)

	require.Equal(t, StorageMemory, cfg.Storage.Driver)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 10000, cfg.Cache.Capacity)
	require.Equal(t, 100, cfg.List.DefaultLimit)
	require.Equal(t, 1000, cfg.List.MaxLimit)
	require.Equal(t, "/api/v1", cfg.Server.BaseURL)
	require.Equal(t, []string{"admin-token"}, cfg.Auth.AdminTokens)
}

func TestNewOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
auth:
  secret: s3cr3t
cache:
  ttl: 30s
  capacity: 50
list:
  defaultLimit: 10
  maxLimit: 20
`)

	cfg, err := New(path)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Cache.TTL)
	require.Equal(t, 50, cfg.Cache.Capacity)
	require.Equal(t, 10, cfg.List.DefaultLimit)
	require.Equal(t, 20, cfg.List.MaxLimit)
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown driver",
			body: "storage:\n  driver: mongo\nauth:\n  secret: x\n",
		},
		{
			name: "no auth",
			body: "storage:\n  driver: memory\n",
		},
		{
			name: "inconsistent limits",
			body: "storage:\n  driver: memory\nauth:\n  secret: x\nlist:\n  defaultLimit: 50\n  maxLimit: 10\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestSampleConfig(t *testing.T) {
	cfg, err := New(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	require.Equal(t, StoragePostgres, cfg.Storage.Driver)
	require.True(t, cfg.Cache.Remote)
	require.Equal(t, 500*time.Millisecond, cfg.Cache.FetchTimeout)
	require.Equal(t, time.Minute, cfg.Jobs.ReconcileInterval)
}
