package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/var/lib/mailsync"
nats_url = "nats://localhost:4222"

[oauth]
client_id = "app"

[sync]
tick = "1m"
max_delta_pages = 20
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/mailsync", cfg.DataDir)
	require.Equal(t, "app", cfg.OAuth.ClientID)
	require.Equal(t, time.Minute, cfg.Sync.Tick)
	require.Equal(t, 20, cfg.Sync.MaxDeltaPages)

	// Untouched keys keep their defaults.
	require.Equal(t, 500, cfg.Sync.MaxHistoryPages)
	require.Equal(t, "common", cfg.OAuth.Tenant)
}

func TestOverrideSkipsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Override(Config{
		LogLevel: "debug",
		Sync:     SyncConfig{Cooldown: 5 * time.Second},
	})

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, 5*time.Second, cfg.Sync.Cooldown)
	require.Equal(t, 30*time.Second, cfg.Sync.Tick)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())

	cfg.OAuth.ClientID = "app"
	require.Error(t, cfg.Validate())

	cfg.API.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join("data", "mailsync.db"), cfg.DBPath)
	require.Equal(t, filepath.Join("data", "bodies.db"), cfg.BlobPath)

	cfg.Sync.MaxErrorBackoff = time.Second
	require.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "json"
	_, err := cfg.NewLogger()
	require.NoError(t, err)

	cfg.LogFormat = "xml"
	_, err = cfg.NewLogger()
	require.Error(t, err)
}
