package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cfg.ServerID, "server-"))
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 6*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, time.Hour, cfg.PruneTimeout)
	assert.Equal(t, 60*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, 30, cfg.TickRate)
	assert.Equal(t, 2, cfg.UpdateInterval)
	assert.Equal(t, 90, cfg.DeltaSyncInterval)
	assert.Equal(t, 5, cfg.SnapshotKeep)
	assert.True(t, cfg.TransfersEnabled)
	assert.Equal(t, "tank", cfg.DefaultWorldType)
	assert.Equal(t, 5, cfg.WSMaxConnsPerIP)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_ID", "aquarium-1")
	t.Setenv("API_PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("TRANSFERS_ENABLED", "false")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("HEARTBEAT_TIMEOUT", "15s")
	t.Setenv("DEFAULT_WORLD_TYPE", "microscopic")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "aquarium-1", cfg.ServerID)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.TransfersEnabled)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "microscopic", cfg.DefaultWorldType)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port out of range", "API_PORT", "70000"},
		{"zero tick rate", "TICK_RATE", "0"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"zero snapshot keep", "SNAPSHOT_KEEP", "0"},
		{"timeout below interval", "HEARTBEAT_TIMEOUT", "1s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
