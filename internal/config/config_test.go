package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, int64(8192), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, "redis", cfg.PubSub.Driver)
	assert.Equal(t, "localhost:6379", cfg.PubSub.Redis.Address)
	assert.Equal(t, 3*time.Second, cfg.PubSub.Redis.ReadTimeout)
	assert.Equal(t, "lobbycast", cfg.PubSub.Kafka.TopicPrefix)
	assert.False(t, cfg.Realtime.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.JWT.Duration)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lobby.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
pubsub:
  driver: kafka
  kafka:
    brokers: kafka-1:9092,kafka-2:9092
realtime:
  enabled: true
  app_id: "123"
  key: app-key
websocket:
  ping_interval: 5s
`), 0o600))

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("PORT", "9000")
	t.Setenv("PUSHER_SECRET", "shh")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "kafka", cfg.PubSub.Driver)
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", cfg.PubSub.Kafka.Brokers)
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, "123", cfg.Realtime.AppID)
	assert.Equal(t, "app-key", cfg.Realtime.Key)
	assert.Equal(t, "shh", cfg.Realtime.Secret)
	assert.Equal(t, 5*time.Second, cfg.WebSocket.PingInterval)
}
