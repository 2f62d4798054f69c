package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/memory"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 50*time.Millisecond, cfg.WebSocket.BatchWindow)
	assert.Equal(t, 30*time.Second, cfg.Correlation.Timeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.OPCUA.Reconnect.MaxAttempts)
	assert.Equal(t, 2.0, cfg.OPCUA.Reconnect.Multiplier)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFile_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "config.yaml", `
environment: staging
http:
  port: 9090
  read_timeout: 3s
websocket:
  batch_window: 100ms
  allowed_origins: ["http://localhost:3000"]
database:
  driver: memory
mqtt:
  enabled: true
  topic_prefix: plant
`)
	t.Setenv("OPCUAGUA_HTTP_PORT", "9191")
	t.Setenv("OPCUAGUA_LOGGING_LEVEL", "debug")
	t.Setenv("OPCUAGUA_CORRELATION_TIMEOUT", "5s")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 9191, cfg.HTTP.Port, "environment wins over the file")
	assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.WebSocket.BatchWindow)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "plant", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Correlation.Timeout)
}

func TestLoad_UsesConfigPath(t *testing.T) {
	path := writeFile(t, "custom.yaml", "http:\n  port: 7070\n")
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
}

func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "http:\n  port: 70000\n"},
		{"unknown driver", "database:\n  driver: sqlite\n"},
		{"qos", "mqtt:\n  qos: 3\n"},
		{"ping after pong", "websocket:\n  ping_interval: 90s\n"},
		{"no batch window", "websocket:\n  batch_window: 0s\n"},
		{"production without password", "environment: production\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, "config.yaml", tt.yaml))
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	_, err := LoadFile(writeFile(t, "config.yaml", "http: [unterminated"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestExpandEnvBraces(t *testing.T) {
	t.Setenv("PLC_HOST", "10.0.0.5")

	assert.Equal(t, "host: 10.0.0.5", expandEnvBraces("host: ${PLC_HOST}"))
	assert.Equal(t, "port: 4840", expandEnvBraces("port: ${PLC_PORT_UNSET:4840}"))
	assert.Equal(t, "user: ", expandEnvBraces("user: ${PLC_USER_UNSET}"))
	assert.Equal(t, "ns=2;s=$Level", expandEnvBraces("ns=2;s=$Level"))
}

const seedYAML = `
connections:
  - name: reservoir-plc
    host: ${SEED_PLC_HOST:127.0.0.1}
    port: 4840
people:
  - name: Operator One
    email: one@example.com
tags:
  - node_id: ns=2;s=LevelA
    display_name: Level A
    data_type: Double
    is_subscribed: true
    person: Operator One
  - node_id: ns=2;s=LevelB
    display_name: Level B
settings:
  - name: fast
    publishing_interval: 200ms
    sampling_interval: 100ms
    queue_size: 5
    is_default: true
`

func TestLoadSeed(t *testing.T) {
	t.Setenv("SEED_PLC_HOST", "plc.local")

	seed, err := LoadSeed(writeFile(t, "seed.yaml", seedYAML))
	require.NoError(t, err)

	require.Len(t, seed.Connections, 1)
	assert.Equal(t, "plc.local", seed.Connections[0].Host)
	assert.Equal(t, domain.SecurityPolicyNone, seed.Connections[0].SecurityPolicy)

	require.Len(t, seed.Tags, 2)
	assert.Equal(t, "Operator One", seed.Tags[0].Person)
	assert.True(t, seed.Tags[0].IsSubscribed)

	require.Len(t, seed.Settings, 1)
	assert.Equal(t, 200*time.Millisecond, seed.Settings[0].PublishingInterval)

	empty, err := LoadSeed("")
	require.NoError(t, err)
	assert.Empty(t, empty.Tags)
}

func TestLoadSeed_InvalidConnection(t *testing.T) {
	_, err := LoadSeed(writeFile(t, "seed.yaml", "connections:\n  - name: broken\n    port: 4840\n"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSeed_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	seed, err := LoadSeed(writeFile(t, "seed.yaml", seedYAML))
	require.NoError(t, err)

	require.NoError(t, seed.Apply(ctx, store, zerolog.Nop()))
	require.NoError(t, seed.Apply(ctx, store, zerolog.Nop()))

	conns, err := store.ListConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	tags, err := store.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	levelA, err := store.GetTagByNodeID(ctx, "ns=2;s=LevelA")
	require.NoError(t, err)
	require.NotNil(t, levelA.PersonID)

	settings, err := store.GetDefaultSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast", settings.Name)

	all, err := store.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSeed_UnknownPerson(t *testing.T) {
	seed := &Seed{Tags: []SeedTag{{
		Tag:    domain.Tag{NodeID: "ns=2;s=X", DisplayName: "X"},
		Person: "nobody",
	}}}
	err := seed.Apply(context.Background(), memory.NewStore(), zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrValidation)
}
