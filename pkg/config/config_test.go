package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, SerializationCBOR, cfg.Serialization.Type)
	assert.Equal(t, time.Second, cfg.Broker.SweepInterval)
	assert.Equal(t, 3, cfg.Broker.DefaultMaxRetries)
	assert.Equal(t, "routeq", cfg.Monitoring.Namespace)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	configContent := `
broker:
  sweep_interval: 250ms
  default_max_retries: 5

serialization:
  type: "json"
  json_library: "sonic"

storage:
  data_dir: "/tmp/routeq-test"

logging:
  level: "debug"
  format: "text"

topology:
  exchanges:
    - name: "events"
      kind: "topic"
    - name: "dlx"
      kind: "direct"
  queues:
    - name: "orders"
      durable: true
      max_length: 1000
      dead_letter_exchange: "dlx"
      dead_letter_routing_key: "dead"
    - name: "graveyard"
  bindings:
    - exchange: "events"
      pattern: "order.#"
      queue: "orders"
    - exchange: "dlx"
      pattern: "dead"
      queue: "graveyard"
`
	path := filepath.Join(t.TempDir(), "routeq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Broker.SweepInterval)
	assert.Equal(t, 5, cfg.Broker.DefaultMaxRetries)
	assert.Equal(t, SerializationJSON, cfg.Serialization.Type)
	assert.Equal(t, "sonic", cfg.Serialization.JSONLibrary)
	assert.Equal(t, "/tmp/routeq-test", cfg.Storage.DataDir)
	assert.Equal(t, "text", cfg.Logging.Format)

	require.Len(t, cfg.Topology.Exchanges, 2)
	require.Len(t, cfg.Topology.Queues, 2)
	require.Len(t, cfg.Topology.Bindings, 2)
	assert.Equal(t, "order.#", cfg.Topology.Bindings[0].Pattern)
	assert.True(t, cfg.Topology.Queues[0].Durable)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, SerializationCBOR, cfg.Serialization.Type)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad serialization type", func(c *Config) { c.Serialization.Type = "xml" }},
		{"bad json library", func(c *Config) { c.Serialization.JSONLibrary = "jsoniter" }},
		{"zero sweep interval", func(c *Config) { c.Broker.SweepInterval = 0 }},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad logging format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exchange kind", func(c *Config) {
			c.Topology.Exchanges = []ExchangeDef{{Name: "e", Kind: "headers"}}
		}},
		{"binding to undeclared exchange", func(c *Config) {
			c.Topology.Queues = []QueueDef{{Name: "q"}}
			c.Topology.Bindings = []BindingDef{{Exchange: "missing", Pattern: "k", Queue: "q"}}
		}},
		{"binding to undeclared queue", func(c *Config) {
			c.Topology.Exchanges = []ExchangeDef{{Name: "e", Kind: "direct"}}
			c.Topology.Bindings = []BindingDef{{Exchange: "e", Pattern: "k", Queue: "missing"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ROUTEQ_LOGGING_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
