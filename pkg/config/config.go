package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SerializationType defines the envelope serialization format
type SerializationType string

const (
	SerializationCBOR    SerializationType = "cbor"
	SerializationJSON    SerializationType = "json"
	SerializationMsgPack SerializationType = "msgpack"
)

// SerializationConfig holds serialization settings
type SerializationConfig struct {
	Type        SerializationType `mapstructure:"type" yaml:"type" json:"type"`
	JSONLibrary string            `mapstructure:"json_library" yaml:"json_library" json:"json_library"` // "standard" or "sonic"
}

// StorageConfig holds journal settings for durable queues
type StorageConfig struct {
	DataDir           string        `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	SyncInterval      time.Duration `mapstructure:"sync_interval" yaml:"sync_interval" json:"sync_interval"`
	CompressThreshold int           `mapstructure:"compress_threshold_bytes" yaml:"compress_threshold_bytes" json:"compress_threshold_bytes"`
}

// BrokerConfig holds broker-wide settings
type BrokerConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries" yaml:"default_max_retries" json:"default_max_retries"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`
}

// MonitoringConfig holds the metrics endpoint settings
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // "json" or "text"
}

// ExchangeDef declares one exchange in the topology
type ExchangeDef struct {
	Name string `mapstructure:"name" yaml:"name" json:"name"`
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"` // "direct", "topic", "fanout"
}

// QueueDef declares one queue in the topology
type QueueDef struct {
	Name                 string        `mapstructure:"name" yaml:"name" json:"name"`
	Durable              bool          `mapstructure:"durable" yaml:"durable" json:"durable"`
	TTL                  time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	MaxLength            int           `mapstructure:"max_length" yaml:"max_length" json:"max_length"`
	DeadLetterExchange   string        `mapstructure:"dead_letter_exchange" yaml:"dead_letter_exchange" json:"dead_letter_exchange"`
	DeadLetterRoutingKey string        `mapstructure:"dead_letter_routing_key" yaml:"dead_letter_routing_key" json:"dead_letter_routing_key"`
}

// BindingDef declares one binding in the topology
type BindingDef struct {
	Exchange string `mapstructure:"exchange" yaml:"exchange" json:"exchange"`
	Pattern  string `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	Queue    string `mapstructure:"queue" yaml:"queue" json:"queue"`
}

// Topology declares exchanges, queues, and bindings to apply at startup
type Topology struct {
	Exchanges []ExchangeDef `mapstructure:"exchanges" yaml:"exchanges" json:"exchanges"`
	Queues    []QueueDef    `mapstructure:"queues" yaml:"queues" json:"queues"`
	Bindings  []BindingDef  `mapstructure:"bindings" yaml:"bindings" json:"bindings"`
}

// Config represents the main configuration structure
type Config struct {
	Broker        BrokerConfig        `mapstructure:"broker" yaml:"broker" json:"broker"`
	Serialization SerializationConfig `mapstructure:"serialization" yaml:"serialization" json:"serialization"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage" json:"storage"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging" json:"logging"`
	Topology      Topology            `mapstructure:"topology" yaml:"topology" json:"topology"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			SweepInterval:     time.Second,
			DefaultMaxRetries: 3,
			ShutdownGrace:     5 * time.Second,
		},
		Serialization: SerializationConfig{
			Type:        SerializationCBOR,
			JSONLibrary: "standard",
		},
		Storage: StorageConfig{
			DataDir:           "./data",
			SyncInterval:      100 * time.Millisecond,
			CompressThreshold: 256,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			ListenAddr:  ":9090",
			MetricsPath: "/metrics",
			Namespace:   "routeq",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from file and ROUTEQ_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	config := DefaultConfig()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("routeq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/routeq")
	}

	v.SetEnvPrefix("ROUTEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every leaf key with viper so environment variables
// are picked up even when no config file sets them.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("broker.sweep_interval", c.Broker.SweepInterval)
	v.SetDefault("broker.default_max_retries", c.Broker.DefaultMaxRetries)
	v.SetDefault("broker.shutdown_grace", c.Broker.ShutdownGrace)
	v.SetDefault("serialization.type", string(c.Serialization.Type))
	v.SetDefault("serialization.json_library", c.Serialization.JSONLibrary)
	v.SetDefault("storage.data_dir", c.Storage.DataDir)
	v.SetDefault("storage.sync_interval", c.Storage.SyncInterval)
	v.SetDefault("storage.compress_threshold_bytes", c.Storage.CompressThreshold)
	v.SetDefault("monitoring.enabled", c.Monitoring.Enabled)
	v.SetDefault("monitoring.listen_addr", c.Monitoring.ListenAddr)
	v.SetDefault("monitoring.metrics_path", c.Monitoring.MetricsPath)
	v.SetDefault("monitoring.namespace", c.Monitoring.Namespace)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Serialization.Type {
	case SerializationCBOR, SerializationJSON, SerializationMsgPack:
	default:
		return fmt.Errorf("invalid serialization type: %s", c.Serialization.Type)
	}

	switch c.Serialization.JSONLibrary {
	case "", "standard", "sonic":
	default:
		return fmt.Errorf("invalid json library: %s", c.Serialization.JSONLibrary)
	}

	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be greater than 0")
	}
	if c.Broker.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must not be negative")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir must not be empty")
	}
	if c.Storage.SyncInterval <= 0 {
		return fmt.Errorf("storage sync interval must be greater than 0")
	}
	if c.Storage.CompressThreshold < 0 {
		return fmt.Errorf("compress threshold must not be negative")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	seenExchanges := make(map[string]struct{}, len(c.Topology.Exchanges))
	for _, e := range c.Topology.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("topology exchange without a name")
		}
		switch e.Kind {
		case "direct", "topic", "fanout":
		default:
			return fmt.Errorf("exchange %q: invalid kind %q", e.Name, e.Kind)
		}
		seenExchanges[e.Name] = struct{}{}
	}

	seenQueues := make(map[string]struct{}, len(c.Topology.Queues))
	for _, q := range c.Topology.Queues {
		if q.Name == "" {
			return fmt.Errorf("topology queue without a name")
		}
		if q.MaxLength < 0 {
			return fmt.Errorf("queue %q: max length must not be negative", q.Name)
		}
		if q.TTL < 0 {
			return fmt.Errorf("queue %q: ttl must not be negative", q.Name)
		}
		seenQueues[q.Name] = struct{}{}
	}

	for _, b := range c.Topology.Bindings {
		if _, ok := seenExchanges[b.Exchange]; !ok {
			return fmt.Errorf("binding references undeclared exchange %q", b.Exchange)
		}
		if _, ok := seenQueues[b.Queue]; !ok {
			return fmt.Errorf("binding references undeclared queue %q", b.Queue)
		}
	}

	return nil
}
