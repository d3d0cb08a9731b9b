// Package config loads the provenance service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/helius"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
)

// Config is the root configuration structure.
type Config struct {
	General    GeneralConfig      `yaml:"general"`
	Helius     helius.Config      `yaml:"helius"`
	Solana     SolanaConfig       `yaml:"solana"`
	Trace      graph.TracerConfig `yaml:"trace"`
	Offspring  offspring.Config   `yaml:"offspring"`
	Entity     entity.Config      `yaml:"entity"`
	Registry   RegistryConfig     `yaml:"registry"`
	Postgres   PostgresConfig     `yaml:"postgres"`
	Redis      RedisConfig        `yaml:"redis"`
	Kafka      KafkaConfig        `yaml:"kafka"`
	ClickHouse ClickHouseConfig   `yaml:"clickhouse"`
	Stream     StreamConfig       `yaml:"stream"`
	HTTP       HTTPConfig         `yaml:"http"`
	Metrics    MetricsConfig      `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

// SolanaConfig points at a plain JSON-RPC node used when DAS metadata names
// no creator.
type SolanaConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	CreatorPages int    `yaml:"creator_pages"`
}

type RegistryConfig struct {
	// ExchangeWallets extends the built-in exchange list, address → name.
	ExchangeWallets map[string]string `yaml:"exchange_wallets"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"` // empty = in-process cache
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	MetadataTTL time.Duration `yaml:"metadata_ttl"`
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
	ConsumeRaw    bool     `yaml:"consume_raw"` // read webhook payloads from the raw topic

	HandleAttempts int           `yaml:"handle_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxPollRecords int           `yaml:"max_poll_records"`
}

type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Database      string        `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// StreamConfig configures the live websocket stream of tracked addresses.
type StreamConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	Monitor       solana.MonitorConfig `yaml:"monitor"`
	BatchSize     int                  `yaml:"batch_size"`     // signatures resolved per fetch
	BatchWait     time.Duration        `yaml:"batch_wait"`     // max wait before a partial batch is fetched
	IndexRefresh  time.Duration        `yaml:"index_refresh"`  // 0 disables periodic index reloads
	RetryAttempts int                  `yaml:"retry_attempts"` // tries per failed batch
	RetryBackoff  time.Duration        `yaml:"retry_backoff"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	WebhookSecret string        `yaml:"webhook_secret"` // matched against the Authorization header when set
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	MaxTraceDepth int           `yaml:"max_trace_depth"` // upper bound for ?depth= on /trace
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used for keys a file omits.
func Default() *Config {
	monitor := solana.DefaultMonitorConfig()
	monitor.WSEndpoint = "" // derived from the Helius key unless set
	return &Config{
		Helius:    helius.DefaultConfig(),
		Trace:     graph.DefaultTracerConfig(),
		Offspring: offspring.DefaultConfig(),
		Entity:    entity.DefaultConfig(),
		Stream:    StreamConfig{Monitor: monitor},
		Postgres:  PostgresConfig{Migrate: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// Load reads and parses a YAML configuration file. ${VAR} references are
// expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "provenance-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Solana.CreatorPages == 0 {
		cfg.Solana.CreatorPages = 3
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}
	if cfg.Redis.MetadataTTL == 0 {
		cfg.Redis.MetadataTTL = 24 * time.Hour
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "provenance"
	}
	if cfg.Kafka.HandleAttempts <= 0 {
		cfg.Kafka.HandleAttempts = 3
	}
	if cfg.Kafka.RetryBackoff <= 0 {
		cfg.Kafka.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Kafka.MaxPollRecords <= 0 {
		cfg.Kafka.MaxPollRecords = 100
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "provenance"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 5 * time.Second
	}
	if cfg.Stream.Monitor.WSEndpoint == "" && cfg.Helius.APIKey != "" {
		cfg.Stream.Monitor.WSEndpoint = "wss://mainnet.helius-rpc.com/?api-key=" + cfg.Helius.APIKey
	}
	if cfg.Stream.BatchSize == 0 {
		cfg.Stream.BatchSize = 50
	}
	if cfg.Stream.BatchWait == 0 {
		cfg.Stream.BatchWait = 2 * time.Second
	}
	if cfg.Stream.RetryAttempts <= 0 {
		cfg.Stream.RetryAttempts = 3
	}
	if cfg.Stream.RetryBackoff <= 0 {
		cfg.Stream.RetryBackoff = time.Second
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 2 * time.Minute
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 8 << 20
	}
	if cfg.HTTP.MaxTraceDepth <= 0 {
		cfg.HTTP.MaxTraceDepth = 5
	}
}

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.General.Environment {
	case "production", "staging", "development":
	default:
		errs = append(errs, fmt.Errorf("general.environment %q is not production, staging or development", c.General.Environment))
	}
	if c.Trace.TopK < 1 {
		errs = append(errs, errors.New("trace.top_k must be at least 1"))
	}
	if c.Trace.MaxDepth < 0 {
		errs = append(errs, errors.New("trace.max_depth must not be negative"))
	}
	if c.Trace.MinFundingSOL < 0 {
		errs = append(errs, errors.New("trace.min_funding_sol must not be negative"))
	}
	if c.Offspring.MaxDepth < 0 {
		errs = append(errs, errors.New("offspring.max_depth must not be negative"))
	}
	if c.Offspring.MinTransferSOL < 0 {
		errs = append(errs, errors.New("offspring.min_transfer_sol must not be negative"))
	}
	if c.Helius.RateLimitRPS <= 0 {
		errs = append(errs, errors.New("helius.rate_limit_rps must be positive"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		errs = append(errs, errors.New("clickhouse.dsn is required when clickhouse is enabled"))
	}
	if c.Stream.Enabled && c.Stream.Monitor.WSEndpoint == "" {
		errs = append(errs, errors.New("stream.monitor.ws_endpoint is required when the stream is enabled"))
	}
	return errors.Join(errs...)
}

// ValidateLive checks what a run against real services needs on top of
// Validate.
func (c *Config) ValidateLive() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Helius.APIKey == "" {
		errs = append(errs, errors.New("helius.api_key is required"))
	}
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	return errors.Join(errs...)
}
