package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Client  ClientConfig
	Retry   RetryConfig
	Cache   CacheConfig
	Queue   QueueConfig
	Storage StorageConfig
	Observe ObserveConfig
	Server  ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`
}

// ClientConfig describes the backend the core talks to.
type ClientConfig struct {
	BaseURL               string `env:"API_BASE_URL, required"`
	RequestTimeoutSeconds int    `env:"API_REQUEST_TIMEOUT_SECS, default=15"`
	RefreshPath           string `env:"API_REFRESH_PATH, default=/auth/refresh"`
	TokenSkewSeconds      int    `env:"API_TOKEN_SKEW_SECS, default=30"`

	// PolicyFile is an optional YAML file mapping resource prefixes to cache
	// tags and TTLs.
	PolicyFile string `env:"RESOURCE_POLICY_FILE"`

	OutgoingHTTPMaxIdleConns    int `env:"API_OUTGOING_MAX_IDLE_CONNS, default=20"`
	OutgoingHTTPMaxConnsPerHost int `env:"API_OUTGOING_MAX_CONNS_PER_HOST, default=6"`
}

func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c ClientConfig) TokenSkew() time.Duration {
	return time.Duration(c.TokenSkewSeconds) * time.Second
}

// RetryConfig is the default retry policy for retryable failures.
type RetryConfig struct {
	MaxAttempts           int `env:"RETRY_MAX_ATTEMPTS, default=3"`
	InitialIntervalMillis int `env:"RETRY_INITIAL_INTERVAL_MS, default=250"`
	MaxIntervalMillis     int `env:"RETRY_MAX_INTERVAL_MS, default=5000"`
}

func (c RetryConfig) InitialInterval() time.Duration {
	return time.Duration(c.InitialIntervalMillis) * time.Millisecond
}

func (c RetryConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMillis) * time.Millisecond
}

// CacheConfig specifies the response cache.
type CacheConfig struct {
	MaxEntries        int `env:"CACHE_MAX_ENTRIES, default=1000"`
	DefaultTTLSeconds int `env:"CACHE_DEFAULT_TTL_SECS, default=60"`
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// QueueConfig specifies offline mutation queue replay.
type QueueConfig struct {
	MaxAttempts      int     `env:"QUEUE_MAX_ATTEMPTS, default=5"`
	DrainConcurrency int     `env:"QUEUE_DRAIN_CONCURRENCY, default=4"`
	ReplayRate       float64 `env:"QUEUE_REPLAY_RATE, default=10"`
}

// StorageConfig specifies the persisted key-value store.
type StorageConfig struct {
	// Type selects the implementation: "sqlite" (default) or "memory".
	Type string `env:"STORAGE_TYPE, default=sqlite"`

	// Path is the sqlite database file.
	Path string `env:"STORAGE_PATH, default=sync-bridge.db"`

	// Encryption holds at-rest encryption settings.
	Encryption StorageEncryptionConfig
}

// StorageEncryptionConfig holds settings for encrypting stored values.
type StorageEncryptionConfig struct {
	Enabled bool `env:"STORAGE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a cleartext Tink keyset in JSON format, as written by
	// cmd/keyset.
	KeysetFile string `env:"STORAGE_ENCRYPTION_KEYSET_FILE"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=sync-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Client.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid client configuration: %w", err)
	}

	if err := cfg.Storage.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid storage configuration: %w", err)
	}

	if err := cfg.Queue.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid queue configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the backend URL is absolute.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("API_BASE_URL could not be parsed: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL: %q", c.BaseURL)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("API_REQUEST_TIMEOUT_SECS must be positive")
	}
	return nil
}

// Validate checks that the storage configuration is valid.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("STORAGE_PATH required when STORAGE_TYPE=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid STORAGE_TYPE %q: must be either \"sqlite\" or \"memory\"", c.Type)
	}

	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		return fmt.Errorf("STORAGE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
	}

	return nil
}

func (c *QueueConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.DrainConcurrency < 1 {
		return fmt.Errorf("QUEUE_DRAIN_CONCURRENCY must be at least 1")
	}
	return nil
}
